// Copyright (C) 2014 Nippon Telegraph and Telephone Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package collision implements RFC 4271 section 6.8's connection
// collision resolution. When a Listener's inbound connection for a
// peer reaches OPEN reception while an outbound Session already holds
// a connection for that same peer (or the reverse), exactly one must
// survive. IncomingConnection and OutboundConnection are the two call
// directions. Both compare the same BGP identifiers, and their verdicts
// are mirror images: the speaker with the higher identifier keeps the
// connection it initiated.
package collision

import (
	"encoding/binary"
	"net"

	"github.com/lucazulian/bgp/fsm"
)

// Result is the arbiter's verdict for the newly-arriving connection.
type Result int

const (
	// Continue means no collision exists yet (the existing connection
	// has not reached open_sent or later): the caller keeps its new
	// connection and proceeds normally.
	Continue Result = iota
	// Collision means the caller's new connection loses and must be
	// torn down immediately; the existing connection is unaffected.
	Collision
	// Close means the caller's new connection wins. The existing
	// connection's owner must feed its FSM an open_collision_dump
	// event (closing with NOTIFICATION{Cease}) and the caller keeps
	// its connection.
	Close
)

func ip4Uint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}

// check is the arbitration rule for an inbound caller: an established
// existing connection always stays; in open_sent or open_confirm the
// local and peer BGP identifiers are compared as unsigned 32-bit
// network-byte-order integers; earlier states cannot collide yet.
func check(existing fsm.State, local, peer net.IP) Result {
	switch existing {
	case fsm.Established:
		return Collision
	case fsm.OpenSent, fsm.OpenConfirm:
		if ip4Uint32(local) > ip4Uint32(peer) {
			return Collision
		}
		return Close
	default:
		return Continue
	}
}

// IncomingConnection is called by a Listener handler on the Session
// already registered for peerBGPID, passing that Session's own FSM
// state (existingState) and the two speakers' BGP identifiers. The
// result tells the Listener whether to keep its new inbound
// connection, tear it down, or (via Close) keep it while the Session
// yields its own.
func IncomingConnection(existingState fsm.State, localBGPID, peerBGPID net.IP) Result {
	return check(existingState, localBGPID, peerBGPID)
}

// OutboundConnection is the converse call: made by a Session about to
// send OPEN when it finds a Listener handler already registered for
// the same peer. existingState is that Listener handler's FSM state.
// In open_sent/open_confirm the verdict mirrors IncomingConnection: a
// higher local identifier keeps this outbound connection (Close), a
// lower one yields it (Collision). Other states behave as for
// IncomingConnection.
func OutboundConnection(existingState fsm.State, localBGPID, peerBGPID net.IP) Result {
	switch existingState {
	case fsm.OpenSent, fsm.OpenConfirm:
		if ip4Uint32(localBGPID) > ip4Uint32(peerBGPID) {
			return Close
		}
		return Collision
	}
	return check(existingState, localBGPID, peerBGPID)
}
