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

// Package peerhandle defines the narrow interface session.Session and
// listener.Handler each implement and each hold the other behind, so
// that a Session can arbitrate against a registered Listener handler
// (and vice versa) without the two packages importing one another.
package peerhandle

import "github.com/lucazulian/bgp/fsm"

// Peer is whatever a registered connection handler (Session or
// Listener) exposes to the collision arbiter. Both sides already know
// their own local BGP identifier and the peer's configured BGP
// identifier from PeerConfig, so only the handler's live state and the
// collision-loss callback need crossing the package boundary.
type Peer interface {
	// State returns the handler's current FSM state.
	State() fsm.State
	// CollisionDump feeds the handler's FSM an open_collision_dump
	// event, as required of the losing side of a collision.
	CollisionDump()
}
