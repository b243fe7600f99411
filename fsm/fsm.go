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

// Package fsm implements the BGP-4 peer session state machine (RFC
// 4271 section 8) as a pure function: (FSM, Event, now) -> (FSM,
// []Effect). No socket, no goroutine, no global state lives here; the
// transition decision comes back as data, so session.Session and
// listener.Handler (and tests) replay the same logic without a
// network underneath them.
package fsm

import (
	"net"
	"time"

	"github.com/lucazulian/bgp/codec"
	"github.com/lucazulian/bgp/timer"
)

// State is one of the six RFC 4271 section 8 session states.
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connect:
		return "connect"
	case Active:
		return "active"
	case OpenSent:
		return "open_sent"
	case OpenConfirm:
		return "open_confirm"
	case Established:
		return "established"
	}
	return "unknown"
}

// Mode is the peer's configured connection mode.
type Mode int

const (
	ModeActive Mode = iota
	ModePassive
)

// TCPOutcome qualifies a {tcp_connection, ...} event.
type TCPOutcome int

const (
	TCPSucceeds TCPOutcome = iota
	TCPFails
	TCPConfirmed
)

// DelayOpenConfig controls the optional DelayOpen timer (RFC 4271
// section 8.1.1).
type DelayOpenConfig struct {
	Enabled bool
	Seconds int
}

// PeerConfig is the immutable-after-start peer configuration
// snapshot. Defaults are applied by DefaultPeerConfig before the FSM
// ever sees it.
type PeerConfig struct {
	ASN                     uint32
	BGPID                   net.IP
	Host                    string
	Port                    uint16
	Mode                    Mode
	ConnectRetrySeconds     int
	HoldTimeSeconds         int
	KeepAliveSeconds        int
	DelayOpen               DelayOpenConfig
	ASOriginationSeconds    int
	RouteAdvertisementSecs  int
	NotificationWithoutOpen bool
	Automatic               bool
}

// DefaultPeerConfig returns a PeerConfig with every protocol default
// applied; callers override only the fields that differ.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		ASN:                     23456,
		Port:                    179,
		Mode:                    ModeActive,
		ConnectRetrySeconds:     120,
		HoldTimeSeconds:         90,
		KeepAliveSeconds:        30,
		DelayOpen:               DelayOpenConfig{Enabled: true, Seconds: 5},
		ASOriginationSeconds:    15,
		RouteAdvertisementSecs:  30,
		NotificationWithoutOpen: true,
		Automatic:               true,
	}
}

// EventKind distinguishes the input event shapes the drivers feed the
// machine.
type EventKind int

const (
	EvStart EventKind = iota
	EvStop
	EvTCPConnection
	EvRecv
	EvSend
	EvTimerExpired
	EvErrorCollisionDump
)

// Event is the tagged union of FSM inputs. Only the fields relevant to
// Kind are read.
type Event struct {
	Kind EventKind

	// EvStart / EvStop
	Automatic bool
	Mode      Mode

	// EvTCPConnection
	TCP TCPOutcome

	// EvRecv / EvSend
	Message *codec.Message

	// EvTimerExpired
	Timer timer.Name
}

// EffectKind distinguishes the side effects a transition can request,
// including the UPDATE-bubbling effect established() uses to surface
// a decoded UPDATE to the RDE seam.
type EffectKind int

const (
	EffectSend EffectKind = iota
	EffectTCPConnect
	EffectTCPDisconnect
	EffectTCPReconnect
	EffectDeliverUpdate
)

// Effect is one ordered side effect for the driver (Session/Listener)
// to carry out. Effects never mutate the FSM; they are applied by the
// caller after Step returns.
type Effect struct {
	Kind    EffectKind
	Message *codec.Message
}

// FSM is the complete per-peer session state. It is a plain value:
// copying it copies the whole session snapshot, and Step never
// mutates its receiver in place.
type FSM struct {
	State State

	LocalASN   uint32
	LocalBGPID net.IP

	Peer PeerConfig

	// Internal is true iff Peer.ASN == LocalASN (iBGP).
	Internal bool

	ConnectRetryTimer timer.Timer
	DelayOpenTimer    timer.Timer
	HoldTimer         timer.Timer
	KeepAliveTimer    timer.Timer

	ConnectRetryCounter int

	// NegotiatedHoldTime is set once OPEN/OPEN exchange completes; 0
	// means hold-time and keep-alive are both disabled.
	NegotiatedHoldTime int

	Caps codec.Capabilities
}

// New builds an idle FSM for peer, ready to receive its first
// {start, ...} event.
func New(localASN uint32, localBGPID net.IP, peer PeerConfig) FSM {
	return FSM{
		State:             Idle,
		LocalASN:          localASN,
		LocalBGPID:        localBGPID,
		Peer:              peer,
		ConnectRetryTimer: timer.New(timer.ConnectRetry, peer.ConnectRetrySeconds),
		DelayOpenTimer:    timer.New(timer.DelayOpen, peer.DelayOpen.Seconds),
		HoldTimer:         timer.New(timer.HoldTime, peer.HoldTimeSeconds),
		KeepAliveTimer:    timer.New(timer.KeepAlive, peer.KeepAliveSeconds),
	}
}

func openMessage(f FSM) *codec.Message {
	caps := []codec.Capability{
		codec.NewMultiProtocolCapability(1, 1), // AFI=1 (IPv4), SAFI=1 (unicast)
		codec.NewRouteRefreshCapability(),
		codec.NewExtendedMessageCapability(),
		codec.NewFourOctetASNCapability(f.LocalASN),
	}
	wireASN := f.LocalASN
	if f.LocalASN > 0xffff {
		wireASN = uint32(codec.ASTrans)
	}
	return &codec.Message{
		Type: codec.MsgOpen,
		Open: &codec.OpenMessage{
			ASN:      uint16(wireASN),
			HoldTime: uint16(f.Peer.HoldTimeSeconds),
			BGPID:    f.LocalBGPID,
			Caps:     caps,
		},
	}
}

func keepaliveMessage() *codec.Message {
	return &codec.Message{Type: codec.MsgKeepalive}
}

func notificationMessage(n *codec.NotificationMessage) *codec.Message {
	return &codec.Message{Type: codec.MsgNotification, Notification: n}
}

func sendEffect(m *codec.Message) Effect { return Effect{Kind: EffectSend, Message: m} }

var (
	connectEffect    = Effect{Kind: EffectTCPConnect}
	disconnectEffect = Effect{Kind: EffectTCPDisconnect}
	reconnectEffect  = Effect{Kind: EffectTCPReconnect}
)

// defaultTransition is the fallback for every event a state's
// explicit table does not cover: back to idle, increment the
// connect-retry counter, disconnect.
func defaultTransition(f FSM) (FSM, []Effect) {
	f.State = Idle
	f.ConnectRetryCounter++
	f = stopAllTimers(f)
	return f, []Effect{disconnectEffect}
}

func stopAllTimers(f FSM) FSM {
	f.ConnectRetryTimer = f.ConnectRetryTimer.Stop()
	f.DelayOpenTimer = f.DelayOpenTimer.Stop()
	f.HoldTimer = f.HoldTimer.Stop()
	f.KeepAliveTimer = f.KeepAliveTimer.Stop()
	return f
}

// isStaleTimerEvent reports whether ev is a {timer, name, expired}
// event whose named timer is no longer running in f. An expiry
// delivery racing a stop is tolerated silently.
func isStaleTimerEvent(f FSM, ev Event) bool {
	if ev.Kind != EvTimerExpired {
		return false
	}
	switch ev.Timer {
	case timer.ConnectRetry:
		return !f.ConnectRetryTimer.Running
	case timer.DelayOpen:
		return !f.DelayOpenTimer.Running
	case timer.HoldTime:
		return !f.HoldTimer.Running
	case timer.KeepAlive:
		return !f.KeepAliveTimer.Running
	}
	return false
}

// Step is the pure transition function: given the current FSM, an
// input event, and the clock reading to stamp any timer (re)start
// with, it returns the next FSM value and the ordered effects the
// caller must carry out. Step never performs I/O and never reads the
// system clock itself, so the same (f, ev, now) triple always yields
// the same result.
func Step(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	if isStaleTimerEvent(f, ev) {
		return f, nil
	}

	// Administrative stop and encoder-originated notifications cut
	// across every non-idle state identically, so they are handled
	// before the per-state tables.
	if f.State != Idle {
		switch ev.Kind {
		case EvStop:
			return stop(f, ev)
		case EvSend:
			return sendAndClose(f, ev)
		case EvErrorCollisionDump:
			return collisionDump(f)
		}
	}

	switch f.State {
	case Idle:
		return idle(f, ev, now)
	case Connect:
		return connect(f, ev, now)
	case Active:
		return active(f, ev, now)
	case OpenSent:
		return openSent(f, ev, now)
	case OpenConfirm:
		return openConfirm(f, ev, now)
	case Established:
		return established(f, ev, now)
	}
	return f, nil
}

// stop handles {stop, manual|automatic} from any non-idle state: a
// NOTIFICATION{Cease} where policy allows one, a disconnect, and back
// to idle. The manual flavor zeros the connect-retry counter; the
// automatic flavor increments it so an operator can observe flapping.
func stop(f FSM, ev Event) (FSM, []Effect) {
	hadOpen := f.State == OpenSent || f.State == OpenConfirm || f.State == Established
	f.State = Idle
	f = stopAllTimers(f)
	if ev.Automatic {
		f.ConnectRetryCounter++
	} else {
		f.ConnectRetryCounter = 0
	}
	var effects []Effect
	if hadOpen || f.Peer.NotificationWithoutOpen {
		effects = append(effects, sendEffect(notificationMessage(codec.NewCease())))
	}
	effects = append(effects, disconnectEffect)
	return f, effects
}

// sendAndClose handles {send, message}: the driver decoded a protocol
// fault and hands the resulting NOTIFICATION in for delivery. The FSM
// forwards it, disconnects and re-enters idle without touching the
// connect-retry counter (the fault is the peer's, not a local FSM
// error).
func sendAndClose(f FSM, ev Event) (FSM, []Effect) {
	f.State = Idle
	f = stopAllTimers(f)
	return f, []Effect{sendEffect(ev.Message), disconnectEffect}
}

// collisionDump handles {error, open_collision_dump}: this connection
// lost collision arbitration and closes with NOTIFICATION{Cease},
// regardless of how far its handshake had progressed.
func collisionDump(f FSM) (FSM, []Effect) {
	f.State = Idle
	f = stopAllTimers(f)
	return f, []Effect{sendEffect(notificationMessage(codec.NewCease())), disconnectEffect}
}

func idle(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	if ev.Kind == EvStart {
		f.ConnectRetryCounter = 0
		f.ConnectRetryTimer = f.ConnectRetryTimer.Start(now)
		switch ev.Mode {
		case ModeActive:
			f.State = Connect
			return f, []Effect{connectEffect}
		case ModePassive:
			f.State = Active
			return f, nil
		}
	}
	return f, nil
}

func connect(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	switch ev.Kind {
	case EvTimerExpired:
		if ev.Timer == timer.ConnectRetry {
			f.ConnectRetryTimer = f.ConnectRetryTimer.Restart(now)
			f.DelayOpenTimer = f.DelayOpenTimer.Stop()
			return f, []Effect{reconnectEffect}
		}
		if ev.Timer == timer.DelayOpen {
			f.State = OpenSent
			f.HoldTimer = f.HoldTimer.Start(now)
			return f, []Effect{sendEffect(openMessage(f))}
		}
	case EvTCPConnection:
		if ev.TCP == TCPSucceeds || ev.TCP == TCPConfirmed {
			if f.Peer.DelayOpen.Enabled {
				f.ConnectRetryTimer = f.ConnectRetryTimer.Stop()
				f.DelayOpenTimer = f.DelayOpenTimer.Start(now)
				return f, nil
			}
			f.State = OpenSent
			f.HoldTimer = f.HoldTimer.Start(now)
			return f, []Effect{sendEffect(openMessage(f))}
		}
		if ev.TCP == TCPFails {
			if f.DelayOpenTimer.Running {
				f.State = Active
				f.ConnectRetryTimer = f.ConnectRetryTimer.Restart(now)
				return f, nil
			}
			f.State = Idle
			f = stopAllTimers(f)
			return f, nil
		}
	case EvRecv:
		if ev.Message.Type == codec.MsgOpen && f.DelayOpenTimer.Running {
			return openReceivedDuringConnectOrActive(f, ev, now)
		}
		if ev.Message.Type == codec.MsgNotification && isUnsupportedVersion(ev.Message.Notification) {
			delayWasRunning := f.DelayOpenTimer.Running
			f.State = Idle
			f = stopAllTimers(f)
			if !delayWasRunning {
				f.ConnectRetryCounter++
			}
			return f, nil
		}
	}
	return defaultTransition(f)
}

func openReceivedDuringConnectOrActive(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	f.State = OpenConfirm
	f.ConnectRetryTimer = f.ConnectRetryTimer.Stop()
	f.DelayOpenTimer = f.DelayOpenTimer.Stop()
	f.Internal = asnMatches(ev.Message.Open, f.LocalASN)
	negotiateCaps(&f, ev.Message.Open)
	negotiateHoldAndKeepAlive(&f, int(ev.Message.Open.HoldTime), now)
	return f, []Effect{sendEffect(openMessage(f)), sendEffect(keepaliveMessage())}
}

// negotiateCaps records the capabilities in effect for the rest of the
// session. Every capability this speaker understands is advertised in
// its own OPEN, so a capability is negotiated exactly when the peer
// offered it too.
func negotiateCaps(f *FSM, o *codec.OpenMessage) {
	f.Caps = codec.Capabilities{
		FourOctetASN:    o.HasCapability(codec.CapFourOctetsASN),
		ExtendedMessage: o.HasCapability(codec.CapExtendedMessage),
		RouteRefresh:    o.HasCapability(codec.CapRouteRefresh),
	}
}

func asnMatches(o *codec.OpenMessage, localASN uint32) bool {
	if asn, ok := o.FourOctetASN(); ok {
		return asn == localASN
	}
	return uint32(o.ASN) == localASN
}

func negotiateHoldAndKeepAlive(f *FSM, peerHoldTime int, now time.Time) {
	if peerHoldTime > 0 {
		hold := f.Peer.HoldTimeSeconds
		if peerHoldTime < hold {
			hold = peerHoldTime
		}
		f.NegotiatedHoldTime = hold
		f.HoldTimer.Seconds = hold
		f.KeepAliveTimer.Seconds = hold / 3
		f.HoldTimer = f.HoldTimer.Start(now)
		f.KeepAliveTimer = f.KeepAliveTimer.Start(now)
	} else {
		f.NegotiatedHoldTime = 0
		f.HoldTimer = f.HoldTimer.Stop()
		f.KeepAliveTimer = f.KeepAliveTimer.Stop()
	}
}

func isUnsupportedVersion(n *codec.NotificationMessage) bool {
	return n.Code == codec.NotifOpenMessage && n.Subcode == codec.SubcodeUnsupportedVersionNumber
}

func active(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	switch ev.Kind {
	case EvTimerExpired:
		if ev.Timer == timer.ConnectRetry {
			f.State = Connect
			f.ConnectRetryTimer = f.ConnectRetryTimer.Restart(now)
			return f, nil
		}
		if ev.Timer == timer.DelayOpen {
			f.State = OpenSent
			f.HoldTimer = f.HoldTimer.Start(now)
			return f, []Effect{sendEffect(openMessage(f))}
		}
	case EvTCPConnection:
		if ev.TCP == TCPSucceeds || ev.TCP == TCPConfirmed {
			if f.Peer.DelayOpen.Enabled {
				f.DelayOpenTimer = f.DelayOpenTimer.Start(now)
				return f, nil
			}
			f.State = OpenSent
			f.HoldTimer = f.HoldTimer.Start(now)
			return f, []Effect{sendEffect(openMessage(f))}
		}
		if ev.TCP == TCPFails {
			f.State = Idle
			f.ConnectRetryTimer = f.ConnectRetryTimer.Restart(now)
			f.ConnectRetryCounter++
			return f, nil
		}
	case EvRecv:
		if ev.Message.Type == codec.MsgOpen {
			return openReceivedDuringConnectOrActive(f, ev, now)
		}
	}
	return defaultTransition(f)
}

func openSent(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	switch ev.Kind {
	case EvTimerExpired:
		if ev.Timer == timer.HoldTime {
			f.State = Idle
			f.ConnectRetryCounter++
			f = stopAllTimers(f)
			return f, []Effect{sendEffect(notificationMessage(codec.NewHoldTimerExpired())), disconnectEffect}
		}
	case EvTCPConnection:
		if ev.TCP == TCPFails {
			f.State = Active
			f.ConnectRetryTimer = f.ConnectRetryTimer.Restart(now)
			return f, nil
		}
	case EvRecv:
		switch ev.Message.Type {
		case codec.MsgOpen:
			o := ev.Message.Open
			f.Internal = asnMatches(o, f.LocalASN)
			negotiateCaps(&f, o)
			if o.HoldTime > 0 {
				f.State = OpenConfirm
				negotiateHoldAndKeepAlive(&f, int(o.HoldTime), now)
				return f, []Effect{sendEffect(keepaliveMessage())}
			}
			f.State = OpenConfirm
			f.NegotiatedHoldTime = 0
			f.HoldTimer = f.HoldTimer.Stop()
			f.KeepAliveTimer = f.KeepAliveTimer.Stop()
			return f, nil
		case codec.MsgNotification:
			if isUnsupportedVersion(ev.Message.Notification) {
				f.State = Idle
				f = stopAllTimers(f)
				return f, nil
			}
		}
	}
	f.State = Idle
	f.ConnectRetryCounter++
	f = stopAllTimers(f)
	return f, []Effect{sendEffect(notificationMessage(codec.NewFSMError())), disconnectEffect}
}

func openConfirm(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	switch ev.Kind {
	case EvTimerExpired:
		if ev.Timer == timer.HoldTime {
			f.State = Idle
			f.ConnectRetryCounter++
			f = stopAllTimers(f)
			return f, []Effect{sendEffect(notificationMessage(codec.NewHoldTimerExpired())), disconnectEffect}
		}
		if ev.Timer == timer.KeepAlive {
			f.KeepAliveTimer = f.KeepAliveTimer.Restart(now)
			return f, []Effect{sendEffect(keepaliveMessage())}
		}
	case EvRecv:
		switch ev.Message.Type {
		case codec.MsgKeepalive:
			f.State = Established
			f.HoldTimer = f.HoldTimer.Restart(now)
			return f, nil
		case codec.MsgNotification:
			f.State = Idle
			f = stopAllTimers(f)
			return f, []Effect{disconnectEffect}
		case codec.MsgOpen:
			f.State = Idle
			f = stopAllTimers(f)
			return f, []Effect{sendEffect(notificationMessage(codec.NewCease()))}
		}
	}
	f.State = Idle
	f.ConnectRetryCounter++
	f = stopAllTimers(f)
	return f, []Effect{sendEffect(notificationMessage(codec.NewFSMError())), disconnectEffect}
}

func established(f FSM, ev Event, now time.Time) (FSM, []Effect) {
	switch ev.Kind {
	case EvTimerExpired:
		if ev.Timer == timer.HoldTime {
			f.State = Idle
			f.ConnectRetryCounter++
			f = stopAllTimers(f)
			return f, []Effect{sendEffect(notificationMessage(codec.NewHoldTimerExpired())), disconnectEffect}
		}
		if ev.Timer == timer.KeepAlive {
			if f.NegotiatedHoldTime > 0 {
				f.KeepAliveTimer = f.KeepAliveTimer.Restart(now)
			}
			return f, []Effect{sendEffect(keepaliveMessage())}
		}
	case EvRecv:
		switch ev.Message.Type {
		case codec.MsgKeepalive:
			f.HoldTimer = f.HoldTimer.Restart(now)
			return f, nil
		case codec.MsgUpdate:
			f.HoldTimer = f.HoldTimer.Restart(now)
			return f, []Effect{{Kind: EffectDeliverUpdate, Message: ev.Message}}
		case codec.MsgRouteRefresh:
			// Re-advertising routes is the RDE's concern; receipt only
			// proves the peer is alive.
			f.HoldTimer = f.HoldTimer.Restart(now)
			return f, nil
		case codec.MsgOpen:
			f.State = Idle
			f.ConnectRetryCounter++
			f = stopAllTimers(f)
			return f, []Effect{sendEffect(notificationMessage(codec.NewCease())), disconnectEffect}
		case codec.MsgNotification:
			f.State = Idle
			f = stopAllTimers(f)
			return f, []Effect{disconnectEffect}
		}
	}
	f.State = Idle
	f.ConnectRetryCounter++
	f = stopAllTimers(f)
	return f, []Effect{sendEffect(notificationMessage(codec.NewFSMError())), disconnectEffect}
}
