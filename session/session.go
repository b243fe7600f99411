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

// Package session drives an outbound peer connection: it owns one
// fsm.FSM value, dials through a transport.Connector, and pumps
// codec.Message traffic in and out of the TCP socket the FSM's
// effects tell it to open, write to, or tear down. One tomb-supervised
// loop drives every state by replaying whatever effects fsm.Step
// returns, since the state-specific logic all lives in the FSM.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/lucazulian/bgp/codec"
	"github.com/lucazulian/bgp/collision"
	"github.com/lucazulian/bgp/fsm"
	"github.com/lucazulian/bgp/peerhandle"
	"github.com/lucazulian/bgp/rde"
	"github.com/lucazulian/bgp/registry"
	"github.com/lucazulian/bgp/timer"
	"github.com/lucazulian/bgp/transport"
)

// pollInterval is how often the run loop checks the FSM's four timers
// for expiry. fsm.Step is state-agnostic, so the driver polls all
// four uniformly; none needs sub-second resolution.
const pollInterval = 100 * time.Millisecond

const dialTimeout = 10 * time.Second

// Session is one outbound connection's driver for a single peer.
type Session struct {
	t tomb.Tomb

	server     string
	localASN   uint32
	localBGPID net.IP
	peer       fsm.PeerConfig

	connector transport.Connector
	rde       rde.Processor

	// sessions is the (server, peer_host) -> Session registry this
	// Session registers itself under. listeners is the sibling
	// registry of Listener handlers, consulted for collision
	// arbitration before this Session sends OPEN.
	sessions  *registry.Registry[peerhandle.Peer]
	listeners *registry.Registry[peerhandle.Peer]
	key       registry.Key

	events chan fsm.Event

	mu    sync.Mutex
	core  fsm.FSM
	conn  net.Conn
	stats Stats
}

// Stats counts the messages a connection has exchanged, giving an
// operator something to watch when a peer flaps.
type Stats struct {
	MessagesReceived uint64
	MessagesSent     uint64
}

// New builds a Session for peer on server, ready for Start.
func New(server string, localASN uint32, localBGPID net.IP, peer fsm.PeerConfig, connector transport.Connector, proc rde.Processor, sessions, listeners *registry.Registry[peerhandle.Peer]) *Session {
	return &Session{
		server:     server,
		localASN:   localASN,
		localBGPID: localBGPID,
		peer:       peer,
		connector:  connector,
		rde:        proc,
		sessions:   sessions,
		listeners:  listeners,
		key:        registry.Key{Server: server, PeerHost: peer.Host},
		events:     make(chan fsm.Event, 16),
		core:       fsm.New(localASN, localBGPID, peer),
	}
}

// State returns the session's current FSM state, satisfying
// peerhandle.Peer.
func (s *Session) State() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.State
}

// CollisionDump feeds the FSM an open_collision_dump event, satisfying
// peerhandle.Peer.
func (s *Session) CollisionDump() {
	s.events <- fsm.Event{Kind: fsm.EvErrorCollisionDump}
}

// Stats returns a snapshot of the session's message counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start registers the session and begins driving it.
func (s *Session) Start() error {
	if err := s.sessions.Insert(s.key, s); err != nil {
		return err
	}
	s.t.Go(s.run)
	return nil
}

// Stop issues a manual stop and waits for the driver goroutine to exit.
func (s *Session) Stop() error {
	s.events <- fsm.Event{Kind: fsm.EvStop, Automatic: false}
	s.t.Kill(nil)
	err := s.t.Wait()
	s.sessions.Remove(s.key)
	return err
}

func (s *Session) log() *log.Entry {
	return log.WithFields(log.Fields{"Topic": "Session", "Server": s.server, "Peer": s.peer.Host})
}

func (s *Session) run() error {
	s.dispatch(fsm.Event{Kind: fsm.EvStart, Automatic: s.peer.Automatic, Mode: s.peer.Mode}, time.Now())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var readCh chan readResult

	for {
		select {
		case <-s.t.Dying():
			s.closeConn()
			return nil
		case ev := <-s.events:
			s.dispatch(ev, time.Now())
			if ev.Kind == fsm.EvTCPConnection && ev.TCP == fsm.TCPSucceeds {
				readCh = make(chan readResult, 1)
				go s.readLoop(s.currentConn(), readCh)
			}
		case now := <-ticker.C:
			s.pollTimers(now)
		case r, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			s.handleRead(r)
		}
	}
}

type readResult struct {
	conn     net.Conn
	messages []codec.Message
	err      error
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) dispatch(ev fsm.Event, now time.Time) {
	s.mu.Lock()
	prev := s.core.State
	next, effects := fsm.Step(s.core, ev, now)
	s.core = next
	caps := s.core.Caps
	s.mu.Unlock()

	if next.State != prev {
		s.log().WithFields(log.Fields{"from": prev, "to": next.State}).Info("fsm state change")
	}

	for _, eff := range effects {
		s.applyEffect(eff, caps)
	}
}

func (s *Session) applyEffect(eff fsm.Effect, caps codec.Capabilities) {
	switch eff.Kind {
	case fsm.EffectSend:
		if eff.Message.Type == codec.MsgOpen && s.checkOutboundCollision() {
			return
		}
		conn := s.currentConn()
		if conn == nil {
			return
		}
		out, err := codec.Encode(*eff.Message, caps)
		if err != nil {
			s.log().WithError(err).Warn("failed to encode outgoing message")
			return
		}
		if _, err := conn.Write(out); err != nil {
			s.log().WithError(err).Warn("failed to write outgoing message")
			return
		}
		s.mu.Lock()
		s.stats.MessagesSent++
		s.mu.Unlock()
	case fsm.EffectTCPConnect:
		go s.dial()
	case fsm.EffectTCPReconnect:
		s.closeConn()
		go s.dial()
	case fsm.EffectTCPDisconnect:
		s.closeConn()
	case fsm.EffectDeliverUpdate:
		if s.rde != nil {
			s.rde.ProcessUpdate(s.server, eff.Message.Update)
		}
	}
}

// checkOutboundCollision arbitrates the outbound side of a connection
// collision: before sending OPEN, check whether a Listener handler is
// already registered for this peer and, if so, arbitrate. It returns
// true if this Session lost and the OPEN must not be sent.
func (s *Session) checkOutboundCollision() bool {
	existing, ok := s.listeners.Lookup(s.key)
	if !ok {
		return false
	}
	switch collision.OutboundConnection(existing.State(), s.localBGPID, s.peer.BGPID) {
	case collision.Collision:
		s.log().Info("outbound connection lost collision arbitration")
		s.events <- fsm.Event{Kind: fsm.EvErrorCollisionDump}
		return true
	case collision.Close:
		s.log().Info("outbound connection won collision arbitration")
		existing.CollisionDump()
		return false
	default:
		return false
	}
}

func (s *Session) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := s.connector.Dial(ctx, s.peer.Host, s.peer.Port)
	if err != nil {
		s.log().WithError(err).Debug("failed to connect")
		s.events <- fsm.Event{Kind: fsm.EvTCPConnection, TCP: fsm.TCPFails}
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.events <- fsm.Event{Kind: fsm.EvTCPConnection, TCP: fsm.TCPSucceeds}
}

func (s *Session) readLoop(conn net.Conn, out chan<- readResult) {
	defer close(out)
	if conn == nil {
		return
	}
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			s.mu.Lock()
			caps := s.core.Caps
			s.mu.Unlock()

			remainder, messages, decodeErr := codec.Stream(pending, caps)
			pending = remainder
			if len(messages) > 0 || decodeErr != nil {
				out <- readResult{conn: conn, messages: messages, err: decodeErr}
			}
			if decodeErr != nil {
				return
			}
		}
		if err != nil {
			out <- readResult{conn: conn, err: err}
			return
		}
	}
}

func (s *Session) handleRead(r readResult) {
	// A result from a connection this session already replaced (via
	// reconnect) is stale; acting on it would tear down the live one.
	if r.conn != s.currentConn() {
		return
	}
	for i := range r.messages {
		m := r.messages[i]
		s.mu.Lock()
		s.stats.MessagesReceived++
		s.mu.Unlock()
		s.dispatch(fsm.Event{Kind: fsm.EvRecv, Message: &m}, time.Now())
	}
	if r.err == nil {
		return
	}
	var nerr *codec.NotificationError
	if errors.As(r.err, &nerr) {
		// A protocol fault the codec raised: hand the NOTIFICATION to
		// the FSM for delivery before the connection comes down.
		s.log().WithError(r.err).Warn("protocol fault on read")
		s.dispatch(fsm.Event{Kind: fsm.EvSend, Message: &codec.Message{
			Type: codec.MsgNotification,
			Notification: &codec.NotificationMessage{
				Code: nerr.Code, Subcode: nerr.Subcode, Data: nerr.Data,
			},
		}}, time.Now())
		return
	}
	s.log().WithError(r.err).Debug("connection read failed")
	s.dispatch(fsm.Event{Kind: fsm.EvTCPConnection, TCP: fsm.TCPFails}, time.Now())
}

func (s *Session) pollTimers(now time.Time) {
	s.mu.Lock()
	core := s.core
	s.mu.Unlock()

	timers := [...]timer.Timer{core.ConnectRetryTimer, core.DelayOpenTimer, core.HoldTimer, core.KeepAliveTimer}
	for _, t := range timers {
		if t.Expired(now) {
			s.dispatch(fsm.Event{Kind: fsm.EvTimerExpired, Timer: t.Name}, now)
		}
	}
}
