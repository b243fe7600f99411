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

// Package listener accepts inbound peer connections: one TCP listen
// socket per server, one Handler per accepted connection. A Handler
// drives its own fsm.FSM exactly like session.Session, but starts
// from {start, automatic, passive} + {tcp_connection, confirmed}
// instead of dialing out, and arbitrates against a registered
// outbound Session the moment it decodes OPEN.
package listener

import (
	"errors"
	"fmt"
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
)

const pollInterval = 100 * time.Millisecond

// PeerLookup resolves the configured fsm.PeerConfig for a remote IP.
// Connections from addresses with no configured peer are dropped.
type PeerLookup func(remoteHost string) (fsm.PeerConfig, bool)

// Listener owns one TCP accept loop for a server instance.
type Listener struct {
	t tomb.Tomb

	server     string
	localASN   uint32
	localBGPID net.IP
	lookup     PeerLookup
	rde        rde.Processor

	sessions  *registry.Registry[peerhandle.Peer]
	listeners *registry.Registry[peerhandle.Peer]

	ln net.Listener
}

// New builds a Listener for server; Serve binds it to an address.
func New(server string, localASN uint32, localBGPID net.IP, lookup PeerLookup, proc rde.Processor, sessions, listeners *registry.Registry[peerhandle.Peer]) *Listener {
	return &Listener{
		server:     server,
		localASN:   localASN,
		localBGPID: localBGPID,
		lookup:     lookup,
		rde:        proc,
		sessions:   sessions,
		listeners:  listeners,
	}
}

func (l *Listener) log() *log.Entry {
	return log.WithFields(log.Fields{"Topic": "Listener", "Server": l.server})
}

// Serve binds addr and accepts connections until Stop is called.
func (l *Listener) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: listen %s: %w", addr, err)
	}
	l.ln = ln
	l.t.Go(l.acceptLoop)
	return nil
}

// Stop closes the listen socket and waits for the accept loop to exit.
func (l *Listener) Stop() error {
	l.t.Kill(nil)
	if l.ln != nil {
		l.ln.Close()
	}
	return l.t.Wait()
}

func (l *Listener) acceptLoop() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.t.Dying():
				return nil
			default:
				l.log().WithError(err).Warn("accept failed")
				return err
			}
		}
		l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}

	peer, ok := l.lookup(host)
	if !ok {
		l.log().WithField("remote", host).Debug("rejecting connection from unconfigured peer")
		conn.Close()
		return
	}

	key := registry.Key{Server: l.server, PeerHost: host}
	h := &Handler{
		server:     l.server,
		localASN:   l.localASN,
		localBGPID: l.localBGPID,
		peer:       peer,
		rde:        l.rde,
		sessions:   l.sessions,
		listeners:  l.listeners,
		key:        key,
		conn:       conn,
		events:     make(chan fsm.Event, 16),
		core:       fsm.New(l.localASN, l.localBGPID, peer),
	}
	if err := l.listeners.Insert(key, h); err != nil {
		l.log().WithField("remote", host).Debug("rejecting duplicate inbound connection")
		conn.Close()
		return
	}
	l.t.Go(h.run)
}

// Handler drives one accepted connection's FSM.
type Handler struct {
	server     string
	localASN   uint32
	localBGPID net.IP
	peer       fsm.PeerConfig

	rde rde.Processor

	sessions  *registry.Registry[peerhandle.Peer]
	listeners *registry.Registry[peerhandle.Peer]
	key       registry.Key

	events chan fsm.Event

	mu    sync.Mutex
	core  fsm.FSM
	conn  net.Conn
	stats Stats
}

// Stats counts the messages this inbound connection has exchanged.
type Stats struct {
	MessagesReceived uint64
	MessagesSent     uint64
}

// State satisfies peerhandle.Peer.
func (h *Handler) State() fsm.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.core.State
}

// CollisionDump satisfies peerhandle.Peer.
func (h *Handler) CollisionDump() {
	h.events <- fsm.Event{Kind: fsm.EvErrorCollisionDump}
}

// Stats returns a snapshot of the handler's message counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) log() *log.Entry {
	return log.WithFields(log.Fields{"Topic": "Listener", "Server": h.server, "Peer": h.peer.Host})
}

func (h *Handler) run() error {
	defer h.listeners.Remove(h.key)
	defer h.conn.Close()

	h.dispatch(fsm.Event{Kind: fsm.EvStart, Automatic: true, Mode: fsm.ModePassive}, time.Now())
	h.dispatch(fsm.Event{Kind: fsm.EvTCPConnection, TCP: fsm.TCPConfirmed}, time.Now())

	readCh := make(chan readResult, 1)
	go h.readLoop(readCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			h.dispatch(ev, time.Now())
		case now := <-ticker.C:
			h.pollTimers(now)
		case r, ok := <-readCh:
			if !ok {
				return nil
			}
			h.handleRead(r)
			if r.err != nil {
				return nil
			}
		}
	}
}

type readResult struct {
	messages []codec.Message
	err      error
}

func (h *Handler) dispatch(ev fsm.Event, now time.Time) {
	// Arbitrate against a registered outbound Session the moment this
	// inbound connection decodes OPEN (RFC 4271 section 6.8).
	if ev.Kind == fsm.EvRecv && ev.Message.Type == codec.MsgOpen {
		if existing, ok := h.sessions.Lookup(h.key); ok {
			switch collision.IncomingConnection(existing.State(), h.localBGPID, h.peer.BGPID) {
			case collision.Collision:
				// This inbound connection lost: dump it with Cease
				// instead of processing the OPEN.
				h.log().Info("inbound connection lost collision arbitration")
				ev = fsm.Event{Kind: fsm.EvErrorCollisionDump}
			case collision.Close:
				h.log().Info("inbound connection won collision arbitration")
				existing.CollisionDump()
			}
		}
	}

	h.mu.Lock()
	prev := h.core.State
	next, effects := fsm.Step(h.core, ev, now)
	h.core = next
	caps := h.core.Caps
	h.mu.Unlock()

	if next.State != prev {
		h.log().WithFields(log.Fields{"from": prev, "to": next.State}).Info("fsm state change")
	}

	for _, eff := range effects {
		h.applyEffect(eff, caps)
	}
}

func (h *Handler) applyEffect(eff fsm.Effect, caps codec.Capabilities) {
	switch eff.Kind {
	case fsm.EffectSend:
		out, err := codec.Encode(*eff.Message, caps)
		if err != nil {
			h.log().WithError(err).Warn("failed to encode outgoing message")
			return
		}
		if _, err := h.conn.Write(out); err != nil {
			h.log().WithError(err).Warn("failed to write outgoing message")
			return
		}
		h.mu.Lock()
		h.stats.MessagesSent++
		h.mu.Unlock()
	case fsm.EffectTCPDisconnect:
		h.conn.Close()
	case fsm.EffectDeliverUpdate:
		if h.rde != nil {
			h.rde.ProcessUpdate(h.server, eff.Message.Update)
		}
	}
}

func (h *Handler) readLoop(out chan<- readResult) {
	defer close(out)
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			h.mu.Lock()
			caps := h.core.Caps
			h.mu.Unlock()

			remainder, messages, decodeErr := codec.Stream(pending, caps)
			pending = remainder
			if len(messages) > 0 || decodeErr != nil {
				out <- readResult{messages: messages, err: decodeErr}
			}
			if decodeErr != nil {
				return
			}
		}
		if err != nil {
			out <- readResult{err: err}
			return
		}
	}
}

func (h *Handler) handleRead(r readResult) {
	for i := range r.messages {
		m := r.messages[i]
		h.mu.Lock()
		h.stats.MessagesReceived++
		h.mu.Unlock()
		h.dispatch(fsm.Event{Kind: fsm.EvRecv, Message: &m}, time.Now())
	}
	if r.err == nil {
		return
	}
	var nerr *codec.NotificationError
	if errors.As(r.err, &nerr) {
		h.log().WithError(r.err).Warn("protocol fault on read")
		h.dispatch(fsm.Event{Kind: fsm.EvSend, Message: &codec.Message{
			Type: codec.MsgNotification,
			Notification: &codec.NotificationMessage{
				Code: nerr.Code, Subcode: nerr.Subcode, Data: nerr.Data,
			},
		}}, time.Now())
		return
	}
	h.log().WithError(r.err).Debug("connection read failed")
	h.dispatch(fsm.Event{Kind: fsm.EvTCPConnection, TCP: fsm.TCPFails}, time.Now())
}

func (h *Handler) pollTimers(now time.Time) {
	h.mu.Lock()
	core := h.core
	h.mu.Unlock()

	if core.ConnectRetryTimer.Expired(now) {
		h.dispatch(fsm.Event{Kind: fsm.EvTimerExpired, Timer: core.ConnectRetryTimer.Name}, now)
	}
	if core.DelayOpenTimer.Expired(now) {
		h.dispatch(fsm.Event{Kind: fsm.EvTimerExpired, Timer: core.DelayOpenTimer.Name}, now)
	}
	if core.HoldTimer.Expired(now) {
		h.dispatch(fsm.Event{Kind: fsm.EvTimerExpired, Timer: core.HoldTimer.Name}, now)
	}
	if core.KeepAliveTimer.Expired(now) {
		h.dispatch(fsm.Event{Kind: fsm.EvTimerExpired, Timer: core.KeepAliveTimer.Name}, now)
	}
}
