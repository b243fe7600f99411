package fsm

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucazulian/bgp/codec"
	"github.com/lucazulian/bgp/timer"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestFSM(mode Mode) FSM {
	peer := DefaultPeerConfig()
	peer.Mode = mode
	peer.ASN = 65002
	peer.BGPID = net.IPv4(192, 0, 2, 2)
	peer.HoldTimeSeconds = 90
	peer.DelayOpen = DelayOpenConfig{Enabled: true, Seconds: 5}
	return New(65001, net.IPv4(192, 0, 2, 1), peer)
}

func openFrom(asn uint16, holdTime uint16, id net.IP) *codec.Message {
	return &codec.Message{
		Type: codec.MsgOpen,
		Open: &codec.OpenMessage{ASN: asn, HoldTime: holdTime, BGPID: id},
	}
}

// Scenario: active-mode start dials out immediately and walks through
// the full connect -> open_sent -> open_confirm -> established chain
// on a clean handshake with delay-open enabled.
func TestActiveModeFullHandshake(t *testing.T) {
	f := newTestFSM(ModeActive)

	f, effects := Step(f, Event{Kind: EvStart, Mode: ModeActive}, t0)
	require.Equal(t, Connect, f.State)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectTCPConnect, effects[0].Kind)
	assert.True(t, f.ConnectRetryTimer.Running)

	f, effects = Step(f, Event{Kind: EvTCPConnection, TCP: TCPSucceeds}, t0.Add(time.Second))
	require.Equal(t, Connect, f.State)
	assert.Empty(t, effects)
	assert.True(t, f.DelayOpenTimer.Running)
	assert.False(t, f.ConnectRetryTimer.Running)

	f, effects = Step(f, Event{Kind: EvTimerExpired, Timer: timer.DelayOpen}, t0.Add(6*time.Second))
	require.Equal(t, OpenSent, f.State)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectSend, effects[0].Kind)
	assert.Equal(t, codec.MsgOpen, effects[0].Message.Type)
	assert.True(t, f.HoldTimer.Running)

	f, effects = Step(f, Event{Kind: EvRecv, Message: openFrom(65002, 90, net.IPv4(192, 0, 2, 2))}, t0.Add(7*time.Second))
	require.Equal(t, OpenConfirm, f.State)
	require.Len(t, effects, 1)
	assert.Equal(t, codec.MsgKeepalive, effects[0].Message.Type)
	assert.Equal(t, 90, f.NegotiatedHoldTime)
	assert.True(t, f.KeepAliveTimer.Running)

	f, effects = Step(f, Event{Kind: EvRecv, Message: &codec.Message{Type: codec.MsgKeepalive}}, t0.Add(8*time.Second))
	require.Equal(t, Established, f.State)
	assert.Empty(t, effects)
}

// Scenario: passive mode waits in active state for an inbound
// connection instead of dialing out.
func TestPassiveModeWaitsInActive(t *testing.T) {
	f := newTestFSM(ModePassive)
	f, effects := Step(f, Event{Kind: EvStart, Mode: ModePassive}, t0)
	require.Equal(t, Active, f.State)
	assert.Empty(t, effects)
}

// Scenario: hold timer expiry in established sends
// NOTIFICATION{HoldTimerExpired}, disconnects and increments the
// connect-retry counter.
func TestEstablishedHoldTimerExpiryIncrementsCounter(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = Established
	f.HoldTimer = timer.New(timer.HoldTime, 90).Start(t0)
	f.ConnectRetryCounter = 0

	f, effects := Step(f, Event{Kind: EvTimerExpired, Timer: timer.HoldTime}, t0.Add(91*time.Second))
	assert.Equal(t, Idle, f.State)
	assert.Equal(t, 1, f.ConnectRetryCounter)
	require.Len(t, effects, 2)
	assert.Equal(t, EffectSend, effects[0].Kind)
	assert.Equal(t, codec.NotifHoldTimerExpired, effects[0].Message.Notification.Code)
	assert.Equal(t, EffectTCPDisconnect, effects[1].Kind)
}

// Scenario: an established UPDATE restarts the hold timer and bubbles
// the message up as a deliver-update effect rather than a send.
func TestEstablishedUpdateBubblesUpAndRestartsHold(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = Established
	f.NegotiatedHoldTime = 90
	f.HoldTimer = timer.New(timer.HoldTime, 90).Start(t0)

	upd := &codec.Message{Type: codec.MsgUpdate, Update: &codec.UpdateMessage{}}
	f, effects := Step(f, Event{Kind: EvRecv, Message: upd}, t0.Add(10*time.Second))
	assert.Equal(t, Established, f.State)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectDeliverUpdate, effects[0].Kind)
	assert.Same(t, upd, effects[0].Message)
	assert.True(t, f.HoldTimer.Deadline.After(t0.Add(90*time.Second)))
}

// Scenario: connection-collision loss in open_confirm sends Cease and
// disconnects without incrementing the counter's automatic-fault path
// beyond the single collision effect set.
func TestOpenConfirmCollisionDump(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenConfirm

	f, effects := Step(f, Event{Kind: EvErrorCollisionDump}, t0)
	assert.Equal(t, Idle, f.State)
	require.Len(t, effects, 2)
	assert.Equal(t, codec.NotifCease, effects[0].Message.Notification.Code)
	assert.Equal(t, EffectTCPDisconnect, effects[1].Kind)
}

// Scenario: a stale timer-expired event for a timer the FSM already
// stopped is ignored outright, per the tolerated stop/expire race.
func TestStaleTimerExpiryIsIgnored(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = Established
	f.HoldTimer = timer.New(timer.HoldTime, 90) // never started

	next, effects := Step(f, Event{Kind: EvTimerExpired, Timer: timer.HoldTime}, t0)
	assert.Equal(t, f, next)
	assert.Nil(t, effects)
}

// Scenario: an unexpected event while idle (no start) produces no
// transition and no effects.
func TestIdleIgnoresNonStartEvents(t *testing.T) {
	f := newTestFSM(ModeActive)
	next, effects := Step(f, Event{Kind: EvRecv, Message: &codec.Message{Type: codec.MsgKeepalive}}, t0)
	assert.Equal(t, Idle, next.State)
	assert.Nil(t, effects)
}

// Scenario: an unsupported-version NOTIFICATION received in open_sent
// returns to idle without incrementing the connect-retry counter.
func TestOpenSentUnsupportedVersionDoesNotIncrementCounter(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenSent
	f.ConnectRetryCounter = 3

	n := &codec.Message{Type: codec.MsgNotification, Notification: &codec.NotificationMessage{
		Code: codec.NotifOpenMessage, Subcode: codec.SubcodeUnsupportedVersionNumber,
	}}
	f, effects := Step(f, Event{Kind: EvRecv, Message: n}, t0)
	assert.Equal(t, Idle, f.State)
	assert.Equal(t, 3, f.ConnectRetryCounter)
	assert.Nil(t, effects)
}

// Scenario: manual stop from active sends Cease (when configured) and
// disconnects.
func TestManualStopFromActiveSendsCease(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = Active
	f.Peer.NotificationWithoutOpen = true

	f, effects := Step(f, Event{Kind: EvStop, Automatic: false}, t0)
	assert.Equal(t, Idle, f.State)
	require.Len(t, effects, 2)
	assert.Equal(t, codec.NotifCease, effects[0].Message.Notification.Code)
	assert.Equal(t, EffectTCPDisconnect, effects[1].Kind)
}

// Scenario: a manual stop zeros the connect-retry counter while an
// automatic stop increments it, so an operator can observe flapping.
func TestStopCounterSemantics(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = Established
	f.ConnectRetryCounter = 4

	manual, _ := Step(f, Event{Kind: EvStop, Automatic: false}, t0)
	assert.Equal(t, Idle, manual.State)
	assert.Equal(t, 0, manual.ConnectRetryCounter)

	auto, _ := Step(f, Event{Kind: EvStop, Automatic: true}, t0)
	assert.Equal(t, Idle, auto.State)
	assert.Equal(t, 5, auto.ConnectRetryCounter)
}

// Scenario: a manual stop from every reachable state lands in idle
// with exactly one disconnect effect.
func TestManualStopAlwaysIdlesWithOneDisconnect(t *testing.T) {
	for _, s := range []State{Connect, Active, OpenSent, OpenConfirm, Established} {
		f := newTestFSM(ModeActive)
		f.State = s
		next, effects := Step(f, Event{Kind: EvStop, Automatic: false}, t0)
		assert.Equal(t, Idle, next.State, "from %s", s)
		disconnects := 0
		for _, e := range effects {
			if e.Kind == EffectTCPDisconnect {
				disconnects++
			}
		}
		assert.Equal(t, 1, disconnects, "from %s", s)
	}
}

// Scenario: a decode fault surfaced by the driver as {send,
// NOTIFICATION} is forwarded verbatim, the connection is torn down and
// the connect-retry counter is left alone.
func TestSendNotificationForwardsAndDisconnects(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenSent
	f.ConnectRetryCounter = 2

	n := &codec.Message{Type: codec.MsgNotification, Notification: &codec.NotificationMessage{
		Code: codec.NotifOpenMessage, Subcode: codec.SubcodeUnsupportedVersionNumber, Data: []byte{0, 4},
	}}
	f, effects := Step(f, Event{Kind: EvSend, Message: n}, t0)
	assert.Equal(t, Idle, f.State)
	assert.Equal(t, 2, f.ConnectRetryCounter)
	require.Len(t, effects, 2)
	assert.Same(t, n, effects[0].Message)
	assert.Equal(t, EffectTCPDisconnect, effects[1].Kind)
}

// Scenario: hold-time negotiation takes min(local, peer) and derives
// keep-alive as a third of it.
func TestHoldTimeNegotiationTakesMinAndDerivesKeepAlive(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenSent
	f.HoldTimer = timer.New(timer.HoldTime, 90).Start(t0)

	f, effects := Step(f, Event{Kind: EvRecv, Message: openFrom(65002, 60, net.IPv4(192, 0, 2, 2))}, t0)
	require.Equal(t, OpenConfirm, f.State)
	assert.Equal(t, 60, f.NegotiatedHoldTime)
	assert.Equal(t, 60, f.HoldTimer.Seconds)
	assert.Equal(t, 20, f.KeepAliveTimer.Seconds)
	require.Len(t, effects, 1)
	assert.Equal(t, codec.MsgKeepalive, effects[0].Message.Type)
}

// Scenario: a zero peer hold time disables both the hold and
// keep-alive timers for the session.
func TestZeroPeerHoldTimeDisablesTimers(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenSent

	f, _ = Step(f, Event{Kind: EvRecv, Message: openFrom(65002, 0, net.IPv4(192, 0, 2, 2))}, t0)
	require.Equal(t, OpenConfirm, f.State)
	assert.Equal(t, 0, f.NegotiatedHoldTime)
	assert.False(t, f.HoldTimer.Running)
	assert.False(t, f.KeepAliveTimer.Running)
}

// Scenario: capabilities the peer offered (and this speaker always
// advertises) are negotiated; absent ones stay off.
func TestOpenReceptionNegotiatesCapabilities(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenSent

	open := &codec.Message{Type: codec.MsgOpen, Open: &codec.OpenMessage{
		ASN: 65002, HoldTime: 90, BGPID: net.IPv4(192, 0, 2, 2),
		Caps: []codec.Capability{
			codec.NewFourOctetASNCapability(65002),
			codec.NewRouteRefreshCapability(),
		},
	}}
	f, _ = Step(f, Event{Kind: EvRecv, Message: open}, t0)
	assert.True(t, f.Caps.FourOctetASN)
	assert.True(t, f.Caps.RouteRefresh)
	assert.False(t, f.Caps.ExtendedMessage)
}

// Scenario: a keep-alive expiry in open_confirm re-arms the timer and
// emits a KEEPALIVE without leaving the state.
func TestOpenConfirmKeepAliveExpiryEmitsKeepalive(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenConfirm
	f.KeepAliveTimer = timer.New(timer.KeepAlive, 30).Start(t0)

	f, effects := Step(f, Event{Kind: EvTimerExpired, Timer: timer.KeepAlive}, t0.Add(31*time.Second))
	assert.Equal(t, OpenConfirm, f.State)
	assert.True(t, f.KeepAliveTimer.Running)
	require.Len(t, effects, 1)
	assert.Equal(t, codec.MsgKeepalive, effects[0].Message.Type)
}

// Scenario: connect-retry expiry in connect restarts the timer, stops
// delay-open and asks the driver to reconnect.
func TestConnectRetryExpiryReconnects(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = Connect
	f.ConnectRetryTimer = timer.New(timer.ConnectRetry, 120).Start(t0)
	f.DelayOpenTimer = timer.New(timer.DelayOpen, 5).Start(t0)

	f, effects := Step(f, Event{Kind: EvTimerExpired, Timer: timer.ConnectRetry}, t0.Add(121*time.Second))
	assert.Equal(t, Connect, f.State)
	assert.True(t, f.ConnectRetryTimer.Running)
	assert.False(t, f.DelayOpenTimer.Running)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectTCPReconnect, effects[0].Kind)
}

// Scenario: a second OPEN while in open_confirm is the inbound half of
// a connection collision and answers with Cease.
func TestOpenConfirmSecondOpenSendsCease(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenConfirm

	f, effects := Step(f, Event{Kind: EvRecv, Message: openFrom(65002, 90, net.IPv4(192, 0, 2, 2))}, t0)
	assert.Equal(t, Idle, f.State)
	require.Len(t, effects, 1)
	assert.Equal(t, codec.NotifCease, effects[0].Message.Notification.Code)
}

// Scenario: an inbound connection confirmed in active with delay-open
// enabled waits for the delay-open timer instead of sending OPEN
// immediately.
func TestActiveConfirmedWithDelayOpenWaits(t *testing.T) {
	f := newTestFSM(ModePassive)
	f, _ = Step(f, Event{Kind: EvStart, Mode: ModePassive}, t0)
	require.Equal(t, Active, f.State)

	f, effects := Step(f, Event{Kind: EvTCPConnection, TCP: TCPConfirmed}, t0)
	assert.Equal(t, Active, f.State)
	assert.Empty(t, effects)
	assert.True(t, f.DelayOpenTimer.Running)
}

// Scenario: an inbound connection confirmed in active with delay-open
// disabled sends OPEN straight away and moves to open_sent.
func TestActiveConfirmedWithoutDelayOpenSendsOpen(t *testing.T) {
	f := newTestFSM(ModePassive)
	f.Peer.DelayOpen = DelayOpenConfig{Enabled: false}
	f, _ = Step(f, Event{Kind: EvStart, Mode: ModePassive}, t0)
	require.Equal(t, Active, f.State)

	f, effects := Step(f, Event{Kind: EvTCPConnection, TCP: TCPConfirmed}, t0)
	assert.Equal(t, OpenSent, f.State)
	assert.True(t, f.HoldTimer.Running)
	require.Len(t, effects, 1)
	assert.Equal(t, codec.MsgOpen, effects[0].Message.Type)
}

// Scenario: tcp failure in open_sent retreats to active and restarts
// the connect-retry timer instead of giving up.
func TestOpenSentTCPFailureRetreatsToActive(t *testing.T) {
	f := newTestFSM(ModeActive)
	f.State = OpenSent

	f, effects := Step(f, Event{Kind: EvTCPConnection, TCP: TCPFails}, t0)
	assert.Equal(t, Active, f.State)
	assert.True(t, f.ConnectRetryTimer.Running)
	assert.Empty(t, effects)
}
