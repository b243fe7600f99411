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

// Package timer implements the named, tri-state countdown timer used by
// the FSM: configured/disabled/running, per RFC 4271 section 4.4's
// optional DelayOpen and zero-valued HoldTime semantics.
package timer

import "time"

// Name identifies one of the FSM's four core timers.
type Name int

const (
	ConnectRetry Name = iota
	DelayOpen
	HoldTime
	KeepAlive
)

func (n Name) String() string {
	switch n {
	case ConnectRetry:
		return "ConnectRetry"
	case DelayOpen:
		return "DelayOpen"
	case HoldTime:
		return "HoldTime"
	case KeepAlive:
		return "KeepAlive"
	}
	return "Unknown"
}

// Timer is a pure value: (configured seconds, running flag, deadline).
// A Timer with Seconds == 0 is permanently disabled; Start on it is a
// no-op. All mutation happens by value so it can live inside the FSM's
// otherwise-pure state without escaping to goroutines or channels.
type Timer struct {
	Name     Name
	Seconds  int
	Running  bool
	Deadline time.Time
}

// New builds a stopped timer for the given configured interval. A
// Seconds of 0 means the timer can never be started (RFC 4271's
// disabled HoldTime/DelayOpen case).
func New(name Name, seconds int) Timer {
	return Timer{Name: name, Seconds: seconds}
}

// Start arms the timer against now, unless it is disabled
// (Seconds == 0), in which case it is left stopped.
func (t Timer) Start(now time.Time) Timer {
	if t.Seconds <= 0 {
		t.Running = false
		return t
	}
	t.Running = true
	t.Deadline = now.Add(time.Duration(t.Seconds) * time.Second)
	return t
}

// Restart is Stop followed by Start; callers use it on every
// keepalive tick and hold-timer reset.
func (t Timer) Restart(now time.Time) Timer {
	return t.Start(now)
}

// Stop disarms the timer without changing its configured interval.
func (t Timer) Stop() Timer {
	t.Running = false
	t.Deadline = time.Time{}
	return t
}

// Expired reports whether the timer is running and its deadline has
// passed as of now. Running implies Deadline was in the future at the
// moment Start/Restart was called; Expired tests that against the
// current clock.
func (t Timer) Expired(now time.Time) bool {
	return t.Running && !now.Before(t.Deadline)
}

// Disabled reports whether the timer can never run.
func (t Timer) Disabled() bool {
	return t.Seconds <= 0
}
