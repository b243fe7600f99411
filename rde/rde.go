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

// Package rde defines the seam to the routing decision engine:
// session.Session hands it every UPDATE the FSM's EffectDeliverUpdate
// surfaces. Route selection, RIB storage and policy all live behind
// this boundary; this package only defines it.
package rde

import "github.com/lucazulian/bgp/codec"

// Processor receives decoded UPDATE messages as they arrive on an
// established session. The caller ignores any outcome.
type Processor interface {
	ProcessUpdate(server string, upd *codec.UpdateMessage)
}

// Discard is a Processor that drops every UPDATE; useful as a default
// when no RDE is wired in, and in tests that only care about FSM/session
// behavior.
type Discard struct{}

func (Discard) ProcessUpdate(string, *codec.UpdateMessage) {}
