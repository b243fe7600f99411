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

// Package transport provides the outbound dial seam: session.Session
// dials through it instead of calling net.Dial directly, so tests can
// substitute a fake connector.
package transport

import (
	"context"
	"fmt"
	"net"
)

// Connector opens an outbound TCP connection to a peer.
type Connector interface {
	Dial(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// TCP is the production Connector, backed by net.Dialer.
type TCP struct {
	Dialer net.Dialer
}

// NewTCP builds a Connector using the standard library's dialer.
func NewTCP() TCP {
	return TCP{Dialer: net.Dialer{}}
}

func (t TCP) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	return t.Dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
}
