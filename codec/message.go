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

// Package codec implements the BGP-4 wire format: header framing,
// OPEN/UPDATE/NOTIFICATION/KEEPALIVE/ROUTE-REFRESH encode and decode,
// and capability negotiation per RFC 4271, RFC 6793 and RFC 8654.
//
// The codec never performs I/O; Stream consumes whatever bytes the
// caller already has buffered and returns whole messages plus the
// unconsumed remainder, so the caller resumes when more data arrives.
package codec

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the BGP message type octet.
type MsgType uint8

const (
	MsgOpen         MsgType = 1
	MsgUpdate       MsgType = 2
	MsgNotification MsgType = 3
	MsgKeepalive    MsgType = 4
	MsgRouteRefresh MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgOpen:
		return "OPEN"
	case MsgUpdate:
		return "UPDATE"
	case MsgNotification:
		return "NOTIFICATION"
	case MsgKeepalive:
		return "KEEPALIVE"
	case MsgRouteRefresh:
		return "ROUTE-REFRESH"
	}
	return "UNKNOWN"
}

const (
	markerLength   = 16
	headerLength   = 19 // 16 marker + 2 length + 1 type
	minMessageLen  = 19
	defaultMaxLen  = 4096
	extendedMaxLen = 65535
)

// Capabilities is the negotiated-capability snapshot the FSM hands to
// the codec so that post-OPEN decoding can use the wire widths the two
// peers actually agreed on. Pre-OPEN decoding always uses the zero
// value (2-byte ASN, 4096-byte message ceiling).
type Capabilities struct {
	FourOctetASN    bool
	ExtendedMessage bool
	RouteRefresh    bool
}

func (c Capabilities) maxLength() int {
	if c.ExtendedMessage {
		return extendedMaxLen
	}
	return defaultMaxLen
}

// Message is any decoded BGP message body paired with its type.
type Message struct {
	Type         MsgType
	Open         *OpenMessage
	Update       *UpdateMessage
	Notification *NotificationMessage
	RouteRefresh *RouteRefreshMessage
}

// RouteRefreshMessage is carried opaquely: ROUTE-REFRESH content (RFC
// 2918/8654) is out of the decision scope of this core; only its AFI
// pair is surfaced.
type RouteRefreshMessage struct {
	AFI  uint16
	SAFI uint8
}

func allOnesMarker() [markerLength]byte {
	var m [markerLength]byte
	for i := range m {
		m[i] = 0xff
	}
	return m
}

// Stream lazily peels whole messages off buf, returning the decoded
// messages found and the remainder of buf that did not yet form a
// complete message. It never blocks and never mutates buf's backing
// array beyond the returned remainder's window.
func Stream(buf []byte, caps Capabilities) (remainder []byte, messages []Message, err error) {
	for {
		if len(buf) < headerLength {
			return buf, messages, nil
		}

		marker := allOnesMarker()
		for i := 0; i < markerLength; i++ {
			if buf[i] != marker[i] {
				return nil, messages, &NotificationError{
					Code:    NotifMessageHeader,
					Subcode: SubcodeConnectionNotSynchronized,
				}
			}
		}

		length := int(binary.BigEndian.Uint16(buf[16:18]))
		if length < minMessageLen || length > caps.maxLength() {
			data := make([]byte, 2)
			binary.BigEndian.PutUint16(data, uint16(length))
			return nil, messages, &NotificationError{
				Code:    NotifMessageHeader,
				Subcode: SubcodeBadMessageLength,
				Data:    data,
			}
		}

		if len(buf) < length {
			return buf, messages, nil
		}

		typ := MsgType(buf[18])
		body := buf[headerLength:length]

		msg, err := decodeBody(typ, body, caps)
		if err != nil {
			return nil, messages, err
		}
		messages = append(messages, msg)
		buf = buf[length:]
	}
}

func decodeBody(typ MsgType, body []byte, caps Capabilities) (Message, error) {
	switch typ {
	case MsgOpen:
		open, err := decodeOpen(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgOpen, Open: open}, nil
	case MsgUpdate:
		upd, err := decodeUpdate(body, caps)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgUpdate, Update: upd}, nil
	case MsgNotification:
		n, err := decodeNotification(body)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgNotification, Notification: n}, nil
	case MsgKeepalive:
		if len(body) != 0 {
			return Message{}, &NotificationError{Code: NotifMessageHeader, Subcode: SubcodeBadMessageLength}
		}
		return Message{Type: MsgKeepalive}, nil
	case MsgRouteRefresh:
		if len(body) < 4 {
			return Message{}, &NotificationError{Code: NotifMessageHeader, Subcode: SubcodeBadMessageLength}
		}
		return Message{Type: MsgRouteRefresh, RouteRefresh: &RouteRefreshMessage{
			AFI:  binary.BigEndian.Uint16(body[0:2]),
			SAFI: body[3],
		}}, nil
	default:
		return Message{}, &NotificationError{
			Code:    NotifMessageHeader,
			Subcode: SubcodeBadMessageType,
			Data:    []byte{byte(typ)},
		}
	}
}

// Encode serializes a decoded Message back onto the wire using caps
// for capability-dependent widths (four-octet ASN, extended length).
func Encode(msg Message, caps Capabilities) ([]byte, error) {
	var body []byte
	var err error

	switch msg.Type {
	case MsgOpen:
		body, err = encodeOpen(msg.Open)
	case MsgUpdate:
		body, err = encodeUpdate(msg.Update, caps)
	case MsgNotification:
		body, err = encodeNotification(msg.Notification)
	case MsgKeepalive:
		body = nil
	case MsgRouteRefresh:
		body = make([]byte, 4)
		binary.BigEndian.PutUint16(body, msg.RouteRefresh.AFI)
		body[3] = msg.RouteRefresh.SAFI
	default:
		return nil, fmt.Errorf("codec: unknown message type %d", msg.Type)
	}
	if err != nil {
		return nil, err
	}

	length := headerLength + len(body)
	if length > caps.maxLength() {
		return nil, fmt.Errorf("codec: encoded %s message too long: %d bytes", msg.Type, length)
	}

	out := make([]byte, headerLength, length)
	marker := allOnesMarker()
	copy(out[0:markerLength], marker[:])
	binary.BigEndian.PutUint16(out[16:18], uint16(length))
	out[18] = byte(msg.Type)
	out = append(out, body...)
	return out, nil
}
