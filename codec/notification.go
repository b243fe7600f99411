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

package codec

import "fmt"

// Code is the NOTIFICATION error code (RFC 4271 section 4.5).
type Code uint8

const (
	NotifMessageHeader    Code = 1
	NotifOpenMessage      Code = 2
	NotifUpdateMessage    Code = 3
	NotifHoldTimerExpired Code = 4
	NotifFSM              Code = 5
	NotifCease            Code = 6
)

func (c Code) String() string {
	switch c {
	case NotifMessageHeader:
		return "Message Header Error"
	case NotifOpenMessage:
		return "OPEN Message Error"
	case NotifUpdateMessage:
		return "UPDATE Message Error"
	case NotifHoldTimerExpired:
		return "Hold Timer Expired"
	case NotifFSM:
		return "FSM Error"
	case NotifCease:
		return "Cease"
	}
	return "Unknown"
}

// Subcodes used by this core. Not exhaustive of RFC 4271's full table;
// only the ones the FSM/codec actually raise.
const (
	SubcodeConnectionNotSynchronized uint8 = 1 // Message Header
	SubcodeBadMessageLength          uint8 = 2 // Message Header
	SubcodeBadMessageType            uint8 = 3 // Message Header

	SubcodeUnsupportedVersionNumber uint8 = 1 // OPEN
	SubcodeBadPeerAS                uint8 = 2 // OPEN
	SubcodeBadBGPIdentifier         uint8 = 3 // OPEN
	SubcodeUnsupportedOptionalParam uint8 = 4 // OPEN
	SubcodeUnacceptableHoldTime     uint8 = 6 // OPEN

	SubcodeMalformedAttributeList    uint8 = 1 // UPDATE
	SubcodeMissingWellKnownAttribute uint8 = 3 // UPDATE
	SubcodeAttributeFlagsError       uint8 = 4 // UPDATE
	SubcodeInvalidNextHopAttribute   uint8 = 8 // UPDATE
	SubcodeInvalidNetworkField       uint8 = 10 // UPDATE

	SubcodeCeaseAdministrativeShutdown uint8 = 2 // Cease
)

// NotificationError is what decode raises on every protocol fault; it
// is both the value the FSM turns into a {send, NOTIFICATION} effect
// and a standard Go error so callers can propagate it with %w.
type NotificationError struct {
	Code    Code
	Subcode uint8
	Data    []byte
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("NOTIFICATION %s (subcode %d)", e.Code, e.Subcode)
}

// NotificationMessage is the decoded form of a wire NOTIFICATION.
type NotificationMessage struct {
	Code    Code
	Subcode uint8
	Data    []byte
}

func decodeNotification(body []byte) (*NotificationMessage, error) {
	if len(body) < 2 {
		return nil, &NotificationError{Code: NotifMessageHeader, Subcode: SubcodeBadMessageLength}
	}
	data := make([]byte, len(body)-2)
	copy(data, body[2:])
	return &NotificationMessage{
		Code:    Code(body[0]),
		Subcode: body[1],
		Data:    data,
	}, nil
}

func encodeNotification(n *NotificationMessage) ([]byte, error) {
	out := make([]byte, 2+len(n.Data))
	out[0] = byte(n.Code)
	out[1] = n.Subcode
	copy(out[2:], n.Data)
	return out, nil
}

// NewCease builds the NOTIFICATION{Cease} emitted on administrative
// stop and on collision loss.
func NewCease() *NotificationMessage {
	return &NotificationMessage{Code: NotifCease, Subcode: SubcodeCeaseAdministrativeShutdown}
}

// NewHoldTimerExpired builds the NOTIFICATION emitted when a peer's
// hold timer fires with no intervening traffic.
func NewHoldTimerExpired() *NotificationMessage {
	return &NotificationMessage{Code: NotifHoldTimerExpired}
}

// NewFSMError builds the NOTIFICATION emitted on an unexpected event
// in open_sent/open_confirm/established.
func NewFSMError() *NotificationMessage {
	return &NotificationMessage{Code: NotifFSM}
}

// NewUnsupportedVersion builds the NOTIFICATION emitted when an OPEN
// carries a version other than 4; data echoes the highest version
// this speaker supports.
func NewUnsupportedVersion() *NotificationMessage {
	return &NotificationMessage{
		Code:    NotifOpenMessage,
		Subcode: SubcodeUnsupportedVersionNumber,
		Data:    []byte{0, bgpVersion},
	}
}
