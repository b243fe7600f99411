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

import (
	"encoding/binary"
	"net"
)

const bgpVersion uint8 = 4

// ASTrans is the AS number OPEN carries when the real AS does not fit
// in 16 bits but FourOctetsASN has not been confirmed yet (RFC 6793).
const ASTrans uint16 = 23456

// CapabilityCode identifies an OPEN optional-parameter-type-2 capability.
type CapabilityCode uint8

const (
	CapMultiProtocol   CapabilityCode = 1
	CapRouteRefresh    CapabilityCode = 2
	CapExtendedMessage CapabilityCode = 6
	CapGracefulRestart CapabilityCode = 64
	CapFourOctetsASN   CapabilityCode = 65
	CapEnhancedRefresh CapabilityCode = 70
)

// Capability is a decoded OPEN capability. Value holds the raw
// capability value for codes this package does not interpret further
// (e.g. GracefulRestart), so it can be round-tripped opaquely.
type Capability struct {
	Code  CapabilityCode
	Value []byte

	// Populated for CapMultiProtocol only.
	AFI  uint16
	SAFI uint8

	// Populated for CapFourOctetsASN only.
	ASN uint32
}

// OpenMessage is the decoded OPEN body (RFC 4271 section 4.2).
type OpenMessage struct {
	Version  uint8
	ASN      uint16
	HoldTime uint16
	BGPID    net.IP
	Caps     []Capability
	// UnknownCapCodes collects capability codes this decode skipped,
	// so the caller may optionally NOTIFY about them.
	UnknownCapCodes []CapabilityCode
}

// HasCapability reports whether code was present in the OPEN.
func (o *OpenMessage) HasCapability(code CapabilityCode) bool {
	for _, c := range o.Caps {
		if c.Code == code {
			return true
		}
	}
	return false
}

// FourOctetASN returns the ASN carried by a FourOctetsASN capability,
// if present.
func (o *OpenMessage) FourOctetASN() (uint32, bool) {
	for _, c := range o.Caps {
		if c.Code == CapFourOctetsASN {
			return c.ASN, true
		}
	}
	return 0, false
}

func decodeOpen(body []byte) (*OpenMessage, error) {
	if len(body) < 10 {
		return nil, &NotificationError{Code: NotifOpenMessage, Subcode: SubcodeUnsupportedOptionalParam}
	}

	version := body[0]
	if version != bgpVersion {
		return nil, &NotificationError{
			Code:    NotifOpenMessage,
			Subcode: SubcodeUnsupportedVersionNumber,
			Data:    []byte{0, bgpVersion},
		}
	}

	asn := binary.BigEndian.Uint16(body[1:3])
	holdTime := binary.BigEndian.Uint16(body[3:5])
	id := net.IPv4(body[5], body[6], body[7], body[8])
	if id.Equal(net.IPv4zero) || id.To4() == nil {
		return nil, &NotificationError{Code: NotifOpenMessage, Subcode: SubcodeBadBGPIdentifier}
	}

	paramsLen := int(body[9])
	params := body[10:]
	if len(params) < paramsLen {
		return nil, &NotificationError{Code: NotifMessageHeader, Subcode: SubcodeBadMessageLength}
	}
	params = params[:paramsLen]

	open := &OpenMessage{Version: version, ASN: asn, HoldTime: holdTime, BGPID: id}

	for len(params) > 0 {
		if len(params) < 2 {
			return nil, &NotificationError{Code: NotifOpenMessage, Subcode: SubcodeUnsupportedOptionalParam}
		}
		ptype := params[0]
		plen := int(params[1])
		if len(params) < 2+plen {
			return nil, &NotificationError{Code: NotifOpenMessage, Subcode: SubcodeUnsupportedOptionalParam}
		}
		pval := params[2 : 2+plen]
		params = params[2+plen:]

		const paramTypeCapability = 2
		if ptype != paramTypeCapability {
			continue
		}

		caps := pval
		for len(caps) > 0 {
			if len(caps) < 2 {
				break
			}
			code := CapabilityCode(caps[0])
			clen := int(caps[1])
			if len(caps) < 2+clen {
				break
			}
			cval := caps[2 : 2+clen]
			caps = caps[2+clen:]

			cap := Capability{Code: code, Value: append([]byte(nil), cval...)}
			switch code {
			case CapMultiProtocol:
				if len(cval) >= 4 {
					cap.AFI = binary.BigEndian.Uint16(cval[0:2])
					cap.SAFI = cval[3]
				}
			case CapFourOctetsASN:
				if len(cval) >= 4 {
					cap.ASN = binary.BigEndian.Uint32(cval[0:4])
				}
			case CapRouteRefresh, CapExtendedMessage, CapGracefulRestart, CapEnhancedRefresh:
				// carried opaquely, no further interpretation.
			default:
				open.UnknownCapCodes = append(open.UnknownCapCodes, code)
			}
			open.Caps = append(open.Caps, cap)
		}
	}

	return open, nil
}

func encodeOpen(o *OpenMessage) ([]byte, error) {
	var caps []byte
	for _, c := range o.Caps {
		val := c.Value
		switch c.Code {
		case CapMultiProtocol:
			val = make([]byte, 4)
			binary.BigEndian.PutUint16(val[0:2], c.AFI)
			val[3] = c.SAFI
		case CapFourOctetsASN:
			val = make([]byte, 4)
			binary.BigEndian.PutUint32(val, c.ASN)
		}
		caps = append(caps, byte(c.Code), byte(len(val)))
		caps = append(caps, val...)
	}

	var params []byte
	if len(caps) > 0 {
		const paramTypeCapability = 2
		params = append(params, paramTypeCapability, byte(len(caps)))
		params = append(params, caps...)
	}

	asn := o.ASN
	if asn > 0xffff {
		asn = ASTrans
	}

	out := make([]byte, 10, 10+len(params))
	out[0] = bgpVersion
	binary.BigEndian.PutUint16(out[1:3], asn)
	binary.BigEndian.PutUint16(out[3:5], o.HoldTime)
	ip4 := o.BGPID.To4()
	copy(out[5:9], ip4)
	out[9] = byte(len(params))
	out = append(out, params...)
	return out, nil
}

// NewMultiProtocolCapability builds a MultiProtocol capability (AFI,
// reserved, SAFI) per RFC 4760.
func NewMultiProtocolCapability(afi uint16, safi uint8) Capability {
	return Capability{Code: CapMultiProtocol, AFI: afi, SAFI: safi}
}

// NewFourOctetASNCapability builds a FourOctetsASN capability.
func NewFourOctetASNCapability(asn uint32) Capability {
	return Capability{Code: CapFourOctetsASN, ASN: asn}
}

// NewRouteRefreshCapability builds the empty RouteRefresh capability.
func NewRouteRefreshCapability() Capability {
	return Capability{Code: CapRouteRefresh}
}

// NewExtendedMessageCapability builds the empty ExtendedMessage capability.
func NewExtendedMessageCapability() Capability {
	return Capability{Code: CapExtendedMessage}
}
