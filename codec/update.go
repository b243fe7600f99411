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

// Origin is the well-known ORIGIN attribute value.
type Origin uint8

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

// ASPathSegmentType distinguishes AS_SEQUENCE from AS_SET segments.
type ASPathSegmentType uint8

const (
	ASSequence ASPathSegmentType = 2
	ASSet      ASPathSegmentType = 1
)

// ASPathSegment is one segment of the AS_PATH attribute.
type ASPathSegment struct {
	Type ASPathSegmentType
	ASNs []uint32
}

// Prefix is an IPv4 NLRI/withdrawn-route entry: a prefix length and
// the minimum significant bytes, per RFC 4271 section 4.3.
type Prefix struct {
	Length uint8
	Bytes  []byte
}

func (p Prefix) String() string {
	full := make([]byte, 4)
	copy(full, p.Bytes)
	return net.IPv4(full[0], full[1], full[2], full[3]).String()
}

// AttrType is a BGP path attribute type code.
type AttrType uint8

const (
	AttrOrigin          AttrType = 1
	AttrASPath          AttrType = 2
	AttrNextHop         AttrType = 3
	AttrMultiExitDisc   AttrType = 4
	AttrLocalPref       AttrType = 5
	AttrAtomicAggregate AttrType = 6
	AttrAggregator      AttrType = 7
	AttrCommunities     AttrType = 8
	AttrMPReachNLRI     AttrType = 14
	AttrMPUnreachNLRI   AttrType = 15
)

const (
	attrFlagOptional   = 1 << 7
	attrFlagTransitive = 1 << 6
	attrFlagPartial    = 1 << 5
	attrFlagExtended   = 1 << 4
)

// Aggregator is the decoded AGGREGATOR attribute; ASN width (2 or 4
// bytes) depends on the negotiated FourOctetASN capability.
type Aggregator struct {
	ASN     uint32
	Address net.IP
}

// MPReach carries MP_REACH_NLRI/MP_UNREACH_NLRI opaquely:
// multiprotocol route selection happens elsewhere, so these
// attributes round-trip their raw value without interpretation.
type MPReach struct {
	Raw []byte
}

// UpdateMessage is the decoded UPDATE body (RFC 4271 section 4.3).
type UpdateMessage struct {
	WithdrawnRoutes []Prefix
	NLRI            []Prefix

	Origin       *Origin
	ASPath       []ASPathSegment
	NextHop      net.IP
	MED          *uint32
	LocalPref    *uint32
	AtomicAggr   bool
	Aggregator   *Aggregator
	Communities  []uint32
	MPReachNLRI  *MPReach
	MPUnreachRaw *MPReach
}

func decodePrefixList(buf []byte) ([]Prefix, error) {
	var out []Prefix
	for len(buf) > 0 {
		plen := int(buf[0])
		nbytes := (plen + 7) / 8
		if plen > 32 || len(buf) < 1+nbytes {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeInvalidNetworkField}
		}
		b := make([]byte, nbytes)
		copy(b, buf[1:1+nbytes])
		out = append(out, Prefix{Length: uint8(plen), Bytes: b})
		buf = buf[1+nbytes:]
	}
	return out, nil
}

func encodePrefixList(prefixes []Prefix) []byte {
	var out []byte
	for _, p := range prefixes {
		out = append(out, p.Length)
		out = append(out, p.Bytes...)
	}
	return out
}

func decodeUpdate(body []byte, caps Capabilities) (*UpdateMessage, error) {
	if len(body) < 4 {
		return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
	}

	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	rest := body[2:]
	if len(rest) < withdrawnLen {
		return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
	}
	withdrawn, err := decodePrefixList(rest[:withdrawnLen])
	if err != nil {
		return nil, err
	}
	rest = rest[withdrawnLen:]

	if len(rest) < 2 {
		return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
	}
	attrsLen := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) < attrsLen {
		return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
	}
	attrBuf := rest[:attrsLen]
	nlriBuf := rest[attrsLen:]

	upd := &UpdateMessage{WithdrawnRoutes: withdrawn}

	for len(attrBuf) > 0 {
		if len(attrBuf) < 3 {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
		}
		flags := attrBuf[0]
		atype := AttrType(attrBuf[1])
		var alen int
		var valueOffset int
		if flags&attrFlagExtended != 0 {
			if len(attrBuf) < 4 {
				return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
			}
			alen = int(binary.BigEndian.Uint16(attrBuf[2:4]))
			valueOffset = 4
		} else {
			alen = int(attrBuf[2])
			valueOffset = 3
		}
		if len(attrBuf) < valueOffset+alen {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
		}
		value := attrBuf[valueOffset : valueOffset+alen]
		attrBuf = attrBuf[valueOffset+alen:]

		if err := decodeAttribute(upd, atype, value, caps); err != nil {
			return nil, err
		}
	}

	nlri, err := decodePrefixList(nlriBuf)
	if err != nil {
		return nil, err
	}
	upd.NLRI = nlri

	if len(nlri) > 0 {
		if upd.Origin == nil {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMissingWellKnownAttribute, Data: []byte{byte(AttrOrigin)}}
		}
		if upd.ASPath == nil {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMissingWellKnownAttribute, Data: []byte{byte(AttrASPath)}}
		}
		if upd.NextHop == nil {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMissingWellKnownAttribute, Data: []byte{byte(AttrNextHop)}}
		}
	}

	return upd, nil
}

func decodeAttribute(upd *UpdateMessage, atype AttrType, value []byte, caps Capabilities) error {
	switch atype {
	case AttrOrigin:
		if len(value) != 1 {
			return &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeAttributeFlagsError}
		}
		o := Origin(value[0])
		upd.Origin = &o
	case AttrASPath:
		segs, err := decodeASPath(value, caps)
		if err != nil {
			return err
		}
		upd.ASPath = segs
	case AttrNextHop:
		if len(value) != 4 {
			return &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeInvalidNextHopAttribute}
		}
		ip := net.IPv4(value[0], value[1], value[2], value[3])
		if ip.Equal(net.IPv4zero) {
			return &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeInvalidNextHopAttribute}
		}
		upd.NextHop = ip
	case AttrMultiExitDisc:
		if len(value) != 4 {
			return &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeAttributeFlagsError}
		}
		v := binary.BigEndian.Uint32(value)
		upd.MED = &v
	case AttrLocalPref:
		if len(value) != 4 {
			return &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeAttributeFlagsError}
		}
		v := binary.BigEndian.Uint32(value)
		upd.LocalPref = &v
	case AttrAtomicAggregate:
		upd.AtomicAggr = true
	case AttrAggregator:
		agg, err := decodeAggregator(value, caps)
		if err != nil {
			return err
		}
		upd.Aggregator = agg
	case AttrCommunities:
		if len(value)%4 != 0 {
			return &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeAttributeFlagsError}
		}
		for i := 0; i+4 <= len(value); i += 4 {
			upd.Communities = append(upd.Communities, binary.BigEndian.Uint32(value[i:i+4]))
		}
	case AttrMPReachNLRI:
		upd.MPReachNLRI = &MPReach{Raw: append([]byte(nil), value...)}
	case AttrMPUnreachNLRI:
		upd.MPUnreachRaw = &MPReach{Raw: append([]byte(nil), value...)}
	default:
		// unknown optional attribute: ignored; no mandatory well-known
		// attribute is ever unrecognized here.
	}
	return nil
}

func decodeASPath(value []byte, caps Capabilities) ([]ASPathSegment, error) {
	asWidth := 2
	if caps.FourOctetASN {
		asWidth = 4
	}
	var segs []ASPathSegment
	for len(value) > 0 {
		if len(value) < 2 {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
		}
		segType := ASPathSegmentType(value[0])
		count := int(value[1])
		need := 2 + count*asWidth
		if len(value) < need {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeMalformedAttributeList}
		}
		seg := ASPathSegment{Type: segType}
		p := value[2:need]
		for i := 0; i < count; i++ {
			if asWidth == 4 {
				seg.ASNs = append(seg.ASNs, binary.BigEndian.Uint32(p[i*4:i*4+4]))
			} else {
				seg.ASNs = append(seg.ASNs, uint32(binary.BigEndian.Uint16(p[i*2:i*2+2])))
			}
		}
		segs = append(segs, seg)
		value = value[need:]
	}
	return segs, nil
}

func decodeAggregator(value []byte, caps Capabilities) (*Aggregator, error) {
	if caps.FourOctetASN {
		if len(value) != 8 {
			return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeAttributeFlagsError}
		}
		return &Aggregator{
			ASN:     binary.BigEndian.Uint32(value[0:4]),
			Address: net.IPv4(value[4], value[5], value[6], value[7]),
		}, nil
	}
	if len(value) != 6 {
		return nil, &NotificationError{Code: NotifUpdateMessage, Subcode: SubcodeAttributeFlagsError}
	}
	return &Aggregator{
		ASN:     uint32(binary.BigEndian.Uint16(value[0:2])),
		Address: net.IPv4(value[2], value[3], value[4], value[5]),
	}, nil
}

func encodeUpdate(upd *UpdateMessage, caps Capabilities) ([]byte, error) {
	withdrawn := encodePrefixList(upd.WithdrawnRoutes)

	var attrs []byte
	appendAttr := func(flags byte, atype AttrType, value []byte) {
		if len(value) > 255 {
			flags |= attrFlagExtended
			attrs = append(attrs, flags, byte(atype))
			lenBuf := make([]byte, 2)
			binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
			attrs = append(attrs, lenBuf...)
		} else {
			attrs = append(attrs, flags, byte(atype), byte(len(value)))
		}
		attrs = append(attrs, value...)
	}

	if upd.Origin != nil {
		appendAttr(attrFlagTransitive, AttrOrigin, []byte{byte(*upd.Origin)})
	}
	if upd.ASPath != nil {
		appendAttr(attrFlagTransitive, AttrASPath, encodeASPath(upd.ASPath, caps))
	}
	if upd.NextHop != nil {
		ip4 := upd.NextHop.To4()
		appendAttr(attrFlagTransitive, AttrNextHop, []byte{ip4[0], ip4[1], ip4[2], ip4[3]})
	}
	if upd.MED != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *upd.MED)
		appendAttr(attrFlagOptional, AttrMultiExitDisc, v)
	}
	if upd.LocalPref != nil {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, *upd.LocalPref)
		appendAttr(attrFlagTransitive, AttrLocalPref, v)
	}
	if upd.AtomicAggr {
		appendAttr(attrFlagTransitive, AttrAtomicAggregate, nil)
	}
	if upd.Aggregator != nil {
		appendAttr(attrFlagOptional|attrFlagTransitive, AttrAggregator, encodeAggregator(upd.Aggregator, caps))
	}
	if len(upd.Communities) > 0 {
		v := make([]byte, 4*len(upd.Communities))
		for i, c := range upd.Communities {
			binary.BigEndian.PutUint32(v[i*4:i*4+4], c)
		}
		appendAttr(attrFlagOptional|attrFlagTransitive, AttrCommunities, v)
	}
	if upd.MPReachNLRI != nil {
		appendAttr(attrFlagOptional, AttrMPReachNLRI, upd.MPReachNLRI.Raw)
	}
	if upd.MPUnreachRaw != nil {
		appendAttr(attrFlagOptional, AttrMPUnreachNLRI, upd.MPUnreachRaw.Raw)
	}

	nlri := encodePrefixList(upd.NLRI)

	out := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	wlen := make([]byte, 2)
	binary.BigEndian.PutUint16(wlen, uint16(len(withdrawn)))
	out = append(out, wlen...)
	out = append(out, withdrawn...)

	alen := make([]byte, 2)
	binary.BigEndian.PutUint16(alen, uint16(len(attrs)))
	out = append(out, alen...)
	out = append(out, attrs...)

	out = append(out, nlri...)
	return out, nil
}

func encodeASPath(segs []ASPathSegment, caps Capabilities) []byte {
	var out []byte
	for _, seg := range segs {
		out = append(out, byte(seg.Type), byte(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			if caps.FourOctetASN {
				b := make([]byte, 4)
				binary.BigEndian.PutUint32(b, asn)
				out = append(out, b...)
			} else {
				b := make([]byte, 2)
				as := asn
				if as > 0xffff {
					as = uint32(ASTrans)
				}
				binary.BigEndian.PutUint16(b, uint16(as))
				out = append(out, b...)
			}
		}
	}
	return out
}

func encodeAggregator(a *Aggregator, caps Capabilities) []byte {
	ip4 := a.Address.To4()
	if caps.FourOctetASN {
		out := make([]byte, 8)
		binary.BigEndian.PutUint32(out[0:4], a.ASN)
		copy(out[4:8], ip4)
		return out
	}
	out := make([]byte, 6)
	asn := a.ASN
	if asn > 0xffff {
		asn = uint32(ASTrans)
	}
	binary.BigEndian.PutUint16(out[0:2], uint16(asn))
	copy(out[2:6], ip4)
	return out
}
