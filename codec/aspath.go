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

// DowngradeASPath rewrites an AS_PATH built with four-octet ASNs into
// the 2-byte form sent to a peer that has not negotiated
// FourOctetsASN, substituting ASTrans for any ASN that does not fit
// in 16 bits (RFC 6793 section 4.2.2).
func DowngradeASPath(segs []ASPathSegment) []ASPathSegment {
	out := make([]ASPathSegment, len(segs))
	for i, seg := range segs {
		asns := make([]uint32, len(seg.ASNs))
		for j, as := range seg.ASNs {
			if as > 0xffff {
				asns[j] = uint32(ASTrans)
			} else {
				asns[j] = as
			}
		}
		out[i] = ASPathSegment{Type: seg.Type, ASNs: asns}
	}
	return out
}

// MergeAS4Path reconstructs the real AS_PATH on receipt from a peer
// that sent a 2-byte AS_PATH plus an AS4_PATH attribute (RFC 6793
// section 4.2.3). as4Path replaces the trailing segments of asPath
// that correspond to genuine (non-ASTrans) ASNs, preserving whatever
// prefix of asPath the AS4_PATH was too short to cover. CONFED
// segments in as4Path are dropped before merging.
func MergeAS4Path(asPath, as4Path []ASPathSegment) []ASPathSegment {
	if len(as4Path) == 0 {
		return asPath
	}

	filtered := make([]ASPathSegment, 0, len(as4Path))
	for _, seg := range as4Path {
		if seg.Type == ASSequence || seg.Type == ASSet {
			filtered = append(filtered, seg)
		}
	}
	if len(filtered) == 0 {
		return asPath
	}

	asLen := segLen(asPath)
	as4Len := segLen(filtered)
	if as4Len > asLen {
		// malformed: AS4_PATH longer than AS_PATH, ignore it.
		return asPath
	}

	keep := asLen - as4Len
	kept := make([]ASPathSegment, 0, len(asPath))
	for _, seg := range asPath {
		if keep <= 0 {
			break
		}
		if len(seg.ASNs) <= keep {
			kept = append(kept, seg)
			keep -= len(seg.ASNs)
			continue
		}
		trimmed := ASPathSegment{Type: seg.Type, ASNs: append([]uint32(nil), seg.ASNs[:keep]...)}
		kept = append(kept, trimmed)
		keep = 0
	}

	return append(kept, filtered...)
}

func segLen(segs []ASPathSegment) int {
	n := 0
	for _, s := range segs {
		n += len(s.ASNs)
	}
	return n
}
