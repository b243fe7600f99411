package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Scenario: downgrading an AS_PATH substitutes ASTrans for any ASN
// that does not fit in 16 bits, leaving the rest untouched.
func TestDowngradeASPathSubstitutesASTrans(t *testing.T) {
	segs := []ASPathSegment{{Type: ASSequence, ASNs: []uint32{65001, 400000}}}
	got := DowngradeASPath(segs)
	assert.Equal(t, []uint32{65001, uint32(ASTrans)}, got[0].ASNs)
}

// Scenario: merging a 2-byte AS_PATH with its AS4_PATH companion
// replaces the trailing ASTrans-bearing segments with the real ASNs.
func TestMergeAS4PathReplacesTrailingSegments(t *testing.T) {
	asPath := []ASPathSegment{{Type: ASSequence, ASNs: []uint32{65001, uint32(ASTrans)}}}
	as4Path := []ASPathSegment{{Type: ASSequence, ASNs: []uint32{400000}}}

	got := MergeAS4Path(asPath, as4Path)
	require := assert.New(t)
	require.Len(got, 2)
	require.Equal(ASPathSegment{Type: ASSequence, ASNs: []uint32{65001}}, got[0])
	require.Equal(ASPathSegment{Type: ASSequence, ASNs: []uint32{400000}}, got[1])
}

// Scenario: an empty AS4_PATH leaves the original AS_PATH untouched.
func TestMergeAS4PathEmptyIsNoop(t *testing.T) {
	asPath := []ASPathSegment{{Type: ASSequence, ASNs: []uint32{65001}}}
	got := MergeAS4Path(asPath, nil)
	assert.Equal(t, asPath, got)
}

// Scenario: an AS4_PATH longer than AS_PATH is malformed and ignored.
func TestMergeAS4PathIgnoresOverlongAS4Path(t *testing.T) {
	asPath := []ASPathSegment{{Type: ASSequence, ASNs: []uint32{65001}}}
	as4Path := []ASPathSegment{{Type: ASSequence, ASNs: []uint32{1, 2, 3}}}
	got := MergeAS4Path(asPath, as4Path)
	assert.Equal(t, asPath, got)
}
