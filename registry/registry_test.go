package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLookupRemove(t *testing.T) {
	r := New[int]()
	key := Key{Server: "s1", PeerHost: "192.0.2.1"}

	require.NoError(t, r.Insert(key, 42))

	v, ok := r.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 42, v)

	r.Remove(key)
	_, ok = r.Lookup(key)
	assert.False(t, ok)
}

func TestDuplicateInsertFails(t *testing.T) {
	r := New[string]()
	key := Key{Server: "s1", PeerHost: "192.0.2.1"}

	require.NoError(t, r.Insert(key, "first"))
	err := r.Insert(key, "second")
	assert.Error(t, err)

	v, _ := r.Lookup(key)
	assert.Equal(t, "first", v)
}
