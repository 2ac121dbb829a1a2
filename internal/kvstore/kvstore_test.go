package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.Set(ctx, "k1", "v1", 0))
	val, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", val)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cursor := now
	s := NewMemoryStore(func() time.Time { return cursor })

	require.NoError(t, s.Set(ctx, "k1", "v1", 5))
	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	cursor = now.Add(10 * time.Second)
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "key must be gone once its TTL has elapsed")
}

func TestMemoryStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	ok, err := s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "present", "v", 0))
	ok, err = s.Exists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_KeysMatchesGlobPattern(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Set(ctx, "handshake:alice", "1", 0))
	require.NoError(t, s.Set(ctx, "handshake:bob", "1", 0))
	require.NoError(t, s.Set(ctx, "credential:alice", "1", 0))

	keys, err := s.Keys(ctx, "handshake:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
