package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/layer-3/tapmint/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "session-a", []byte(`{"id":"a"}`), 0))

	value, err := s.Get(ctx, "session-a")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(value))

	require.NoError(t, s.Delete(ctx, "session-a", "missing"))

	_, err = s.Get(ctx, "session-a")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStore_ValueIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value, 0))
	value[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "session-a", []byte("a"), time.Minute))
	require.NoError(t, s.Set(ctx, "session-b", []byte("b"), 0))

	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "session-a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	keys, err := s.Keys(ctx, "session-")
	require.NoError(t, err)
	assert.Equal(t, []string{"session-b"}, keys)
}

func TestMemoryStore_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "session-1", nil, 0))
	require.NoError(t, s.Set(ctx, "session-2", nil, 0))
	require.NoError(t, s.Set(ctx, "message-1-100", nil, 0))

	keys, err := s.Keys(ctx, "session-")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"session-1", "session-2"}, keys)

	s.Clear()
	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
