package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/tapmint/adapters/store"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	event     ports.SessionEvent
	sessionID string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, event ports.SessionEvent, session *core.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{event: event, sessionID: session.ID})
	return nil
}

func (p *recordingPublisher) count(event ports.SessionEvent) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(_ context.Context, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, sessionID)
}

func newTestRegistry(clock *fakeClock) (*Registry, *store.MemoryStore, *recordingPublisher, *recordingReleaser) {
	kv := store.NewMemoryStore()
	events := &recordingPublisher{}
	releaser := &recordingReleaser{}
	registry := NewRegistry(kv, releaser, events, RegistryConfig{Now: clock.Now})
	return registry, kv, events, releaser
}

func TestRegistry_CreateAssignsUniqueIDs(t *testing.T) {
	clock := newFakeClock()
	registry, _, events, _ := newTestRegistry(clock)
	ctx := context.Background()

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		session := registry.Create(ctx, core.MethodQR, alice)
		_, dup := seen[session.ID]
		require.False(t, dup, "duplicate id %s", session.ID)
		seen[session.ID] = struct{}{}

		assert.True(t, strings.HasPrefix(session.ID, "session-1700000000000-"))
		assert.Equal(t, core.MethodQR, session.Method)
		assert.Equal(t, alice, session.LocalAddress)
		assert.Equal(t, clock.Now(), session.CreatedAt)
	}
	assert.Equal(t, 200, events.count(ports.SessionCreated))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	registry, _, _, _ := newTestRegistry(newFakeClock())
	ctx := context.Background()

	created := registry.Create(ctx, core.MethodNFC, alice)
	created.LocalAddress = bob

	got, ok := registry.Get(ctx, created.ID)
	require.True(t, ok)
	assert.Equal(t, alice, got.LocalAddress)

	_, ok = registry.Get(ctx, "session-0-missing")
	assert.False(t, ok)
}

func TestRegistry_GetFallsBackToStore(t *testing.T) {
	clock := newFakeClock()
	first, kv, _, _ := newTestRegistry(clock)
	ctx := context.Background()

	created := first.Create(ctx, core.MethodBluetooth, alice)

	second := NewRegistry(kv, nil, nil, RegistryConfig{Now: clock.Now})
	got, ok := second.Get(ctx, created.ID)
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, core.MethodBluetooth, got.Method)
	assert.Equal(t, created.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestRegistry_GetDiscardsCorruptRecord(t *testing.T) {
	registry, kv, _, _ := newTestRegistry(newFakeClock())
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, sessionKey("session-1-bad"), []byte(`{"id":"session-1-bad","method":"carrier-pigeon","timestamp":1}`), time.Minute))

	_, ok := registry.Get(ctx, "session-1-bad")
	assert.False(t, ok)

	_, err := kv.Get(ctx, sessionKey("session-1-bad"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRegistry_Adopt(t *testing.T) {
	registry, _, events, _ := newTestRegistry(newFakeClock())
	ctx := context.Background()

	adopted, err := registry.Adopt(ctx, "session-42-peer", core.MethodQR, bob)
	require.NoError(t, err)
	assert.Equal(t, "session-42-peer", adopted.ID)

	again, err := registry.Adopt(ctx, "session-42-peer", core.MethodNFC, alice)
	require.NoError(t, err)
	assert.Equal(t, core.MethodQR, again.Method)
	assert.Equal(t, 1, events.count(ports.SessionCreated))

	_, err = registry.Adopt(ctx, "", core.MethodQR, bob)
	assert.ErrorIs(t, err, core.ErrInvalidPeerData)

	_, err = registry.Adopt(ctx, "session-43-peer", core.Method("smoke"), bob)
	assert.ErrorIs(t, err, core.ErrInvalidMethod)
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	registry, kv, events, releaser := newTestRegistry(newFakeClock())
	ctx := context.Background()

	session := registry.Create(ctx, core.MethodQR, alice)
	registry.Disconnect(ctx, session.ID)
	registry.Disconnect(ctx, session.ID)
	registry.Disconnect(ctx, "session-0-unknown")

	_, ok := registry.Get(ctx, session.ID)
	assert.False(t, ok)

	_, err := kv.Get(ctx, sessionKey(session.ID))
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Equal(t, 1, events.count(ports.SessionDisconnected))
	assert.Contains(t, releaser.released, session.ID)
}

func TestRegistry_CleanupOldSessions(t *testing.T) {
	clock := newFakeClock()
	registry, _, events, releaser := newTestRegistry(clock)
	ctx := context.Background()

	old := registry.Create(ctx, core.MethodQR, alice)
	clock.Advance(21 * time.Minute)
	recent := registry.Create(ctx, core.MethodNFC, alice)
	clock.Advance(10 * time.Minute)

	assert.Equal(t, 1, registry.CleanupOldSessions(ctx))

	_, ok := registry.Get(ctx, old.ID)
	assert.False(t, ok)
	_, ok = registry.Get(ctx, recent.ID)
	assert.True(t, ok)

	assert.Equal(t, 1, events.count(ports.SessionExpired))
	assert.Equal(t, []string{old.ID}, releaser.released)
}

func TestRegistry_CleanupEvictsStoredSessions(t *testing.T) {
	clock := newFakeClock()
	first, kv, _, _ := newTestRegistry(clock)
	ctx := context.Background()

	stored := first.Create(ctx, core.MethodQR, alice)
	require.NoError(t, kv.Set(ctx, sessionKey("session-2-bad"), []byte("garbage"), time.Hour))
	clock.Advance(31 * time.Minute)

	second := NewRegistry(kv, nil, nil, RegistryConfig{Now: clock.Now})
	assert.Equal(t, 1, second.CleanupOldSessions(ctx))

	keys, err := kv.Keys(ctx, sessionPrefix)
	require.NoError(t, err)
	assert.NotContains(t, keys, sessionKey(stored.ID))
	assert.NotContains(t, keys, sessionKey("session-2-bad"))
}

func TestRegistry_RunCleansUpImmediately(t *testing.T) {
	clock := newFakeClock()
	registry, _, _, _ := newTestRegistry(clock)

	session := registry.Create(context.Background(), core.MethodQR, alice)
	clock.Advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registry.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := registry.Get(context.Background(), session.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

// stallingStore blocks writes until released
type stallingStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func TestRegistry_ReadsDoNotWaitOnStoreWrites(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	kv := &stallingStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	reg := NewRegistry(kv, nil, nil, RegistryConfig{Now: clock.Now})

	created := make(chan *core.Session, 1)
	go func() { created <- reg.Create(ctx, core.MethodQR, alice) }()
	<-kv.entered

	done := make(chan bool, 1)
	go func() {
		_, ok := reg.Get(ctx, "session-unknown")
		done <- ok
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Get waited on a pending store write")
	}

	close(kv.release)
	session := <-created
	got, ok := reg.Get(ctx, session.ID)
	require.True(t, ok)
	assert.Equal(t, session.ID, got.ID)
}
