package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/tapmint/adapters/events"
	"github.com/layer-3/tapmint/adapters/pubsub"
	"github.com/layer-3/tapmint/adapters/store"
	"github.com/layer-3/tapmint/adapters/tokenizer"
	"github.com/layer-3/tapmint/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayEnv struct {
	relay    *Relay
	registry *Registry
	bus      *Bus
}

// newTestRelay wires a relay on the real clock, since ticket validation
// checks expiry against wall time
func newTestRelay(t *testing.T) *relayEnv {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	transport := pubsub.NewInProcess(watermill.NopLogger{})
	kv := store.NewMemoryStore()
	bus := NewBus(transport.Publisher, transport.Subscriber, transport.Retainer, kv, BusConfig{})
	registry := NewRegistry(kv, bus, events.NewWatermillPublisher(transport.Publisher), RegistryConfig{})
	relay := NewRelay(registry, bus, tokenizer.NewJWTTokenizer(key),
		events.NewWatermillSubscriber(transport.Subscriber), nil)

	t.Cleanup(func() {
		_ = bus.Close()
		_ = transport.Close()
	})
	return &relayEnv{relay: relay, registry: registry, bus: bus}
}

func TestRelay_CreateAndJoin(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	session, token, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	assert.Equal(t, core.MethodQR, session.Method)
	assert.NotEmpty(t, token)

	ticket, err := env.relay.Authorize(ctx, token, session.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, ticket.Address)
	assert.Equal(t, session.ID, ticket.SessionID)
	assert.Equal(t, core.MethodQR, ticket.Method)

	joined, joinToken, err := env.relay.JoinSession(ctx, session.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, session.ID, joined.ID)

	joinTicket, err := env.relay.Authorize(ctx, joinToken, session.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, joinTicket.Address)
}

func TestRelay_CreateRejectsBadInput(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	_, _, err := env.relay.CreateSession(ctx, core.Method("carrier-pigeon"), alice)
	assert.ErrorIs(t, err, core.ErrInvalidMethod)

	_, _, err = env.relay.CreateSession(ctx, core.MethodNFC, "  ")
	assert.ErrorIs(t, err, core.ErrInvalidPeerData)
}

func TestRelay_JoinUnknownSession(t *testing.T) {
	env := newTestRelay(t)

	_, _, err := env.relay.JoinSession(context.Background(), "session-0-missing", bob)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRelay_AuthorizeRejectsOtherSession(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	first, token, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	second, _, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	_, err = env.relay.Authorize(ctx, token, second.ID)
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	_, err = env.relay.Authorize(ctx, "not-a-token", first.ID)
	assert.Error(t, err)
}

func TestRelay_AuthorizeAfterDisconnect(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	session, token, err := env.relay.CreateSession(ctx, core.MethodNFC, alice)
	require.NoError(t, err)

	env.registry.Disconnect(ctx, session.ID)

	_, err = env.relay.Authorize(ctx, token, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRelay_PostStampsSender(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	session, token, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	_, joinToken, err := env.relay.JoinSession(ctx, session.ID, bob)
	require.NoError(t, err)

	aliceTicket, err := env.relay.Authorize(ctx, token, session.ID)
	require.NoError(t, err)
	bobTicket, err := env.relay.Authorize(ctx, joinToken, session.ID)
	require.NoError(t, err)

	inbox := make(chan *core.Message, 4)
	unsubscribe := env.relay.Subscribe(aliceTicket, func(msg *core.Message) { inbox <- msg })
	defer unsubscribe()

	sent, err := env.relay.Post(ctx, bobTicket, &core.Message{
		Type: core.MessageEmoji,
		From: alice,
		Data: map[string]any{"emoji": "🦊"},
	})
	require.NoError(t, err)
	assert.Equal(t, bob, sent.From)

	select {
	case msg := <-inbox:
		assert.Equal(t, bob, msg.From)
		emoji, ok := msg.Emoji()
		require.True(t, ok)
		assert.Equal(t, "🦊", emoji)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestRelay_PostRejectsUnknownType(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	session, token, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	ticket, err := env.relay.Authorize(ctx, token, session.ID)
	require.NoError(t, err)

	_, err = env.relay.Post(ctx, ticket, &core.Message{Type: "wave"})
	assert.ErrorIs(t, err, core.ErrInvalidMessage)
}

func TestRelay_LeaveEndsSession(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	session, token, err := env.relay.CreateSession(ctx, core.MethodBluetooth, alice)
	require.NoError(t, err)
	ticket, err := env.relay.Authorize(ctx, token, session.ID)
	require.NoError(t, err)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ended := env.relay.Ended(watchCtx, session.ID)

	env.relay.Leave(ctx, ticket)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session end was not observed")
	}

	_, err = env.relay.Session(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRelay_EndedIgnoresOtherSessions(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	watched, _, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	other, _, err := env.relay.CreateSession(ctx, core.MethodQR, bob)
	require.NoError(t, err)

	watchCtx, cancel := context.WithCancel(ctx)
	ended := env.relay.Ended(watchCtx, watched.ID)

	env.registry.Disconnect(ctx, other.ID)

	select {
	case <-ended:
		t.Fatal("ended fired for another session")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("ended did not close with its context")
	}
}

func TestRelay_Exchange(t *testing.T) {
	env := newTestRelay(t)
	ctx := context.Background()

	session, aliceToken, err := env.relay.CreateSession(ctx, core.MethodQR, alice)
	require.NoError(t, err)
	aliceTicket, err := env.relay.Authorize(ctx, aliceToken, session.ID)
	require.NoError(t, err)

	_, err = env.relay.Exchange(ctx, aliceTicket)
	assert.ErrorIs(t, err, core.ErrMintNotReady)

	_, err = env.relay.Post(ctx, aliceTicket, &core.Message{Type: core.MessageEmoji, Data: map[string]any{"emoji": "🔥"}})
	require.NoError(t, err)
	_, err = env.relay.Post(ctx, aliceTicket, &core.Message{Type: core.MessageEmoji, Data: map[string]any{"emoji": "💧"}})
	require.NoError(t, err)

	_, err = env.relay.Exchange(ctx, aliceTicket)
	assert.ErrorIs(t, err, core.ErrMintNotReady)

	// Bob's emojis arrive over the bus, as from another relay instance
	require.True(t, env.bus.Send(ctx, session.ID, core.NewEmojiMessage(bob, "🌵", time.Time{})))
	require.True(t, env.bus.Send(ctx, session.ID, core.NewEmojiMessage(bob, "🍕", time.Time{})))

	var req MintRequest
	require.Eventually(t, func() bool {
		req, err = env.relay.Exchange(ctx, aliceTicket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "🔥", req.SentEmoji)
	assert.Equal(t, "🌵", req.ReceivedEmoji)
	assert.Equal(t, bob, req.Partner)
	assert.Equal(t, alice, req.LocalAddress)
	assert.Equal(t, session.ID, req.SessionID)

	time.Sleep(50 * time.Millisecond)
	req, err = env.relay.Exchange(ctx, aliceTicket)
	require.NoError(t, err)
	assert.Equal(t, "🌵", req.ReceivedEmoji)

	env.relay.Leave(ctx, aliceTicket)
	_, err = env.relay.Exchange(ctx, aliceTicket)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	env.relay.mu.Lock()
	defer env.relay.mu.Unlock()
	assert.Empty(t, env.relay.exchanges)
}
