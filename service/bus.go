package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

const (
	topicPrefix   = "tapmint.session."
	messagePrefix = "message-"

	// DefaultSweepInterval is how often retained messages are purged
	DefaultSweepInterval = time.Second
)

// Topic returns the transport topic carrying messages of a session
func Topic(sessionID string) string {
	return topicPrefix + sessionID
}

func messageKeyPrefix(sessionID string) string {
	return messagePrefix + sessionID + "-"
}

func messageKey(msg *core.Message, sessionID string) string {
	return fmt.Sprintf("%s%d-%s", messageKeyPrefix(sessionID), msg.Timestamp.UnixMilli(), msg.ID)
}

// BusConfig tunes the delivery windows of the bus
type BusConfig struct {
	Freshness     time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

// Bus delivers messages scoped to a session to every local subscriber.
//
// Messages travel over a watermill publisher/subscriber pair and are also
// retained in the store for the retention window, so a subscriber that joins
// late still sees what was sent in the last few seconds. Delivery is
// at-least-once: each subscription drops ids it has already seen and anything
// older than the freshness window.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	retainer   ports.Retainer
	store      ports.Store
	logger     *zap.Logger
	now        func() time.Time

	freshness time.Duration
	retention time.Duration
	sweep     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

type topicState struct {
	writeMu sync.Mutex
	subs    map[*subscription]struct{}
	sending int // sends holding the state, guarded by Bus.mu
}

// retainedMessage is what the store holds for a sent message. The session id
// is kept with the message because key prefixes of two sessions may overlap.
type retainedMessage struct {
	SessionID string        `json:"session_id"`
	Message   *core.Message `json:"message"`
}

type subscription struct {
	cancel  context.CancelFunc
	closed  atomic.Bool
	once    sync.Once
	seen    map[string]time.Time
	handler func(*core.Message)
}

// NewBus creates a bus over the given transport and store
func NewBus(publisher message.Publisher, subscriber message.Subscriber, retainer ports.Retainer, store ports.Store, cfg BusConfig) *Bus {
	if cfg.Freshness <= 0 {
		cfg.Freshness = core.FreshnessWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = core.RetentionWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if retainer == nil {
		retainer = nopRetainer{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		publisher:  publisher,
		subscriber: subscriber,
		retainer:   retainer,
		store:      store,
		logger:     logging.OrNop(cfg.Logger).Named("bus"),
		now:        cfg.Now,
		freshness:  cfg.Freshness,
		retention:  cfg.Retention,
		sweep:      cfg.SweepInterval,
		ctx:        ctx,
		cancel:     cancel,
		topics:     make(map[string]*topicState),
	}
}

// Freshness returns the maximum age of a delivered message
func (b *Bus) Freshness() time.Duration {
	return b.freshness
}

// Send publishes msg to the session. It reports false when the message is
// invalid or the transport refused it; it never panics on transport errors.
func (b *Bus) Send(ctx context.Context, sessionID string, msg *core.Message) bool {
	if sessionID == "" || msg == nil {
		return false
	}
	if err := msg.Validate(); err != nil {
		b.logger.Warn("rejecting message", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	// Copy so the caller cannot mutate what was sent
	out := *msg
	if out.ID == "" {
		out.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = b.now()
	}

	payload, err := json.Marshal(out)
	if err != nil {
		b.logger.Warn("failed to encode message", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	state, ok := b.acquire(sessionID)
	if !ok {
		return false
	}
	defer b.release(state)

	state.writeMu.Lock()
	defer state.writeMu.Unlock()

	wm := message.NewMessage(out.ID, payload)
	wm.Metadata.Set("session_id", sessionID)
	wm.Metadata.Set("type", string(out.Type))

	if err := b.publisher.Publish(Topic(sessionID), wm); err != nil {
		b.logger.Warn("failed to publish message", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	if b.store != nil {
		b.retain(ctx, sessionID, &out)
	}

	b.logger.Debug("message sent",
		zap.String("session_id", sessionID),
		zap.String("message_id", out.ID),
		zap.String("type", string(out.Type)))

	return true
}

// OnMessage registers handler for messages of the session and returns a
// function that removes it. Handlers of one subscription are called one at a
// time; separate subscriptions are notified independently.
func (b *Bus) OnMessage(sessionID string, handler func(*core.Message)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(b.ctx)
	sub := &subscription{
		cancel:  cancel,
		seen:    make(map[string]time.Time),
		handler: handler,
	}

	// Register before subscribing so a concurrent Purge never drops the topic
	// and Release always finds the subscription.
	state, ok := b.register(sessionID, sub)
	if !ok {
		cancel()
		return func() {}
	}

	remove := func() {
		sub.once.Do(func() {
			sub.closed.Store(true)
			cancel()

			b.mu.Lock()
			delete(state.subs, sub)
			b.mu.Unlock()
		})
	}

	messages, err := b.subscriber.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		remove()
		b.logger.Warn("failed to subscribe", zap.String("session_id", sessionID), zap.Error(err))
		return func() {}
	}

	// Subscribe before reading the backlog so nothing falls in between; the
	// overlap is removed by the seen set.
	backlog := b.retained(ctx, sessionID)

	go func() {
		for _, msg := range backlog {
			b.deliver(sub, msg)
		}
		for wm := range messages {
			wm.Ack()

			var msg core.Message
			if err := json.Unmarshal(wm.Payload, &msg); err != nil {
				b.logger.Warn("dropping undecodable message", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			b.deliver(sub, &msg)
		}
	}()

	return remove
}

func (b *Bus) deliver(sub *subscription, msg *core.Message) {
	if sub.closed.Load() {
		return
	}

	now := b.now()
	if !msg.Fresh(now, b.freshness) {
		b.logger.Debug("dropping stale message", zap.String("message_id", msg.ID), zap.Duration("age", now.Sub(msg.Timestamp)))
		return
	}
	if msg.ID != "" {
		if _, dup := sub.seen[msg.ID]; dup {
			return
		}
		sub.seen[msg.ID] = now
		for id, at := range sub.seen {
			if now.Sub(at) > b.retention {
				delete(sub.seen, id)
			}
		}
	}

	sub.handler(msg)
}

func (b *Bus) retain(ctx context.Context, sessionID string, msg *core.Message) {
	raw, err := json.Marshal(retainedMessage{SessionID: sessionID, Message: msg})
	if err != nil {
		b.logger.Warn("failed to encode retained message", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := b.store.Set(ctx, messageKey(msg, sessionID), raw, b.retention); err != nil {
		b.logger.Warn("failed to retain message", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// retainedKeys lists the store keys holding messages of exactly sessionID
func (b *Bus) retainedKeys(ctx context.Context, sessionID string) ([]string, []*core.Message) {
	keys, err := b.store.Keys(ctx, messageKeyPrefix(sessionID))
	if err != nil {
		b.logger.Warn("failed to list retained messages", zap.String("session_id", sessionID), zap.Error(err))
		return nil, nil
	}

	var (
		own  []string
		msgs []*core.Message
	)
	for _, key := range keys {
		rec, ok := b.load(ctx, key)
		if !ok || rec.SessionID != sessionID {
			continue
		}
		own = append(own, key)
		msgs = append(msgs, rec.Message)
	}
	return own, msgs
}

// retained loads the messages of a session still held in the store,
// dropping corrupt entries
func (b *Bus) retained(ctx context.Context, sessionID string) []*core.Message {
	if b.store == nil {
		return nil
	}
	_, msgs := b.retainedKeys(ctx, sessionID)
	return msgs
}

func (b *Bus) load(ctx context.Context, key string) (*retainedMessage, bool) {
	raw, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	var rec retainedMessage
	if err := json.Unmarshal(raw, &rec); err != nil || rec.SessionID == "" || rec.Message == nil || rec.Message.Validate() != nil {
		b.logger.Debug("discarding corrupt message", zap.String("key", key))
		_ = b.store.Delete(ctx, key)
		return nil, false
	}
	return &rec, true
}

// Purge removes retained messages older than the retention window and trims
// transport history to the same bound
func (b *Bus) Purge(ctx context.Context) {
	now := b.now()
	cutoff := now.Add(-b.retention)

	if b.store != nil {
		keys, err := b.store.Keys(ctx, messagePrefix)
		if err != nil {
			b.logger.Warn("failed to list retained messages", zap.Error(err))
		}
		for _, key := range keys {
			rec, ok := b.load(ctx, key)
			if ok && rec.Message.Timestamp.Before(cutoff) {
				_ = b.store.Delete(ctx, key)
			}
		}
	}

	b.mu.Lock()
	topics := make([]string, 0, len(b.topics))
	for sessionID, state := range b.topics {
		if len(state.subs) == 0 && state.sending == 0 {
			delete(b.topics, sessionID)
		}
		topics = append(topics, sessionID)
	}
	b.mu.Unlock()

	for _, sessionID := range topics {
		if err := b.retainer.Trim(ctx, Topic(sessionID), cutoff); err != nil {
			b.logger.Debug("failed to trim topic", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// Release closes every subscription of the session and forgets its messages
func (b *Bus) Release(ctx context.Context, sessionID string) {
	b.mu.Lock()
	state := b.topics[sessionID]
	delete(b.topics, sessionID)
	var subs []*subscription
	if state != nil {
		for sub := range state.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {
			sub.closed.Store(true)
			sub.cancel()
		})
	}

	if b.store != nil {
		if keys, _ := b.retainedKeys(ctx, sessionID); len(keys) > 0 {
			_ = b.store.Delete(ctx, keys...)
		}
	}
	if err := b.retainer.Drop(ctx, Topic(sessionID)); err != nil {
		b.logger.Debug("failed to drop topic", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Run purges retained messages until ctx ends
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.Purge(ctx)
		}
	}
}

// Close ends every subscription; later sends report false
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	for _, state := range b.topics {
		for sub := range state.subs {
			sub.closed.Store(true)
		}
	}
	b.topics = make(map[string]*topicState)
	b.mu.Unlock()

	b.cancel()
	return nil
}

// topicLocked returns the state of the session, creating it; b.mu must be held
func (b *Bus) topicLocked(sessionID string) (*topicState, bool) {
	if b.closed {
		return nil, false
	}
	state, ok := b.topics[sessionID]
	if !ok {
		state = &topicState{subs: make(map[*subscription]struct{})}
		b.topics[sessionID] = state
	}
	return state, true
}

// acquire pins the state of the session for a send
func (b *Bus) acquire(sessionID string) (*topicState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topicLocked(sessionID)
	if ok {
		state.sending++
	}
	return state, ok
}

func (b *Bus) release(state *topicState) {
	b.mu.Lock()
	state.sending--
	b.mu.Unlock()
}

// register adds sub to the session in the same critical section that looks
// the state up
func (b *Bus) register(sessionID string, sub *subscription) (*topicState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topicLocked(sessionID)
	if ok {
		state.subs[sub] = struct{}{}
	}
	return state, ok
}

type nopRetainer struct{}

func (nopRetainer) Trim(context.Context, string, time.Time) error { return nil }
func (nopRetainer) Drop(context.Context, string) error            { return nil }
