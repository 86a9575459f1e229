package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"go.uber.org/zap"
)

const sessionPrefix = "session-"

func sessionKey(id string) string {
	return sessionPrefix + id
}

// Releaser frees per-session resources held outside the registry
type Releaser interface {
	Release(ctx context.Context, sessionID string)
}

// RegistryConfig tunes session lifetime
type RegistryConfig struct {
	MaxAge          time.Duration
	CleanupInterval time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// Registry creates, looks up and expires sessions. Records live in memory and
// in the store, so a session created by another relay instance sharing the
// store is still found.
type Registry struct {
	store     ports.Store
	releasers []Releaser
	events    ports.EventPublisher
	logger    *zap.Logger
	now       func() time.Time

	maxAge          time.Duration
	cleanupInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*core.Session
}

// NewRegistry creates a registry; releaser and events may be nil
func NewRegistry(store ports.Store, releaser Releaser, events ports.EventPublisher, cfg RegistryConfig) *Registry {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = core.MaxSessionAge
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = core.CleanupInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		store:           store,
		events:          events,
		logger:          logging.OrNop(cfg.Logger).Named("registry"),
		now:             cfg.Now,
		maxAge:          cfg.MaxAge,
		cleanupInterval: cfg.CleanupInterval,
		sessions:        make(map[string]*core.Session),
	}
	if releaser != nil {
		r.releasers = append(r.releasers, releaser)
	}
	return r
}

// AddReleaser registers another releaser called when a session ends
func (r *Registry) AddReleaser(releaser Releaser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasers = append(r.releasers, releaser)
}

func (r *Registry) release(ctx context.Context, id string) {
	r.mu.Lock()
	releasers := append([]Releaser(nil), r.releasers...)
	r.mu.Unlock()

	for _, releaser := range releasers {
		releaser.Release(ctx, id)
	}
}

// MaxAge returns how long sessions live
func (r *Registry) MaxAge() time.Duration {
	return r.maxAge
}

// Create starts a new session for method. It never fails: when the store
// write fails the session still exists in memory.
func (r *Registry) Create(ctx context.Context, method core.Method, localAddress string) *core.Session {
	now := r.now()

	var session *core.Session
	for session == nil {
		id := r.newID(ctx, now)

		r.mu.Lock()
		if _, taken := r.sessions[id]; !taken {
			session = &core.Session{
				ID:           id,
				Method:       method,
				CreatedAt:    now,
				LocalAddress: localAddress,
			}
			r.sessions[id] = session
		}
		r.mu.Unlock()
	}

	cp := *session
	r.persist(ctx, &cp)

	r.logger.Info("session created",
		zap.String("session_id", cp.ID),
		zap.String("method", string(method)))
	r.publish(ctx, ports.SessionCreated, &cp)

	return &cp
}

// Adopt registers a session id received from a peer. A known id is returned
// unchanged.
func (r *Registry) Adopt(ctx context.Context, id string, method core.Method, localAddress string) (*core.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty session id", core.ErrInvalidPeerData)
	}
	if existing, ok := r.Get(ctx, id); ok {
		return existing, nil
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidMethod, method)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		cp := *existing
		r.mu.Unlock()
		return &cp, nil
	}
	session := &core.Session{
		ID:           id,
		Method:       method,
		CreatedAt:    r.now(),
		LocalAddress: localAddress,
	}
	r.sessions[id] = session
	cp := *session
	r.mu.Unlock()

	r.persist(ctx, &cp)

	r.logger.Info("session adopted",
		zap.String("session_id", id),
		zap.String("method", string(method)))
	r.publish(ctx, ports.SessionCreated, &cp)

	return &cp, nil
}

// Get returns the session with id from memory or, failing that, from the
// store. Missing and corrupt records both report false.
func (r *Registry) Get(ctx context.Context, id string) (*core.Session, bool) {
	r.mu.Lock()
	if session, ok := r.sessions[id]; ok {
		cp := *session
		r.mu.Unlock()
		return &cp, true
	}
	r.mu.Unlock()

	session, ok := r.load(ctx, sessionKey(id))
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		session = existing
	} else {
		r.sessions[id] = session
	}
	cp := *session
	r.mu.Unlock()

	return &cp, true
}

// Disconnect removes the session and releases its bus resources. Unknown ids
// are ignored.
func (r *Registry) Disconnect(ctx context.Context, id string) {
	r.mu.Lock()
	session, known := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, sessionKey(id)); err != nil {
		r.logger.Warn("failed to delete session", zap.String("session_id", id), zap.Error(err))
	}
	r.release(ctx, id)

	if known {
		r.logger.Info("session disconnected", zap.String("session_id", id))
		r.publish(ctx, ports.SessionDisconnected, session)
	}
}

// CleanupOldSessions evicts every session older than the max age and drops
// corrupt stored records. It returns the number of sessions evicted.
func (r *Registry) CleanupOldSessions(ctx context.Context) int {
	now := r.now()
	expired := make(map[string]*core.Session)

	r.mu.Lock()
	for id, session := range r.sessions {
		if session.Expired(now, r.maxAge) {
			expired[id] = session
		}
	}
	r.mu.Unlock()

	keys, err := r.store.Keys(ctx, sessionPrefix)
	if err != nil {
		r.logger.Warn("failed to list sessions", zap.Error(err))
	}
	for _, key := range keys {
		session, ok := r.load(ctx, key)
		if ok && session.Expired(now, r.maxAge) {
			expired[session.ID] = session
		}
	}

	for id, session := range expired {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()

		if err := r.store.Delete(ctx, sessionKey(id)); err != nil {
			r.logger.Warn("failed to delete session", zap.String("session_id", id), zap.Error(err))
		}
		r.release(ctx, id)
		r.publish(ctx, ports.SessionExpired, session)
	}

	if len(expired) > 0 {
		r.logger.Info("expired sessions evicted", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run evicts old sessions once immediately and then on every cleanup
// interval until ctx ends
func (r *Registry) Run(ctx context.Context) {
	r.CleanupOldSessions(ctx)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupOldSessions(ctx)
		}
	}
}

// newID returns an id unused in the store; the caller still checks memory
// under r.mu
func (r *Registry) newID(ctx context.Context, now time.Time) string {
	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
		id := fmt.Sprintf("session-%d-%s", now.UnixMilli(), suffix)

		if _, err := r.store.Get(ctx, sessionKey(id)); err == nil {
			continue
		}
		return id
	}
}

func (r *Registry) persist(ctx context.Context, session *core.Session) {
	raw, err := json.Marshal(session)
	if err != nil {
		r.logger.Error("failed to encode session", zap.String("session_id", session.ID), zap.Error(err))
		return
	}

	ttl := r.maxAge - r.now().Sub(session.CreatedAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.store.Set(ctx, sessionKey(session.ID), raw, ttl); err != nil {
		r.logger.Warn("failed to persist session", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// load decodes a stored session, deleting it when corrupt
func (r *Registry) load(ctx context.Context, key string) (*core.Session, bool) {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			r.logger.Warn("failed to read session", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var session core.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		r.logger.Debug("discarding corrupt session", zap.String("key", key), zap.Error(err))
		_ = r.store.Delete(ctx, key)
		return nil, false
	}
	return &session, true
}

func (r *Registry) publish(ctx context.Context, event ports.SessionEvent, session *core.Session) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishSessionEvent(ctx, event, session); err != nil {
		// The state change already happened; the event is best effort
		r.logger.Warn("failed to publish session event", zap.String("event", string(event)), zap.Error(err))
	}
}
