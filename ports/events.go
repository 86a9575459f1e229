package ports

import (
	"context"
	"time"

	"github.com/layer-3/tapmint/core"
)

// SessionEvent names a session lifecycle transition
type SessionEvent string

const (
	SessionCreated      SessionEvent = "session.created"
	SessionDisconnected SessionEvent = "session.disconnected"
	SessionExpired      SessionEvent = "session.expired"
)

// EventPublisher publishes session lifecycle events to other instances
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, event SessionEvent, session *core.Session) error
}

// SessionEventRecord is a lifecycle event read back from the event stream
type SessionEventRecord struct {
	Event     SessionEvent
	SessionID string
	Method    core.Method
	At        time.Time
}

// EventSubscriber streams session lifecycle events published by any instance
type EventSubscriber interface {
	// SubscribeSessionEvents delivers events until ctx ends, then closes the
	// channel
	SubscribeSessionEvents(ctx context.Context) (<-chan SessionEventRecord, error)
}

// Retainer trims transport-side message history
type Retainer interface {
	// Trim drops messages on topic published before the cutoff
	Trim(ctx context.Context, topic string, cutoff time.Time) error

	// Drop removes all transport state for topic
	Drop(ctx context.Context, topic string) error
}
