package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/ports"
)

// Topic carries session lifecycle events
const Topic = "tapmint.lifecycle"

// SessionEvent is the payload published for a lifecycle transition
type SessionEvent struct {
	Event     ports.SessionEvent `json:"event"`
	SessionID string             `json:"session_id"`
	Method    core.Method        `json:"method"`
	Address   string             `json:"address,omitempty"`
	At        int64              `json:"at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     Topic,
	}
}

// PublishSessionEvent publishes a lifecycle event for session
func (p *WatermillPublisher) PublishSessionEvent(ctx context.Context, event ports.SessionEvent, session *core.Session) error {
	payload, err := json.Marshal(SessionEvent{
		Event:     event,
		SessionID: session.ID,
		Method:    session.Method,
		Address:   session.LocalAddress,
		At:        time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("event", string(event))

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event
type NopPublisher struct{}

// PublishSessionEvent does nothing
func (NopPublisher) PublishSessionEvent(context.Context, ports.SessionEvent, *core.Session) error {
	return nil
}

// WatermillSubscriber reads lifecycle events published by WatermillPublisher
type WatermillSubscriber struct {
	subscriber message.Subscriber
	topic      string
}

// NewWatermillSubscriber creates a lifecycle event subscriber
func NewWatermillSubscriber(subscriber message.Subscriber) ports.EventSubscriber {
	return &WatermillSubscriber{
		subscriber: subscriber,
		topic:      Topic,
	}
}

// SubscribeSessionEvents streams decoded lifecycle events until ctx ends.
// Undecodable payloads are acknowledged and skipped.
func (s *WatermillSubscriber) SubscribeSessionEvents(ctx context.Context) (<-chan ports.SessionEventRecord, error) {
	messages, err := s.subscriber.Subscribe(ctx, s.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	out := make(chan ports.SessionEventRecord)
	go func() {
		defer close(out)
		for msg := range messages {
			msg.Ack()

			var event SessionEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				continue
			}

			record := ports.SessionEventRecord{
				Event:     event.Event,
				SessionID: event.SessionID,
				Method:    event.Method,
				At:        time.UnixMilli(event.At),
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
