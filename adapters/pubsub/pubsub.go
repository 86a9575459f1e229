// Package pubsub builds the watermill transports carrying session messages.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/tapmint/ports"
	"github.com/redis/go-redis/v9"
)

// Transport is a publisher and subscriber pair sharing one backend
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Retainer   ports.Retainer
}

// Close closes both sides of the transport
func (t *Transport) Close() error {
	pubErr := t.Publisher.Close()
	subErr := t.Subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// NewInProcess returns a transport delivering between subscribers of one process
func NewInProcess(logger watermill.LoggerAdapter) *Transport {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logger)

	return &Transport{
		Publisher:  ch,
		Subscriber: ch,
		Retainer:   NopRetainer{},
	}
}

// DefaultMaxLen caps streams listed in RedisStreamConfig.Capped
const DefaultMaxLen = 10000

// RedisStreamConfig tunes the Redis stream transport
type RedisStreamConfig struct {
	// Capped lists topics that are never trimmed by a retainer; each is kept
	// to about MaxLen entries on publish
	Capped []string
	MaxLen int64
}

// NewRedisStream returns a transport over Redis streams so that every relay
// instance sharing the Redis server sees every message. The subscriber runs
// without a consumer group, which fans each message out to all subscribers.
func NewRedisStream(client redis.UniversalClient, cfg RedisStreamConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	maxlens := make(map[string]int64, len(cfg.Capped))
	for _, topic := range cfg.Capped {
		maxlens[topic] = cfg.MaxLen
	}

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:  client,
		Maxlens: maxlens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client: client,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("failed to create redis subscriber: %w", err)
	}

	return &Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Retainer:   NewRedisRetainer(client),
	}, nil
}

// NopRetainer is used by transports that keep no history
type NopRetainer struct{}

// Trim does nothing
func (NopRetainer) Trim(context.Context, string, time.Time) error { return nil }

// Drop does nothing
func (NopRetainer) Drop(context.Context, string) error { return nil }

// RedisRetainer trims Redis streams by entry id, which starts with the unix
// millisecond time the entry was added
type RedisRetainer struct {
	client redis.UniversalClient
}

// NewRedisRetainer creates a retainer for streams in client
func NewRedisRetainer(client redis.UniversalClient) *RedisRetainer {
	return &RedisRetainer{client: client}
}

// Trim removes stream entries added before cutoff
func (r *RedisRetainer) Trim(ctx context.Context, topic string, cutoff time.Time) error {
	minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())
	if err := r.client.XTrimMinID(ctx, topic, minID).Err(); err != nil {
		return fmt.Errorf("failed to trim %s: %w", topic, err)
	}
	return nil
}

// Drop deletes the stream backing topic
func (r *RedisRetainer) Drop(ctx context.Context, topic string) error {
	if err := r.client.Del(ctx, topic).Err(); err != nil {
		return fmt.Errorf("failed to drop %s: %w", topic, err)
	}
	return nil
}
