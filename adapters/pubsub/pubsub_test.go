package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcess_Delivers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport := NewInProcess(watermill.NopLogger{})
	defer transport.Close()

	messages, err := transport.Subscriber.Subscribe(ctx, "tapmint.session.s1")
	require.NoError(t, err)

	require.NoError(t, transport.Publisher.Publish("tapmint.session.s1", message.NewMessage("m1", []byte("hi"))))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "m1", msg.UUID)
		assert.Equal(t, "hi", string(msg.Payload))
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}

	assert.NoError(t, transport.Retainer.Trim(ctx, "tapmint.session.s1", time.Now()))
	assert.NoError(t, transport.Retainer.Drop(ctx, "tapmint.session.s1"))
}

func TestRedisRetainer_TrimAndDrop(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Now()
	old := now.Add(-20 * time.Second).UnixMilli()
	recent := now.Add(-time.Second).UnixMilli()

	for _, id := range []int64{old, recent} {
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
			Stream: "tapmint.session.s1",
			ID:     formatID(id),
			Values: map[string]any{"payload": "x"},
		}).Err())
	}

	retainer := NewRedisRetainer(client)
	require.NoError(t, retainer.Trim(ctx, "tapmint.session.s1", now.Add(-10*time.Second)))

	n, err := client.XLen(ctx, "tapmint.session.s1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, retainer.Drop(ctx, "tapmint.session.s1"))
	assert.False(t, mr.Exists("tapmint.session.s1"))
}

func formatID(ms int64) string {
	return fmt.Sprintf("%d-0", ms)
}

func TestRedisStream_CapsLifecycleTopic(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	transport, err := NewRedisStream(client, RedisStreamConfig{Capped: []string{"tapmint.lifecycle"}, MaxLen: 5}, watermill.NopLogger{})
	require.NoError(t, err)
	defer transport.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, transport.Publisher.Publish("tapmint.lifecycle", message.NewMessage(watermill.NewUUID(), []byte("event"))))
		require.NoError(t, transport.Publisher.Publish("tapmint.session.s1", message.NewMessage(watermill.NewUUID(), []byte("msg"))))
	}

	n, err := client.XLen(ctx, "tapmint.lifecycle").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(5))

	n, err = client.XLen(ctx, "tapmint.session.s1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}
