package redisstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]Option{WithBlock(20 * time.Millisecond)}, opts...)
	b, err := New(client, "outbox-messages", opts...)
	require.NoError(t, err)
	return b, mr
}

// consume запускает Consume и собирает доставки в канал.
func consume(t *testing.T, b *Broker) (<-chan broker.Delivery, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan broker.Delivery, 64)
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, func(d broker.Delivery) { out <- d }) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			result = <-done
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return out, stop
}

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("сообщение не получено")
		return broker.Delivery{}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(redis.NewClient(&redis.Options{}), " ")
	require.ErrorIs(t, err, ErrStreamRequired)
}

func TestBroker_PublishConsume(t *testing.T) {
	t.Parallel()

	b, _ := newTestBroker(t)
	ctx := context.Background()

	// Сообщения, отправленные до создания группы, тоже доставляются.
	require.NoError(t, b.Publish(ctx, broker.Message{
		ID:        "m1",
		SessionID: "s1",
		Body:      []byte(`[{"a":1}]`),
		Headers:   map[string]string{"traceparent": "00-abc"},
	}))

	ch, stop := consume(t, b)
	require.NoError(t, b.Publish(ctx, broker.Message{ID: "m2", SessionID: "s1", Body: []byte("second")}))

	d1 := receive(t, ch)
	assert.Equal(t, "m1", d1.ID)
	assert.Equal(t, "s1", d1.SessionID)
	assert.Equal(t, []byte(`[{"a":1}]`), d1.Body)
	assert.Equal(t, "00-abc", d1.Headers["traceparent"])

	d2 := receive(t, ch)
	assert.Equal(t, "m2", d2.ID)

	require.NoError(t, d1.Ack(ctx))
	require.NoError(t, d2.Ack(ctx))
	require.NoError(t, stop())
}

func TestBroker_PendingRedelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("Nack с повтором доставляет запись снова", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		ch, _ := consume(t, b)

		require.NoError(t, b.Publish(ctx, broker.Message{ID: "m1", SessionID: "s1", Body: []byte("x")}))
		d := receive(t, ch)
		require.NoError(t, d.Nack(ctx, true))

		again := receive(t, ch)
		assert.Equal(t, "m1", again.ID)
		require.NoError(t, again.Ack(ctx))
	})

	t.Run("неподтвержденные записи доставляются после переподключения", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		require.NoError(t, b.Publish(ctx, broker.Message{ID: "m1", Body: []byte("x")}))

		ch, stop := consume(t, b)
		first := receive(t, ch)
		assert.Equal(t, "m1", first.ID)
		require.NoError(t, stop())

		ch2, _ := consume(t, b)
		second := receive(t, ch2)
		assert.Equal(t, "m1", second.ID)
		require.NoError(t, second.Ack(ctx))
	})

	t.Run("подтвержденные записи не доставляются повторно", func(t *testing.T) {
		t.Parallel()
		b, _ := newTestBroker(t)
		require.NoError(t, b.Publish(ctx, broker.Message{ID: "m1", Body: []byte("x")}))
		require.NoError(t, b.Publish(ctx, broker.Message{ID: "m2", Body: []byte("y")}))

		ch, stop := consume(t, b)
		require.NoError(t, receive(t, ch).Ack(ctx))
		require.NoError(t, receive(t, ch).Nack(ctx, false))
		require.NoError(t, stop())

		ch2, _ := consume(t, b)
		select {
		case d := <-ch2:
			t.Fatalf("неожиданная доставка %s", d.ID)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestBroker_ConsumeReturnsErrorOnFailure(t *testing.T) {
	t.Parallel()

	b, mr := newTestBroker(t)
	mr.Close()

	err := b.Consume(context.Background(), func(broker.Delivery) {})
	require.Error(t, err)
}
