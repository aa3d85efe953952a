package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

// collect запускает Consume и возвращает канал доставок и функцию остановки.
func collect(t *testing.T, b *Broker) (<-chan broker.Delivery, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan broker.Delivery, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, func(d broker.Delivery) { out <- d })
	}()
	return out, func() error {
		cancel()
		return <-errCh
	}
}

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("сообщение не получено")
		return broker.Delivery{}
	}
}

func TestBroker_PublishConsume(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, broker.Message{ID: "1", SessionID: "s1", Body: []byte("a")}))
	require.NoError(t, b.Publish(ctx, broker.Message{ID: "2", SessionID: "s1", Body: []byte("b")}))

	deliveries, stop := collect(t, b)

	first := receive(t, deliveries)
	second := receive(t, deliveries)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "2", second.ID)

	require.NoError(t, first.Ack(ctx))
	require.NoError(t, second.Ack(ctx))
	assert.Equal(t, 2, b.Acked())
	assert.Equal(t, 0, b.Pending())
	assert.Len(t, b.Published(), 2)

	require.NoError(t, stop(), "отмена контекста завершает Consume без ошибки")
}

func TestBroker_Nack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("повторная доставка возвращает сообщение в начало", func(t *testing.T) {
		t.Parallel()
		b := New()
		require.NoError(t, b.Publish(ctx, broker.Message{ID: "1"}))

		deliveries, stop := collect(t, b)
		defer stop()

		d := receive(t, deliveries)
		require.NoError(t, d.Nack(ctx, true))

		again := receive(t, deliveries)
		assert.Equal(t, "1", again.ID)
		require.NoError(t, again.Ack(ctx))
		assert.Empty(t, b.DeadLettered())
	})

	t.Run("без повторной доставки сообщение уходит в dead letter", func(t *testing.T) {
		t.Parallel()
		b := New()
		require.NoError(t, b.Publish(ctx, broker.Message{ID: "1"}))

		deliveries, stop := collect(t, b)
		defer stop()

		d := receive(t, deliveries)
		require.NoError(t, d.Nack(ctx, false))
		assert.Len(t, b.DeadLettered(), 1)
		assert.Equal(t, 0, b.Pending())
	})
}

func TestBroker_ConsumerStopRequeuesInflight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, broker.Message{ID: id, SessionID: "s1"}))
	}

	deliveries, stop := collect(t, b)
	first := receive(t, deliveries)
	receive(t, deliveries)
	receive(t, deliveries)
	require.NoError(t, first.Ack(ctx))
	require.NoError(t, stop())

	assert.Equal(t, 2, b.Pending(), "неподтвержденные сообщения остаются у брокера")

	deliveries, stop = collect(t, b)
	defer stop()
	again := receive(t, deliveries)
	last := receive(t, deliveries)
	assert.Equal(t, "2", again.ID, "порядок сохраняется")
	assert.Equal(t, "3", last.ID)
}

func TestBroker_LateAckAfterConsumerStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New()
	require.NoError(t, b.Publish(ctx, broker.Message{ID: "1"}))

	deliveries, stop := collect(t, b)
	d := receive(t, deliveries)
	require.NoError(t, stop())
	require.Equal(t, 1, b.Pending())

	require.NoError(t, d.Ack(ctx))
	assert.Equal(t, 1, b.Acked())
	assert.Zero(t, b.Pending(), "подтверждение после остановки снимает сообщение с очереди")
}

func TestBroker_FailPublish(t *testing.T) {
	t.Parallel()

	b := New()
	boom := errors.New("брокер недоступен")
	b.FailPublish(boom, 1)

	err := b.Publish(context.Background(), broker.Message{ID: "1"})
	require.ErrorIs(t, err, boom)
	require.NoError(t, b.Publish(context.Background(), broker.Message{ID: "2"}))
	assert.Len(t, b.Published(), 1)
}

func TestBroker_DropConnection(t *testing.T) {
	t.Parallel()

	b := New()
	boom := errors.New("соединение потеряно")

	var wg sync.WaitGroup
	wg.Add(1)
	var consumeErr error
	go func() {
		defer wg.Done()
		consumeErr = b.Consume(context.Background(), func(broker.Delivery) {})
	}()

	b.DropConnection(boom)
	wg.Wait()
	require.ErrorIs(t, consumeErr, boom)
}

func TestBroker_Close(t *testing.T) {
	t.Parallel()

	b := New()
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(context.Background(), broker.Message{}), broker.ErrClosed)
	require.ErrorIs(t, b.Consume(context.Background(), func(broker.Delivery) {}), broker.ErrClosed)
}
