package receiver_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/bcgov/healthgateway-sub016/bus/message"
	"github.com/bcgov/healthgateway-sub016/bus/receiver"
)

func chain(h receiver.Handler, mw ...receiver.Middleware) receiver.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i].Wrap(h)
	}
	return h
}

func TestMiddleware_Order(t *testing.T) {
	t.Parallel()

	var calls []string
	mark := func(name string) receiver.Middleware {
		return receiver.MiddlewareFunc(func(next receiver.Handler) receiver.Handler {
			return func(ctx context.Context, sessionID string, envs []message.Envelope) error {
				calls = append(calls, name)
				return next(ctx, sessionID, envs)
			}
		})
	}

	h := chain(func(context.Context, string, []message.Envelope) error {
		calls = append(calls, "handler")
		return nil
	}, mark("first"), mark("second"))

	require.NoError(t, h(context.Background(), "s1", []message.Envelope{lab("s1", 1)}))
	assert.Equal(t, []string{"first", "second", "handler"}, calls)
}

func TestNilProvidersYieldNoop(t *testing.T) {
	t.Parallel()

	var called bool
	h := func(context.Context, string, []message.Envelope) error {
		called = true
		return nil
	}
	wrapped := chain(h,
		receiver.NewLoggingMiddleware(nil),
		receiver.NewMetricsMiddleware(nil),
		receiver.NewTracingMiddleware(nil),
	)
	require.NoError(t, wrapped(context.Background(), "", []message.Envelope{lab("s1", 1)}))
	assert.True(t, called)
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mw := receiver.NewLoggingMiddleware(logger)

	ok := mw.Wrap(func(context.Context, string, []message.Envelope) error { return nil })
	require.NoError(t, ok(context.Background(), "s1", []message.Envelope{lab("s1", 1)}))
	assert.Contains(t, buf.String(), "пакет успешно обработан")
	assert.Contains(t, buf.String(), `"session_id":"s1"`)
	assert.Contains(t, buf.String(), `"message_type":"labResultReady"`)

	buf.Reset()
	boom := errors.New("boom")
	fail := mw.Wrap(func(context.Context, string, []message.Envelope) error { return boom })
	require.ErrorIs(t, fail(context.Background(), "s1", []message.Envelope{lab("s1", 1)}), boom)
	assert.Contains(t, buf.String(), "ошибка обработки пакета")
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h := receiver.NewMetricsMiddleware(mp).Wrap(func(context.Context, string, []message.Envelope) error { return nil })

	envs := []message.Envelope{lab("s1", 1), lab("s1", 2)}
	require.NoError(t, h(context.Background(), "s1", envs))
	require.NoError(t, h(context.Background(), "s1", envs[:1]))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["messaging.consume.count"])
	assert.Equal(t, int64(3), sums["messaging.consume.envelopes"])
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	boom := errors.New("boom")
	h := receiver.NewTracingMiddleware(tp).Wrap(func(context.Context, string, []message.Envelope) error { return boom })

	require.ErrorIs(t, h(context.Background(), "s1", []message.Envelope{lab("s1", 1)}), boom)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "labResultReady process", spans[0].Name())
	require.Len(t, spans[0].Events(), 1, "ошибка записана в спан")
}

func TestDeduplicationMiddleware(t *testing.T) {
	t.Parallel()

	var seen [][]message.Envelope
	fail := true
	h := receiver.NewDeduplicationMiddleware(2).Wrap(func(_ context.Context, _ string, envs []message.Envelope) error {
		if fail {
			return errors.New("сбой")
		}
		seen = append(seen, envs)
		return nil
	})

	a, b, c := lab("s1", 1), lab("s1", 2), lab("s1", 3)
	ctx := context.Background()

	require.Error(t, h(ctx, "s1", []message.Envelope{a}))
	fail = false
	require.NoError(t, h(ctx, "s1", []message.Envelope{a}), "неудачная обработка не запоминается")
	require.NoError(t, h(ctx, "s1", []message.Envelope{a, b}))
	require.NoError(t, h(ctx, "s1", []message.Envelope{a, b}))

	require.Len(t, seen, 2)
	assert.Equal(t, message.IDs([]message.Envelope{a}), message.IDs(seen[0]))
	assert.Equal(t, message.IDs([]message.Envelope{b}), message.IDs(seen[1]), "повтор a отфильтрован")

	require.NoError(t, h(ctx, "s1", []message.Envelope{c}))
	require.NoError(t, h(ctx, "s1", []message.Envelope{a}))
	require.Len(t, seen, 4, "a вытеснен из окна емкостью 2")
}
