package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bcgov/healthgateway-sub016/bus/message"
)

// Middleware добавляет сквозную функциональность вокруг обработчика сессии.
type Middleware interface {
	// Wrap оборачивает следующий обработчик в цепочке.
	Wrap(next Handler) Handler
}

// MiddlewareFunc позволяет использовать обычную функцию как Middleware.
type MiddlewareFunc func(next Handler) Handler

// Wrap реализует интерфейс Middleware.
func (f MiddlewareFunc) Wrap(next Handler) Handler {
	return f(next)
}

// noopMiddleware возвращает обработчик без изменений.
type noopMiddleware struct{}

func (noopMiddleware) Wrap(next Handler) Handler { return next }

// applyMiddlewares собирает цепочку так, что первый middleware вызывается первым.
func applyMiddlewares(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		h = middlewares[i].Wrap(h)
	}
	return h
}

// NewLoggingMiddleware создает middleware, логирующее начало и итог обработки
// пакета. Для nil-логгера возвращается пустое middleware.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		return noopMiddleware{}
	}
	return MiddlewareFunc(func(next Handler) Handler {
		return func(ctx context.Context, sessionID string, envelopes []message.Envelope) (err error) {
			batchType := contentType(envelopes)
			logger.Debug("начало обработки пакета",
				slog.String("session_id", sessionID),
				slog.String("message_type", batchType),
				slog.Int("batch_size", len(envelopes)),
			)

			startTime := time.Now()
			defer func() {
				duration := time.Since(startTime)
				if err != nil {
					logger.Error("ошибка обработки пакета",
						slog.String("session_id", sessionID),
						slog.String("message_type", batchType),
						slog.Int("batch_size", len(envelopes)),
						slog.Any("error", err),
						slog.Duration("duration", duration),
					)
					return
				}
				logger.Info("пакет успешно обработан",
					slog.String("session_id", sessionID),
					slog.String("message_type", batchType),
					slog.Int("batch_size", len(envelopes)),
					slog.Duration("duration", duration),
				)
			}()

			return next(ctx, sessionID, envelopes)
		}
	})
}

// NewMetricsMiddleware создает middleware, собирающее метрики обработки.
// Для nil-провайдера возвращается пустое middleware.
func NewMetricsMiddleware(provider metric.MeterProvider) Middleware {
	if provider == nil {
		return noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	consumeCounter, err := meter.Int64Counter(
		metricKeyPrefix+"consume.count",
		metric.WithDescription("Количество обработанных пакетов"),
		metric.WithUnit("{batches}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик consume.count: %v", err))
	}

	envelopeCounter, err := meter.Int64Counter(
		metricKeyPrefix+"consume.envelopes",
		metric.WithDescription("Количество обработанных конвертов"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик consume.envelopes: %v", err))
	}

	durationHist, err := meter.Float64Histogram(
		metricKeyPrefix+"consume.duration",
		metric.WithDescription("Длительность обработки пакета"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму consume.duration: %v", err))
	}

	return MiddlewareFunc(func(next Handler) Handler {
		return func(ctx context.Context, sessionID string, envelopes []message.Envelope) error {
			startTime := time.Now()
			err := next(ctx, sessionID, envelopes)

			status := "success"
			if err != nil {
				status = "error"
			}
			attrs := metric.WithAttributes(
				attribute.String("message.type", contentType(envelopes)),
				attribute.Bool("session.ordered", sessionID != ""),
				attribute.String("status", status),
			)
			consumeCounter.Add(ctx, 1, attrs)
			envelopeCounter.Add(ctx, int64(len(envelopes)), attrs)
			durationHist.Record(ctx, float64(time.Since(startTime).Milliseconds()), attrs)
			return err
		}
	})
}

// NewTracingMiddleware создает middleware, открывающее спан потребителя.
// Родительский контекст трассировки уже извлечен получателем из заголовков
// сообщения. Для nil-провайдера возвращается пустое middleware.
func NewTracingMiddleware(tp trace.TracerProvider) Middleware {
	if tp == nil {
		return noopMiddleware{}
	}
	tracer := tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))

	return MiddlewareFunc(func(next Handler) Handler {
		return func(ctx context.Context, sessionID string, envelopes []message.Envelope) (err error) {
			ctx, span := tracer.Start(ctx, contentType(envelopes)+" process",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.session_id", sessionID),
					attribute.Int("messaging.batch.message_count", len(envelopes)),
				),
			)
			defer func() {
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()
			}()

			return next(ctx, sessionID, envelopes)
		}
	})
}

// contentType возвращает имя типа содержимого пакета или "mixed",
// если в пакете разные типы.
func contentType(envelopes []message.Envelope) string {
	if len(envelopes) == 0 {
		return "empty"
	}
	name := typeName(envelopes[0].Content())
	for _, env := range envelopes[1:] {
		if typeName(env.Content()) != name {
			return "mixed"
		}
	}
	return name
}

func typeName(content any) string {
	if content == nil {
		return "unknown"
	}
	t := reflect.TypeOf(content)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
