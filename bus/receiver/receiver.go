// Package receiver реализует получателя сообщений с упорядочиванием по
// сессиям. Доставки одной сессии обрабатываются строго последовательно в
// порядке поступления, разные сессии обрабатываются конкурентно, а ошибка в
// одной сессии не влияет на остальные.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
	"github.com/bcgov/healthgateway-sub016/bus/message"
)

// Handler обрабатывает пакет конвертов одной сессии. Для сообщений без
// сессии sessionID пуст.
type Handler func(ctx context.Context, sessionID string, envelopes []message.Envelope) error

// ErrorHandler получает ошибки обработчиков, декодирования и подписки.
type ErrorHandler func(err error)

// Receiver подписывается на брокер и передает сообщения обработчику.
type Receiver struct {
	sub     broker.Subscriber
	codec   *message.Codec
	cfg     *config
	logger  *slog.Logger
	metrics receiverMetrics
	active  atomic.Bool
	router  atomic.Pointer[router]
}

// New создает получателя.
func New(sub broker.Subscriber, codec *message.Codec, opts ...Option) *Receiver {
	cfg := newConfig(opts)

	metrics, err := newReceiverMetrics(cfg.meterProvider)
	if err != nil {
		cfg.logger.Warn("метрики получателя отключены", slog.Any("error", err))
		metrics, _ = newReceiverMetrics(noop.NewMeterProvider())
	}

	return &Receiver{
		sub:     sub,
		codec:   codec,
		cfg:     cfg,
		logger:  cfg.logger,
		metrics: metrics,
	}
}

// LaneCount возвращает число полос сессий в реестре.
func (r *Receiver) LaneCount() int {
	rt := r.router.Load()
	if rt == nil {
		return 0
	}
	return rt.count()
}

// Subscribe блокируется до отмены ctx, передавая полученные сообщения в
// handler. После отмены прием прекращается, текущие вызовы обработчика
// доводятся до конца, и метод возвращает nil. Сообщения, которые не успели
// попасть в обработчик, остаются без подтверждения и будут доставлены
// брокером повторно.
//
// При потере соединения с брокером ошибка передается в onError, а подписка
// восстанавливается с экспоненциальной задержкой. Если задано
// WithMaxReconnects и попытки исчерпаны, возвращается ErrReconnectExhausted.
func (r *Receiver) Subscribe(ctx context.Context, handler Handler, onError ErrorHandler) error {
	if r.sub == nil {
		return ErrSubscriberRequired
	}
	if r.codec == nil {
		return ErrCodecRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}
	if !r.active.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	defer r.active.Store(false)

	s := &subscription{
		r:       r,
		handler: applyMiddlewares(handler, r.cfg.middlewares...),
		onError: onError,
	}
	s.router = newRouter(r.cfg.idleTimeout, s.process, func(delta int64) {
		r.metrics.lanes.Add(context.Background(), delta)
	})
	s.pool = newWorkerPool(r.cfg.unorderedWorkers, s.process)

	r.router.Store(s.router)
	s.pool.run()
	r.logger.Info("подписка получателя запущена")

	defer func() {
		s.router.stop()
		s.pool.stop()
		r.logger.Info("подписка получателя остановлена")
	}()

	return s.consume(ctx)
}

// subscription — состояние одного вызова Subscribe.
type subscription struct {
	r        *Receiver
	handler  Handler
	onError  ErrorHandler
	router   *router
	pool     *workerPool
	received atomic.Bool
}

func (s *subscription) consume(ctx context.Context) error {
	cfg := s.r.cfg
	attempt := 0

	for {
		s.received.Store(false)
		err := s.r.sub.Consume(ctx, func(d broker.Delivery) {
			s.received.Store(true)
			s.route(ctx, d)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errConsumeStopped
		}

		if s.received.Load() {
			attempt = 0
		}
		attempt++
		s.r.metrics.reconnects.Add(ctx, 1)
		s.report(&SubscriptionError{Attempt: attempt, Err: err})

		if cfg.maxReconnects > 0 && attempt > cfg.maxReconnects {
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		delay := reconnectDelay(cfg.backoffBase, cfg.backoffMax, attempt)
		s.r.logger.Warn("подписка на брокер прервана, переподключение",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if !sleepContext(ctx, delay) {
			return nil
		}
	}
}

// route декодирует доставку и ставит ее в полосу сессии или в пул.
func (s *subscription) route(ctx context.Context, d broker.Delivery) {
	hctx := s.r.cfg.propagator.Extract(context.WithoutCancel(ctx), propagation.MapCarrier(d.Headers))

	envelopes, err := s.r.codec.UnmarshalBatch(d.Body)
	if err != nil {
		s.r.metrics.decodeFailed.Add(hctx, 1)
		s.report(&DecodeError{MessageID: d.ID, Err: err})
		if nackErr := d.Nack(hctx, false); nackErr != nil {
			s.report(&AckError{MessageID: d.ID, Err: nackErr})
		}
		return
	}
	if len(envelopes) == 0 {
		s.ack(hctx, d)
		return
	}

	sessionID := message.NormalizeSessionID(d.SessionID)
	if sessionID == "" {
		sessionID = envelopes[0].SessionID()
	}

	j := job{ctx: hctx, delivery: d, sessionID: sessionID, envelopes: envelopes}
	if sessionID == "" {
		s.pool.enqueue(j)
		return
	}
	s.router.enqueue(j)
}

// process вызывает обработчик и подтверждает доставку.
func (s *subscription) process(j job) {
	if err := s.invoke(j); err != nil {
		s.report(&HandlerError{
			SessionID:   j.sessionID,
			MessageID:   j.delivery.ID,
			EnvelopeIDs: message.IDs(j.envelopes),
			Err:         err,
		})
		if s.r.cfg.redeliverOnError {
			if nackErr := j.delivery.Nack(j.ctx, true); nackErr != nil {
				s.report(&AckError{MessageID: j.delivery.ID, Err: nackErr})
			}
			return
		}
	}
	s.ack(j.ctx, j.delivery)
}

func (s *subscription) invoke(j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
		}
	}()
	return s.handler(j.ctx, j.sessionID, j.envelopes)
}

func (s *subscription) ack(ctx context.Context, d broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		s.report(&AckError{MessageID: d.ID, Err: err})
	}
}

// report передает ошибку в onError. Без onError ошибка логируется.
func (s *subscription) report(err error) {
	if s.onError == nil {
		s.r.logger.Error("ошибка получателя сообщений", slog.Any("error", err))
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.r.logger.Error("паника в обработчике ошибок получателя", slog.Any("panic", rec), slog.Any("error", err))
		}
	}()
	s.onError(err)
}

// receiverMetrics объединяет инструменты OpenTelemetry получателя.
type receiverMetrics struct {
	lanes        metric.Int64UpDownCounter
	decodeFailed metric.Int64Counter
	reconnects   metric.Int64Counter
}

func newReceiverMetrics(provider metric.MeterProvider) (receiverMetrics, error) {
	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	lanes, err := meter.Int64UpDownCounter(
		metricKeyPrefix+"receiver.lanes",
		metric.WithDescription("Количество полос сессий в реестре"),
		metric.WithUnit("{lanes}"),
	)
	if err != nil {
		return receiverMetrics{}, fmt.Errorf("не удалось создать счетчик receiver.lanes: %w", err)
	}

	decodeFailed, err := meter.Int64Counter(
		metricKeyPrefix+"receiver.decode_failed",
		metric.WithDescription("Количество сообщений, которые не удалось декодировать"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		return receiverMetrics{}, fmt.Errorf("не удалось создать счетчик receiver.decode_failed: %w", err)
	}

	reconnects, err := meter.Int64Counter(
		metricKeyPrefix+"receiver.reconnects",
		metric.WithDescription("Количество переподключений к брокеру"),
		metric.WithUnit("{reconnects}"),
	)
	if err != nil {
		return receiverMetrics{}, fmt.Errorf("не удалось создать счетчик receiver.reconnects: %w", err)
	}

	return receiverMetrics{lanes: lanes, decodeFailed: decodeFailed, reconnects: reconnects}, nil
}
