package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bcgov/healthgateway-sub016/bus/message"
)

// Sender — прикладной API отправки сообщений. Он не открывает и не
// завершает транзакции: конверты записываются через дескриптор tx,
// переданный вызывающим кодом, и становятся видимы диспетчеру только
// после фиксации этой транзакции.
type Sender[Tx any] struct {
	writer     Writer[Tx]
	codec      *message.Codec
	logger     *slog.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	sendCounter     metric.Int64Counter
	envelopeCounter metric.Int64Counter
}

// NewSender создает отправителя поверх хранилища writer.
func NewSender[Tx any](writer Writer[Tx], codec *message.Codec, opts ...Option) (*Sender[Tx], error) {
	if writer == nil {
		return nil, ErrStoreRequired
	}
	if codec == nil {
		return nil, ErrCodecRequired
	}

	cfg := newConfig(opts)
	meter := cfg.meterProvider.Meter(instrumentationName)

	sendCounter, err := meter.Int64Counter(
		metricKeyPrefix+"send.count",
		metric.WithDescription("Количество вызовов отправки в outbox"),
		metric.WithUnit("{calls}"),
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать счетчик send.count: %w", err)
	}

	envelopeCounter, err := meter.Int64Counter(
		metricKeyPrefix+"send.envelopes",
		metric.WithDescription("Количество конвертов, записанных в outbox"),
		metric.WithUnit("{envelopes}"),
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать счетчик send.envelopes: %w", err)
	}

	return &Sender[Tx]{
		writer:          writer,
		codec:           codec,
		logger:          cfg.logger,
		tracer:          cfg.tracer(),
		propagator:      cfg.propagator,
		sendCounter:     sendCounter,
		envelopeCounter: envelopeCounter,
	}, nil
}

// Send записывает конверты в outbox в рамках транзакции tx.
// Конверты одной сессии из одного вызова образуют одну запись и будут
// доставлены обработчику одним пакетом; конверты без сессии записываются
// по одному. Ошибка хранилища возвращается как есть, без повторов:
// транзакцию вызывающего кода следует откатить.
func (s *Sender[Tx]) Send(ctx context.Context, tx Tx, envelopes ...message.Envelope) (err error) {
	if len(envelopes) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "outbox send", trace.WithSpanKind(trace.SpanKindProducer))
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		s.sendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		if err == nil {
			s.envelopeCounter.Add(ctx, int64(len(envelopes)))
		}
	}()

	records, err := s.buildRecords(ctx, envelopes)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("outbox.envelopes", len(envelopes)),
		attribute.Int("outbox.records", len(records)),
	)

	if err := s.writer.Save(ctx, tx, records...); err != nil {
		s.logger.Error("ошибка записи сообщений в outbox",
			slog.Int("records", len(records)),
			slog.Any("error", err),
		)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.logger.Debug("сообщения записаны в outbox",
		slog.Int("envelopes", len(envelopes)),
		slog.Int("records", len(records)),
	)
	return nil
}

// buildRecords группирует конверты по сессиям в порядке первого появления.
func (s *Sender[Tx]) buildRecords(ctx context.Context, envelopes []message.Envelope) ([]*Record, error) {
	groups := make([][]message.Envelope, 0, len(envelopes))
	index := make(map[string]int)

	for _, env := range envelopes {
		if !env.HasSession() {
			groups = append(groups, []message.Envelope{env})
			continue
		}
		i, ok := index[env.SessionID()]
		if !ok {
			i = len(groups)
			index[env.SessionID()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], env)
	}

	now := time.Now().UTC()
	records := make([]*Record, 0, len(groups))
	for _, group := range groups {
		payload, err := s.codec.MarshalBatch(group)
		if err != nil {
			return nil, fmt.Errorf("не удалось сериализовать конверты: %w", err)
		}

		metadata := make(map[string]string)
		s.propagator.Inject(ctx, propagation.MapCarrier(metadata))

		records = append(records, &Record{
			ID:            uuid.New(),
			SessionID:     group[0].SessionID(),
			Payload:       payload,
			EnvelopeCount: len(group),
			Metadata:      metadata,
			Status:        StatusPending,
			CreatedAt:     now,
		})
	}
	return records, nil
}
