package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

// Result описывает итог одного прохода диспетчера.
type Result struct {
	Fetched           int // Извлечено записей
	Dispatched        int // Принято брокером
	Failed            int // Ошибок отправки
	StateUpdateFailed int // Отправлено, но не помечено (возможен дубль)
}

func (r *Result) add(other Result) {
	r.Dispatched += other.Dispatched
	r.Failed += other.Failed
	r.StateUpdateFailed += other.StateUpdateFailed
}

// Dispatcher переносит зафиксированные записи outbox в брокер.
// Он не планирует себя сам: внешний планировщик вызывает RunOnce с интервалом.
type Dispatcher struct {
	source    DispatchSource
	publisher broker.Publisher
	cfg       *config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   dispatcherMetrics
	running   atomic.Bool
}

// NewDispatcher создает диспетчер.
func NewDispatcher(source DispatchSource, publisher broker.Publisher, opts ...Option) (*Dispatcher, error) {
	if source == nil {
		return nil, ErrStoreRequired
	}
	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	cfg := newConfig(opts)
	metrics, err := newDispatcherMetrics(cfg.meterProvider)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		logger:    cfg.logger,
		tracer:    cfg.tracer(),
		metrics:   metrics,
	}, nil
}

// RunOnce выполняет один проход: выбирает пакет ожидающих записей и
// отправляет их в брокер, сохраняя порядок внутри каждой сессии.
//
// Доставка "как минимум один раз": запись помечается после отправки, поэтому
// сбой пометки приводит к повторной отправке в следующем проходе.
// Отмена ctx проверяется только до начала прохода; начатая отправка
// пакета доводится до конца.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !d.running.CompareAndSwap(false, true) {
		return Result{}, ErrDispatchInProgress
	}
	defer d.running.Store(false)

	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "outbox dispatch")
	defer span.End()

	records, err := d.source.FetchPending(ctx, d.cfg.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("не удалось извлечь записи outbox: %w", err)
	}

	result := Result{Fetched: len(records)}
	d.metrics.queueDepth.Record(ctx, int64(len(records)))
	if len(records) == 0 {
		return result, nil
	}

	forwardCtx := context.WithoutCancel(ctx)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.cfg.concurrency)

	for _, group := range groupBySession(records) {
		group := group
		g.Go(func() error {
			r := d.forwardSession(forwardCtx, group)
			mu.Lock()
			result.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.metrics.dispatched.Add(ctx, int64(result.Dispatched))
	d.metrics.failed.Add(ctx, int64(result.Failed))
	d.metrics.stateUpdateFailed.Add(ctx, int64(result.StateUpdateFailed))
	d.metrics.duration.Record(ctx, float64(time.Since(start).Milliseconds()))

	span.SetAttributes(
		attribute.Int("outbox.dispatch.fetched", result.Fetched),
		attribute.Int("outbox.dispatch.dispatched", result.Dispatched),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)

	d.logger.Info("проход диспетчера outbox завершен",
		slog.Int("fetched", result.Fetched),
		slog.Int("dispatched", result.Dispatched),
		slog.Int("failed", result.Failed),
		slog.Int("state_update_failed", result.StateUpdateFailed),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// forwardSession отправляет записи одной сессии последовательно.
// После первой ошибки оставшиеся записи сессии ждут следующего прохода,
// иначе нарушился бы порядок.
func (d *Dispatcher) forwardSession(ctx context.Context, records []*Record) Result {
	var result Result
	sent := make([]uuid.UUID, 0, len(records))

	for _, rec := range records {
		msg := broker.Message{
			ID:        rec.ID.String(),
			SessionID: rec.SessionID,
			Body:      rec.Payload,
			Headers:   broker.CloneHeaders(rec.Metadata),
		}

		if err := d.publisher.Publish(ctx, msg); err != nil {
			result.Failed++
			d.logger.Warn("ошибка отправки записи outbox в брокер",
				slog.String("record_id", rec.ID.String()),
				slog.String("session_id", rec.SessionID),
				slog.Int("attempt", rec.Attempts+1),
				slog.Any("error", err),
			)
			if markErr := d.source.MarkFailed(ctx, rec.ID, err.Error(), d.cfg.maxAttempts); markErr != nil {
				d.logger.Error("не удалось сохранить ошибку отправки записи outbox",
					slog.String("record_id", rec.ID.String()),
					slog.Any("error", markErr),
				)
			} else if d.cfg.maxAttempts > 0 && rec.Attempts+1 >= d.cfg.maxAttempts {
				d.logger.Error("попытки отправки записи outbox исчерпаны, запись переведена в FAILED",
					slog.String("record_id", rec.ID.String()),
					slog.String("session_id", rec.SessionID),
					slog.Int("attempts", rec.Attempts+1),
				)
			}
			break
		}
		sent = append(sent, rec.ID)
	}

	result.Dispatched = len(sent)
	if len(sent) == 0 {
		return result
	}

	if err := d.source.MarkDispatched(ctx, sent...); err != nil {
		result.StateUpdateFailed = len(sent)
		d.logger.Error("записи отправлены в брокер, но не помечены; возможна повторная доставка",
			slog.Int("count", len(sent)),
			slog.Any("error", err),
		)
	}
	return result
}

// groupBySession разбивает пакет на группы: по одной на сессию в порядке
// первого появления и по одной на каждую запись без сессии.
// Внутри группы записи упорядочены по Sequence.
func groupBySession(records []*Record) [][]*Record {
	groups := make([][]*Record, 0, len(records))
	index := make(map[string]int)

	for _, rec := range records {
		if rec.SessionID == "" {
			groups = append(groups, []*Record{rec})
			continue
		}
		i, ok := index[rec.SessionID]
		if !ok {
			i = len(groups)
			index[rec.SessionID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}

	for _, group := range groups {
		slices.SortStableFunc(group, func(a, b *Record) int {
			switch {
			case a.Sequence < b.Sequence:
				return -1
			case a.Sequence > b.Sequence:
				return 1
			default:
				return 0
			}
		})
	}
	return groups
}

// dispatcherMetrics объединяет инструменты OpenTelemetry диспетчера.
type dispatcherMetrics struct {
	queueDepth        metric.Int64Histogram
	dispatched        metric.Int64Counter
	failed            metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	duration          metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	meter := provider.Meter(instrumentationName)

	queueDepth, err := meter.Int64Histogram(
		metricKeyPrefix+"dispatch.batch_size",
		metric.WithDescription("Количество записей, извлеченных за проход"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("не удалось создать гистограмму dispatch.batch_size: %w", err)
	}

	dispatched, err := meter.Int64Counter(
		metricKeyPrefix+"dispatch.count",
		metric.WithDescription("Количество записей, принятых брокером"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("не удалось создать счетчик dispatch.count: %w", err)
	}

	failed, err := meter.Int64Counter(
		metricKeyPrefix+"dispatch.failed",
		metric.WithDescription("Количество ошибок отправки в брокер"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("не удалось создать счетчик dispatch.failed: %w", err)
	}

	stateUpdateFailed, err := meter.Int64Counter(
		metricKeyPrefix+"dispatch.state_update_failed",
		metric.WithDescription("Количество отправленных, но не помеченных записей"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("не удалось создать счетчик dispatch.state_update_failed: %w", err)
	}

	duration, err := meter.Float64Histogram(
		metricKeyPrefix+"dispatch.duration",
		metric.WithDescription("Длительность прохода диспетчера"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("не удалось создать гистограмму dispatch.duration: %w", err)
	}

	return dispatcherMetrics{
		queueDepth:        queueDepth,
		dispatched:        dispatched,
		failed:            failed,
		stateUpdateFailed: stateUpdateFailed,
		duration:          duration,
	}, nil
}
