// Package redisstream реализует брокер поверх Redis Streams.
//
// Все сообщения пишутся в один поток; получатели читают его через группу
// потребителей. Порядок доставки совпадает с порядком XADD, поэтому для
// сохранения порядка сессий в группе должен работать один потребитель.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

const (
	fieldID      = "id"
	fieldSession = "session"
	fieldBody    = "body"
	fieldHeaders = "headers"

	defaultGroup    = "outbox"
	defaultConsumer = "receiver"
	defaultBlock    = time.Second
	defaultCount    = 32
)

var ErrStreamRequired = errors.New("имя потока Redis обязательно")

type config struct {
	group    string
	consumer string
	block    time.Duration
	count    int64
	maxLen   int64
	logger   *slog.Logger
}

// Option изменяет конфигурацию брокера.
type Option func(*config)

// WithGroup задает имя группы потребителей.
func WithGroup(group string) Option {
	return func(c *config) { c.group = group }
}

// WithConsumer задает имя потребителя внутри группы.
func WithConsumer(consumer string) Option {
	return func(c *config) { c.consumer = consumer }
}

// WithBlock задает время ожидания XREADGROUP.
func WithBlock(d time.Duration) Option {
	return func(c *config) { c.block = d }
}

// WithCount задает максимальное число записей за одно чтение.
func WithCount(n int64) Option {
	return func(c *config) { c.count = n }
}

// WithMaxLen ограничивает длину потока (приблизительная обрезка MAXLEN ~).
func WithMaxLen(n int64) Option {
	return func(c *config) { c.maxLen = n }
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Broker — брокер на Redis Streams.
type Broker struct {
	client redis.UniversalClient
	stream string
	cfg    config

	mu       sync.Mutex
	inflight map[string]struct{}
	requeued bool
}

var _ broker.Broker = (*Broker)(nil)

// New создает брокер для потока stream.
func New(client redis.UniversalClient, stream string, opts ...Option) (*Broker, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, ErrStreamRequired
	}
	cfg := config{
		group:    defaultGroup,
		consumer: defaultConsumer,
		block:    defaultBlock,
		count:    defaultCount,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.count <= 0 {
		cfg.count = defaultCount
	}
	if cfg.block <= 0 {
		cfg.block = defaultBlock
	}

	return &Broker{
		client:   client,
		stream:   stream,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}, nil
}

// Publish добавляет сообщение в поток.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("не удалось сериализовать заголовки: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			fieldID:      msg.ID,
			fieldSession: msg.SessionID,
			fieldBody:    msg.Body,
			fieldHeaders: headers,
		},
	}
	if b.cfg.maxLen > 0 {
		args.MaxLen = b.cfg.maxLen
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("XADD в поток %s: %w", b.stream, err)
	}
	return nil
}

// Consume читает поток через группу потребителей. Сначала передаются
// собственные неподтвержденные записи потребителя, затем новые.
func (b *Broker) Consume(ctx context.Context, deliver func(broker.Delivery)) error {
	if err := b.ensureGroup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	b.mu.Lock()
	clear(b.inflight)
	b.requeued = true
	b.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}

		start, block, count := ">", b.cfg.block, b.cfg.count
		if b.takeRequeued() {
			start, block, count = "0", -1, 0
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.group,
			Consumer: b.cfg.consumer,
			Streams:  []string{b.stream, start},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("XREADGROUP из потока %s: %w", b.stream, err)
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				if !b.markInflight(entry.ID) {
					continue
				}
				deliver(b.delivery(entry))
			}
		}
	}
}

// ensureGroup создает группу потребителей, если ее еще нет.
func (b *Broker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.cfg.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("не удалось создать группу %s потока %s: %w", b.cfg.group, b.stream, err)
	}
	return nil
}

func (b *Broker) takeRequeued() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.requeued
	b.requeued = false
	return r
}

// markInflight отмечает запись как переданную. Повторное чтение
// неподтвержденных записей пропускает те, что еще в обработке.
func (b *Broker) markInflight(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[id]; ok {
		return false
	}
	b.inflight[id] = struct{}{}
	return true
}

func (b *Broker) release(id string, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, id)
	if requeue {
		b.requeued = true
	}
}

func (b *Broker) delivery(entry redis.XMessage) broker.Delivery {
	msg := broker.Message{
		ID:        stringValue(entry.Values[fieldID]),
		SessionID: stringValue(entry.Values[fieldSession]),
		Body:      []byte(stringValue(entry.Values[fieldBody])),
	}
	if raw := stringValue(entry.Values[fieldHeaders]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			b.cfg.logger.Warn("некорректные заголовки записи потока",
				slog.String("entry_id", entry.ID),
				slog.Any("error", err),
			)
		}
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}

	ack := func(ctx context.Context) error {
		defer b.release(entry.ID, false)
		return b.client.XAck(ctx, b.stream, b.cfg.group, entry.ID).Err()
	}
	nack := func(ctx context.Context, requeue bool) error {
		if requeue {
			b.release(entry.ID, true)
			return nil
		}
		return ack(ctx)
	}
	return broker.NewDelivery(msg, ack, nack)
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
