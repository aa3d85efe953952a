// Package rabbitmq реализует брокер поверх RabbitMQ (AMQP 0-9-1).
//
// Сообщения публикуются в долговечную очередь с подтверждениями издателя.
// Очередь объявляется с x-single-active-consumer, поэтому при нескольких
// получателях сообщения читает только один, и порядок сессий сохраняется.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

const (
	defaultPrefetch    = 64
	defaultConsumerTag = "outbox-receiver"
)

var (
	ErrConnectionRequired = errors.New("соединение AMQP обязательно")
	ErrQueueRequired      = errors.New("имя очереди обязательно")
	ErrPublishNacked      = errors.New("брокер не подтвердил публикацию")
)

type config struct {
	prefetch    int
	consumerTag string
	logger      *slog.Logger
}

// Option изменяет конфигурацию брокера.
type Option func(*config)

// WithPrefetch задает число неподтвержденных сообщений на потребителя.
func WithPrefetch(n int) Option {
	return func(c *config) { c.prefetch = n }
}

// WithConsumerTag задает тег потребителя.
func WithConsumerTag(tag string) Option {
	return func(c *config) { c.consumerTag = tag }
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Broker — брокер на RabbitMQ.
type Broker struct {
	conn  *amqp.Connection
	queue string
	cfg   config

	mu      sync.Mutex
	pubChan *amqp.Channel
}

var _ broker.Broker = (*Broker)(nil)

// New объявляет очередь и возвращает брокер.
func New(conn *amqp.Connection, queue string, opts ...Option) (*Broker, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}
	if strings.TrimSpace(queue) == "" {
		return nil, ErrQueueRequired
	}
	cfg := config{
		prefetch:    defaultPrefetch,
		consumerTag: defaultConsumerTag,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.prefetch <= 0 {
		cfg.prefetch = defaultPrefetch
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть канал AMQP: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-single-active-consumer": true,
	}); err != nil {
		return nil, fmt.Errorf("не удалось объявить очередь %s: %w", queue, err)
	}

	return &Broker{conn: conn, queue: queue, cfg: cfg}, nil
}

// Publish публикует сохраняемое сообщение и ждет подтверждения брокера.
// Публикации сериализуются: один канал в режиме подтверждений.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Headers:      headersToTable(msg.Headers, msg.SessionID),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("публикация в очередь %s: %w", b.queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("ожидание подтверждения публикации: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// publishChannel возвращает открытый канал публикации. Вызывается под мьютексом.
func (b *Broker) publishChannel() (*amqp.Channel, error) {
	if b.pubChan != nil && !b.pubChan.IsClosed() {
		return b.pubChan, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть канал публикации: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("режим подтверждений недоступен: %w", err)
	}
	b.pubChan = ch
	return ch, nil
}

// Consume читает очередь в отдельном канале. Закрытие канала или
// соединения возвращается как ошибка.
func (b *Broker) Consume(ctx context.Context, deliver func(broker.Delivery)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("не удалось открыть канал потребителя: %w", err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	if err := ch.Qos(b.cfg.prefetch, 0, false); err != nil {
		return fmt.Errorf("не удалось установить prefetch: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.ConsumeWithContext(ctx, b.queue, b.cfg.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("не удалось подписаться на очередь %s: %w", b.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ctx.Err() != nil {
				return nil
			}
			if ok && amqpErr != nil {
				return fmt.Errorf("канал AMQP закрыт: %w", amqpErr)
			}
			return errors.New("канал AMQP закрыт")
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("поток доставок AMQP завершен")
			}
			deliver(toDelivery(d))
		}
	}
}

func toDelivery(d amqp.Delivery) broker.Delivery {
	headers, sessionID := tableToHeaders(d.Headers)
	msg := broker.Message{
		ID:        d.MessageId,
		SessionID: sessionID,
		Body:      d.Body,
		Headers:   headers,
	}
	ack := func(context.Context) error { return d.Ack(false) }
	nack := func(_ context.Context, requeue bool) error { return d.Nack(false, requeue) }
	return broker.NewDelivery(msg, ack, nack)
}

func headersToTable(headers map[string]string, sessionID string) amqp.Table {
	table := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		table[k] = v
	}
	if sessionID != "" {
		table[broker.HeaderSessionID] = sessionID
	}
	return table
}

func tableToHeaders(table amqp.Table) (map[string]string, string) {
	headers := make(map[string]string, len(table))
	var sessionID string
	for k, v := range table {
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case []byte:
			s = string(val)
		default:
			s = fmt.Sprint(val)
		}
		if k == broker.HeaderSessionID {
			sessionID = s
			continue
		}
		headers[k] = s
	}
	return headers, sessionID
}
