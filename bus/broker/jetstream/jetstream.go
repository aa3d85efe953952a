// Package jetstream реализует брокер поверх NATS JetStream.
//
// Каждая сессия публикуется в собственный subject "<prefix>.<token>", где
// token — base64url от ключа сессии. Идентификатор сообщения передается в
// Nats-Msg-Id, поэтому повторная отправка записи outbox в пределах окна
// дедупликации потока отбрасывается самим JetStream.
package jetstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

const (
	noSessionToken = "_"

	defaultStream        = "OUTBOX"
	defaultSubject       = "outbox"
	defaultDurable       = "receiver"
	defaultDuplicates    = 2 * time.Minute
	defaultAckWait       = 30 * time.Second
	defaultMaxAckPending = 256
)

var ErrJetStreamRequired = errors.New("контекст JetStream обязателен")

type config struct {
	stream        string
	subject       string
	durable       string
	duplicates    time.Duration
	ackWait       time.Duration
	maxAckPending int
	storage       jetstream.StorageType
	logger        *slog.Logger
}

// Option изменяет конфигурацию брокера.
type Option func(*config)

// WithStream задает имя потока JetStream.
func WithStream(name string) Option {
	return func(c *config) { c.stream = name }
}

// WithSubject задает префикс subject; поток слушает "<prefix>.>".
func WithSubject(prefix string) Option {
	return func(c *config) { c.subject = prefix }
}

// WithDurable задает имя долговременного потребителя.
func WithDurable(name string) Option {
	return func(c *config) { c.durable = name }
}

// WithDuplicatesWindow задает окно дедупликации по Nats-Msg-Id.
func WithDuplicatesWindow(d time.Duration) Option {
	return func(c *config) { c.duplicates = d }
}

// WithAckWait задает время, после которого неподтвержденное сообщение
// доставляется повторно.
func WithAckWait(d time.Duration) Option {
	return func(c *config) { c.ackWait = d }
}

// WithMaxAckPending ограничивает число неподтвержденных сообщений.
func WithMaxAckPending(n int) Option {
	return func(c *config) { c.maxAckPending = n }
}

// WithMemoryStorage хранит поток в памяти сервера.
func WithMemoryStorage() Option {
	return func(c *config) { c.storage = jetstream.MemoryStorage }
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Broker — брокер на NATS JetStream.
type Broker struct {
	js  jetstream.JetStream
	cfg config
}

var _ broker.Broker = (*Broker)(nil)

// New создает или обновляет поток и возвращает брокер.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Broker, error) {
	if js == nil {
		return nil, ErrJetStreamRequired
	}
	cfg := config{
		stream:        defaultStream,
		subject:       defaultSubject,
		durable:       defaultDurable,
		duplicates:    defaultDuplicates,
		ackWait:       defaultAckWait,
		maxAckPending: defaultMaxAckPending,
		storage:       jetstream.FileStorage,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.stream,
		Subjects:   []string{cfg.subject + ".>"},
		Storage:    cfg.storage,
		Duplicates: cfg.duplicates,
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось создать поток %s: %w", cfg.stream, err)
	}

	return &Broker{js: js, cfg: cfg}, nil
}

// Subject возвращает subject, в который публикуются сообщения сессии.
func (b *Broker) Subject(sessionID string) string {
	return b.cfg.subject + "." + sessionToken(sessionID)
}

// Publish публикует сообщение и дожидается подтверждения JetStream.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	m := nats.NewMsg(b.Subject(msg.SessionID))
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.SessionID != "" {
		m.Header.Set(broker.HeaderSessionID, msg.SessionID)
	}

	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}

	ack, err := b.js.PublishMsg(ctx, m, opts...)
	if err != nil {
		return fmt.Errorf("публикация в %s: %w", m.Subject, err)
	}
	if ack.Duplicate {
		b.cfg.logger.Debug("JetStream отбросил дубликат сообщения",
			slog.String("message_id", msg.ID),
			slog.Uint64("sequence", ack.Sequence),
		)
	}
	return nil
}

// Consume читает поток долговременным потребителем с явным подтверждением.
func (b *Broker) Consume(ctx context.Context, deliver func(broker.Delivery)) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.stream, jetstream.ConsumerConfig{
		Durable:       b.cfg.durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: b.cfg.subject + ".>",
		AckWait:       b.cfg.ackWait,
		MaxAckPending: b.cfg.maxAckPending,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("не удалось создать потребителя %s: %w", b.cfg.durable, err)
	}

	fatal := make(chan error, 1)
	cc, err := consumer.Consume(
		func(m jetstream.Msg) { deliver(b.delivery(m)) },
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			if isFatal(err) {
				select {
				case fatal <- err:
				default:
				}
				return
			}
			b.cfg.logger.Warn("ошибка потребителя JetStream", slog.Any("error", err))
		}),
	)
	if err != nil {
		return fmt.Errorf("не удалось запустить потребителя %s: %w", b.cfg.durable, err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	case <-cc.Closed():
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("потребитель JetStream остановлен")
	}
}

func (b *Broker) delivery(m jetstream.Msg) broker.Delivery {
	h := m.Headers()
	msg := broker.Message{
		ID:        h.Get(nats.MsgIdHdr),
		SessionID: h.Get(broker.HeaderSessionID),
		Body:      m.Data(),
		Headers:   make(map[string]string, len(h)),
	}
	for k := range h {
		if strings.HasPrefix(k, "Nats-") || k == broker.HeaderSessionID {
			continue
		}
		msg.Headers[k] = h.Get(k)
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionFromSubject(m.Subject())
	}
	if msg.ID == "" {
		if meta, err := m.Metadata(); err == nil {
			msg.ID = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
		}
	}

	ack := func(context.Context) error { return m.Ack() }
	nack := func(_ context.Context, requeue bool) error {
		if requeue {
			return m.Nak()
		}
		return m.Term()
	}
	return broker.NewDelivery(msg, ack, nack)
}

func isFatal(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrNoHeartbeat)
}

// sessionToken кодирует ключ сессии в допустимый токен subject.
func sessionToken(sessionID string) string {
	if sessionID == "" {
		return noSessionToken
	}
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

func sessionFromSubject(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return ""
	}
	token := subject[i+1:]
	if token == noSessionToken {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ""
	}
	return string(raw)
}
