// Package message определяет конверт сообщения — единицу транспортировки
// между отправителем outbox, брокером и получателем — а также реестр типов
// и кодек для полиморфного содержимого.
package message

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-reflect"
	"github.com/google/uuid"
)

var (
	// ErrContentRequired возвращается при попытке создать конверт без содержимого.
	ErrContentRequired = errors.New("содержимое сообщения обязательно")
)

// SessionCarrier реализуется сообщениями, которые сами знают свой ключ сессии.
// Если ключ не передан явно, New копирует его в конверт.
type SessionCarrier interface {
	SessionID() string
}

// Envelope — неизменяемая обертка над содержимым сообщения.
// Все поля закрыты, поэтому ключ сессии фиксирован на все время жизни конверта.
type Envelope struct {
	id        uuid.UUID
	sessionID string
	content   any
	createdAt time.Time
}

// Option настраивает создание конверта.
type Option func(*options)

type options struct {
	id        uuid.UUID
	sessionID *string
	createdAt time.Time
}

// WithSessionID явно задает ключ сессии, имеющий приоритет над SessionCarrier.
func WithSessionID(sessionID string) Option {
	return func(o *options) {
		o.sessionID = &sessionID
	}
}

// WithID задает идентификатор конверта вместо сгенерированного.
func WithID(id uuid.UUID) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithCreatedAt задает время создания конверта.
func WithCreatedAt(t time.Time) Option {
	return func(o *options) {
		o.createdAt = t
	}
}

// New создает конверт для содержимого content.
// Пустой или состоящий из пробелов ключ сессии означает сообщение без
// ограничений на порядок.
func New(content any, opts ...Option) (Envelope, error) {
	if isNilContent(content) {
		return Envelope{}, ErrContentRequired
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var sessionID string
	switch {
	case o.sessionID != nil:
		sessionID = *o.sessionID
	default:
		if carrier, ok := content.(SessionCarrier); ok {
			sessionID = carrier.SessionID()
		}
	}

	id := o.id
	if id == uuid.Nil {
		id = uuid.New()
	}

	createdAt := o.createdAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return Envelope{
		id:        id,
		sessionID: NormalizeSessionID(sessionID),
		content:   content,
		createdAt: createdAt.UTC(),
	}, nil
}

// isNilContent распознает и нетипизированный nil, и nil-значения
// указателей, отображений, срезов, функций, каналов и интерфейсов.
func isNilContent(content any) bool {
	if content == nil {
		return true
	}
	v := reflect.ValueOf(content)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return v.IsNil()
	}
	return false
}

// MustNew аналогичен New, но паникует при ошибке. Удобен в тестах и при
// построении статических сообщений.
func MustNew(content any, opts ...Option) Envelope {
	env, err := New(content, opts...)
	if err != nil {
		panic(err)
	}
	return env
}

// NormalizeSessionID приводит ключ сессии к каноническому виду.
func NormalizeSessionID(sessionID string) string {
	return strings.TrimSpace(sessionID)
}

// ID возвращает уникальный идентификатор конверта.
func (e Envelope) ID() uuid.UUID { return e.id }

// SessionID возвращает ключ сессии или пустую строку.
func (e Envelope) SessionID() string { return e.sessionID }

// HasSession сообщает, относится ли конверт к упорядоченной сессии.
func (e Envelope) HasSession() bool { return e.sessionID != "" }

// Content возвращает содержимое конверта.
func (e Envelope) Content() any { return e.content }

// CreatedAt возвращает время создания конверта в UTC.
func (e Envelope) CreatedAt() time.Time { return e.createdAt }

// IDs возвращает идентификаторы конвертов в исходном порядке.
func IDs(envelopes []Envelope) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(envelopes))
	for _, env := range envelopes {
		ids = append(ids, env.id)
	}
	return ids
}
