// Package broker определяет минимальный контракт брокера сообщений, которым
// пользуются диспетчер outbox и получатель: отправка сообщения с ключом
// сессии и подписка с подтверждением на уровне приложения. Любая надежная
// очередь с доставкой "как минимум один раз" и группировкой по ключу
// удовлетворяет этому контракту.
package broker

import (
	"context"
	"errors"
)

const (
	// HeaderSessionID — заголовок, в котором реализации, не имеющие
	// собственного понятия сессии, передают ее ключ.
	HeaderSessionID = "x-session-id"
)

var (
	// ErrClosed возвращается при работе с закрытым брокером.
	ErrClosed = errors.New("брокер закрыт")
)

// Message — единица обмена с брокером.
type Message struct {
	ID        string            // Идентификатор для дедупликации и трассировки
	SessionID string            // Ключ сессии; пустая строка — без порядка
	Body      []byte            // Сериализованный пакет конвертов
	Headers   map[string]string // Метаданные (контекст трассировки и т.д.)
}

// Publisher отправляет сообщения в брокер.
type Publisher interface {
	// Publish возвращает nil только после того, как брокер принял сообщение.
	Publish(ctx context.Context, msg Message) error
}

// Subscriber получает сообщения из брокера.
type Subscriber interface {
	// Consume блокируется, передавая каждое входящее сообщение в deliver.
	// Возвращает nil после отмены ctx и ошибку при потере соединения.
	// deliver не должен надолго блокироваться.
	Consume(ctx context.Context, deliver func(Delivery)) error
}

// Broker объединяет отправку и получение.
type Broker interface {
	Publisher
	Subscriber
}

// AckFunc подтверждает обработку сообщения.
type AckFunc func(ctx context.Context) error

// NackFunc отклоняет сообщение; requeue запрашивает повторную доставку.
type NackFunc func(ctx context.Context, requeue bool) error

// Delivery — полученное сообщение вместе с функциями подтверждения.
type Delivery struct {
	Message
	ack  AckFunc
	nack NackFunc
}

// NewDelivery создает доставку. Nil-функции заменяются пустыми.
func NewDelivery(msg Message, ack AckFunc, nack NackFunc) Delivery {
	return Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack подтверждает успешную обработку.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack отклоняет сообщение.
func (d Delivery) Nack(ctx context.Context, requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, requeue)
}

// CloneHeaders возвращает копию заголовков, безопасную для изменения.
func CloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
