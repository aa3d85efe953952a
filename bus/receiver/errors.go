package receiver

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrSubscriberRequired = errors.New("подписчик брокера обязателен")
	ErrCodecRequired      = errors.New("кодек сообщений обязателен")
	ErrHandlerRequired    = errors.New("обработчик обязателен")
	ErrAlreadySubscribed  = errors.New("получатель уже подписан")
	ErrReconnectExhausted = errors.New("исчерпаны попытки переподключения к брокеру")

	// errConsumeStopped — Consume вернул nil при живом контексте.
	errConsumeStopped = errors.New("подписка брокера завершилась без ошибки")
)

// HandlerError сообщает об ошибке или панике обработчика сессии.
type HandlerError struct {
	SessionID   string
	MessageID   string
	EnvelopeIDs []uuid.UUID
	Err         error
}

func (e *HandlerError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("ошибка обработки сообщения %s: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("ошибка обработки сообщения %s сессии %q: %v", e.MessageID, e.SessionID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PanicError оборачивает значение паники обработчика.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("паника в обработчике: %v", e.Value)
}

// DecodeError сообщает о сообщении, которое не удалось декодировать.
// Такое сообщение отклоняется без повторной доставки.
type DecodeError struct {
	MessageID string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("не удалось декодировать сообщение %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AckError сообщает о неудачном подтверждении или отклонении сообщения.
type AckError struct {
	MessageID string
	Err       error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("не удалось подтвердить сообщение %s: %v", e.MessageID, e.Err)
}

func (e *AckError) Unwrap() error { return e.Err }

// SubscriptionError сообщает о потере соединения с брокером.
// Attempt — номер подряд идущей неудачной попытки.
type SubscriptionError struct {
	Attempt int
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("подписка на брокер прервана (попытка %d): %v", e.Attempt, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
