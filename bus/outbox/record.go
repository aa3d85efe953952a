// Package outbox реализует паттерн Transactional Outbox: отправитель
// записывает конверты в хранилище в рамках транзакции вызывающего кода, а
// диспетчер после фиксации транзакции переносит их в брокер, сохраняя
// порядок внутри сессии.
package outbox

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// StatusPending означает, что запись ожидает отправки в брокер.
	StatusPending = "PENDING"
	// StatusDispatched означает, что брокер принял запись.
	StatusDispatched = "DISPATCHED"
	// StatusFailed означает, что попытки отправки исчерпаны.
	StatusFailed = "FAILED"
)

// Record представляет пакет конвертов одной сессии, сохраненный в outbox.
type Record struct {
	ID            uuid.UUID         // Уникальный идентификатор записи
	SessionID     string            // Ключ сессии; пустая строка — без порядка
	Payload       []byte            // Сериализованный массив конвертов
	EnvelopeCount int               // Количество конвертов в Payload
	Metadata      map[string]string // Метаданные (контекст трассировки и т.д.)
	Status        string            // PENDING, DISPATCHED или FAILED
	Attempts      int               // Количество неудачных попыток отправки
	LastError     string            // Текст последней ошибки отправки
	CreatedAt     time.Time         // Время создания
	DispatchedAt  *time.Time        // Время подтверждения брокером
	Sequence      int64             // Порядковый номер, назначаемый хранилищем
}

// Clone возвращает глубокую копию записи.
func (r *Record) Clone() *Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.DispatchedAt != nil {
		at := *r.DispatchedAt
		c.DispatchedAt = &at
	}
	return &c
}

// Sessions возвращает различные непустые ключи сессий записей в порядке
// возрастания. Хранилища блокируют сессии в этом порядке, чтобы транзакции,
// пишущие в несколько сессий, не взаимоблокировались.
func Sessions(records []*Record) []string {
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.SessionID == "" {
			continue
		}
		if _, ok := seen[rec.SessionID]; ok {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		out = append(out, rec.SessionID)
	}
	slices.Sort(out)
	return out
}
