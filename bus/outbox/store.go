package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Writer записывает записи outbox в рамках транзакции вызывающего кода.
// Tx — дескриптор транзакции конкретного хранилища (pgx.Tx, *gorm.DB и т.д.).
type Writer[Tx any] interface {
	// Save ОБЯЗАН выполнить запись через tx, чтобы откат транзакции
	// отменял и запись сообщений.
	Save(ctx context.Context, tx Tx, records ...*Record) error
}

// DispatchSource — сторона хранилища, с которой работает диспетчер.
type DispatchSource interface {
	// FetchPending возвращает зафиксированные записи в статусе PENDING
	// в порядке их создания.
	FetchPending(ctx context.Context, limit int) ([]*Record, error)

	// MarkDispatched помечает записи как принятые брокером.
	MarkDispatched(ctx context.Context, ids ...uuid.UUID) error

	// MarkFailed увеличивает счетчик попыток и сохраняет причину.
	// При maxAttempts > 0 и исчерпании попыток запись переводится в FAILED.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error
}

// Store — полный контракт хранилища outbox.
// Все операции должны быть потокобезопасными.
type Store[Tx any] interface {
	Writer[Tx]
	DispatchSource
}
