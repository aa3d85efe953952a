// Package postgres содержит хранилище outbox для PostgreSQL на основе pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bcgov/healthgateway-sub016/bus/outbox"
)

// ErrQuerierRequired возвращается, если Save вызван без транзакции.
var ErrQuerierRequired = errors.New("postgres: транзакция обязательна")

const (
	// sequence задает порядок выборки; индекс по (status, sequence)
	// обслуживает FetchPending.
	createTableQuery = `
CREATE TABLE IF NOT EXISTS outbox_records (
    sequence BIGSERIAL,
    id UUID PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    payload BYTEA NOT NULL,
    envelope_count INTEGER NOT NULL,
    metadata JSONB,
    status VARCHAR(16) NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    dispatched_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_records_status_sequence ON outbox_records (status, sequence);
`

	// Блокировка сессии до конца транзакции: транзакции одной сессии
	// вставляют записи в порядке фиксации.
	lockSessionQuery = `SELECT pg_advisory_xact_lock(hashtext($1));`

	insertRecordQuery = `
INSERT INTO outbox_records (id, session_id, payload, envelope_count, metadata, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`

	fetchPendingQuery = `
SELECT sequence, id, session_id, payload, envelope_count, metadata, status, attempts, last_error, created_at, dispatched_at
FROM outbox_records
WHERE status = $1
ORDER BY sequence
LIMIT $2;
`

	markDispatchedQuery = `
UPDATE outbox_records
SET status = $1, dispatched_at = $2
WHERE id = ANY($3);
`

	markFailedQuery = `
UPDATE outbox_records
SET attempts = attempts + 1,
    last_error = $2,
    status = CASE WHEN $3 > 0 AND attempts + 1 >= $3 THEN $4 ELSE status END
WHERE id = $1;
`

	purgeDispatchedQuery = `
DELETE FROM outbox_records
WHERE status = $1 AND dispatched_at < $2;
`
)

// Storage — хранилище outbox в PostgreSQL.
type Storage struct {
	db Querier
}

var (
	_ outbox.Store[Querier] = (*Storage)(nil)
	_ outbox.Purger         = (*Storage)(nil)
)

// NewStorage создает хранилище и выполняет миграцию таблицы outbox_records.
// db используется диспетчером; обычно это *pgxpool.Pool.
func NewStorage(ctx context.Context, db Querier) (*Storage, error) {
	if _, err := db.Exec(ctx, createTableQuery); err != nil {
		return nil, fmt.Errorf("не удалось создать таблицу outbox_records: %w", err)
	}
	return &Storage{db: db}, nil
}

// Save записывает записи одним пакетом запросов через tx. Перед вставкой
// транзакция берет рекомендательную блокировку каждой сессии записей, поэтому
// конкурентные транзакции одной сессии выстраиваются в порядке фиксации.
func (s *Storage) Save(ctx context.Context, tx Querier, records ...*outbox.Record) error {
	if tx == nil {
		return ErrQuerierRequired
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, session := range outbox.Sessions(records) {
		batch.Queue(lockSessionQuery, session)
	}
	for _, rec := range records {
		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("не удалось сериализовать метаданные: %w", err)
		}
		batch.Queue(insertRecordQuery,
			rec.ID,
			rec.SessionID,
			rec.Payload,
			rec.EnvelopeCount,
			metadata,
			rec.Status,
			rec.CreatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("не удалось сохранить запись в outbox: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("не удалось завершить пакет вставки outbox: %w", err)
	}
	return nil
}

// FetchPending извлекает записи PENDING в порядке sequence.
func (s *Storage) FetchPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := s.db.Query(ctx, fetchPendingQuery, outbox.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("не удалось извлечь записи из outbox: %w", err)
	}
	defer rows.Close()

	records := make([]*outbox.Record, 0)
	for rows.Next() {
		var rec outbox.Record
		var metadata []byte
		if err := rows.Scan(
			&rec.Sequence,
			&rec.ID,
			&rec.SessionID,
			&rec.Payload,
			&rec.EnvelopeCount,
			&metadata,
			&rec.Status,
			&rec.Attempts,
			&rec.LastError,
			&rec.CreatedAt,
			&rec.DispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("не удалось сканировать запись: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("не удалось десериализовать метаданные: %w", err)
			}
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при итерации по записям: %w", err)
	}
	return records, nil
}

// MarkDispatched помечает записи как принятые брокером.
func (s *Storage) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.Exec(ctx, markDispatchedQuery, outbox.StatusDispatched, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("не удалось пометить записи как отправленные: %w", err)
	}
	return nil
}

// MarkFailed фиксирует неудачную попытку отправки.
func (s *Storage) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	tag, err := s.db.Exec(ctx, markFailedQuery, id, reason, maxAttempts, outbox.StatusFailed)
	if err != nil {
		return fmt.Errorf("не удалось сохранить ошибку отправки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("запись %s не найдена", id)
	}
	return nil
}

// PurgeDispatched удаляет записи, отправленные раньше before.
func (s *Storage) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeDispatchedQuery, outbox.StatusDispatched, before)
	if err != nil {
		return 0, fmt.Errorf("не удалось удалить отправленные записи: %w", err)
	}
	return tag.RowsAffected(), nil
}
