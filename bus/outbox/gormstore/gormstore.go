// Package gormstore содержит хранилище outbox поверх gorm с драйвером
// PostgreSQL. Транзакцией служит *gorm.DB, полученный из db.Transaction или db.Begin.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bcgov/healthgateway-sub016/bus/outbox"
)

var (
	ErrDBRequired = errors.New("gormstore: соединение обязательно")
	ErrTxRequired = errors.New("gormstore: транзакция обязательна")
)

type recordModel struct {
	Sequence      int64      `gorm:"column:sequence;type:bigserial;<-:false;index:idx_outbox_status_sequence,priority:2"`
	ID            uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	SessionID     string     `gorm:"column:session_id;not null;default:''"`
	Payload       []byte     `gorm:"column:payload;not null"`
	EnvelopeCount int        `gorm:"column:envelope_count;not null"`
	Metadata      string     `gorm:"column:metadata;type:text"`
	Status        string     `gorm:"column:status;size:16;not null;index:idx_outbox_status_sequence,priority:1"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LastError     string     `gorm:"column:last_error;not null;default:''"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (recordModel) TableName() string {
	return "outbox_records"
}

// Store — хранилище outbox поверх gorm.
type Store struct {
	db *gorm.DB
}

var (
	_ outbox.Store[*gorm.DB] = (*Store)(nil)
	_ outbox.Purger          = (*Store)(nil)
)

// New создает хранилище и мигрирует таблицу outbox_records.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if err := db.WithContext(ctx).AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("не удалось мигрировать таблицу outbox_records: %w", err)
	}
	return &Store{db: db}, nil
}

// Save записывает записи через транзакцию tx. Сессии записей блокируются
// pg_advisory_xact_lock до конца транзакции, поэтому записи одной сессии
// получают sequence в порядке фиксации транзакций.
func (s *Store) Save(ctx context.Context, tx *gorm.DB, records ...*outbox.Record) error {
	if tx == nil {
		return ErrTxRequired
	}
	if len(records) == 0 {
		return nil
	}

	rows := make([]recordModel, 0, len(records))
	for _, rec := range records {
		row, err := toModel(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	db := tx.WithContext(ctx)
	for _, session := range outbox.Sessions(records) {
		if err := db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", session).Error; err != nil {
			return fmt.Errorf("не удалось заблокировать сессию %s: %w", session, err)
		}
	}
	if err := db.Create(&rows).Error; err != nil {
		return fmt.Errorf("не удалось сохранить записи в outbox: %w", err)
	}
	return nil
}

// FetchPending возвращает записи PENDING в порядке sequence.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	var rows []recordModel
	query := s.db.WithContext(ctx).
		Where("status = ?", outbox.StatusPending).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("не удалось извлечь записи из outbox: %w", err)
	}

	records := make([]*outbox.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkDispatched помечает записи как принятые брокером.
func (s *Store) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":        outbox.StatusDispatched,
			"dispatched_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("не удалось пометить записи как отправленные: %w", result.Error)
	}
	return nil
}

// MarkFailed фиксирует неудачную попытку отправки.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	status := gorm.Expr("status")
	if maxAttempts > 0 {
		status = gorm.Expr("CASE WHEN attempts + 1 >= ? THEN ? ELSE status END", maxAttempts, outbox.StatusFailed)
	}

	result := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
			"status":     status,
		})
	if result.Error != nil {
		return fmt.Errorf("не удалось сохранить ошибку отправки: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("запись %s не найдена", id)
	}
	return nil
}

// PurgeDispatched удаляет записи, отправленные раньше before.
func (s *Store) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND dispatched_at < ?", outbox.StatusDispatched, before).
		Delete(&recordModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("не удалось удалить отправленные записи: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toModel(rec *outbox.Record) (recordModel, error) {
	var metadata string
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return recordModel{}, fmt.Errorf("не удалось сериализовать метаданные: %w", err)
		}
		metadata = string(raw)
	}
	return recordModel{
		ID:            rec.ID,
		SessionID:     rec.SessionID,
		Payload:       rec.Payload,
		EnvelopeCount: rec.EnvelopeCount,
		Metadata:      metadata,
		Status:        rec.Status,
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		CreatedAt:     rec.CreatedAt.UTC(),
	}, nil
}

func (m recordModel) toRecord() (*outbox.Record, error) {
	rec := &outbox.Record{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Payload:       append([]byte(nil), m.Payload...),
		EnvelopeCount: m.EnvelopeCount,
		Status:        m.Status,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt.UTC(),
		DispatchedAt:  m.DispatchedAt,
		Sequence:      m.Sequence,
	}
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("не удалось десериализовать метаданные записи %s: %w", m.ID, err)
		}
	}
	return rec, nil
}
