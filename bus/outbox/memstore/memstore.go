// Package memstore содержит хранилище outbox в памяти с явными
// транзакциями. Записи, сохраненные через Tx, становятся видимы диспетчеру
// только после Commit; Rollback их отбрасывает.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcgov/healthgateway-sub016/bus/outbox"
)

var (
	ErrTxRequired = errors.New("транзакция обязательна")
	ErrTxDone     = errors.New("транзакция уже завершена")
)

// Store — потокобезопасное хранилище outbox в памяти.
type Store struct {
	mu      sync.Mutex
	records []*outbox.Record
	byID    map[uuid.UUID]*outbox.Record
	seq     int64

	saveErr     error
	markErr     error
	markErrOnce bool
}

var (
	_ outbox.Store[*Tx] = (*Store)(nil)
	_ outbox.Purger     = (*Store)(nil)
)

// New создает пустое хранилище.
func New() *Store {
	return &Store{byID: make(map[uuid.UUID]*outbox.Record)}
}

// Tx — транзакция хранилища. Не предназначена для конкурентного использования
// несколькими горутинами, как и транзакции реальных СУБД.
type Tx struct {
	store  *Store
	staged []*outbox.Record
	done   bool
}

// Begin открывает транзакцию.
func (s *Store) Begin() *Tx {
	return &Tx{store: s}
}

// Commit делает записи транзакции видимыми.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range tx.staged {
		s.seq++
		rec.Sequence = s.seq
		s.records = append(s.records, rec)
		s.byID[rec.ID] = rec
	}
	tx.staged = nil
	return nil
}

// Rollback отбрасывает записи транзакции.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.staged = nil
	return nil
}

// Save записывает записи в транзакцию tx.
func (s *Store) Save(ctx context.Context, tx *Tx, records ...*outbox.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx == nil {
		return ErrTxRequired
	}
	if tx.done {
		return ErrTxDone
	}
	if tx.store != s {
		return fmt.Errorf("транзакция принадлежит другому хранилищу")
	}

	s.mu.Lock()
	saveErr := s.saveErr
	s.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	for _, rec := range records {
		tx.staged = append(tx.staged, rec.Clone())
	}
	return nil
}

// FetchPending возвращает зафиксированные записи PENDING в порядке создания.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*outbox.Record, 0)
	for _, rec := range s.records {
		if rec.Status != outbox.StatusPending {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkDispatched помечает записи как принятые брокером.
func (s *Store) MarkDispatched(ctx context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markErr != nil {
		err := s.markErr
		if s.markErrOnce {
			s.markErr = nil
		}
		return err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			rec.Status = outbox.StatusDispatched
			at := now
			rec.DispatchedAt = &at
		}
	}
	return nil
}

// MarkFailed фиксирует неудачную попытку отправки.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("запись %s не найдена", id)
	}
	rec.Attempts++
	rec.LastError = reason
	if maxAttempts > 0 && rec.Attempts >= maxAttempts {
		rec.Status = outbox.StatusFailed
	}
	return nil
}

// PurgeDispatched удаляет записи, отправленные раньше before.
func (s *Store) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	s.records = slices.DeleteFunc(s.records, func(r *outbox.Record) bool {
		if r.Status != outbox.StatusDispatched || r.DispatchedAt == nil || !r.DispatchedAt.Before(before) {
			return false
		}
		delete(s.byID, r.ID)
		removed++
		return true
	})
	return removed, nil
}

// Records возвращает копии всех зафиксированных записей в порядке создания.
func (s *Store) Records() []*outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*outbox.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// PendingCount возвращает число записей в статусе PENDING.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(slices.DeleteFunc(slices.Clone(s.records), func(r *outbox.Record) bool {
		return r.Status != outbox.StatusPending
	}))
}

// FailSave заставляет Save возвращать err; nil снимает сбой.
func (s *Store) FailSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// FailMarkDispatched заставляет MarkDispatched вернуть err один раз.
func (s *Store) FailMarkDispatched(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markErr = err
	s.markErrOnce = true
}
