package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcgov/healthgateway-sub016/bus/outbox"
)

func newRecord(session string) *outbox.Record {
	return &outbox.Record{
		ID:            uuid.New(),
		SessionID:     session,
		Payload:       []byte(`[]`),
		EnvelopeCount: 1,
		Status:        outbox.StatusPending,
	}
}

func TestStore_Tx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("фиксация присваивает последовательность", func(t *testing.T) {
		t.Parallel()
		s := New()
		tx := s.Begin()
		require.NoError(t, s.Save(ctx, tx, newRecord("a"), newRecord("b")))
		assert.Empty(t, s.Records())

		require.NoError(t, tx.Commit())
		records := s.Records()
		require.Len(t, records, 2)
		assert.Equal(t, int64(1), records[0].Sequence)
		assert.Equal(t, int64(2), records[1].Sequence)

		require.ErrorIs(t, tx.Commit(), ErrTxDone)
		require.ErrorIs(t, s.Save(ctx, tx, newRecord("c")), ErrTxDone)
	})

	t.Run("откат", func(t *testing.T) {
		t.Parallel()
		s := New()
		tx := s.Begin()
		require.NoError(t, s.Save(ctx, tx, newRecord("a")))
		require.NoError(t, tx.Rollback())
		require.ErrorIs(t, tx.Rollback(), ErrTxDone)
		assert.Empty(t, s.Records())
	})

	t.Run("чужая транзакция", func(t *testing.T) {
		t.Parallel()
		require.Error(t, New().Save(ctx, New().Begin(), newRecord("a")))
	})

	t.Run("изменение записи после Save не влияет на хранилище", func(t *testing.T) {
		t.Parallel()
		s := New()
		tx := s.Begin()
		rec := newRecord("a")
		require.NoError(t, s.Save(ctx, tx, rec))
		rec.SessionID = "changed"
		require.NoError(t, tx.Commit())
		assert.Equal(t, "a", s.Records()[0].SessionID)
	})

	t.Run("сбой записи", func(t *testing.T) {
		t.Parallel()
		s := New()
		boom := errors.New("boom")
		s.FailSave(boom)
		require.ErrorIs(t, s.Save(ctx, s.Begin(), newRecord("a")), boom)
		s.FailSave(nil)
		require.NoError(t, s.Save(ctx, s.Begin(), newRecord("a")))
	})
}

func TestStore_Dispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	tx := s.Begin()
	first, second, third := newRecord("a"), newRecord("a"), newRecord("")
	require.NoError(t, s.Save(ctx, tx, first, second, third))
	require.NoError(t, tx.Commit())

	pending, err := s.FetchPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	require.NoError(t, s.MarkDispatched(ctx, first.ID))
	require.NoError(t, s.MarkFailed(ctx, second.ID, "timeout", 1))
	require.Error(t, s.MarkFailed(ctx, uuid.New(), "timeout", 1))

	records := s.Records()
	assert.Equal(t, outbox.StatusDispatched, records[0].Status)
	assert.NotNil(t, records[0].DispatchedAt)
	assert.Equal(t, outbox.StatusFailed, records[1].Status)
	assert.Equal(t, "timeout", records[1].LastError)
	assert.Equal(t, 1, s.PendingCount())

	boom := errors.New("boom")
	s.FailMarkDispatched(boom)
	require.ErrorIs(t, s.MarkDispatched(ctx, third.ID), boom)
	require.NoError(t, s.MarkDispatched(ctx, third.ID))
	assert.Zero(t, s.PendingCount())
}

func TestStore_PurgeDispatched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	tx := s.Begin()
	sent, waiting := newRecord("a"), newRecord("b")
	require.NoError(t, s.Save(ctx, tx, sent, waiting))
	require.NoError(t, tx.Commit())
	require.NoError(t, s.MarkDispatched(ctx, sent.ID))

	removed, err := s.PurgeDispatched(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed, "запись моложе порога остается")

	removed, err = s.PurgeDispatched(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	records := s.Records()
	require.Len(t, records, 1)
	assert.Equal(t, waiting.ID, records[0].ID)
}
