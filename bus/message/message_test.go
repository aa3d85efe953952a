package message

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Тестовые сообщения ---

type notificationRequested struct {
	Email   string `json:"email"`
	Subject string `json:"subject"`
}

type patientSynced struct {
	PatientID string `json:"patient_id"`
	Version   int    `json:"version"`
}

func (m patientSynced) SessionID() string { return m.PatientID }

// --- Тесты ---

// pointerCarrier сообщает сессию через метод с получателем-указателем.
type pointerCarrier struct {
	Patient string
}

func (p *pointerCarrier) SessionID() string { return p.Patient }

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("содержимое обязательно", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil)
		require.ErrorIs(t, err, ErrContentRequired)
	})

	t.Run("типизированный nil не принимается", func(t *testing.T) {
		t.Parallel()
		var ptr *pointerCarrier
		_, err := New(ptr)
		require.ErrorIs(t, err, ErrContentRequired)

		var m map[string]string
		_, err = New(m)
		require.ErrorIs(t, err, ErrContentRequired)

		var list []notificationRequested
		_, err = New(list)
		require.ErrorIs(t, err, ErrContentRequired)
	})

	t.Run("непустой указатель с сессией", func(t *testing.T) {
		t.Parallel()
		env, err := New(&pointerCarrier{Patient: " p-9 "})
		require.NoError(t, err)
		assert.Equal(t, "p-9", env.SessionID())
	})

	t.Run("идентификатор генерируется", func(t *testing.T) {
		t.Parallel()
		a := MustNew(notificationRequested{Email: "a@test.com"})
		b := MustNew(notificationRequested{Email: "a@test.com"})
		assert.NotEqual(t, uuid.Nil, a.ID())
		assert.NotEqual(t, a.ID(), b.ID())
		assert.False(t, a.CreatedAt().IsZero())
	})

	t.Run("сессия копируется из содержимого", func(t *testing.T) {
		t.Parallel()
		env := MustNew(patientSynced{PatientID: "p-1"})
		assert.Equal(t, "p-1", env.SessionID())
		assert.True(t, env.HasSession())
	})

	t.Run("явная сессия важнее сессии содержимого", func(t *testing.T) {
		t.Parallel()
		env := MustNew(patientSynced{PatientID: "p-1"}, WithSessionID("override"))
		assert.Equal(t, "override", env.SessionID())
	})

	t.Run("пустая сессия означает отсутствие порядка", func(t *testing.T) {
		t.Parallel()
		for _, raw := range []string{"", "   ", "\t\n"} {
			env := MustNew(notificationRequested{}, WithSessionID(raw))
			assert.Empty(t, env.SessionID())
			assert.False(t, env.HasSession())
		}
	})

	t.Run("сессия обрезается", func(t *testing.T) {
		t.Parallel()
		env := MustNew(notificationRequested{}, WithSessionID("  s1 "))
		assert.Equal(t, "s1", env.SessionID())
	})

	t.Run("явные идентификатор и время", func(t *testing.T) {
		t.Parallel()
		id := uuid.New()
		at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("PDT", -7*3600))
		env := MustNew(notificationRequested{}, WithID(id), WithCreatedAt(at))
		assert.Equal(t, id, env.ID())
		assert.True(t, env.CreatedAt().Equal(at))
		assert.Equal(t, time.UTC, env.CreatedAt().Location())
	})
}

func TestIDs(t *testing.T) {
	t.Parallel()

	a := MustNew(notificationRequested{})
	b := MustNew(notificationRequested{})
	assert.Equal(t, []uuid.UUID{a.ID(), b.ID()}, IDs([]Envelope{a, b}))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("метка по умолчанию выводится из типа", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, Register[notificationRequested](r))

		name, err := r.TypeName(notificationRequested{})
		require.NoError(t, err)
		assert.Equal(t, "message.notificationRequested", name)

		ptrName, err := r.TypeName(&notificationRequested{})
		require.NoError(t, err)
		assert.Equal(t, name, ptrName, "указатель кодируется под меткой значения")
	})

	t.Run("явная метка", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, Register[patientSynced](r, WithTypeName("patient.synced")))

		name, err := r.TypeName(patientSynced{})
		require.NoError(t, err)
		assert.Equal(t, "patient.synced", name)
	})

	t.Run("повторная регистрация того же типа допустима", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, Register[patientSynced](r))
		require.NoError(t, Register[patientSynced](r))
	})

	t.Run("конфликт меток", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, Register[patientSynced](r, WithTypeName("x")))
		err := Register[notificationRequested](r, WithTypeName("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "уже зарегистрирована")
	})

	t.Run("тип под двумя метками", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		require.NoError(t, Register[patientSynced](r, WithTypeName("a")))
		err := Register[patientSynced](r, WithTypeName("b"))
		require.Error(t, err)
	})

	t.Run("интерфейсный тип отклоняется", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		err := Register[SessionCarrier](r)
		require.ErrorIs(t, err, ErrInvalidType)
	})

	t.Run("незарегистрированный тип", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		_, err := r.TypeName(patientSynced{})
		require.ErrorIs(t, err, ErrUnknownType)
	})
}
