package message

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, Register[notificationRequested](r, WithTypeName("notification.requested")))
	require.NoError(t, Register[patientSynced](r, WithTypeName("patient.synced")))
	return NewCodec(r)
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	t.Run("один конверт", func(t *testing.T) {
		t.Parallel()
		env := MustNew(patientSynced{PatientID: "p-7", Version: 3})

		data, err := codec.Marshal(env)
		require.NoError(t, err)

		decoded, err := codec.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, env.ID(), decoded.ID())
		assert.Equal(t, env.SessionID(), decoded.SessionID())
		assert.Equal(t, env.Content(), decoded.Content())
		assert.True(t, env.CreatedAt().Equal(decoded.CreatedAt()))
	})

	t.Run("массив разнородных конвертов", func(t *testing.T) {
		t.Parallel()
		batch := []Envelope{
			MustNew(notificationRequested{Email: "a@test.com", Subject: "hello"}, WithSessionID("s1")),
			MustNew(patientSynced{PatientID: "p-1", Version: 1}),
			MustNew(&notificationRequested{Email: "b@test.com"}),
		}

		data, err := codec.MarshalBatch(batch)
		require.NoError(t, err)

		decoded, err := codec.UnmarshalBatch(data)
		require.NoError(t, err)
		require.Len(t, decoded, len(batch))

		for i := range batch {
			assert.Equal(t, batch[i].ID(), decoded[i].ID())
			assert.Equal(t, batch[i].SessionID(), decoded[i].SessionID())
		}
		assert.Equal(t, batch[0].Content(), decoded[0].Content())
		assert.Equal(t, batch[1].Content(), decoded[1].Content())
		assert.Equal(t, notificationRequested{Email: "b@test.com"}, decoded[2].Content(),
			"указатель декодируется в значение")
	})

	t.Run("пустой массив", func(t *testing.T) {
		t.Parallel()
		data, err := codec.MarshalBatch(nil)
		require.NoError(t, err)

		decoded, err := codec.UnmarshalBatch(data)
		require.NoError(t, err)
		assert.Empty(t, decoded)
	})

	t.Run("явная пустая сессия не заменяется сессией содержимого", func(t *testing.T) {
		t.Parallel()
		env := MustNew(patientSynced{PatientID: "p-2"}, WithSessionID(""))

		data, err := codec.Marshal(env)
		require.NoError(t, err)

		decoded, err := codec.Unmarshal(data)
		require.NoError(t, err)
		assert.Empty(t, decoded.SessionID())
	})
}

func TestCodec_WireFormat(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	env := MustNew(notificationRequested{Email: "a@test.com"}, WithSessionID("s1"))

	data, err := codec.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "notification.requested", raw["type"])
	assert.Equal(t, "s1", raw["session_id"])
	assert.Equal(t, env.ID().String(), raw["id"])
	assert.Contains(t, raw, "content")
	assert.Contains(t, raw, "created_at")
}

func TestCodec_Errors(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	t.Run("незарегистрированный тип при сериализации", func(t *testing.T) {
		t.Parallel()
		type unknown struct{ A int }
		_, err := codec.MarshalBatch([]Envelope{MustNew(unknown{A: 1})})
		require.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("незарегистрированная метка при десериализации", func(t *testing.T) {
		t.Parallel()
		data := []byte(`[{"id":"6f1c1e0e-8d1c-4c3a-9a53-7d3f7c1f2a10","type":"nope","content":{}}]`)
		_, err := codec.UnmarshalBatch(data)
		require.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("поврежденные данные", func(t *testing.T) {
		t.Parallel()
		_, err := codec.UnmarshalBatch([]byte(`{not json`))
		require.Error(t, err)
	})
}
