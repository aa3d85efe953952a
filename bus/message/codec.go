package message

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// wireEnvelope — представление конверта на проводе. Метка type определяет,
// в какой зарегистрированный тип будет декодировано поле content.
type wireEnvelope struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Content   json.RawMessage `json:"content"`
}

// Codec сериализует конверты в JSON, сохраняя метку типа содержимого.
//
// Декодирование всегда возвращает значение зарегистрированного типа T:
// содержимое, отправленное как *T, после передачи становится T. Равенство
// содержимого до и после передачи сравнивается по значению.
type Codec struct {
	registry *Registry
}

// NewCodec создает кодек поверх реестра типов.
func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Marshal сериализует один конверт.
func (c *Codec) Marshal(env Envelope) ([]byte, error) {
	wire, err := c.toWire(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// Unmarshal восстанавливает конверт из данных, полученных от Marshal.
func (c *Codec) Unmarshal(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("не удалось десериализовать конверт: %w", err)
	}
	return c.fromWire(wire)
}

// MarshalBatch сериализует массив конвертов с сохранением порядка.
func (c *Codec) MarshalBatch(envelopes []Envelope) ([]byte, error) {
	wires := make([]wireEnvelope, 0, len(envelopes))
	for _, env := range envelopes {
		wire, err := c.toWire(env)
		if err != nil {
			return nil, err
		}
		wires = append(wires, wire)
	}
	return json.Marshal(wires)
}

// UnmarshalBatch восстанавливает массив конвертов, полученный от MarshalBatch.
func (c *Codec) UnmarshalBatch(data []byte) ([]Envelope, error) {
	var wires []wireEnvelope
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("не удалось десериализовать пакет конвертов: %w", err)
	}

	envelopes := make([]Envelope, 0, len(wires))
	for i, wire := range wires {
		env, err := c.fromWire(wire)
		if err != nil {
			return nil, fmt.Errorf("конверт %d: %w", i, err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func (c *Codec) toWire(env Envelope) (wireEnvelope, error) {
	entry, err := c.registry.lookupContent(env.content)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("конверт %s: %w", env.id, err)
	}

	content, err := json.Marshal(env.content)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("не удалось сериализовать содержимое конверта %s: %w", env.id, err)
	}

	return wireEnvelope{
		ID:        env.id,
		SessionID: env.sessionID,
		Type:      entry.name,
		CreatedAt: env.createdAt,
		Content:   content,
	}, nil
}

func (c *Codec) fromWire(wire wireEnvelope) (Envelope, error) {
	entry, err := c.registry.lookupName(wire.Type)
	if err != nil {
		return Envelope{}, err
	}

	ptr := entry.newPtr()
	if err := json.Unmarshal(wire.Content, ptr); err != nil {
		return Envelope{}, fmt.Errorf("не удалось десериализовать содержимое типа '%s': %w", wire.Type, err)
	}

	return New(entry.deref(ptr),
		WithID(wire.ID),
		WithSessionID(wire.SessionID),
		WithCreatedAt(wire.CreatedAt),
	)
}
