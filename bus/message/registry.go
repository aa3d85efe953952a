package message

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-reflect"
)

var (
	// ErrUnknownType возвращается, когда тип содержимого или метка типа не зарегистрированы.
	ErrUnknownType = errors.New("тип сообщения не зарегистрирован")
	// ErrInvalidType возвращается при регистрации интерфейсного типа.
	ErrInvalidType = errors.New("тип сообщения должен быть конкретным")
)

// typeEntry описывает зарегистрированный тип содержимого.
// Фабрики создаются при регистрации, поэтому путь чтения обходится без рефлексии.
type typeEntry struct {
	name   string
	newPtr func() any
	deref  func(ptr any) any
}

// Registry — потокобезопасный реестр типов содержимого. Он сопоставляет
// Go-типы с метками, которые передаются в конверте вместе с данными.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*typeEntry
	byType map[uintptr]*typeEntry
}

// NewRegistry создает пустой реестр типов.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*typeEntry),
		byType: make(map[uintptr]*typeEntry),
	}
}

// RegisterOption настраивает регистрацию типа.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	name string
}

// WithTypeName задает метку типа вместо имени, выведенного из Go-типа.
func WithTypeName(name string) RegisterOption {
	return func(o *registerOptions) {
		o.name = name
	}
}

// Register регистрирует тип T. Содержимое вида *T кодируется под той же
// меткой и декодируется в значение T.
// Повторная регистрация того же типа под той же меткой допустима.
func Register[T any](r *Registry, opts ...RegisterOption) error {
	var zero T
	if any(zero) == nil {
		return fmt.Errorf("%w: %T", ErrInvalidType, (*T)(nil))
	}

	o := registerOptions{name: reflect.TypeOf(zero).String()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		return fmt.Errorf("метка типа для %T не может быть пустой", zero)
	}

	entry := &typeEntry{
		name:   o.name,
		newPtr: func() any { return new(T) },
		deref:  func(ptr any) any { return *(ptr.(*T)) },
	}
	valueID := reflect.TypeID(zero)
	ptrID := reflect.TypeID((*T)(nil))

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[o.name]; ok {
		if r.byType[valueID] == existing {
			return nil
		}
		return fmt.Errorf("метка '%s' уже зарегистрирована для другого типа", o.name)
	}
	if existing, ok := r.byType[valueID]; ok {
		return fmt.Errorf("тип %T уже зарегистрирован под меткой '%s'", zero, existing.name)
	}

	r.byName[o.name] = entry
	r.byType[valueID] = entry
	r.byType[ptrID] = entry
	return nil
}

// MustRegister аналогичен Register, но паникует при ошибке.
func MustRegister[T any](r *Registry, opts ...RegisterOption) {
	if err := Register[T](r, opts...); err != nil {
		panic(err)
	}
}

// TypeName возвращает метку типа для содержимого content.
func (r *Registry) TypeName(content any) (string, error) {
	entry, err := r.lookupContent(content)
	if err != nil {
		return "", err
	}
	return entry.name, nil
}

func (r *Registry) lookupContent(content any) (*typeEntry, error) {
	if content == nil {
		return nil, ErrContentRequired
	}

	r.mu.RLock()
	entry, ok := r.byType[reflect.TypeID(content)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, content)
	}
	return entry, nil
}

func (r *Registry) lookupName(name string) (*typeEntry, error) {
	r.mu.RLock()
	entry, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownType, name)
	}
	return entry, nil
}
