// Package memory содержит внутрипроцессную реализацию брокера. Она
// используется в тестах и во встраиваемых сценариях, где внешний брокер не нужен.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
)

type entry struct {
	seq   uint64
	owner uint64 // номер вызова Consume, выдавшего сообщение
	msg   broker.Message
}

// Broker — потокобезопасная очередь в памяти с подтверждениями.
// Отклоненное с requeue сообщение возвращается в начало очереди. Сообщения,
// которые завершившийся Consume выдал, но не получил по ним подтверждения,
// тоже возвращаются в начало очереди в исходном порядке.
type Broker struct {
	mu        sync.Mutex
	queue     []*entry
	inflight  map[uint64]*entry
	published []broker.Message
	dead      []broker.Message
	acked     int
	seq       uint64
	consumers uint64

	notify chan struct{}
	done   chan struct{}
	closed bool

	failErr error
	failN   int
	dropErr error
}

var _ broker.Broker = (*Broker)(nil)

// New создает пустой брокер.
func New() *Broker {
	return &Broker{
		inflight: make(map[uint64]*entry),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Publish помещает сообщение в конец очереди.
func (b *Broker) Publish(ctx context.Context, msg broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	if b.failN > 0 {
		b.failN--
		return b.failErr
	}

	msg.Headers = broker.CloneHeaders(msg.Headers)
	msg.Body = append([]byte(nil), msg.Body...)

	b.seq++
	b.queue = append(b.queue, &entry{seq: b.seq, msg: msg})
	b.published = append(b.published, msg)
	b.signal()
	return nil
}

// Consume передает сообщения в deliver до отмены ctx, закрытия брокера
// или имитированного обрыва соединения.
func (b *Broker) Consume(ctx context.Context, deliver func(broker.Delivery)) error {
	b.mu.Lock()
	b.consumers++
	owner := b.consumers
	b.mu.Unlock()
	defer b.requeueInflight(owner)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return broker.ErrClosed
		}
		if b.dropErr != nil {
			err := b.dropErr
			b.dropErr = nil
			b.mu.Unlock()
			return err
		}
		if len(b.queue) > 0 {
			e := b.queue[0]
			b.queue = b.queue[1:]
			e.owner = owner
			b.inflight[e.seq] = e
			b.mu.Unlock()

			deliver(broker.NewDelivery(e.msg, b.ackFunc(e), b.nackFunc(e)))
			continue
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
		case <-b.notify:
		}
	}
}

// FailPublish заставляет следующие n вызовов Publish вернуть err.
func (b *Broker) FailPublish(err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
	b.failN = n
}

// DropConnection имитирует обрыв соединения: один активный Consume вернет err.
func (b *Broker) DropConnection(err error) {
	b.mu.Lock()
	b.dropErr = err
	b.signal()
	b.mu.Unlock()
}

// Published возвращает копию всех принятых сообщений в порядке приема.
func (b *Broker) Published() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.published...)
}

// DeadLettered возвращает сообщения, отклоненные без повторной доставки.
func (b *Broker) DeadLettered() []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Message(nil), b.dead...)
}

// Acked возвращает число подтвержденных сообщений.
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Pending возвращает число сообщений в очереди и в обработке.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) + len(b.inflight)
}

// Close закрывает брокер и будит всех ожидающих потребителей.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// requeueInflight возвращает в начало очереди неподтвержденные сообщения,
// выданные вызовом Consume с номером owner.
func (b *Broker) requeueInflight(owner uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var back []*entry
	for seq, e := range b.inflight {
		if e.owner == owner {
			back = append(back, e)
			delete(b.inflight, seq)
		}
	}
	if len(back) == 0 {
		return
	}
	slices.SortFunc(back, func(x, y *entry) int { return cmp.Compare(x.seq, y.seq) })
	b.queue = append(back, b.queue...)
	b.signal()
}

// take забирает сообщение из обработки или, если его уже вернули в очередь,
// из очереди. Вызывается под мьютексом.
func (b *Broker) take(e *entry) bool {
	if _, ok := b.inflight[e.seq]; ok {
		delete(b.inflight, e.seq)
		return true
	}
	for i, q := range b.queue {
		if q.seq == e.seq {
			b.queue = slices.Delete(b.queue, i, i+1)
			return true
		}
	}
	return false
}

func (b *Broker) ackFunc(e *entry) broker.AckFunc {
	return func(context.Context) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.take(e) {
			b.acked++
		}
		return nil
	}
}

func (b *Broker) nackFunc(e *entry) broker.NackFunc {
	return func(_ context.Context, requeue bool) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.take(e) {
			return nil
		}
		if requeue {
			b.queue = append([]*entry{e}, b.queue...)
			b.signal()
			return nil
		}
		b.dead = append(b.dead, e.msg)
		return nil
	}
}

// signal будит одного ожидающего потребителя. Вызывается под мьютексом.
func (b *Broker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
