package receiver

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/bcgov/healthgateway-sub016/bus/message"
)

const defaultDedupCapacity = 10_000

// dedupWindow помнит последние capacity успешно обработанных идентификаторов.
type dedupWindow struct {
	mu   sync.Mutex
	seen map[uuid.UUID]struct{}
	ring []uuid.UUID
	next int
}

func newDedupWindow(capacity int) *dedupWindow {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &dedupWindow{
		seen: make(map[uuid.UUID]struct{}, capacity),
		ring: make([]uuid.UUID, 0, capacity),
	}
}

func (w *dedupWindow) filter(envelopes []message.Envelope) []message.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()

	fresh := make([]message.Envelope, 0, len(envelopes))
	for _, env := range envelopes {
		if _, ok := w.seen[env.ID()]; !ok {
			fresh = append(fresh, env)
		}
	}
	return fresh
}

func (w *dedupWindow) remember(envelopes []message.Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, env := range envelopes {
		id := env.ID()
		if _, ok := w.seen[id]; ok {
			continue
		}
		if len(w.ring) < cap(w.ring) {
			w.ring = append(w.ring, id)
		} else {
			delete(w.seen, w.ring[w.next])
			w.ring[w.next] = id
			w.next = (w.next + 1) % len(w.ring)
		}
		w.seen[id] = struct{}{}
	}
}

// NewDeduplicationMiddleware отбрасывает конверты, которые уже были успешно
// обработаны. Окно хранит capacity последних идентификаторов; повторная
// доставка старее окна не распознается.
func NewDeduplicationMiddleware(capacity int) Middleware {
	window := newDedupWindow(capacity)
	return MiddlewareFunc(func(next Handler) Handler {
		return func(ctx context.Context, sessionID string, envelopes []message.Envelope) error {
			fresh := window.filter(envelopes)
			if len(fresh) == 0 {
				return nil
			}
			if err := next(ctx, sessionID, fresh); err != nil {
				return err
			}
			window.remember(fresh)
			return nil
		}
	})
}
