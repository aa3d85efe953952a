package receiver

import (
	"context"
	"math/rand"
	"time"
)

const maxShift = 62

// reconnectDelay возвращает задержку перед попыткой attempt (с 1):
// случайное значение в [0, min(base*2^(attempt-1), maxDelay)].
func reconnectDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}

	delay := maxDelay
	if base <= maxDelay>>shift {
		delay = base << shift
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

// sleepContext ждет d или отмены ctx. Возвращает false, если ctx отменен.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
