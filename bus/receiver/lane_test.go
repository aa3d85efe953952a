package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	t.Parallel()

	t.Run("одна горутина на полосу и удаление по простою", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		processed := map[string]int{}
		var lanes int64
		rt := newRouter(10*time.Millisecond, func(j job) {
			mu.Lock()
			processed[j.sessionID]++
			mu.Unlock()
		}, func(delta int64) {
			mu.Lock()
			lanes += delta
			mu.Unlock()
		})

		for i := 0; i < 10; i++ {
			require.True(t, rt.enqueue(job{sessionID: "a"}))
			require.True(t, rt.enqueue(job{sessionID: "b"}))
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return processed["a"] == 10 && processed["b"] == 10
		}, time.Second, time.Millisecond)

		require.Eventually(t, func() bool { return rt.count() == 0 }, time.Second, time.Millisecond)
		mu.Lock()
		assert.Zero(t, lanes)
		mu.Unlock()

		rt.stop()
	})

	t.Run("остановленный маршрутизатор не принимает доставки", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		entered := make(chan struct{})
		var once sync.Once
		var processed int
		var mu sync.Mutex
		rt := newRouter(time.Minute, func(job) {
			once.Do(func() { close(entered) })
			<-release
			mu.Lock()
			processed++
			mu.Unlock()
		}, nil)

		require.True(t, rt.enqueue(job{sessionID: "a"}))
		require.True(t, rt.enqueue(job{sessionID: "a"}))
		<-entered

		stopped := make(chan struct{})
		go func() {
			rt.stop()
			close(stopped)
		}()

		require.Eventually(t, func() bool {
			return !rt.enqueue(job{sessionID: "a"})
		}, time.Second, time.Millisecond)

		close(release)
		<-stopped

		mu.Lock()
		assert.Equal(t, 1, processed, "очередь после остановки не обрабатывается")
		mu.Unlock()
		assert.Zero(t, rt.count())
	})
}
