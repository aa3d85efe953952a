package receiver

import (
	"sync"
)

// workerPool — пул горутин для доставок без сессии. Порядок между ними
// не гарантируется. Очередь не ограничена: enqueue вызывается из обратного
// вызова брокера и не должен блокироваться, иначе остановятся и полосы сессий.
// Объем очереди ограничивает prefetch брокера.
type workerPool struct {
	workers int
	process func(job)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []job
	closed  bool
	wg      sync.WaitGroup
}

// newWorkerPool создает пул из workers горутин.
func newWorkerPool(workers int, process func(job)) *workerPool {
	p := &workerPool{
		workers: workers,
		process: process,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// run запускает воркеров пула.
func (p *workerPool) run() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// stop останавливает воркеров и дожидается завершения текущих задач.
// Задачи, оставшиеся в очереди, не обрабатываются.
func (p *workerPool) stop() {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// enqueue ставит задачу в очередь без блокировки. Возвращает false после
// остановки пула.
func (p *workerPool) enqueue(j job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.pending = append(p.pending, j)
	p.cond.Signal()
	return true
}

// backlog возвращает число задач, ожидающих воркера.
func (p *workerPool) backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// worker — основная функция горутины-воркера.
func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		j := p.pending[0]
		p.pending[0] = job{}
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.process(j)
	}
}
