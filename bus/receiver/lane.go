package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
	"github.com/bcgov/healthgateway-sub016/bus/message"
)

// job — декодированная доставка, ожидающая обработки.
type job struct {
	ctx       context.Context
	delivery  broker.Delivery
	sessionID string
	envelopes []message.Envelope
}

type laneState int

const (
	laneIdle laneState = iota
	laneActive
)

// lane — очередь одной сессии. Все поля защищены мьютексом router.
type lane struct {
	sessionID string
	queue     []job
	state     laneState
	idleTimer *time.Timer
	idleGen   uint64
}

// router распределяет доставки по полосам сессий. В каждой активной полосе
// работает ровно одна горутина, поэтому обработчик сессии никогда не
// вызывается конкурентно.
type router struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	idleTimeout time.Duration
	process     func(job)
	onLanes     func(delta int64)
	closed      bool
	wg          sync.WaitGroup
}

func newRouter(idleTimeout time.Duration, process func(job), onLanes func(int64)) *router {
	if onLanes == nil {
		onLanes = func(int64) {}
	}
	return &router{
		lanes:       make(map[string]*lane),
		idleTimeout: idleTimeout,
		process:     process,
		onLanes:     onLanes,
	}
}

// enqueue ставит доставку в полосу ее сессии. Возвращает false, если
// маршрутизатор остановлен.
func (rt *router) enqueue(j job) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return false
	}

	l, ok := rt.lanes[j.sessionID]
	if !ok {
		l = &lane{sessionID: j.sessionID}
		rt.lanes[j.sessionID] = l
		rt.onLanes(1)
	}
	l.queue = append(l.queue, j)

	if l.state == laneIdle {
		if l.idleTimer != nil {
			l.idleTimer.Stop()
			l.idleTimer = nil
		}
		l.state = laneActive
		rt.wg.Add(1)
		go rt.drain(l)
	}
	return true
}

// drain обрабатывает очередь полосы по одной доставке, пока она не опустеет.
func (rt *router) drain(l *lane) {
	defer rt.wg.Done()

	for {
		rt.mu.Lock()
		if rt.closed || len(l.queue) == 0 {
			l.state = laneIdle
			if !rt.closed {
				rt.armIdle(l)
			}
			rt.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		rt.mu.Unlock()

		rt.process(j)
	}
}

// armIdle запускает таймер простоя. Вызывается под мьютексом.
func (rt *router) armIdle(l *lane) {
	l.idleGen++
	gen := l.idleGen
	l.idleTimer = time.AfterFunc(rt.idleTimeout, func() { rt.reclaim(l, gen) })
}

// reclaim удаляет полосу, если она все еще простаивает с момента взвода таймера.
func (rt *router) reclaim(l *lane, gen uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed || l.idleGen != gen || l.state != laneIdle || len(l.queue) > 0 {
		return
	}
	if cur, ok := rt.lanes[l.sessionID]; ok && cur == l {
		l.idleTimer = nil
		delete(rt.lanes, l.sessionID)
		rt.onLanes(-1)
	}
}

// stop прекращает прием, дожидается текущих вызовов обработчика и
// останавливает таймеры. Необработанные доставки остаются без подтверждения.
func (rt *router) stop() {
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()

	rt.wg.Wait()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, l := range rt.lanes {
		if l.idleTimer != nil {
			l.idleTimer.Stop()
			l.idleTimer = nil
		}
		l.queue = nil
		delete(rt.lanes, id)
		rt.onLanes(-1)
	}
}

func (rt *router) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.lanes)
}
