package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task — периодическая задача планировщика.
type Task func(ctx context.Context) error

// Scheduler регистрирует периодические задачи. Диспетчер не зависит от
// конкретного планировщика: его RunOnce можно вызывать из таймера,
// cron-процесса или sidecar-контейнера.
type Scheduler interface {
	Schedule(name string, interval time.Duration, task Task) error
}

type scheduledTask struct {
	name     string
	interval time.Duration
	task     Task
}

// TickerScheduler — простой планировщик на основе time.Ticker.
// Каждая задача выполняется в своей горутине; запуски одной задачи не перекрываются.
type TickerScheduler struct {
	mu      sync.Mutex
	tasks   []scheduledTask
	logger  *slog.Logger
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Scheduler = (*TickerScheduler)(nil)

// NewTickerScheduler создает планировщик. Учитывается только опция WithLogger.
func NewTickerScheduler(opts ...Option) *TickerScheduler {
	cfg := newConfig(opts)
	return &TickerScheduler{logger: cfg.logger}
}

// Schedule регистрирует задачу. Регистрация возможна только до Start.
func (s *TickerScheduler) Schedule(name string, interval time.Duration, task Task) error {
	if task == nil {
		return ErrTaskRequired
	}
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSchedulerStarted
	}
	s.tasks = append(s.tasks, scheduledTask{name: name, interval: interval, task: task})
	return nil
}

// Start запускает все зарегистрированные задачи. Первый запуск выполняется
// сразу, последующие — по тикеру.
func (s *TickerScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

// Stop останавливает планировщик и дожидается завершения выполняющихся задач.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *TickerScheduler) loop(ctx context.Context, t scheduledTask) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	s.logger.Info("задача планировщика запущена", slog.String("task", t.name), slog.Duration("interval", t.interval))
	s.run(ctx, t)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("задача планировщика остановлена", slog.String("task", t.name))
			return
		case <-ticker.C:
			s.run(ctx, t)
		}
	}
}

func (s *TickerScheduler) run(ctx context.Context, t scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в задаче планировщика", slog.String("task", t.name), slog.Any("panic", r))
		}
	}()

	if err := t.task(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("ошибка выполнения задачи планировщика", slog.String("task", t.name), slog.Any("error", err))
	}
}
