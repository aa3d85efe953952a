package receiver

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
)

const (
	instrumentationName    = "github.com/bcgov/healthgateway-sub016/bus/receiver"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "messaging."

	defaultIdleTimeout      = 30 * time.Second
	defaultUnorderedWorkers = 4
	defaultBackoffBase      = 100 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
)

// config содержит неэкспортируемую конфигурацию получателя.
type config struct {
	logger           *slog.Logger
	meterProvider    metric.MeterProvider
	propagator       propagation.TextMapPropagator
	middlewares      []Middleware
	idleTimeout      time.Duration
	unorderedWorkers int
	redeliverOnError bool
	backoffBase      time.Duration
	backoffMax       time.Duration
	maxReconnects    int
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:           slog.Default(),
		meterProvider:    noop.NewMeterProvider(),
		propagator:       propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		idleTimeout:      defaultIdleTimeout,
		unorderedWorkers: defaultUnorderedWorkers,
		backoffBase:      defaultBackoffBase,
		backoffMax:       defaultBackoffMax,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option изменяет конфигурацию получателя.
type Option func(*config)

// WithLogger устанавливает логгер получателя.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeterProvider устанавливает провайдер метрик.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		if provider != nil {
			c.meterProvider = provider
		}
	}
}

// WithPropagator задает пропагатор, которым из заголовков сообщения
// извлекается контекст трассировки.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *config) {
		if propagator != nil {
			c.propagator = propagator
		}
	}
}

// WithMiddleware добавляет middleware в цепочку обработчика.
// Middleware выполняются в порядке добавления.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithIdleTimeout задает, сколько простаивающая полоса сессии живет
// до удаления из реестра.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithUnorderedWorkers задает число воркеров для сообщений без сессии.
func WithUnorderedWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.unorderedWorkers = n
		}
	}
}

// WithRedeliverOnError включает повторную доставку сообщения брокером после
// ошибки обработчика. По умолчанию сообщение подтверждается и отбрасывается
// после вызова onError.
func WithRedeliverOnError(enabled bool) Option {
	return func(c *config) {
		c.redeliverOnError = enabled
	}
}

// WithReconnectBackoff задает базовую и максимальную задержку переподключения.
func WithReconnectBackoff(base, maxDelay time.Duration) Option {
	return func(c *config) {
		if base > 0 {
			c.backoffBase = base
		}
		if maxDelay >= c.backoffBase {
			c.backoffMax = maxDelay
		}
	}
}

// WithMaxReconnects ограничивает число подряд идущих переподключений.
// 0 означает без ограничений.
func WithMaxReconnects(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxReconnects = n
		}
	}
}
