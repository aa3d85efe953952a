package outbox

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName    = "github.com/bcgov/healthgateway-sub016/bus/outbox"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "outbox."

	defaultBatchSize   = 100
	defaultConcurrency = 8
	defaultMaxAttempts = 10
)

// config содержит неэкспортируемую конфигурацию отправителя, диспетчера и
// планировщика. Каждый компонент использует только относящиеся к нему поля.
type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator
	batchSize      int
	concurrency    int
	maxAttempts    int
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger:      slog.Default(),
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = tracenoop.NewTracerProvider()
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = metricnoop.NewMeterProvider()
	}
	if cfg.propagator == nil {
		cfg.propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = defaultConcurrency
	}
	if cfg.maxAttempts < 0 {
		cfg.maxAttempts = 0
	}
	return cfg
}

func (c *config) tracer() trace.Tracer {
	return c.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))
}

// Option определяет функцию для конфигурации компонентов outbox.
type Option func(*config)

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider устанавливает провайдер трассировки.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider устанавливает провайдер метрик.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithPropagator устанавливает механизм распространения контекста трассировки
// через метаданные записи.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *config) {
		c.propagator = propagator
	}
}

// WithBatchSize устанавливает максимальное количество записей, извлекаемых диспетчером за проход.
func WithBatchSize(limit int) Option {
	return func(c *config) {
		c.batchSize = limit
	}
}

// WithConcurrency устанавливает число сессий, отправляемых диспетчером параллельно.
func WithConcurrency(n int) Option {
	return func(c *config) {
		c.concurrency = n
	}
}

// WithMaxAttempts устанавливает число неудачных попыток, после которого
// запись переводится в FAILED. Ноль отключает ограничение.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}
