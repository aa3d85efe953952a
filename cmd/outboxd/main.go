// Команда outboxd переносит записи outbox из PostgreSQL в брокер сообщений
// и, по желанию, читает их обратно через получатель с упорядочиванием по
// сессиям.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
	"github.com/bcgov/healthgateway-sub016/bus/message"
	"github.com/bcgov/healthgateway-sub016/bus/outbox"
	"github.com/bcgov/healthgateway-sub016/bus/outbox/postgres"
	"github.com/bcgov/healthgateway-sub016/bus/receiver"
)

func main() {
	configPath := flag.String("config", "outboxd.yaml", "путь к файлу конфигурации")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("outboxd завершился с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("outboxd остановлен")
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("не удалось создать пул PostgreSQL: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("PostgreSQL недоступен: %w", err)
	}

	store, err := postgres.NewStorage(ctx, pool)
	if err != nil {
		return err
	}

	b, closeBroker, err := openBroker(ctx, cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	dispatcher, err := outbox.NewDispatcher(store, b,
		outbox.WithLogger(logger),
		outbox.WithBatchSize(cfg.Dispatcher.BatchSize),
		outbox.WithConcurrency(cfg.Dispatcher.Concurrency),
		outbox.WithMaxAttempts(cfg.Dispatcher.MaxAttempts),
	)
	if err != nil {
		return err
	}

	scheduler := outbox.NewTickerScheduler(outbox.WithLogger(logger))
	if err := scheduler.Schedule("outbox-dispatch", cfg.Dispatcher.Interval, func(ctx context.Context) error {
		_, err := dispatcher.RunOnce(ctx)
		if errors.Is(err, outbox.ErrDispatchInProgress) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	if cfg.Dispatcher.Retention > 0 {
		task := outbox.PurgeTask(store, cfg.Dispatcher.Retention, outbox.WithLogger(logger))
		if err := scheduler.Schedule("outbox-cleanup", cfg.Dispatcher.CleanupInterval, task); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	if cfg.Receiver.Enabled {
		rcv := newReceiver(b, cfg.Receiver, logger)
		g.Go(func() error {
			return rcv.Subscribe(gctx, logHandler(logger), func(err error) {
				logger.Error("ошибка получателя", slog.Any("error", err))
			})
		})
	}

	logger.Info("outboxd запущен",
		slog.String("broker", cfg.Broker.Kind),
		slog.Bool("receiver", cfg.Receiver.Enabled),
	)
	return g.Wait()
}

func newReceiver(sub broker.Subscriber, cfg ReceiverConfig, logger *slog.Logger) *receiver.Receiver {
	opts := []receiver.Option{
		receiver.WithLogger(logger),
		receiver.WithIdleTimeout(cfg.IdleTimeout),
		receiver.WithUnorderedWorkers(cfg.UnorderedWorkers),
		receiver.WithRedeliverOnError(cfg.RedeliverOnError),
		receiver.WithMiddleware(receiver.NewLoggingMiddleware(logger)),
	}
	if cfg.DedupeWindow > 0 {
		opts = append(opts, receiver.WithMiddleware(receiver.NewDeduplicationMiddleware(cfg.DedupeWindow)))
	}
	if cfg.MaxReconnects > 0 {
		opts = append(opts, receiver.WithMaxReconnects(cfg.MaxReconnects))
	}
	return receiver.New(sub, message.NewCodec(newRegistry()), opts...)
}
