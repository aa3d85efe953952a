package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/bcgov/healthgateway-sub016/bus/broker"
	jsbroker "github.com/bcgov/healthgateway-sub016/bus/broker/jetstream"
	"github.com/bcgov/healthgateway-sub016/bus/broker/rabbitmq"
	"github.com/bcgov/healthgateway-sub016/bus/broker/redisstream"
)

// openBroker подключается к брокеру, выбранному в broker.kind. Возвращаемая
// функция закрывает соединение.
func openBroker(ctx context.Context, cfg BrokerConfig, logger *slog.Logger) (broker.Broker, func(), error) {
	switch cfg.Kind {
	case BrokerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis недоступен: %w", err)
		}
		opts := []redisstream.Option{
			redisstream.WithGroup(cfg.Redis.Group),
			redisstream.WithConsumer(cfg.Redis.Consumer),
			redisstream.WithLogger(logger),
		}
		if cfg.Redis.MaxLen > 0 {
			opts = append(opts, redisstream.WithMaxLen(cfg.Redis.MaxLen))
		}
		b, err := redisstream.New(client, cfg.Redis.Stream, opts...)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return b, func() { _ = client.Close() }, nil

	case BrokerNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("outboxd"))
		if err != nil {
			return nil, nil, fmt.Errorf("не удалось подключиться к NATS: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("не удалось создать контекст JetStream: %w", err)
		}
		b, err := jsbroker.New(ctx, js,
			jsbroker.WithStream(cfg.NATS.Stream),
			jsbroker.WithSubject(cfg.NATS.Subject),
			jsbroker.WithDurable(cfg.NATS.Durable),
			jsbroker.WithLogger(logger),
		)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return b, func() { _ = nc.Drain() }, nil

	case BrokerRabbitMQ:
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("не удалось подключиться к RabbitMQ: %w", err)
		}
		b, err := rabbitmq.New(conn, cfg.RabbitMQ.Queue,
			rabbitmq.WithPrefetch(cfg.RabbitMQ.Prefetch),
			rabbitmq.WithLogger(logger),
		)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return b, func() { _ = conn.Close() }, nil
	}

	return nil, nil, fmt.Errorf("%w: неизвестный брокер '%s'", ErrInvalidConfig, cfg.Kind)
}
