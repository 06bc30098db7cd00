package main

import (
	"context"
	"fmt"
	"log/slog"

	"odmflush/internal/events"
	"odmflush/internal/events/kafka"
	"odmflush/internal/gateway"
	"odmflush/internal/gateway/memory"
	pggateway "odmflush/internal/gateway/postgres"
	redisgateway "odmflush/internal/gateway/redis"
	"odmflush/internal/platform/config"
	"odmflush/internal/platform/postgres"
	"odmflush/internal/platform/redis"
	"odmflush/pkg/platform/circuit"
)

type store struct {
	gateway gateway.Gateway
	health  func(ctx context.Context) error
	close   func()
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		gw := pggateway.New(db)
		if err := gw.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("document store ready", "backend", cfg.Backend, "driver", cfg.Postgres.Driver)
		return &store{
			gateway: gw,
			health:  db.PingContext,
			close:   func() { _ = db.Close() },
		}, nil
	case config.BackendRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info("document store ready", "backend", cfg.Backend)
		return &store{
			gateway: redisgateway.New(client.Client, redisgateway.WithMaxRetries(cfg.Redis.MaxRetries)),
			health:  client.Health,
			close:   func() { _ = client.Close() },
		}, nil
	default:
		log.Warn("using in-memory document store; data is lost on restart")
		return &store{
			gateway: memory.New(),
			health:  func(context.Context) error { return nil },
			close:   func() {},
		}, nil
	}
}

type eventSink struct {
	publisher events.Publisher
	worker    *events.Worker
	health    func(ctx context.Context) error
	close     func()
}

// openEvents routes flush events through a buffered channel to Kafka when
// brokers are configured. Without brokers no events are emitted.
func openEvents(ctx context.Context, cfg config.KafkaConfig, log *slog.Logger) (*eventSink, error) {
	if len(cfg.Brokers) == 0 {
		return &eventSink{close: func() {}}, nil
	}
	pub, err := kafka.New(cfg.Brokers, cfg.Topic,
		kafka.WithLogger(log),
		kafka.WithPublishTimeout(cfg.PublishTimeout))
	if err != nil {
		return nil, err
	}
	if err := pub.EnsureTopic(ctx); err != nil {
		pub.Close()
		return nil, fmt.Errorf("flush events topic: %w", err)
	}
	ch := events.NewChannel(cfg.Buffer)
	worker := events.NewWorker(pub, ch.Inbox(), log,
		events.WithBreaker(circuit.New("kafka")),
		events.WithFallback(events.NewLogPublisher(log)),
	)
	return &eventSink{
		publisher: ch,
		worker:    worker,
		health: func(ctx context.Context) error {
			if err := worker.Healthy(ctx); err != nil {
				return err
			}
			return pub.Ping(ctx)
		},
		close: pub.Close,
	}, nil
}
