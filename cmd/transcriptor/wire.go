package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/config"
	"github.com/jo-hoe/transcriptor/internal/engine"
	"github.com/jo-hoe/transcriptor/internal/engine/mock"
	"github.com/jo-hoe/transcriptor/internal/engine/whisper"
	"github.com/jo-hoe/transcriptor/internal/jobs"
)

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (jobs.Store, error) {
	opts := []jobs.Option{jobs.WithTTL(cfg.Jobs.TTL)}
	switch cfg.Store.Driver {
	case "", "memory":
		return jobs.NewMemoryStore(opts...), nil
	case "sqlite":
		s, err := jobs.NewSQLiteStore(cfg.Store.Path, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := jobs.NewPostgresStore(ctx, jobs.PostgresConfig{
			DSN:             cfg.Store.DSN,
			MaxConns:        int32(max(cfg.Server.WorkerCount*2, 4)), // #nosec G115 - bounded by config validation
			MaxConnLifetime: time.Hour,
			DialTimeout:     10 * time.Second,
		}, logger.With("component", "store"), opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	log := logger.With("component", "broker")
	switch cfg.Queue.Driver {
	case "", "memory":
		return broker.NewMemory(log, cfg.Queue.Capacity, cfg.Queue.VisibilityTimeout), nil
	case "redis":
		r, err := broker.NewRedis(ctx, log, broker.RedisOptions{
			Addr:              cfg.Queue.Redis.Addr,
			Password:          cfg.Queue.Redis.Password,
			DB:                cfg.Queue.Redis.DB,
			KeyPrefix:         cfg.Queue.Redis.KeyPrefix,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Jobs.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func engineFactory(cfg *config.Config) (engine.Factory, error) {
	switch strings.ToLower(cfg.Engine.Provider) {
	case "", "mock":
		return mock.Factory(cfg.Engine.Mock), nil
	case "whisper":
		return whisper.Factory(cfg.Engine.Whisper), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider)
	}
}
