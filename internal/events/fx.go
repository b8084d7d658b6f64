package events

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/invoicebalance/internal/config"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(provideRedis),
	fx.Provide(NewLocker),
	fx.Provide(func(r *tenant.Router) SourceLister { return r }),
	fx.Provide(NewWorker),
	fx.Invoke(startWorker),
)

func provideRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unavailable, outbox lease disabled until it recovers", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func startWorker(lc fx.Lifecycle, cfg config.Config, worker *Worker) {
	if !cfg.WorkerEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
