package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"post-queue/internal/adapters/repo"
	"post-queue/internal/domain"
	"post-queue/internal/infra/cache"
	"post-queue/internal/infra/config"
	"post-queue/internal/infra/db"
	logpkg "post-queue/internal/infra/log"
	"post-queue/internal/infra/metrics"
	dispatchqueue "post-queue/internal/infra/queue"
	"post-queue/internal/usecase/queue"
	"post-queue/internal/usecase/reconcile"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	repoAdapter := repo.NewPostgres(pool)
	timer := dispatchqueue.NewRedisDispatchTimer(rdb, cfg.Dispatch.KeyPrefix, cfg.Dispatch.MaxAttempts)

	// Сверка только перерегистрирует вызовы и не публикует посты.
	queueService := queue.NewService(repoAdapter, timer, nil, queue.Config{
		CallbackURL: cfg.Dispatch.CallbackURL,
		Defaults: domain.QueueSettings{
			PostsPerDay: cfg.Queue.DefaultPostsPerDay,
			StartTime:   cfg.Queue.DefaultStartTime,
			EndTime:     cfg.Queue.DefaultEndTime,
			Timezone:    cfg.Queue.DefaultTimezone,
		},
		Buffer:                cfg.Queue.Buffer,
		HorizonDays:           cfg.Queue.HorizonDays,
		MaxAllocationAttempts: cfg.Queue.AllocationAttempts,
	},
		queue.WithEvents(repoAdapter),
		queue.WithLogger(logger.With().Str("component", "queue").Logger()),
	)

	sweeper := reconcile.NewService(repoAdapter, queueService, repoAdapter, reconcile.Config{
		BatchSize:     cfg.Reconcile.BatchSize,
		ClaimTimeout:  cfg.Reconcile.ClaimTimeout,
		OverdueAfter:  cfg.Reconcile.OverdueAfter,
		DispatchGrace: cfg.Reconcile.DispatchGrace,
	}, logger.With().Str("component", "reconcile").Logger())

	runner, err := reconcile.NewRunner(
		reconcile.Exclusive(sweeper, cache.NewRedis(rdb, cfg.Dispatch.KeyPrefix), "reconcile", cfg.Reconcile.Timeout),
		cfg.Reconcile.Spec,
		cfg.Reconcile.Timeout,
		logger.With().Str("component", "reconcile").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректное расписание сверки")
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	runner.Run(ctx)
}
