package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"post-queue/internal/adapters/callbackclient"
	"post-queue/internal/infra/config"
	logpkg "post-queue/internal/infra/log"
	"post-queue/internal/infra/metrics"
	dispatchqueue "post-queue/internal/infra/queue"
	"post-queue/internal/usecase/dispatch"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv, "dispatcher")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к Redis")
	}

	timer := dispatchqueue.NewRedisDispatchTimer(rdb, cfg.Dispatch.KeyPrefix, cfg.Dispatch.MaxAttempts)
	sender, err := callbackclient.New(cfg.Dispatch.Secret, callbackclient.WithTimeout(cfg.Dispatch.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: клиент вызовов не создан")
	}

	var broker *dispatchqueue.RabbitDeliveryQueue
	if cfg.RabbitMQ.URL != "" {
		broker, err = dispatchqueue.NewRabbitDeliveryQueue(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, cfg.RabbitMQ.Prefetch, logger.With().Str("component", "rabbitmq").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: нет подключения к RabbitMQ")
		}
		defer broker.Close()
	}

	dcfg := dispatch.Config{
		PollInterval: cfg.Dispatch.PollInterval,
		RetryDelay:   cfg.Dispatch.RetryDelay,
		BatchSize:    cfg.Dispatch.BatchSize,
	}
	dlog := logger.With().Str("component", "dispatch").Logger()
	var svc *dispatch.Service
	if broker != nil {
		svc = dispatch.NewService(timer, broker, sender, dcfg, dlog)
	} else {
		svc = dispatch.NewService(timer, nil, sender, dcfg, dlog)
	}

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.RunTimer(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("dispatcher: таймер остановлен")
			stop()
		}
	}()
	if broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := broker.Consume(ctx, svc.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("dispatcher: потребитель остановлен")
				stop()
			}
		}()
	}

	logger.Info().Bool("broker", broker != nil).Msg("dispatcher: старт")
	<-ctx.Done()
	logger.Info().Msg("dispatcher: остановка")
	wg.Wait()
}
