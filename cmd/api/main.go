package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"post-queue/internal/adapters/httpapi"
	"post-queue/internal/adapters/publisher"
	"post-queue/internal/adapters/repo"
	"post-queue/internal/domain"
	"post-queue/internal/infra/cache"
	"post-queue/internal/infra/config"
	"post-queue/internal/infra/db"
	httpinfra "post-queue/internal/infra/http"
	logpkg "post-queue/internal/infra/log"
	"post-queue/internal/infra/metrics"
	dispatchqueue "post-queue/internal/infra/queue"
	"post-queue/internal/usecase/queue"
	"post-queue/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv, "api")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	if cfg.Migrate {
		if err := db.Migrate(ctx, pool, logger.With().Str("component", "migrate").Logger()); err != nil {
			logger.Fatal().Err(err).Msg("api: миграции не применены")
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	repoAdapter := repo.NewPostgres(pool)
	timer := dispatchqueue.NewRedisDispatchTimer(rdb, cfg.Dispatch.KeyPrefix, cfg.Dispatch.MaxAttempts)

	pub, err := newPublisher(cfg, logger.With().Str("component", "publisher").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось создать приёмник публикаций")
	}

	defaults := domain.QueueSettings{
		PostsPerDay: cfg.Queue.DefaultPostsPerDay,
		StartTime:   cfg.Queue.DefaultStartTime,
		EndTime:     cfg.Queue.DefaultEndTime,
		Timezone:    cfg.Queue.DefaultTimezone,
	}
	queueService := queue.NewService(repoAdapter, timer, pub, queue.Config{
		CallbackURL:           cfg.Dispatch.CallbackURL,
		Defaults:              defaults,
		Buffer:                cfg.Queue.Buffer,
		HorizonDays:           cfg.Queue.HorizonDays,
		MaxAllocationAttempts: cfg.Queue.AllocationAttempts,
	},
		queue.WithEvents(repoAdapter),
		queue.WithLogger(logger.With().Str("component", "queue").Logger()),
	)
	settingsService := schedule.NewService(repoAdapter, defaults, logger.With().Str("component", "settings").Logger())

	if cfg.Dispatch.Secret == "" {
		logger.Fatal().Msg("api: DISPATCH_SECRET не задан")
	}
	handler := httpapi.NewHandler(queueService, settingsService, cache.NewRedis(rdb, "ratelimit"), httpapi.Config{
		CallbackSecret:  cfg.Dispatch.Secret,
		SignatureMaxAge: cfg.Dispatch.MaxAge,
		RateLimit:       cfg.RateLimit.Requests,
		RateWindow:      cfg.RateLimit.Window,
	}, logger.With().Str("component", "http").Logger())

	srv := httpinfra.NewServer(logger)
	handler.Routes(srv.Router)

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	go func() {
		logger.Info().Msg("api: старт")
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newPublisher(cfg config.AppConfig, logger zerolog.Logger) (domain.Publisher, error) {
	switch cfg.Publisher.Mode {
	case "telegram":
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		return publisher.NewTelegram(botAPI, cfg.Telegram.ChannelID, cfg.Telegram.RPS, logger)
	case "http":
		return publisher.NewHTTP(cfg.Publisher.HTTPURL,
			publisher.WithToken(cfg.Publisher.Token),
			publisher.WithTimeout(cfg.Publisher.Timeout),
		)
	}
	return nil, fmt.Errorf("unknown PUBLISHER_MODE %q", cfg.Publisher.Mode)
}
