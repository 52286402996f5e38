package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"5"`
	Migrate    bool   `envconfig:"PG_MIGRATE" default:"true"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	RabbitMQ struct {
		URL      string `envconfig:"RABBITMQ_URL"`
		Queue    string `envconfig:"RABBITMQ_QUEUE" default:"post_dispatch.ready"`
		Prefetch int    `envconfig:"RABBITMQ_PREFETCH" default:"16"`
	} `envconfig:""`

	Queue struct {
		DefaultPostsPerDay int           `envconfig:"QUEUE_DEFAULT_POSTS_PER_DAY" default:"3"`
		DefaultStartTime   string        `envconfig:"QUEUE_DEFAULT_START_TIME" default:"09:00"`
		DefaultEndTime     string        `envconfig:"QUEUE_DEFAULT_END_TIME" default:"18:00"`
		DefaultTimezone    string        `envconfig:"QUEUE_DEFAULT_TIMEZONE" default:"UTC"`
		HorizonDays        int           `envconfig:"QUEUE_HORIZON_DAYS" default:"30"`
		Buffer             time.Duration `envconfig:"QUEUE_BUFFER" default:"5m"`
		AllocationAttempts int           `envconfig:"QUEUE_ALLOCATION_ATTEMPTS" default:"3"`
	} `envconfig:""`

	Dispatch struct {
		Secret       string        `envconfig:"DISPATCH_SECRET"`
		CallbackURL  string        `envconfig:"DISPATCH_CALLBACK_URL" default:"http://localhost:8080/internal/dispatch/callback"`
		KeyPrefix    string        `envconfig:"DISPATCH_KEY_PREFIX" default:"dispatch"`
		PollInterval time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"1s"`
		BatchSize    int           `envconfig:"DISPATCH_BATCH_SIZE" default:"100"`
		RetryDelay   time.Duration `envconfig:"DISPATCH_RETRY_DELAY" default:"30s"`
		MaxAttempts  int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"5"`
		Timeout      time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"15s"`
		MaxAge       time.Duration `envconfig:"DISPATCH_SIGNATURE_MAX_AGE" default:"5m"`
	} `envconfig:""`

	Reconcile struct {
		Spec          string        `envconfig:"RECONCILE_SPEC" default:"@every 1m"`
		Timeout       time.Duration `envconfig:"RECONCILE_TIMEOUT" default:"50s"`
		BatchSize     int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`
		ClaimTimeout  time.Duration `envconfig:"RECONCILE_CLAIM_TIMEOUT" default:"10m"`
		OverdueAfter  time.Duration `envconfig:"RECONCILE_OVERDUE_AFTER" default:"30m"`
		DispatchGrace time.Duration `envconfig:"RECONCILE_DISPATCH_GRACE" default:"1m"`
	} `envconfig:""`

	Publisher struct {
		Mode    string        `envconfig:"PUBLISHER_MODE" default:"telegram"`
		HTTPURL string        `envconfig:"PUBLISHER_HTTP_URL"`
		Token   string        `envconfig:"PUBLISHER_HTTP_TOKEN"`
		Timeout time.Duration `envconfig:"PUBLISHER_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Telegram struct {
		Token     string  `envconfig:"TG_BOT_TOKEN"`
		ChannelID int64   `envconfig:"TG_CHANNEL_ID"`
		RPS       float64 `envconfig:"TG_RPS" default:"1"`
	} `envconfig:""`

	RateLimit struct {
		Requests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
		Window   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
