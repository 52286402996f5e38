package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"post-queue/internal/domain"
)

var (
	SlotsAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_slots_allocated_total",
		Help: "Занятые слоты очереди",
	})
	AllocationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_allocation_retries_total",
		Help: "Повторы поиска слота из-за гонки",
	})
	CapacityExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_capacity_exhausted_total",
		Help: "Отказы из-за отсутствия свободных слотов",
	})

	DispatchRegistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dispatch_registrations_total",
		Help: "Регистрации отложенных вызовов",
	}, []string{"status"})

	DispatchDeregistrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dispatch_deregistrations_total",
		Help: "Отмены отложенных вызовов",
	}, []string{"status"})

	CallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_callbacks_total",
		Help: "Обработанные входящие вызовы по результату",
	}, []string{"outcome"})

	PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_publish_duration_seconds",
		Help:    "Длительность публикации поста",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	ReconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_reconciled_total",
		Help: "Элементы, обработанные сверкой",
	}, []string{"result"})

	DispatchDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_deliveries_total",
		Help: "Доставки отложенных вызовов по результату",
	}, []string{"status"})

	DispatchPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_pending_jobs",
		Help: "Отложенные вызовы, ожидающие срабатывания",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_rate_limited_total",
		Help: "Запросы, отклонённые ограничителем",
	}, []string{"route"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SlotsAllocated,
		AllocationRetries,
		CapacityExhausted,
		DispatchRegistrations,
		DispatchDeregistrations,
		CallbacksTotal,
		PublishDuration,
		ReconciledTotal,
		DispatchDeliveries,
		DispatchPending,
		RateLimited,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// Handler отдаёт метрики для встраивания в роутер.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := statusOf(err)
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveRegistration учитывает регистрацию отложенного вызова.
func ObserveRegistration(err error) {
	DispatchRegistrations.WithLabelValues(statusOf(err)).Inc()
}

// ObserveDeregistration учитывает отмену отложенного вызова.
func ObserveDeregistration(err error) {
	DispatchDeregistrations.WithLabelValues(statusOf(err)).Inc()
}

// ObserveCallback учитывает результат входящего вызова.
func ObserveCallback(outcome domain.CallbackOutcome) {
	CallbacksTotal.WithLabelValues(string(outcome)).Inc()
}

// ObservePublish записывает длительность публикации.
func ObservePublish(start time.Time, err error) {
	PublishDuration.WithLabelValues(statusOf(err)).Observe(time.Since(start).Seconds())
}

// ObserveReconciled учитывает элемент, обработанный сверкой.
func ObserveReconciled(result string) {
	ReconciledTotal.WithLabelValues(result).Inc()
}

// ObserveDelivery учитывает попытку доставки отложенного вызова.
func ObserveDelivery(status string) {
	DispatchDeliveries.WithLabelValues(status).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
