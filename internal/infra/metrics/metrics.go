package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Открытые realtime-соединения",
	})
	SessionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_sessions_rejected_total",
		Help: "Отклонённые при рукопожатии сессии",
	}, []string{"reason"})
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_deliveries_total",
		Help: "Попытки доставки уведомлений в соединения",
	}, []string{"status"})
	PrunedChannels = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_pruned_channels_total",
		Help: "Каналы, удалённые из реестра после неудачной доставки",
	})

	BusSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bus_subscriptions_active",
		Help: "Каналы шины, на которые подписан процесс",
	})
	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_reconnects_total",
		Help: "Переподключения к шине",
	})

	NotificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Публикации уведомлений в шину",
	}, []string{"status"})
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_dropped_total",
		Help: "Уведомления, отброшенные из-за переполнения буфера",
	})
	NotificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_suppressed_total",
		Help: "Ответы самому себе, для которых уведомление не строится",
	})

	InteractionsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interactions_recorded_total",
		Help: "Записанные взаимодействия по типам",
	}, []string{"type"})

	RecommendationsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recommendations_written_total",
		Help: "Записанные рекомендации по стратегиям",
	}, []string{"strategy"})
	RecommendationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recommendation_failures_total",
		Help: "Ошибки расчёта рекомендаций для пары пользователь-стратегия",
	}, []string{"strategy"})
	RecommendationRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recommendation_run_seconds",
		Help:    "Длительность пакетного пересчёта рекомендаций",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ConnectionsActive,
		SessionsRejected,
		Deliveries,
		PrunedChannels,
		BusSubscriptions,
		BusReconnects,
		NotificationsPublished,
		NotificationsDropped,
		NotificationsSuppressed,
		InteractionsRecorded,
		RecommendationsWritten,
		RecommendationFailures,
		RecommendationRunSeconds,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
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
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveRecommendationRun записывает итог пакетного пересчёта.
func ObserveRecommendationRun(duration time.Duration, written, failures map[string]int) {
	RecommendationRunSeconds.Observe(duration.Seconds())
	for strategy, n := range written {
		if n > 0 {
			RecommendationsWritten.WithLabelValues(strategy).Add(float64(n))
		}
	}
	for strategy, n := range failures {
		if n > 0 {
			RecommendationFailures.WithLabelValues(strategy).Add(float64(n))
		}
	}
}
