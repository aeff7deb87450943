package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"blog-engine/internal/adapters/repo"
	"blog-engine/internal/domain"
	"blog-engine/internal/infra/config"
	"blog-engine/internal/infra/db"
	applog "blog-engine/internal/infra/log"
	"blog-engine/internal/infra/metrics"
	"blog-engine/internal/usecase/recommend"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("recommender: нет подключения к БД")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("recommender: схема не создана")
	}

	service := recommend.NewService(store, store, nil, store, recommend.Config{
		Workers: cfg.Recommendations.Workers,
	}, logger)

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	req := domain.GenerateRequest{
		ClearExisting: cfg.Recommendations.ClearExisting,
		PerUser:       cfg.Recommendations.PerUser,
		Cause:         domain.GenerationCauseScheduled,
	}
	interval := cfg.Recommendations.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	run(ctx, service, req, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("recommender: остановка")
			return
		case <-ticker.C:
			run(ctx, service, req, logger)
		}
	}
}

func run(ctx context.Context, service *recommend.Service, req domain.GenerateRequest, logger zerolog.Logger) {
	summary, err := service.Generate(ctx, req)
	switch {
	case errors.Is(err, domain.ErrGenerationInProgress):
		logger.Warn().Msg("recommender: предыдущий пересчёт ещё идёт")
	case err != nil:
		logger.Error().Err(err).Msg("recommender: пересчёт не удался, повтор по расписанию")
	default:
		logger.Info().Str("summary", summary.String()).Msg("recommender: пересчёт завершён")
	}
}
