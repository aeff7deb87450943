package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"blog-engine/internal/adapters/auth"
	"blog-engine/internal/adapters/repo"
	"blog-engine/internal/domain"
	"blog-engine/internal/infra/bus"
	"blog-engine/internal/infra/cache"
	"blog-engine/internal/infra/config"
	"blog-engine/internal/infra/db"
	httpinfra "blog-engine/internal/infra/http"
	applog "blog-engine/internal/infra/log"
	"blog-engine/internal/infra/metrics"
	"blog-engine/internal/usecase/analytics"
	"blog-engine/internal/usecase/comments"
	"blog-engine/internal/usecase/notify"
	"blog-engine/internal/usecase/recommend"
)

const requestTimeout = 30 * time.Second

// store объединяет репозитории, нужные API.
type store interface {
	domain.PostRepo
	domain.CommentRepo
	domain.InteractionRepo
	domain.RecommendationRepo
	domain.BusinessMetricRepo
}

func openStore(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (store, func(), error) {
	if cfg.PGDSN == "" && cfg.AppEnv == "dev" {
		logger.Warn().Msg("api: PG_DSN не задан, данные хранятся в памяти")
		return repo.NewMemory(), func() {}, nil
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("подключение к БД: %w", err)
	}
	pg := repo.NewPostgres(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: хранилище недоступно")
	}
	defer closeStore()

	var redisClient *redis.Client
	var redisCache domain.Cache
	if client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Warn().Err(err).Msg("api: redis недоступен, кэш похожих постов и статистики отключён")
	} else {
		redisClient = client
		redisCache = cache.NewRedis(client)
		defer client.Close()
	}

	eventBus, closeBus, err := bus.Open(ctx, bus.Options{
		Env:       cfg.AppEnv,
		Backend:   cfg.Bus.Backend,
		Redis:     redisClient,
		RabbitURL: cfg.RabbitURL,
		Exchange:  cfg.Bus.Exchange,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: шина недоступна")
	}
	if _, local := eventBus.(*bus.MemoryBus); local {
		logger.Warn().Msg("api: шина в памяти процесса, уведомления не дойдут до другого процесса")
	}
	defer func() { _ = closeBus() }()

	validator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: JWT_SECRET не задан")
	}

	publisher := notify.NewPublisher(eventBus, cfg.Bus.ChannelPrefix, cfg.Realtime.PublishBuffer, logger)
	go publisher.Run(ctx)

	h := &handlers{
		comments:  comments.NewService(st, st, publisher, st, logger),
		analytics: analytics.NewService(st, st, redisCache, cfg.Analytics.StatsCacheTTL, logger),
		recommend: recommend.NewService(st, st, redisCache, st, recommend.Config{
			Workers:    cfg.Recommendations.Workers,
			SimilarTTL: cfg.Recommendations.SimilarCacheTTL,
		}, logger),
		logger:        applog.Component(logger, "api"),
		commentLimit:  cfg.HTTP.CommentRateLimit,
		commentWindow: cfg.HTTP.CommentRateWindow,
	}

	server := httpinfra.NewServer(logger, 0, httpinfra.CORS(cfg.HTTP.CORSOrigins))
	h.mount(server.Router, validator, requestTimeout)

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка остановки сервера")
	}
}
