package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"blog-engine/internal/adapters/auth"
	"blog-engine/internal/infra/bus"
	"blog-engine/internal/infra/cache"
	"blog-engine/internal/infra/config"
	httpinfra "blog-engine/internal/infra/http"
	applog "blog-engine/internal/infra/log"
	"blog-engine/internal/infra/metrics"
	"blog-engine/internal/realtime"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: JWT_SECRET не задан")
	}

	var redisClient *redis.Client
	if cfg.Bus.Backend == "" || cfg.Bus.Backend == "redis" {
		redisClient, err = cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("gateway: redis недоступен")
		}
		defer redisClient.Close()
	}
	eventBus, closeBus, err := bus.Open(ctx, bus.Options{
		Env:       cfg.AppEnv,
		Backend:   cfg.Bus.Backend,
		Redis:     redisClient,
		RabbitURL: cfg.RabbitURL,
		Exchange:  cfg.Bus.Exchange,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: шина недоступна")
	}
	if _, local := eventBus.(*bus.MemoryBus); local {
		logger.Warn().Msg("gateway: шина в памяти процесса, уведомления не дойдут до другого процесса")
	}
	defer func() { _ = closeBus() }()

	registry := realtime.NewRegistry(cfg.Realtime.Shards, logger)
	bridge := realtime.NewBridge(eventBus, registry, realtime.BridgeConfig{
		Prefix:   cfg.Bus.ChannelPrefix,
		RetryMin: cfg.Bus.RetryMin,
		RetryMax: cfg.Bus.RetryMax,
	}, logger)
	sessions := realtime.NewHandler(validator, registry, realtime.SessionConfig{
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingPeriod:     cfg.Realtime.PingPeriod,
		PongWait:       cfg.Realtime.PongWait,
		WriteWait:      cfg.Realtime.WriteWait,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}, logger)

	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := bridge.Run(bridgeCtx); err != nil {
			logger.Error().Err(err).Msg("gateway: мост остановлен с ошибкой")
		}
	}()

	// Таймаут запросов не ставится: соединения живут долго.
	server := httpinfra.NewServer(logger, 0)
	server.Router.Get("/api/notifications/ws", sessions.ServeHTTP)

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("gateway: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("gateway: остановка")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway: ошибка остановки сервера")
	}
	sessions.Shutdown()
	registry.CloseAll()
	waitDone(shutdownCtx, sessions.Wait)
	cancelBridge()
	<-bridgeDone
	logger.Info().Msg("gateway: остановлен")
}

// waitDone ждёт fn не дольше, чем живёт ctx.
func waitDone(ctx context.Context, fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
