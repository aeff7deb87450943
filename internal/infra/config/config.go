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

	PGDSN string `envconfig:"PG_DSN"`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	} `envconfig:""`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	HTTP struct {
		CORSOrigins       []string      `envconfig:"CORS_ALLOWED_ORIGINS"`
		CommentRateLimit  int           `envconfig:"COMMENT_RATE_LIMIT" default:"10"`
		CommentRateWindow time.Duration `envconfig:"COMMENT_RATE_WINDOW" default:"1m"`
	} `envconfig:""`

	Auth struct {
		JWTSecret string `envconfig:"JWT_SECRET"`
	} `envconfig:""`

	Bus struct {
		// Backend: redis, amqp или memory.
		Backend       string        `envconfig:"BUS_BACKEND" default:"redis"`
		ChannelPrefix string        `envconfig:"NOTIFY_CHANNEL_PREFIX" default:"notifications:user:"`
		Exchange      string        `envconfig:"BUS_EXCHANGE" default:"notifications"`
		RetryMin      time.Duration `envconfig:"BUS_RETRY_MIN" default:"500ms"`
		RetryMax      time.Duration `envconfig:"BUS_RETRY_MAX" default:"30s"`
	} `envconfig:""`

	Realtime struct {
		SendBuffer     int           `envconfig:"WS_SEND_BUFFER" default:"256"`
		PingPeriod     time.Duration `envconfig:"WS_PING_PERIOD" default:"30s"`
		PongWait       time.Duration `envconfig:"WS_PONG_WAIT" default:"60s"`
		WriteWait      time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
		AllowedOrigins []string      `envconfig:"WS_ALLOWED_ORIGINS"`
		Shards         int           `envconfig:"REGISTRY_SHARDS" default:"32"`
		PublishBuffer  int           `envconfig:"PUBLISH_BUFFER" default:"1024"`
	} `envconfig:""`

	Recommendations struct {
		Interval        time.Duration `envconfig:"RECO_INTERVAL" default:"1h"`
		PerUser         int           `envconfig:"RECO_PER_USER" default:"10"`
		ClearExisting   bool          `envconfig:"RECO_CLEAR_EXISTING" default:"true"`
		Workers         int           `envconfig:"RECO_WORKERS" default:"4"`
		SimilarCacheTTL time.Duration `envconfig:"SIMILAR_CACHE_TTL" default:"1h"`
	} `envconfig:""`

	Analytics struct {
		StatsCacheTTL time.Duration `envconfig:"POST_STATS_CACHE_TTL" default:"5m"`
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
