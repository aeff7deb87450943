package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"blog-engine/internal/domain"
)

// ErrMemoryBusNotShared возвращается при выборе memory вне dev-окружения.
// API и шлюз работают в разных процессах, и шина в памяти не связывает их.
var ErrMemoryBusNotShared = errors.New("memory bus is process-local, use redis or amqp")

// Options описывает выбор бэкенда шины.
type Options struct {
	// Env совпадает с APP_ENV. Шина в памяти разрешена только в dev.
	Env       string
	Backend   string
	Redis     *redis.Client
	RabbitURL string
	Exchange  string
}

// Open создаёт шину по имени бэкенда. Возвращаемая функция освобождает ресурсы шины.
func Open(_ context.Context, opts Options) (domain.EventBus, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "redis":
		if opts.Redis == nil {
			return nil, noop, fmt.Errorf("redis bus: client is nil")
		}
		return NewRedisBus(opts.Redis), noop, nil
	case "amqp", "rabbitmq":
		b, err := NewAMQPBus(opts.RabbitURL, opts.Exchange)
		if err != nil {
			return nil, noop, fmt.Errorf("amqp bus: %w", err)
		}
		return b, b.Close, nil
	case "memory":
		if opts.Env != "dev" {
			return nil, noop, fmt.Errorf("%w: APP_ENV=%q", ErrMemoryBusNotShared, opts.Env)
		}
		return NewMemoryBus(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown bus backend %q", opts.Backend)
	}
}
