package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

// RedisBus реализует шину уведомлений на Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
}

var _ domain.EventBus = (*RedisBus)(nil)

// NewRedisBus создаёт шину поверх клиента Redis.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish отправляет сообщение в канал. Redis не хранит сообщения без подписчиков.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	start := time.Now()
	err := b.client.Publish(ctx, channel, payload).Err()
	metrics.ObserveNetworkRequest("redis", "publish", "notifications", start, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe открывает подписку и дожидается подтверждения от сервера.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (domain.BusSubscription, error) {
	start := time.Now()
	ps := b.client.Subscribe(ctx, channels...)
	var err error
	if len(channels) > 0 {
		_, err = ps.Receive(ctx)
	} else {
		err = ps.Ping(ctx)
	}
	metrics.ObserveNetworkRequest("redis", "subscribe", "notifications", start, err)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Add(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	start := time.Now()
	err := s.ps.Subscribe(ctx, channels...)
	metrics.ObserveNetworkRequest("redis", "subscribe", "notifications", start, err)
	return err
}

func (s *redisSubscription) Remove(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	start := time.Now()
	err := s.ps.Unsubscribe(ctx, channels...)
	metrics.ObserveNetworkRequest("redis", "unsubscribe", "notifications", start, err)
	return err
}

// Receive блокирующе читает следующее сообщение. go-redis не прерывает чтение по отмене
// контекста без дедлайна, поэтому отмена закрывает подписку.
func (s *redisSubscription) Receive(ctx context.Context) (domain.BusMessage, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.ps.Close() })
	defer stop()
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.BusMessage{}, ctxErr
		}
		if errors.Is(err, redis.ErrClosed) {
			return domain.BusMessage{}, domain.ErrBusClosed
		}
		return domain.BusMessage{}, err
	}
	return domain.BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
