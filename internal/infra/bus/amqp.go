package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

// AMQPBus реализует шину через RabbitMQ: direct exchange, ключ маршрутизации равен имени канала.
// Каждая подписка получает собственную эксклюзивную очередь, которая удаляется вместе с ней.
type AMQPBus struct {
	url      string
	exchange string

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

var _ domain.EventBus = (*AMQPBus)(nil)

// NewAMQPBus подключается к брокеру и объявляет exchange.
func NewAMQPBus(url, exchange string) (*AMQPBus, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	b := &AMQPBus{url: url, exchange: exchange}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) connLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, domain.ErrBusClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	start := time.Now()
	conn, err := amqp.Dial(b.url)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", b.exchange, start, err)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	b.conn = conn
	b.pubCh = ch
	return conn, nil
}

// Publish отправляет сообщение без подтверждения доставки.
func (b *AMQPBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connLocked(); err != nil {
		return err
	}
	start := time.Now()
	err := b.pubCh.PublishWithContext(ctx, b.exchange, channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", b.exchange, start, err)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			_ = b.conn.Close()
		}
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe создаёт эксклюзивную очередь и привязывает к ней каналы.
func (b *AMQPBus) Subscribe(ctx context.Context, channels ...string) (domain.BusSubscription, error) {
	b.mu.Lock()
	conn, err := b.connLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ch, err := conn.Channel()
	if err != nil {
		metrics.ObserveNetworkRequest("rabbitmq", "subscribe", b.exchange, start, err)
		return nil, fmt.Errorf("open channel: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		metrics.ObserveNetworkRequest("rabbitmq", "subscribe", b.exchange, start, err)
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	sub := &amqpSubscription{ch: ch, queue: queue.Name, exchange: b.exchange}
	if err := sub.Add(ctx, channels...); err != nil {
		_ = ch.Close()
		metrics.ObserveNetworkRequest("rabbitmq", "subscribe", b.exchange, start, err)
		return nil, err
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	metrics.ObserveNetworkRequest("rabbitmq", "subscribe", b.exchange, start, err)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	sub.deliveries = deliveries
	return sub, nil
}

// Close закрывает соединение с брокером.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

type amqpSubscription struct {
	ch         *amqp.Channel
	queue      string
	exchange   string
	deliveries <-chan amqp.Delivery
}

func (s *amqpSubscription) Add(_ context.Context, channels ...string) error {
	for _, name := range channels {
		if err := s.ch.QueueBind(s.queue, name, s.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func (s *amqpSubscription) Remove(_ context.Context, channels ...string) error {
	for _, name := range channels {
		if err := s.ch.QueueUnbind(s.queue, name, s.exchange, nil); err != nil {
			return fmt.Errorf("unbind %s: %w", name, err)
		}
	}
	return nil
}

func (s *amqpSubscription) Receive(ctx context.Context) (domain.BusMessage, error) {
	select {
	case <-ctx.Done():
		return domain.BusMessage{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return domain.BusMessage{}, domain.ErrBusClosed
		}
		return domain.BusMessage{Channel: d.RoutingKey, Payload: d.Body}, nil
	}
}

func (s *amqpSubscription) Close() error {
	err := s.ch.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
