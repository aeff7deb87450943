package bus

import (
	"context"
	"sync"

	"blog-engine/internal/domain"
)

const memoryQueueSize = 1024

// MemoryBus реализует шину внутри процесса для одиночного узла и тестов.
// Переполненная подписка теряет сообщения так же, как Redis теряет их при обрыве.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySubscription]struct{}
}

var _ domain.EventBus = (*MemoryBus)(nil)

// NewMemoryBus создаёт шину в памяти.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

// Publish раздаёт сообщение подписчикам канала.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := domain.BusMessage{Channel: channel, Payload: append([]byte(nil), payload...)}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.has(channel) {
			sub.push(msg)
		}
	}
	return nil
}

// Subscribe открывает подписку.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (domain.BusSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		bus:      b,
		channels: make(map[string]struct{}),
		queue:    make(chan domain.BusMessage, memoryQueueSize),
		done:     make(chan struct{}),
	}
	_ = sub.Add(ctx, channels...)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Subscribers возвращает число открытых подписок.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type memorySubscription struct {
	bus      *MemoryBus
	mu       sync.RWMutex
	channels map[string]struct{}
	queue    chan domain.BusMessage
	done     chan struct{}
	once     sync.Once
}

func (s *memorySubscription) has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *memorySubscription) push(msg domain.BusMessage) {
	select {
	case <-s.done:
	case s.queue <- msg:
	default:
	}
}

func (s *memorySubscription) Add(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range channels {
		s.channels[name] = struct{}{}
	}
	return nil
}

func (s *memorySubscription) Remove(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range channels {
		delete(s.channels, name)
	}
	return nil
}

func (s *memorySubscription) Receive(ctx context.Context) (domain.BusMessage, error) {
	select {
	case <-ctx.Done():
		return domain.BusMessage{}, ctx.Err()
	case <-s.done:
		return domain.BusMessage{}, domain.ErrBusClosed
	case msg := <-s.queue:
		return msg, nil
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return nil
}
