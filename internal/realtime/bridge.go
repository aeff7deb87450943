package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

const subscriptionOpTimeout = 5 * time.Second

// BridgeConfig задаёт параметры моста.
type BridgeConfig struct {
	Prefix   string
	RetryMin time.Duration
	RetryMax time.Duration
}

// Bridge держит подписки шины на каналы пользователей, у которых есть соединения,
// и передаёт входящие сообщения в реестр.
type Bridge struct {
	bus      domain.EventBus
	registry *Registry
	cfg      BridgeConfig
	logger   zerolog.Logger

	// opMu упорядочивает изменения набора подписок и переподключение.
	opMu   sync.Mutex
	mu     sync.Mutex
	sub    domain.BusSubscription
	needed map[uuid.UUID]struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

var _ Presence = (*Bridge)(nil)

// NewBridge создаёт мост и подключает его к реестру как получателя событий присутствия.
func NewBridge(bus domain.EventBus, registry *Registry, cfg BridgeConfig, logger zerolog.Logger) *Bridge {
	if cfg.Prefix == "" {
		cfg.Prefix = domain.DefaultChannelPrefix
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = 30 * time.Second
	}
	b := &Bridge{
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "bridge").Logger(),
		needed:   make(map[uuid.UUID]struct{}),
		ready:    make(chan struct{}),
	}
	registry.SetPresence(b)
	return b
}

// Ready закрывается после первой успешной подписки.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Acquire подписывает канал пользователя, если у него есть соединения.
func (b *Bridge) Acquire(userID uuid.UUID) { b.reconcile(userID) }

// Release снимает подписку, если соединений у пользователя не осталось.
func (b *Bridge) Release(userID uuid.UUID) { b.reconcile(userID) }

// reconcile приводит подписку к текущему состоянию реестра, поэтому порядок вызовов Acquire и Release не важен.
func (b *Bridge) reconcile(userID uuid.UUID) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	want := b.registry.Has(userID)
	b.mu.Lock()
	_, have := b.needed[userID]
	if want == have {
		b.mu.Unlock()
		return
	}
	if want {
		b.needed[userID] = struct{}{}
	} else {
		delete(b.needed, userID)
	}
	metrics.BusSubscriptions.Set(float64(len(b.needed)))
	sub := b.sub
	b.mu.Unlock()

	// Без активной подписки канал будет добавлен при переподключении.
	if sub == nil {
		return
	}
	channel := domain.UserChannel(b.cfg.Prefix, userID)
	ctx, cancel := context.WithTimeout(context.Background(), subscriptionOpTimeout)
	defer cancel()
	var err error
	if want {
		err = sub.Add(ctx, channel)
	} else {
		err = sub.Remove(ctx, channel)
	}
	if err != nil {
		// Ошибка подписки обычно означает обрыв; Run переподпишет весь набор.
		b.logger.Warn().Err(err).Str("user_id", userID.String()).Bool("subscribe", want).Msg("не удалось изменить подписку")
	}
}

func (b *Bridge) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.needed))
	for id := range b.needed {
		out = append(out, domain.UserChannel(b.cfg.Prefix, id))
	}
	return out
}

func (b *Bridge) attach(ctx context.Context) (domain.BusSubscription, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()
	channels := b.channels()
	subCtx, cancel := context.WithTimeout(ctx, subscriptionOpTimeout)
	defer cancel()
	sub, err := b.bus.Subscribe(subCtx, channels...)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	b.logger.Info().Int("channels", len(channels)).Msg("подписка на шину установлена")
	return sub, nil
}

func (b *Bridge) detach(sub domain.BusSubscription) {
	b.opMu.Lock()
	b.mu.Lock()
	if b.sub == sub {
		b.sub = nil
	}
	b.mu.Unlock()
	b.opMu.Unlock()
	_ = sub.Close()
}

// Run держит подписку до отмены контекста. После обрыва переподписывается на все нужные каналы
// с экспоненциальной задержкой; сообщения, опубликованные во время обрыва, теряются.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryMin
	bo.MaxInterval = b.cfg.RetryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	reconnect := false
	for {
		sub, err := b.attach(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("шина недоступна")
			if !sleepCtx(ctx, wait) {
				return nil
			}
			reconnect = true
			continue
		}
		if reconnect {
			metrics.BusReconnects.Inc()
		}
		b.readyOnce.Do(func() { close(b.ready) })
		bo.Reset()

		err = b.pump(ctx, sub)
		b.detach(sub)
		if ctx.Err() != nil {
			b.logger.Info().Msg("мост остановлен")
			return nil
		}
		wait := bo.NextBackOff()
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("подписка оборвалась")
		if !sleepCtx(ctx, wait) {
			return nil
		}
		reconnect = true
	}
}

func (b *Bridge) pump(ctx context.Context, sub domain.BusSubscription) error {
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		b.dispatch(msg)
	}
}

func (b *Bridge) dispatch(msg domain.BusMessage) {
	raw, ok := strings.CutPrefix(msg.Channel, b.cfg.Prefix)
	if !ok {
		b.logger.Debug().Str("channel", msg.Channel).Msg("сообщение из чужого канала")
		return
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		b.logger.Debug().Str("channel", msg.Channel).Msg("некорректный id в имени канала")
		return
	}
	n := b.registry.Deliver(userID, msg.Payload)
	b.logger.Debug().Str("user_id", userID.String()).Int("delivered", n).Msg("уведомление доставлено")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
