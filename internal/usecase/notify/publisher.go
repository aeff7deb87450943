package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

const (
	defaultBuffer  = 1024
	publishTimeout = 3 * time.Second

	breakerFailures = 5
	breakerCooldown = 10 * time.Second
)

type outgoing struct {
	channel string
	payload []byte
}

// Publisher отправляет уведомления об ответах в шину. Вызывающий не ждёт публикации:
// уведомление ставится в ограниченную очередь, переполнение и ошибки шины только считаются.
// После серии ошибок шины публикации отбрасываются сразу, пока не истечёт пауза размыкателя.
type Publisher struct {
	bus     domain.EventBus
	prefix  string
	queue   chan outgoing
	breaker *gobreaker.CircuitBreaker[struct{}]
	now     func() time.Time
	logger  zerolog.Logger
}

var _ domain.NotificationPublisher = (*Publisher)(nil)

// NewPublisher создаёт издателя с очередью размера buffer.
func NewPublisher(bus domain.EventBus, prefix string, buffer int, logger zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	p := &Publisher{
		bus:    bus,
		prefix: prefix,
		queue:  make(chan outgoing, buffer),
		now:    time.Now,
		logger: logger.With().Str("component", "notify").Logger(),
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-bus",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("состояние размыкателя шины изменилось")
		},
	})
	return p
}

// NotifyReply ставит уведомление автору родительского комментария в очередь.
// Возвращает false, если уведомление не нужно (ответ самому себе) или очередь переполнена.
func (p *Publisher) NotifyReply(reply domain.Comment, parentAuthor uuid.UUID) bool {
	n, ok := domain.NewReplyNotification(reply, parentAuthor, p.now())
	if !ok {
		if reply.IsReply() {
			metrics.NotificationsSuppressed.Inc()
		}
		return false
	}
	payload, err := n.Encode()
	if err != nil {
		p.logger.Error().Err(err).Int64("comment_id", reply.ID).Msg("не удалось сериализовать уведомление")
		return false
	}
	msg := outgoing{channel: domain.UserChannel(p.prefix, parentAuthor), payload: payload}
	select {
	case p.queue <- msg:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		p.logger.Warn().Int64("comment_id", reply.ID).Str("user_id", parentAuthor.String()).Msg("очередь уведомлений переполнена, уведомление отброшено")
		return false
	}
}

// Run публикует уведомления до отмены контекста. Каждое уведомление публикуется один раз.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.publish(ctx, msg)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, msg outgoing) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.bus.Publish(pubCtx, msg.channel, msg.payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.NotificationsPublished.WithLabelValues("rejected").Inc()
		p.logger.Debug().Str("channel", msg.channel).Msg("шина недоступна, уведомление отброшено")
		return
	}
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues("error").Inc()
		p.logger.Warn().Err(err).Str("channel", msg.channel).Msg("публикация уведомления не удалась")
		return
	}
	metrics.NotificationsPublished.WithLabelValues("ok").Inc()
}

// Pending возвращает число уведомлений в очереди.
func (p *Publisher) Pending() int {
	return len(p.queue)
}
