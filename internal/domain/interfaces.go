package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Identity возвращается после проверки токена.
type Identity struct {
	UserID uuid.UUID
	Role   UserRole
}

// TokenValidator проверяет токен и возвращает личность пользователя
// либо одну из ошибок ErrTokenExpired, ErrTokenMalformed, ErrTokenSignature.
type TokenValidator interface {
	Validate(token string) (Identity, error)
}

// BusMessage описывает сообщение, полученное из шины.
type BusMessage struct {
	Channel string
	Payload []byte
}

// EventBus описывает общую шину публикации и подписки без гарантий доставки.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (BusSubscription, error)
}

// BusSubscription держит подписку на набор каналов.
// Add и Remove безопасно вызывать параллельно с Receive.
type BusSubscription interface {
	Add(ctx context.Context, channels ...string) error
	Remove(ctx context.Context, channels ...string) error
	Receive(ctx context.Context) (BusMessage, error)
	Close() error
}

// NotificationPublisher отправляет уведомления об ответах.
type NotificationPublisher interface {
	NotifyReply(reply Comment, parentAuthor uuid.UUID) bool
}

// PostRepo читает посты.
type PostRepo interface {
	GetPost(ctx context.Context, postID int64) (Post, error)
}

// CommentRepo управляет комментариями.
type CommentRepo interface {
	GetComment(ctx context.Context, commentID int64) (Comment, error)
	CreateComment(ctx context.Context, comment Comment) (Comment, error)
	RecordInteraction(ctx context.Context, interaction Interaction) error
}

// RecommendationRepo хранит рекомендации и отдаёт данные для их расчёта.
type RecommendationRepo interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	ClearRecommendations(ctx context.Context, userIDs []uuid.UUID) (int64, error)
	// UpsertRecommendations записывает строки одной стратегии с политикой слияния по (user, post).
	UpsertRecommendations(ctx context.Context, recs []Recommendation) (int, error)
	// ListRecommendations отдаёт страницу свежих рекомендаций по убыванию оценки.
	ListRecommendations(ctx context.Context, userID uuid.UUID, now time.Time, query RecommendationQuery) ([]Recommendation, error)
	SimilarPosts(ctx context.Context, postID int64, limit int) ([]SimilarPost, error)
}

// Strategy рассчитывает рекомендации одного типа для пользователя.
type Strategy interface {
	Type() RecommendationType
	Recommend(userID uuid.UUID, limit int) ([]Recommendation, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
}
