package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecommendationType задаёт источник рекомендации.
type RecommendationType string

const (
	RecommendationContentBased  RecommendationType = "content_based"
	RecommendationCollaborative RecommendationType = "collaborative"
	RecommendationPopular       RecommendationType = "popular"
	RecommendationHybrid        RecommendationType = "hybrid"
)

// FreshnessWindow задаёт срок жизни рекомендации после последней записи.
const FreshnessWindow = 7 * 24 * time.Hour

// Valid проверяет, что тип входит в перечисление.
func (t RecommendationType) Valid() bool {
	switch t {
	case RecommendationContentBased, RecommendationCollaborative, RecommendationPopular, RecommendationHybrid:
		return true
	}
	return false
}

// Bounds возвращает допустимый диапазон оценки для стратегии.
func (t RecommendationType) Bounds() (float64, float64) {
	switch t {
	case RecommendationContentBased:
		return 0.5, 0.95
	case RecommendationCollaborative:
		return 0.5, 0.9
	case RecommendationPopular:
		return 0.3, 0.7
	default:
		return 0, 1
	}
}

// Clamp ограничивает значение диапазоном стратегии.
func (t RecommendationType) Clamp(score float64) float64 {
	lo, hi := t.Bounds()
	return Clamp(score, lo, hi)
}

// Clamp ограничивает v отрезком [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Recommendation рекомендует пост пользователю. Пара (UserID, PostID) уникальна.
type Recommendation struct {
	UserID    uuid.UUID          `json:"user_id"`
	PostID    int64              `json:"post_id"`
	Score     float64            `json:"score"`
	Type      RecommendationType `json:"recommendation_type"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// Expired сообщает, устарела ли рекомендация к моменту now.
func (r Recommendation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// MergeType объединяет тип сохранённой записи с типом новой записи.
// Совпадающие типы сохраняются, любые различающиеся дают hybrid. Hybrid не понижается.
func MergeType(stored, incoming RecommendationType) RecommendationType {
	if stored == incoming {
		return stored
	}
	return RecommendationHybrid
}

// Stamp проставляет время записи и срок жизни.
func (r Recommendation) Stamp(now time.Time) Recommendation {
	r.CreatedAt = now
	r.ExpiresAt = now.Add(FreshnessWindow)
	return r
}

// MergeRecommendation применяет политику слияния новой записи к существующей.
// Оценка не уменьшается, тип только повышается до hybrid, срок жизни берётся из новой записи,
// created_at остаётся от первой записи.
func MergeRecommendation(stored, incoming Recommendation) Recommendation {
	merged := stored
	if incoming.Score > merged.Score {
		merged.Score = incoming.Score
	}
	merged.Type = MergeType(stored.Type, incoming.Type)
	merged.ExpiresAt = incoming.ExpiresAt
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = incoming.CreatedAt
	}
	return merged
}

// MaxRecommendationsPage ограничивает размер одной страницы выдачи.
const MaxRecommendationsPage = 100

// RecommendationQuery задаёт выборку свежих рекомендаций пользователя.
// Пустой Type означает любой тип.
type RecommendationQuery struct {
	Type     RecommendationType `validate:"omitempty,oneof=content_based collaborative popular hybrid"`
	MinScore float64            `validate:"gte=0,lte=1"`
	Limit    int                `validate:"gte=0"`
	Offset   int                `validate:"gte=0"`
}

// Page возвращает размер страницы с учётом значения по умолчанию и верхней границы.
func (q RecommendationQuery) Page() int {
	switch {
	case q.Limit <= 0:
		return DefaultRecommendationsPerUser
	case q.Limit > MaxRecommendationsPage:
		return MaxRecommendationsPage
	default:
		return q.Limit
	}
}

// Match сообщает, проходит ли рекомендация фильтры по типу и оценке.
func (q RecommendationQuery) Match(r Recommendation) bool {
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	return r.Score >= q.MinScore
}
