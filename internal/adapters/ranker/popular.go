package ranker

import (
	"github.com/google/uuid"

	"blog-engine/internal/domain"
)

const (
	viewsWeight = 0.6
	likesWeight = 0.4
)

// Popular рекомендует самые популярные непросмотренные посты.
type Popular struct {
	idx *Index
}

var _ domain.Strategy = (*Popular)(nil)

// NewPopular создаёт стратегию популярных постов.
func NewPopular(idx *Index) *Popular {
	return &Popular{idx: idx}
}

// Type возвращает тип стратегии.
func (s *Popular) Type() domain.RecommendationType {
	return domain.RecommendationPopular
}

// Popularity возвращает 0.6·views + 0.4·likes.
func Popularity(p domain.Post) float64 {
	return viewsWeight*float64(p.Views) + likesWeight*float64(p.Likes)
}

// Recommend нормирует популярность на максимум среди кандидатов пользователя.
func (s *Popular) Recommend(userID uuid.UUID, limit int) ([]domain.Recommendation, error) {
	if err := s.idx.UserErr(userID); err != nil {
		return nil, err
	}
	var items []candidate
	maxValue := 0.0
	for _, p := range s.idx.eligible {
		if s.idx.hasSeen(userID, p.ID) {
			continue
		}
		value := Popularity(p)
		if value > maxValue {
			maxValue = value
		}
		items = append(items, candidate{post: p, rank: value})
	}
	if len(items) == 0 {
		return nil, nil
	}
	for i := range items {
		if maxValue > 0 {
			items[i].score = items[i].rank / maxValue
		}
	}
	byRank(items)
	return toRecommendations(userID, s.Type(), items, limit), nil
}
