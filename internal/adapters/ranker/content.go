package ranker

import (
	"github.com/google/uuid"

	"blog-engine/internal/domain"
)

// ContentBased рекомендует непросмотренные посты по доле совпавших тегов.
type ContentBased struct {
	idx *Index
}

var _ domain.Strategy = (*ContentBased)(nil)

// NewContentBased создаёт контентную стратегию.
func NewContentBased(idx *Index) *ContentBased {
	return &ContentBased{idx: idx}
}

// Type возвращает тип стратегии.
func (s *ContentBased) Type() domain.RecommendationType {
	return domain.RecommendationContentBased
}

// Recommend оценивает кандидата как matching / total, где total равно числу тегов кандидата.
func (s *ContentBased) Recommend(userID uuid.UUID, limit int) ([]domain.Recommendation, error) {
	if err := s.idx.UserErr(userID); err != nil {
		return nil, err
	}
	viewed := s.idx.viewed[userID]
	userTags := make(map[string]struct{})
	for postID := range viewed {
		for tag := range s.idx.postTags[postID] {
			userTags[tag] = struct{}{}
		}
	}
	if len(userTags) == 0 {
		return nil, nil
	}

	var items []candidate
	for _, p := range s.idx.eligible {
		if _, ok := viewed[p.ID]; ok {
			continue
		}
		tags := s.idx.postTags[p.ID]
		if len(tags) == 0 {
			continue
		}
		matching := 0
		for tag := range tags {
			if _, ok := userTags[tag]; ok {
				matching++
			}
		}
		if matching == 0 {
			continue
		}
		score := s.Type().Clamp(float64(matching) / float64(len(tags)))
		items = append(items, candidate{post: p, rank: score, score: score})
	}
	byRank(items)
	return toRecommendations(userID, s.Type(), items, limit), nil
}
