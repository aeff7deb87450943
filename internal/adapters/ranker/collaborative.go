package ranker

import (
	"sort"

	"github.com/google/uuid"

	"blog-engine/internal/domain"
)

const (
	// DefaultSimilarUsers ограничивает число учитываемых похожих пользователей.
	DefaultSimilarUsers = 10
	// minSharedPosts задаёт минимум общих постов для признания пользователей похожими.
	minSharedPosts = 2
)

// Collaborative рекомендует посты, которые лайкали или комментировали похожие пользователи.
type Collaborative struct {
	idx        *Index
	maxSimilar int
}

var _ domain.Strategy = (*Collaborative)(nil)

// NewCollaborative создаёт коллаборативную стратегию.
func NewCollaborative(idx *Index, maxSimilar int) *Collaborative {
	if maxSimilar <= 0 {
		maxSimilar = DefaultSimilarUsers
	}
	return &Collaborative{idx: idx, maxSimilar: maxSimilar}
}

// Type возвращает тип стратегии.
func (s *Collaborative) Type() domain.RecommendationType {
	return domain.RecommendationCollaborative
}

type similarUser struct {
	id         uuid.UUID
	shared     int
	similarity float64
}

// similarUsers возвращает похожих пользователей по убыванию сходства.
// Сходство равно сумме весов собственных взаимодействий userID с общими постами.
func (s *Collaborative) similarUsers(userID uuid.UUID) []similarUser {
	own := s.idx.weights[userID]
	if len(own) == 0 {
		return nil
	}
	byUser := make(map[uuid.UUID]*similarUser)
	for postID, weight := range own {
		for _, other := range s.idx.interactedBy[postID] {
			if other == userID {
				continue
			}
			if _, bad := s.idx.broken[other]; bad {
				continue
			}
			su := byUser[other]
			if su == nil {
				su = &similarUser{id: other}
				byUser[other] = su
			}
			su.shared++
			su.similarity += weight
		}
	}
	out := make([]similarUser, 0, len(byUser))
	for _, su := range byUser {
		if su.shared >= minSharedPosts {
			out = append(out, *su)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].similarity != out[j].similarity {
			return out[i].similarity > out[j].similarity
		}
		return out[i].id.String() < out[j].id.String()
	})
	if len(out) > s.maxSimilar {
		out = out[:s.maxSimilar]
	}
	return out
}

// Recommend суммирует сходство пользователей, поддержавших кандидата, и нормирует на максимум.
func (s *Collaborative) Recommend(userID uuid.UUID, limit int) ([]domain.Recommendation, error) {
	if err := s.idx.UserErr(userID); err != nil {
		return nil, err
	}
	similar := s.similarUsers(userID)
	if len(similar) == 0 {
		return nil, nil
	}
	raw := make(map[int64]float64)
	for _, su := range similar {
		for postID := range s.idx.engaged[su.id] {
			if s.idx.hasSeen(userID, postID) {
				continue
			}
			if p, ok := s.idx.posts[postID]; !ok || !p.Recommendable() {
				continue
			}
			raw[postID] += su.similarity
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	maxRaw := 0.0
	for _, v := range raw {
		if v > maxRaw {
			maxRaw = v
		}
	}
	items := make([]candidate, 0, len(raw))
	for postID, v := range raw {
		items = append(items, candidate{post: s.idx.posts[postID], rank: v, score: v / maxRaw})
	}
	byRank(items)
	return toRecommendations(userID, s.Type(), items, limit), nil
}
