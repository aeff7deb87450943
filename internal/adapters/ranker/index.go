package ranker

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"blog-engine/internal/domain"
)

// ErrMalformedInteraction помечает пользователя, в журнале которого есть некорректная запись.
var ErrMalformedInteraction = errors.New("malformed interaction")

// Index хранит проекцию снимка данных, построенную за один проход по журналу взаимодействий.
// После построения только читается, поэтому безопасна для параллельных стратегий.
type Index struct {
	posts    map[int64]domain.Post
	eligible []domain.Post
	postTags map[int64]map[string]struct{}

	viewed       map[uuid.UUID]map[int64]struct{}
	seen         map[uuid.UUID]map[int64]struct{}
	engaged      map[uuid.UUID]map[int64]struct{}
	weights      map[uuid.UUID]map[int64]float64
	interactedBy map[int64][]uuid.UUID

	broken map[uuid.UUID]error
}

// NewIndex строит индекс по снимку.
func NewIndex(snapshot domain.Snapshot) *Index {
	idx := &Index{
		posts:        make(map[int64]domain.Post, len(snapshot.Posts)),
		postTags:     make(map[int64]map[string]struct{}, len(snapshot.Posts)),
		viewed:       make(map[uuid.UUID]map[int64]struct{}),
		seen:         make(map[uuid.UUID]map[int64]struct{}),
		engaged:      make(map[uuid.UUID]map[int64]struct{}),
		weights:      make(map[uuid.UUID]map[int64]float64),
		interactedBy: make(map[int64][]uuid.UUID),
		broken:       make(map[uuid.UUID]error),
	}
	for _, p := range snapshot.Posts {
		idx.posts[p.ID] = p
		tags := NormalizeTags(p.Tags)
		if len(tags) > 0 {
			set := make(map[string]struct{}, len(tags))
			for _, tag := range tags {
				set[tag] = struct{}{}
			}
			idx.postTags[p.ID] = set
		}
		if p.Recommendable() {
			idx.eligible = append(idx.eligible, p)
		}
	}
	sort.Slice(idx.eligible, func(i, j int) bool {
		return newer(idx.eligible[i], idx.eligible[j])
	})

	for _, in := range snapshot.Interactions {
		if _, bad := idx.broken[in.UserID]; bad {
			continue
		}
		weight, ok := in.Type.Weight()
		if !ok {
			idx.broken[in.UserID] = fmt.Errorf("%w: unknown type %q on post %d", ErrMalformedInteraction, in.Type, in.PostID)
			continue
		}
		if _, ok := idx.posts[in.PostID]; !ok {
			idx.broken[in.UserID] = fmt.Errorf("%w: unknown post %d", ErrMalformedInteraction, in.PostID)
			continue
		}
		if _, ok := idx.seen[in.UserID][in.PostID]; !ok {
			idx.interactedBy[in.PostID] = append(idx.interactedBy[in.PostID], in.UserID)
		}
		addPost(idx.seen, in.UserID, in.PostID)
		if in.Type == domain.InteractionView {
			addPost(idx.viewed, in.UserID, in.PostID)
		}
		if in.Type.Engaged() {
			addPost(idx.engaged, in.UserID, in.PostID)
		}
		if idx.weights[in.UserID] == nil {
			idx.weights[in.UserID] = make(map[int64]float64)
		}
		idx.weights[in.UserID][in.PostID] += weight
	}
	return idx
}

// UserErr возвращает ошибку, если журнал пользователя содержит некорректные записи.
func (idx *Index) UserErr(userID uuid.UUID) error {
	return idx.broken[userID]
}

func (idx *Index) hasSeen(userID uuid.UUID, postID int64) bool {
	_, ok := idx.seen[userID][postID]
	return ok
}

func addPost(m map[uuid.UUID]map[int64]struct{}, userID uuid.UUID, postID int64) {
	set := m[userID]
	if set == nil {
		set = make(map[int64]struct{})
		m[userID] = set
	}
	set[postID] = struct{}{}
}

// newer сравнивает посты по свежести, затем по идентификатору.
func newer(a, b domain.Post) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// NormalizeTags приводит теги к нижнему регистру и убирает дубликаты.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

type candidate struct {
	post  domain.Post
	rank  float64
	score float64
}

// byRank сортирует по rank, затем по свежести поста.
func byRank(items []candidate) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].rank != items[j].rank {
			return items[i].rank > items[j].rank
		}
		return newer(items[i].post, items[j].post)
	})
}

func toRecommendations(userID uuid.UUID, typ domain.RecommendationType, items []candidate, limit int) []domain.Recommendation {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]domain.Recommendation, 0, len(items))
	for _, c := range items {
		out = append(out, domain.Recommendation{
			UserID: userID,
			PostID: c.post.ID,
			Score:  typ.Clamp(c.score),
			Type:   typ,
		})
	}
	return out
}

// Build возвращает стратегии в фиксированном порядке применения.
func Build(snapshot domain.Snapshot) []domain.Strategy {
	idx := NewIndex(snapshot)
	return []domain.Strategy{
		NewContentBased(idx),
		NewCollaborative(idx, DefaultSimilarUsers),
		NewPopular(idx),
	}
}
