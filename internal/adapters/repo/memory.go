package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"blog-engine/internal/domain"
)

type recKey struct {
	user uuid.UUID
	post int64
}

// Memory хранит данные в памяти процесса. Используется в dev-окружении без Postgres и в тестах.
// Политика слияния рекомендаций та же, что и в upsert на Postgres.
type Memory struct {
	mu              sync.Mutex
	users           []uuid.UUID
	posts           map[int64]domain.Post
	comments        map[int64]domain.Comment
	interactions    []domain.Interaction
	recommendations map[recKey]domain.Recommendation
	businessMetrics []domain.BusinessMetric
	nextCommentID   int64

	// FailSnapshot имитирует недоступность хранилища.
	FailSnapshot error
}

var (
	_ domain.PostRepo           = (*Memory)(nil)
	_ domain.CommentRepo        = (*Memory)(nil)
	_ domain.InteractionRepo    = (*Memory)(nil)
	_ domain.RecommendationRepo = (*Memory)(nil)
	_ domain.BusinessMetricRepo = (*Memory)(nil)
)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		posts:           make(map[int64]domain.Post),
		comments:        make(map[int64]domain.Comment),
		recommendations: make(map[recKey]domain.Recommendation),
	}
}

// AddUser регистрирует пользователя.
func (m *Memory) AddUser(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, id)
}

// PutPost добавляет или заменяет пост.
func (m *Memory) PutPost(p domain.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.posts[p.ID] = p
}

// GetPost возвращает пост.
func (m *Memory) GetPost(_ context.Context, postID int64) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[postID]
	if !ok {
		return domain.Post{}, domain.ErrPostNotFound
	}
	return p, nil
}

// GetComment возвращает комментарий.
func (m *Memory) GetComment(_ context.Context, commentID int64) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok {
		return domain.Comment{}, domain.ErrCommentNotFound
	}
	return c, nil
}

// CreateComment сохраняет комментарий.
func (m *Memory) CreateComment(_ context.Context, c domain.Comment) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[c.PostID]; !ok {
		return domain.Comment{}, domain.ErrPostNotFound
	}
	if c.ParentID != nil {
		if _, ok := m.comments[*c.ParentID]; !ok {
			return domain.Comment{}, domain.ErrParentNotFound
		}
	}
	m.nextCommentID++
	c.ID = m.nextCommentID
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.comments[c.ID] = c
	return c, nil
}

// RecordInteraction дописывает запись в журнал.
func (m *Memory) RecordInteraction(_ context.Context, in domain.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.interactions = append(m.interactions, in)
	return nil
}

// PostStats считает взаимодействия с постом по журналу.
func (m *Memory) PostStats(_ context.Context, postID int64) (domain.PostStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := domain.PostStats{PostID: postID}
	for _, in := range m.interactions {
		if in.PostID != postID {
			continue
		}
		stats.TotalInteractions++
		switch in.Type {
		case domain.InteractionView:
			stats.Views++
		case domain.InteractionLike:
			stats.Likes++
		case domain.InteractionComment:
			stats.Comments++
		}
	}
	return stats.WithEngagementRate(), nil
}

// LoadSnapshot возвращает копию данных.
func (m *Memory) LoadSnapshot(_ context.Context) (domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSnapshot != nil {
		return domain.Snapshot{}, m.FailSnapshot
	}
	snap := domain.Snapshot{
		Users:        append([]uuid.UUID(nil), m.users...),
		Interactions: append([]domain.Interaction(nil), m.interactions...),
	}
	for _, p := range m.posts {
		snap.Posts = append(snap.Posts, p)
	}
	sort.Slice(snap.Posts, func(i, j int) bool { return snap.Posts[i].ID < snap.Posts[j].ID })
	return snap, nil
}

// ClearRecommendations удаляет рекомендации пользователей либо все.
func (m *Memory) ClearRecommendations(_ context.Context, userIDs []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	if len(userIDs) == 0 {
		removed = int64(len(m.recommendations))
		m.recommendations = make(map[recKey]domain.Recommendation)
		return removed, nil
	}
	targets := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, id := range userIDs {
		targets[id] = struct{}{}
	}
	for key := range m.recommendations {
		if _, ok := targets[key.user]; ok {
			delete(m.recommendations, key)
			removed++
		}
	}
	return removed, nil
}

// UpsertRecommendations применяет domain.MergeRecommendation под общей блокировкой.
func (m *Memory) UpsertRecommendations(_ context.Context, recs []domain.Recommendation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		key := recKey{user: r.UserID, post: r.PostID}
		if stored, ok := m.recommendations[key]; ok {
			m.recommendations[key] = domain.MergeRecommendation(stored, r)
			continue
		}
		m.recommendations[key] = r
	}
	return len(recs), nil
}

// ListRecommendations возвращает свежие рекомендации пользователя.
func (m *Memory) ListRecommendations(_ context.Context, userID uuid.UUID, now time.Time, query domain.RecommendationQuery) ([]domain.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Recommendation
	for key, r := range m.recommendations {
		if key.user != userID || r.Expired(now) || !query.Match(r) {
			continue
		}
		if p, ok := m.posts[key.post]; !ok || !p.Recommendable() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PostID > out[j].PostID
	})
	if query.Offset >= len(out) {
		return nil, nil
	}
	out = out[query.Offset:]
	if limit := query.Page(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recommendations возвращает все сохранённые рекомендации, упорядоченные по ключу.
func (m *Memory) Recommendations() []domain.Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Recommendation, 0, len(m.recommendations))
	for _, r := range m.recommendations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].PostID < out[j].PostID
	})
	return out
}

// SimilarPosts считает долю общих тегов относительно тегов другого поста.
func (m *Memory) SimilarPosts(_ context.Context, postID int64, limit int) ([]domain.SimilarPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.posts[postID]
	if !ok {
		return nil, domain.ErrPostNotFound
	}
	targetTags := make(map[string]struct{}, len(target.Tags))
	for _, tag := range target.Tags {
		targetTags[strings.ToLower(tag)] = struct{}{}
	}
	var out []domain.SimilarPost
	for _, p := range m.posts {
		if p.ID == postID || !p.Recommendable() || len(p.Tags) == 0 {
			continue
		}
		shared := 0
		for _, tag := range p.Tags {
			if _, ok := targetTags[strings.ToLower(tag)]; ok {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		out = append(out, domain.SimilarPost{
			PostID:     p.ID,
			Title:      p.Title,
			Similarity: float64(shared) / float64(len(p.Tags)),
			Views:      p.Views,
			Tags:       append([]string(nil), p.Tags...),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Views != out[j].Views {
			return out[i].Views > out[j].Views
		}
		return out[i].PostID > out[j].PostID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordBusinessMetric сохраняет событие в памяти.
func (m *Memory) RecordBusinessMetric(_ context.Context, metric domain.BusinessMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.businessMetrics = append(m.businessMetrics, metric)
	return nil
}

// BusinessMetrics возвращает сохранённые события.
func (m *Memory) BusinessMetrics() []domain.BusinessMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BusinessMetric(nil), m.businessMetrics...)
}
