package recommend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/adapters/ranker"
	"blog-engine/internal/adapters/repo"
	"blog-engine/internal/domain"
)

var fixedNow = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type stubStrategy struct {
	typ   domain.RecommendationType
	recs  map[uuid.UUID][]domain.Recommendation
	fail  map[uuid.UUID]bool
	block chan struct{}
}

func (s *stubStrategy) Type() domain.RecommendationType { return s.typ }

func (s *stubStrategy) Recommend(userID uuid.UUID, _ int) ([]domain.Recommendation, error) {
	if s.block != nil {
		<-s.block
	}
	if s.fail[userID] {
		return nil, errors.New("broken interaction")
	}
	return append([]domain.Recommendation(nil), s.recs[userID]...), nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return v, nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func newService(store *repo.Memory, cache domain.Cache) *Service {
	svc := NewService(store, store, cache, store, Config{Workers: 2}, zerolog.Nop())
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func seed(store *repo.Memory) (uuid.UUID, uuid.UUID) {
	u1, u2 := uuid.New(), uuid.New()
	store.AddUser(u1)
	store.AddUser(u2)
	store.PutPost(domain.Post{ID: 1, Tags: []string{"rust", "web"}, Views: 10, Likes: 2, CreatedAt: fixedNow.Add(-72 * time.Hour)})
	store.PutPost(domain.Post{ID: 2, Tags: []string{"rust", "db", "cli"}, Views: 50, Likes: 5, CreatedAt: fixedNow.Add(-48 * time.Hour)})
	store.PutPost(domain.Post{ID: 3, Tags: []string{"go"}, Views: 5, CreatedAt: fixedNow.Add(-24 * time.Hour)})
	store.PutPost(domain.Post{ID: 4, Tags: []string{"web"}, Views: 100, IsDraft: true})
	store.PutPost(domain.Post{ID: 5, Tags: []string{"rust"}, Views: 80, IsDeleted: true})
	ctx := context.Background()
	_ = store.RecordInteraction(ctx, domain.Interaction{UserID: u1, PostID: 1, Type: domain.InteractionView})
	_ = store.RecordInteraction(ctx, domain.Interaction{UserID: u2, PostID: 1, Type: domain.InteractionView})
	_ = store.RecordInteraction(ctx, domain.Interaction{UserID: u2, PostID: 2, Type: domain.InteractionLike})
	return u1, u2
}

func TestGenerateIsIdempotentWithClear(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	seed(store)
	svc := newService(store, nil)
	req := domain.GenerateRequest{ClearExisting: true, PerUser: 10}

	first, err := svc.Generate(ctx, req)
	if err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
	snapshot := store.Recommendations()
	if len(snapshot) == 0 {
		t.Fatalf("ожидали рекомендации после запуска")
	}
	second, err := svc.Generate(ctx, req)
	if err != nil {
		t.Fatalf("второй запуск: %v", err)
	}
	again := store.Recommendations()
	if len(again) != len(snapshot) {
		t.Fatalf("набор изменился: %d vs %d", len(snapshot), len(again))
	}
	for i := range snapshot {
		if snapshot[i] != again[i] {
			t.Fatalf("строка %d изменилась: %+v vs %+v", i, snapshot[i], again[i])
		}
	}
	if second.Cleared != int64(len(snapshot)) {
		t.Fatalf("второй запуск должен очистить %d строк, очистил %d", len(snapshot), second.Cleared)
	}
	if first.UsersProcessed != 2 || second.UsersProcessed != 2 {
		t.Fatalf("ожидали двух пользователей: %d, %d", first.UsersProcessed, second.UsersProcessed)
	}
}

func TestGenerateNeverRecommendsHiddenPosts(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	seed(store)
	svc := newService(store, nil)
	if _, err := svc.Generate(ctx, domain.GenerateRequest{ClearExisting: true}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	for _, r := range store.Recommendations() {
		if r.PostID == 4 || r.PostID == 5 {
			t.Fatalf("черновик или удалённый пост в рекомендациях: %+v", r)
		}
		lo, hi := domain.RecommendationHybrid.Bounds()
		if r.Type != domain.RecommendationHybrid {
			lo, hi = r.Type.Bounds()
		}
		if r.Score < lo || r.Score > hi {
			t.Fatalf("оценка вне границ: %+v", r)
		}
		if !r.ExpiresAt.Equal(fixedNow.Add(domain.FreshnessWindow)) {
			t.Fatalf("expires_at должен быть now+7d: %+v", r)
		}
	}
}

func TestContentScenarioFloorsToMinimum(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	u := uuid.New()
	store.AddUser(u)
	store.PutPost(domain.Post{ID: 1, Tags: []string{"rust", "web"}})
	store.PutPost(domain.Post{ID: 2, Tags: []string{"rust", "db", "cli"}})
	_ = store.RecordInteraction(ctx, domain.Interaction{UserID: u, PostID: 1, Type: domain.InteractionView})

	svc := newService(store, nil).WithBuilder(func(s domain.Snapshot) []domain.Strategy {
		return []domain.Strategy{ranker.NewContentBased(ranker.NewIndex(s))}
	})
	if _, err := svc.Generate(ctx, domain.GenerateRequest{}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	recs := store.Recommendations()
	if len(recs) != 1 || recs[0].PostID != 2 || recs[0].Score != 0.5 || recs[0].Type != domain.RecommendationContentBased {
		t.Fatalf("ожидали пост 2 с оценкой 0.5 content_based, получили %+v", recs)
	}
}

func TestContentAndPopularConvergeToHybrid(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	u := uuid.New()
	store.AddUser(u)
	store.PutPost(domain.Post{ID: 7})

	content := &stubStrategy{typ: domain.RecommendationContentBased, recs: map[uuid.UUID][]domain.Recommendation{
		u: {{UserID: u, PostID: 7, Score: 0.55, Type: domain.RecommendationContentBased}},
	}}
	popular := &stubStrategy{typ: domain.RecommendationPopular, recs: map[uuid.UUID][]domain.Recommendation{
		u: {{UserID: u, PostID: 7, Score: 0.7, Type: domain.RecommendationPopular}},
	}}

	for _, order := range [][]domain.Strategy{{content, popular}, {popular, content}} {
		_, _ = store.ClearRecommendations(ctx, nil)
		strategies := order
		svc := newService(store, nil).WithBuilder(func(domain.Snapshot) []domain.Strategy { return strategies })
		if _, err := svc.Generate(ctx, domain.GenerateRequest{}); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		recs := store.Recommendations()
		if len(recs) != 1 || recs[0].Type != domain.RecommendationHybrid || recs[0].Score != 0.7 {
			t.Fatalf("ожидали hybrid 0.7, получили %+v", recs)
		}
	}
}

func TestStrategyFailureIsCountedNotFatal(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	good, bad := uuid.New(), uuid.New()
	store.AddUser(good)
	store.AddUser(bad)
	store.PutPost(domain.Post{ID: 1})

	content := &stubStrategy{
		typ:  domain.RecommendationContentBased,
		recs: map[uuid.UUID][]domain.Recommendation{good: {{UserID: good, PostID: 1, Score: 0.6, Type: domain.RecommendationContentBased}}},
		fail: map[uuid.UUID]bool{bad: true},
	}
	popular := &stubStrategy{
		typ: domain.RecommendationPopular,
		recs: map[uuid.UUID][]domain.Recommendation{
			bad: {{UserID: bad, PostID: 1, Score: 0.3, Type: domain.RecommendationPopular}},
		},
	}
	svc := newService(store, nil).WithBuilder(func(domain.Snapshot) []domain.Strategy {
		return []domain.Strategy{content, popular}
	})
	summary, err := svc.Generate(ctx, domain.GenerateRequest{})
	if err != nil {
		t.Fatalf("сбой одной пары не должен прерывать запуск: %v", err)
	}
	if summary.Failures[domain.RecommendationContentBased] != 1 {
		t.Fatalf("ожидали один сбой content_based, получили %v", summary.Failures)
	}
	if summary.Written[domain.RecommendationContentBased] != 1 || summary.Written[domain.RecommendationPopular] != 1 {
		t.Fatalf("остальные стратегии должны записаться: %v", summary.Written)
	}
	if svc.Status().State != domain.GenerationCompleted {
		t.Fatalf("ожидали completed, получили %s", svc.Status().State)
	}
}

func TestSnapshotFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	seed(store)
	store.FailSnapshot = errors.New("connection refused")
	svc := newService(store, nil)

	_, err := svc.Generate(ctx, domain.GenerateRequest{ClearExisting: true})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("ожидали ErrStorageUnavailable, получили %v", err)
	}
	if len(store.Recommendations()) != 0 {
		t.Fatalf("при сбое чтения ничего не пишется")
	}
	if svc.Status().State != domain.GenerationFailed {
		t.Fatalf("ожидали failed, получили %s", svc.Status().State)
	}

	store.FailSnapshot = nil
	if _, err := svc.Generate(ctx, domain.GenerateRequest{ClearExisting: true}); err != nil {
		t.Fatalf("повторный запуск должен пройти: %v", err)
	}
}

func TestConcurrentGenerateIsRejected(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	u := uuid.New()
	store.AddUser(u)
	block := make(chan struct{})
	svc := newService(store, nil).WithBuilder(func(domain.Snapshot) []domain.Strategy {
		return []domain.Strategy{&stubStrategy{typ: domain.RecommendationPopular, block: block}}
	})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Generate(ctx, domain.GenerateRequest{})
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Status().State != domain.GenerationRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := svc.Generate(ctx, domain.GenerateRequest{}); !errors.Is(err, domain.ErrGenerationInProgress) {
		t.Fatalf("ожидали ErrGenerationInProgress, получили %v", err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("первый запуск: %v", err)
	}
}

func TestTargetUsersLimitsRun(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	u1, _ := seed(store)
	svc := newService(store, nil)
	summary, err := svc.Generate(ctx, domain.GenerateRequest{UserIDs: []uuid.UUID{u1, u1, uuid.New()}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.UsersProcessed != 1 {
		t.Fatalf("ожидали одного пользователя, получили %d", summary.UsersProcessed)
	}
	for _, r := range store.Recommendations() {
		if r.UserID != u1 {
			t.Fatalf("рекомендация для постороннего пользователя: %+v", r)
		}
	}
}

func TestSimilarPostsUsesCache(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	store.PutPost(domain.Post{ID: 1, Tags: []string{"go", "db"}})
	store.PutPost(domain.Post{ID: 2, Tags: []string{"go"}})
	cache := &mapCache{data: map[string][]byte{}}
	svc := newService(store, cache)

	first, err := svc.SimilarPosts(ctx, 1, 5)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(first) != 1 || first[0].PostID != 2 {
		t.Fatalf("ожидали пост 2, получили %+v", first)
	}
	store.PutPost(domain.Post{ID: 3, Tags: []string{"db"}})
	second, err := svc.SimilarPosts(ctx, 1, 5)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(second) != 1 || cache.sets != 1 {
		t.Fatalf("второй вызов должен прийти из кэша: %+v, sets=%d", second, cache.sets)
	}

	if _, err := svc.SimilarPosts(ctx, 99, 5); !errors.Is(err, domain.ErrPostNotFound) {
		t.Fatalf("ожидали ErrPostNotFound, получили %v", err)
	}
}

func TestForUserReturnsFreshRecommendations(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	u := uuid.New()
	store.PutPost(domain.Post{ID: 1})
	store.PutPost(domain.Post{ID: 2})
	_, _ = store.UpsertRecommendations(ctx, []domain.Recommendation{
		domain.Recommendation{UserID: u, PostID: 1, Score: 0.4, Type: domain.RecommendationPopular}.Stamp(fixedNow.Add(-time.Hour)),
		domain.Recommendation{UserID: u, PostID: 2, Score: 0.8, Type: domain.RecommendationCollaborative}.Stamp(fixedNow.Add(-8 * 24 * time.Hour)),
	})
	svc := newService(store, nil)
	recs, err := svc.ForUser(ctx, u, domain.RecommendationQuery{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(recs) != 1 || recs[0].PostID != 1 {
		t.Fatalf("устаревшие рекомендации не отдаются: %+v", recs)
	}
}

func TestForUserFilters(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	u := uuid.New()
	for id := int64(1); id <= 4; id++ {
		store.PutPost(domain.Post{ID: id})
	}
	_, _ = store.UpsertRecommendations(ctx, []domain.Recommendation{
		domain.Recommendation{UserID: u, PostID: 1, Score: 0.9, Type: domain.RecommendationContentBased}.Stamp(fixedNow),
		domain.Recommendation{UserID: u, PostID: 2, Score: 0.7, Type: domain.RecommendationCollaborative}.Stamp(fixedNow),
		domain.Recommendation{UserID: u, PostID: 3, Score: 0.6, Type: domain.RecommendationContentBased}.Stamp(fixedNow),
		domain.Recommendation{UserID: u, PostID: 4, Score: 0.4, Type: domain.RecommendationPopular}.Stamp(fixedNow),
	})
	svc := newService(store, nil)

	tests := []struct {
		name  string
		query domain.RecommendationQuery
		want  []int64
	}{
		{name: "all", query: domain.RecommendationQuery{}, want: []int64{1, 2, 3, 4}},
		{name: "by type", query: domain.RecommendationQuery{Type: domain.RecommendationContentBased}, want: []int64{1, 3}},
		{name: "min score", query: domain.RecommendationQuery{MinScore: 0.6}, want: []int64{1, 2, 3}},
		{name: "offset and limit", query: domain.RecommendationQuery{Offset: 1, Limit: 2}, want: []int64{2, 3}},
		{name: "offset past end", query: domain.RecommendationQuery{Offset: 10}, want: nil},
		{name: "combined", query: domain.RecommendationQuery{Type: domain.RecommendationContentBased, MinScore: 0.5, Offset: 1}, want: []int64{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := svc.ForUser(ctx, u, tt.query)
			if err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("ожидали %v, получили %+v", tt.want, recs)
			}
			for i, id := range tt.want {
				if recs[i].PostID != id {
					t.Fatalf("позиция %d: ожидали пост %d, получили %d", i, id, recs[i].PostID)
				}
			}
		})
	}

	for _, bad := range []domain.RecommendationQuery{
		{Type: "trending"},
		{MinScore: 1.5},
		{MinScore: -0.1},
		{Offset: -1},
	} {
		if _, err := svc.ForUser(ctx, u, bad); !errors.Is(err, domain.ErrInvalidQuery) {
			t.Fatalf("запрос %+v: ожидали ErrInvalidQuery, получили %v", bad, err)
		}
	}
}
