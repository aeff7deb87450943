package repo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/db"
)

// newTestPostgres подключается к базе из PG_TEST_DSN. Без переменной тест пропускается.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN не задан")
	}
	pool, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("подключение к БД: %v", err)
	}
	t.Cleanup(pool.Close)
	pg := NewPostgres(pool)
	if err := pg.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("схема: %v", err)
	}
	return pg
}

func seedPost(t *testing.T, pg *Postgres, author uuid.UUID, tags ...string) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	if err := pg.pool.QueryRow(ctx, `INSERT INTO posts (author_id, title) VALUES ($1, 'seed') RETURNING id`, author).Scan(&id); err != nil {
		t.Fatalf("пост: %v", err)
	}
	for _, name := range tags {
		var tagID int64
		err := pg.pool.QueryRow(ctx, `
INSERT INTO tags (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, name).Scan(&tagID)
		if err != nil {
			t.Fatalf("тег %q: %v", name, err)
		}
		if _, err := pg.pool.Exec(ctx, `INSERT INTO post_tags (post_id, tag_id) VALUES ($1, $2)`, id, tagID); err != nil {
			t.Fatalf("связь тега: %v", err)
		}
	}
	return id
}

func seedUser(t *testing.T, pg *Postgres) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := pg.pool.Exec(context.Background(), `INSERT INTO users (id, username) VALUES ($1, $2)`, id, "u-"+id.String()); err != nil {
		t.Fatalf("пользователь: %v", err)
	}
	return id
}

func TestPostgresSimilarPostsIgnoresTagCase(t *testing.T) {
	pg := newTestPostgres(t)
	author := seedUser(t, pg)
	suffix := uuid.NewString()[:8]

	target := seedPost(t, pg, author, "Go-"+suffix, "db-"+suffix)
	sameCase := seedPost(t, pg, author, "Go-"+suffix)
	otherCase := seedPost(t, pg, author, "go-"+suffix, "web-"+suffix)

	got, err := pg.SimilarPosts(context.Background(), target, 10)
	if err != nil {
		t.Fatalf("похожие посты: %v", err)
	}
	byID := map[int64]float64{}
	for _, sp := range got {
		byID[sp.PostID] = sp.Similarity
	}
	if byID[sameCase] != 1 {
		t.Fatalf("пост %d с тем же тегом: ожидали долю 1, получили %v", sameCase, byID[sameCase])
	}
	if byID[otherCase] != 0.5 {
		t.Fatalf("пост %d с тегом в другом регистре: ожидали долю 0.5, получили %v", otherCase, byID[otherCase])
	}
}

func TestPostgresPostStatsAndListFilters(t *testing.T) {
	ctx := context.Background()
	pg := newTestPostgres(t)
	author := seedUser(t, pg)
	p1 := seedPost(t, pg, author)
	p2 := seedPost(t, pg, author)
	p3 := seedPost(t, pg, author)

	for _, typ := range []domain.InteractionType{domain.InteractionView, domain.InteractionView, domain.InteractionLike, domain.InteractionComment} {
		if err := pg.RecordInteraction(ctx, domain.Interaction{UserID: author, PostID: p1, Type: typ}); err != nil {
			t.Fatalf("взаимодействие: %v", err)
		}
	}
	stats, err := pg.PostStats(ctx, p1)
	if err != nil {
		t.Fatalf("статистика: %v", err)
	}
	want := domain.PostStats{PostID: p1, Views: 2, Likes: 1, Comments: 1, TotalInteractions: 4, EngagementRate: 1}
	if stats != want {
		t.Fatalf("ожидали %+v, получили %+v", want, stats)
	}

	u := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := pg.UpsertRecommendations(ctx, []domain.Recommendation{
		domain.Recommendation{UserID: u, PostID: p1, Score: 0.9, Type: domain.RecommendationContentBased}.Stamp(now),
		domain.Recommendation{UserID: u, PostID: p2, Score: 0.6, Type: domain.RecommendationPopular}.Stamp(now),
		domain.Recommendation{UserID: u, PostID: p3, Score: 0.5, Type: domain.RecommendationContentBased}.Stamp(now),
	}); err != nil {
		t.Fatalf("запись рекомендаций: %v", err)
	}

	tests := []struct {
		name  string
		query domain.RecommendationQuery
		want  []int64
	}{
		{name: "by type", query: domain.RecommendationQuery{Type: domain.RecommendationContentBased}, want: []int64{p1, p3}},
		{name: "min score", query: domain.RecommendationQuery{MinScore: 0.55}, want: []int64{p1, p2}},
		{name: "page", query: domain.RecommendationQuery{Offset: 1, Limit: 1}, want: []int64{p2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := pg.ListRecommendations(ctx, u, now, tt.query)
			if err != nil {
				t.Fatalf("чтение: %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("ожидали %v, получили %+v", tt.want, recs)
			}
			for i, id := range tt.want {
				if recs[i].PostID != id {
					t.Fatalf("позиция %d: ожидали %d, получили %d", i, id, recs[i].PostID)
				}
			}
		})
	}
}
