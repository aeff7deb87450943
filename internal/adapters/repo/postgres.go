package repo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

//go:embed schema.sql
var schemaSQL string

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PostRepo           = (*Postgres)(nil)
	_ domain.CommentRepo        = (*Postgres)(nil)
	_ domain.InteractionRepo    = (*Postgres)(nil)
	_ domain.RecommendationRepo = (*Postgres)(nil)
	_ domain.BusinessMetricRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// EnsureSchema создаёт таблицы, если их ещё нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, schemaSQL)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const postColumns = `
p.id, p.author_id, p.title, p.views, p.likes, p.is_draft, p.is_deleted, p.created_at,
COALESCE(ARRAY(SELECT t.name FROM post_tags pt JOIN tags t ON t.id = pt.tag_id WHERE pt.post_id = p.id ORDER BY t.name), '{}')`

func scanPost(row pgx.Row) (domain.Post, error) {
	var post domain.Post
	err := row.Scan(&post.ID, &post.AuthorID, &post.Title, &post.Views, &post.Likes, &post.IsDraft, &post.IsDeleted, &post.CreatedAt, &post.Tags)
	return post, err
}

// GetPost возвращает пост вместе с тегами.
func (p *Postgres) GetPost(ctx context.Context, postID int64) (domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.id = $1`, postID))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "get_post", "posts", start, nil)
		return domain.Post{}, domain.ErrPostNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "get_post", "posts", start, err)
	if err != nil {
		return domain.Post{}, err
	}
	return post, nil
}

// GetComment возвращает комментарий по идентификатору.
func (p *Postgres) GetComment(ctx context.Context, commentID int64) (domain.Comment, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		c         domain.Comment
		parentID  pgtype.Int8
		deletedBy pgtype.UUID
		deletedAt pgtype.Timestamptz
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, post_id, author_id, parent_comment_id, content, nesting_level,
       is_deleted, deleted_by, deleted_at, created_at, updated_at
FROM comments
WHERE id = $1
`, commentID).Scan(&c.ID, &c.PostID, &c.AuthorID, &parentID, &c.Content, &c.NestingLevel,
		&c.IsDeleted, &deletedBy, &deletedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "get_comment", "comments", start, nil)
		return domain.Comment{}, domain.ErrCommentNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "get_comment", "comments", start, err)
	if err != nil {
		return domain.Comment{}, err
	}
	if parentID.Valid {
		id := parentID.Int64
		c.ParentID = &id
	}
	if deletedBy.Valid {
		id := uuid.UUID(deletedBy.Bytes)
		c.DeletedBy = &id
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		c.DeletedAt = &at
	}
	return c, nil
}

// CreateComment сохраняет комментарий и возвращает его с присвоенным идентификатором.
func (p *Postgres) CreateComment(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var parentID pgtype.Int8
	if c.ParentID != nil {
		parentID = pgtype.Int8{Int64: *c.ParentID, Valid: true}
	}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO comments (post_id, author_id, parent_comment_id, content, nesting_level)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at, updated_at
`, c.PostID, c.AuthorID, parentID, c.Content, c.NestingLevel).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "create_comment", "comments", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			if pgErr.ConstraintName == "comments_parent_comment_id_fkey" {
				return domain.Comment{}, domain.ErrParentNotFound
			}
			if pgErr.ConstraintName == "comments_post_id_fkey" {
				return domain.Comment{}, domain.ErrPostNotFound
			}
		}
		return domain.Comment{}, err
	}
	return c, nil
}

// RecordInteraction дописывает запись в журнал взаимодействий.
func (p *Postgres) RecordInteraction(ctx context.Context, in domain.Interaction) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO user_interactions (user_id, post_id, interaction_type, created_at)
VALUES ($1, $2, $3, $4)
`, in.UserID, in.PostID, string(in.Type), in.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "record_interaction", "user_interactions", start, err)
	return err
}

// PostStats считает взаимодействия с постом одним агрегирующим запросом.
func (p *Postgres) PostStats(ctx context.Context, postID int64) (domain.PostStats, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	stats := domain.PostStats{PostID: postID}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE interaction_type = 'view'),
    COUNT(*) FILTER (WHERE interaction_type = 'like'),
    COUNT(*) FILTER (WHERE interaction_type = 'comment'),
    COUNT(*)
FROM user_interactions
WHERE post_id = $1
`, postID).Scan(&stats.Views, &stats.Likes, &stats.Comments, &stats.TotalInteractions)
	metrics.ObserveNetworkRequest("postgres", "post_stats", "user_interactions", start, err)
	if err != nil {
		return domain.PostStats{}, fmt.Errorf("статистика поста %d: %w", postID, err)
	}
	return stats.WithEngagementRate(), nil
}

// LoadSnapshot читает пользователей, посты и журнал взаимодействий в одной read-only транзакции.
func (p *Postgres) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "snapshot", start, err)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var snap domain.Snapshot

	start = time.Now()
	users, err := tx.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err == nil {
		snap.Users, err = pgx.CollectRows(users, pgx.RowTo[uuid.UUID])
	}
	metrics.ObserveNetworkRequest("postgres", "snapshot_users", "users", start, err)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load users: %w", err)
	}

	start = time.Now()
	posts, err := tx.Query(ctx, `SELECT `+postColumns+` FROM posts p ORDER BY p.id`)
	if err == nil {
		snap.Posts, err = pgx.CollectRows(posts, func(row pgx.CollectableRow) (domain.Post, error) {
			return scanPost(row)
		})
	}
	metrics.ObserveNetworkRequest("postgres", "snapshot_posts", "posts", start, err)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load posts: %w", err)
	}

	start = time.Now()
	interactions, err := tx.Query(ctx, `
SELECT user_id, post_id, interaction_type, created_at
FROM user_interactions
ORDER BY id
`)
	if err == nil {
		snap.Interactions, err = pgx.CollectRows(interactions, func(row pgx.CollectableRow) (domain.Interaction, error) {
			var (
				in  domain.Interaction
				typ string
			)
			err := row.Scan(&in.UserID, &in.PostID, &typ, &in.CreatedAt)
			in.Type = domain.InteractionType(typ)
			return in, err
		})
	}
	metrics.ObserveNetworkRequest("postgres", "snapshot_interactions", "user_interactions", start, err)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load interactions: %w", err)
	}
	return snap, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// ClearRecommendations удаляет рекомендации указанных пользователей либо все, если список пуст.
func (p *Postgres) ClearRecommendations(ctx context.Context, userIDs []uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	start := time.Now()
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(userIDs) == 0 {
		tag, err = p.pool.Exec(ctx, `DELETE FROM recommendations`)
	} else {
		tag, err = p.pool.Exec(ctx, `DELETE FROM recommendations WHERE user_id = ANY($1::uuid[])`, uuidStrings(userIDs))
	}
	metrics.ObserveNetworkRequest("postgres", "clear_recommendations", "recommendations", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// upsertRecommendationSQL повторяет domain.MergeRecommendation: оценка не уменьшается,
// различающиеся типы дают hybrid, expires_at продлевается, created_at не меняется.
const upsertRecommendationSQL = `
INSERT INTO recommendations AS r (user_id, post_id, score, recommendation_type, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, post_id) DO UPDATE SET
    score = GREATEST(r.score, EXCLUDED.score),
    recommendation_type = CASE
        WHEN r.recommendation_type = EXCLUDED.recommendation_type THEN r.recommendation_type
        ELSE 'hybrid'
    END,
    expires_at = EXCLUDED.expires_at
`

// UpsertRecommendations записывает строки пачкой. Конфликты по (user, post) разрешает сама БД.
func (p *Postgres) UpsertRecommendations(ctx context.Context, recs []domain.Recommendation) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(upsertRecommendationSQL, r.UserID, r.PostID, r.Score, string(r.Type), r.CreatedAt, r.ExpiresAt)
	}
	start := time.Now()
	results := p.pool.SendBatch(ctx, batch)
	written := 0
	var err error
	for range recs {
		if _, err = results.Exec(); err != nil {
			break
		}
		written++
	}
	if closeErr := results.Close(); err == nil {
		err = closeErr
	}
	metrics.ObserveNetworkRequest("postgres", "upsert_recommendations", "recommendations", start, err)
	if err != nil {
		return written, fmt.Errorf("upsert recommendations: %w", err)
	}
	return written, nil
}

// ListRecommendations возвращает непросроченные рекомендации пользователя по убыванию оценки.
func (p *Postgres) ListRecommendations(ctx context.Context, userID uuid.UUID, now time.Time, query domain.RecommendationQuery) ([]domain.Recommendation, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT r.user_id, r.post_id, r.score, r.recommendation_type, r.created_at, r.expires_at
FROM recommendations r
JOIN posts p ON p.id = r.post_id
WHERE r.user_id = $1
  AND r.expires_at > $2
  AND NOT p.is_draft
  AND NOT p.is_deleted
  AND ($4::text = '' OR r.recommendation_type = $4::text)
  AND r.score >= $5
ORDER BY r.score DESC, r.created_at DESC, r.post_id DESC
LIMIT $3 OFFSET $6
`, userID, now, query.Page(), string(query.Type), query.MinScore, query.Offset)
	var recs []domain.Recommendation
	if err == nil {
		recs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Recommendation, error) {
			var (
				r   domain.Recommendation
				typ string
			)
			err := row.Scan(&r.UserID, &r.PostID, &r.Score, &typ, &r.CreatedAt, &r.ExpiresAt)
			r.Type = domain.RecommendationType(typ)
			return r, err
		})
	}
	metrics.ObserveNetworkRequest("postgres", "list_recommendations", "recommendations", start, err)
	return recs, err
}

// SimilarPosts возвращает посты с общими тегами без учёта регистра: доля = общие теги / все теги другого поста.
func (p *Postgres) SimilarPosts(ctx context.Context, postID int64, limit int) ([]domain.SimilarPost, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
WITH target AS (
    SELECT lower(t.name) AS name
    FROM post_tags pt
    JOIN tags t ON t.id = pt.tag_id
    WHERE pt.post_id = $1
),
overlap AS (
    SELECT pt.post_id,
           COUNT(*) FILTER (WHERE lower(t.name) IN (SELECT name FROM target)) AS shared,
           COUNT(*) AS total
    FROM post_tags pt
    JOIN tags t ON t.id = pt.tag_id
    WHERE pt.post_id <> $1
    GROUP BY pt.post_id
)
SELECT p.id, p.title, o.shared::float8 / o.total AS similarity, p.views,
       ARRAY(SELECT t.name FROM post_tags x JOIN tags t ON t.id = x.tag_id WHERE x.post_id = p.id ORDER BY t.name)
FROM overlap o
JOIN posts p ON p.id = o.post_id
WHERE o.shared > 0
  AND NOT p.is_draft
  AND NOT p.is_deleted
ORDER BY similarity DESC, p.views DESC, p.id DESC
LIMIT $2
`, postID, limit)
	var out []domain.SimilarPost
	if err == nil {
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SimilarPost, error) {
			var sp domain.SimilarPost
			err := row.Scan(&sp.PostID, &sp.Title, &sp.Similarity, &sp.Views, &sp.Tags)
			return sp, err
		})
	}
	metrics.ObserveNetworkRequest("postgres", "similar_posts", "post_tags", start, err)
	return out, err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var userID pgtype.UUID
	if metric.UserID != nil {
		userID = pgtype.UUID{Bytes: *metric.UserID, Valid: true}
	}
	var postID pgtype.Int8
	if metric.PostID != nil {
		postID = pgtype.Int8{Int64: *metric.PostID, Valid: true}
	}
	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, post_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`, metric.Event, userID, postID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}
