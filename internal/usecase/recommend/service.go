package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"blog-engine/internal/adapters/ranker"
	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

const (
	defaultWorkers      = 4
	defaultSimilarLimit = 10
	maxSimilarLimit     = 50
	defaultSimilarTTL   = time.Hour
)

var validate = validator.New()

// Builder строит стратегии по снимку данных. Порядок стратегий задаёт порядок записи.
type Builder func(domain.Snapshot) []domain.Strategy

// Config задаёт параметры пересчёта.
type Config struct {
	Workers    int
	SimilarTTL time.Duration
}

// Service запускает пакетный пересчёт рекомендаций и отдаёт готовые рекомендации.
type Service struct {
	repo    domain.RecommendationRepo
	posts   domain.PostRepo
	cache   domain.Cache
	bizRepo domain.BusinessMetricRepo
	build   Builder
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	status  domain.GenerationStatus
}

// NewService создаёт сервис. cache и bizRepo могут быть nil.
func NewService(repo domain.RecommendationRepo, posts domain.PostRepo, cache domain.Cache, bizRepo domain.BusinessMetricRepo, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SimilarTTL <= 0 {
		cfg.SimilarTTL = defaultSimilarTTL
	}
	return &Service{
		repo:    repo,
		posts:   posts,
		cache:   cache,
		bizRepo: bizRepo,
		build:   ranker.Build,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "recommend").Logger(),
		status:  domain.GenerationStatus{State: domain.GenerationIdle, UpdatedAt: time.Now().UTC()},
	}
}

// WithBuilder подменяет построение стратегий.
func (s *Service) WithBuilder(b Builder) *Service {
	s.build = b
	return s
}

// Status возвращает состояние последнего пересчёта.
func (s *Service) Status() domain.GenerationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.status = domain.GenerationStatus{State: domain.GenerationRunning, UpdatedAt: s.now()}
	return true
}

func (s *Service) finish(state domain.GenerationState, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.status = domain.GenerationStatus{State: state, Message: message, UpdatedAt: s.now()}
}

type userResult struct {
	written  map[domain.RecommendationType]int
	failures map[domain.RecommendationType]int
}

// Generate выполняет пересчёт: чтение снимка, очистка по запросу и запись стратегий
// content_based, collaborative, popular для каждого пользователя.
// Недоступность хранилища в начале прерывает запуск, ошибки отдельных пар пользователь-стратегия только считаются.
func (s *Service) Generate(ctx context.Context, req domain.GenerateRequest) (domain.RunSummary, error) {
	if !s.begin() {
		return domain.RunSummary{}, domain.ErrGenerationInProgress
	}
	summary, err := s.generate(ctx, req)
	if err != nil {
		s.finish(domain.GenerationFailed, err.Error())
		s.logger.Error().Err(err).Msg("пересчёт рекомендаций не удался")
		return summary, err
	}
	s.finish(domain.GenerationCompleted, summary.String())
	s.logger.Info().Str("cause", string(req.Cause)).Str("summary", summary.String()).Msg("пересчёт рекомендаций завершён")
	return summary, nil
}

func (s *Service) generate(ctx context.Context, req domain.GenerateRequest) (domain.RunSummary, error) {
	summary := domain.NewRunSummary(s.now())

	snapshot, err := s.repo.LoadSnapshot(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}

	if req.ClearExisting {
		cleared, err := s.repo.ClearRecommendations(ctx, req.UserIDs)
		if err != nil {
			return summary, fmt.Errorf("%w: очистка: %w", domain.ErrStorageUnavailable, err)
		}
		summary.Cleared = cleared
	}

	users := targetUsers(snapshot.Users, req.UserIDs)
	strategies := s.build(snapshot)
	limit := req.Limit()
	now := s.now()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, userID := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := s.generateForUser(gctx, userID, strategies, limit, now)
			mu.Lock()
			defer mu.Unlock()
			summary.UsersProcessed++
			for typ, n := range res.written {
				summary.Written[typ] += n
				summary.Users[typ]++
			}
			for typ, n := range res.failures {
				summary.Failures[typ] += n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("пересчёт прерван: %w", err)
	}
	summary.FinishedAt = s.now()

	s.observe(summary)
	s.recordRun(ctx, req, summary)
	return summary, nil
}

func (s *Service) generateForUser(ctx context.Context, userID uuid.UUID, strategies []domain.Strategy, limit int, now time.Time) userResult {
	res := userResult{written: map[domain.RecommendationType]int{}, failures: map[domain.RecommendationType]int{}}
	for _, strategy := range strategies {
		typ := strategy.Type()
		recs, err := strategy.Recommend(userID, limit)
		if err != nil {
			res.failures[typ]++
			s.logger.Warn().Err(err).Str("user_id", userID.String()).Str("strategy", string(typ)).Msg("стратегия не отработала")
			continue
		}
		if len(recs) == 0 {
			continue
		}
		for i := range recs {
			recs[i] = recs[i].Stamp(now)
		}
		n, err := s.repo.UpsertRecommendations(ctx, recs)
		if err != nil {
			res.failures[typ]++
			s.logger.Warn().Err(err).Str("user_id", userID.String()).Str("strategy", string(typ)).Msg("не удалось записать рекомендации")
			continue
		}
		res.written[typ] += n
	}
	return res
}

// targetUsers оставляет только известных пользователей из запроса либо всех, если запрос пуст.
func targetUsers(all, requested []uuid.UUID) []uuid.UUID {
	if len(requested) == 0 {
		return all
	}
	known := make(map[uuid.UUID]struct{}, len(all))
	for _, id := range all {
		known[id] = struct{}{}
	}
	seen := make(map[uuid.UUID]struct{}, len(requested))
	out := make([]uuid.UUID, 0, len(requested))
	for _, id := range requested {
		if _, ok := known[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Service) observe(summary domain.RunSummary) {
	written := make(map[string]int, len(summary.Written))
	for typ, n := range summary.Written {
		written[string(typ)] = n
	}
	failures := make(map[string]int, len(summary.Failures))
	for typ, n := range summary.Failures {
		failures[string(typ)] = n
	}
	metrics.ObserveRecommendationRun(summary.FinishedAt.Sub(summary.StartedAt), written, failures)
}

func (s *Service) recordRun(ctx context.Context, req domain.GenerateRequest, summary domain.RunSummary) {
	if s.bizRepo == nil {
		return
	}
	written := 0
	for _, n := range summary.Written {
		written += n
	}
	metric := domain.BusinessMetric{
		Event: domain.BusinessMetricEventRecommendationsGenerated,
		Metadata: map[string]any{
			"cause":           string(req.Cause),
			"cleared":         summary.Cleared,
			"users_processed": summary.UsersProcessed,
			"written":         written,
			"failures":        summary.TotalFailures(),
		},
		OccurredAt: summary.FinishedAt,
	}
	if err := s.bizRepo.RecordBusinessMetric(ctx, metric); err != nil {
		s.logger.Warn().Err(err).Msg("не удалось сохранить бизнес-метрику пересчёта")
	}
}

// ForUser возвращает страницу свежих рекомендаций пользователя по убыванию оценки.
func (s *Service) ForUser(ctx context.Context, userID uuid.UUID, query domain.RecommendationQuery) ([]domain.Recommendation, error) {
	if err := validate.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidQuery, err)
	}
	recs, err := s.repo.ListRecommendations(ctx, userID, s.now(), query)
	if err != nil {
		return nil, fmt.Errorf("чтение рекомендаций: %w", err)
	}
	return recs, nil
}

func similarKey(postID int64, limit int) string {
	return fmt.Sprintf("similar_posts:%d:%d", postID, limit)
}

// SimilarPosts возвращает посты, похожие на целевой по доле общих тегов.
// Результат кэшируется; ошибки кэша не влияют на ответ.
func (s *Service) SimilarPosts(ctx context.Context, postID int64, limit int) ([]domain.SimilarPost, error) {
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	if limit > maxSimilarLimit {
		limit = maxSimilarLimit
	}
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.IsDeleted {
		return nil, domain.ErrPostNotFound
	}

	key := similarKey(postID, limit)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var cached []domain.SimilarPost
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
			s.logger.Warn().Str("key", key).Msg("повреждённая запись кэша")
		case !errors.Is(err, domain.ErrCacheMiss):
			s.logger.Warn().Err(err).Msg("кэш недоступен")
		}
	}

	similar, err := s.repo.SimilarPosts(ctx, postID, limit)
	if err != nil {
		return nil, fmt.Errorf("похожие посты: %w", err)
	}
	if similar == nil {
		similar = []domain.SimilarPost{}
	}
	if s.cache != nil {
		if raw, err := json.Marshal(similar); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cfg.SimilarTTL); err != nil {
				s.logger.Warn().Err(err).Msg("не удалось сохранить в кэш")
			}
		}
	}
	return similar, nil
}
