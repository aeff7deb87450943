package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/domain"
	"blog-engine/internal/infra/metrics"
)

// DefaultStatsTTL задаёт время жизни статистики поста в кэше.
const DefaultStatsTTL = 5 * time.Minute

var validate = validator.New()

// RecordInput описывает взаимодействие, присланное клиентом.
// Комментарии записываются сервисом комментариев и здесь не принимаются.
type RecordInput struct {
	UserID uuid.UUID              `json:"-"`
	PostID int64                  `json:"-" validate:"gt=0"`
	Type   domain.InteractionType `json:"interaction_type" validate:"oneof=view like"`
}

// Service пополняет журнал взаимодействий и отдаёт статистику по постам.
type Service struct {
	posts        domain.PostRepo
	interactions domain.InteractionRepo
	cache        domain.Cache
	statsTTL     time.Duration
	logger       zerolog.Logger
}

// NewService создаёт сервис. cache может быть nil.
func NewService(posts domain.PostRepo, interactions domain.InteractionRepo, cache domain.Cache, statsTTL time.Duration, logger zerolog.Logger) *Service {
	if statsTTL <= 0 {
		statsTTL = DefaultStatsTTL
	}
	return &Service{
		posts:        posts,
		interactions: interactions,
		cache:        cache,
		statsTTL:     statsTTL,
		logger:       logger.With().Str("component", "analytics").Logger(),
	}
}

func statsKey(postID int64) string {
	return "analytics:post:" + strconv.FormatInt(postID, 10)
}

// Record проверяет тип и пост и дописывает взаимодействие в журнал.
// Черновики и удалённые посты не принимают взаимодействий.
func (s *Service) Record(ctx context.Context, in RecordInput) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInteraction, err)
	}
	post, err := s.posts.GetPost(ctx, in.PostID)
	if err != nil {
		return err
	}
	if !post.Recommendable() {
		return domain.ErrPostNotFound
	}
	if err := s.interactions.RecordInteraction(ctx, domain.Interaction{
		UserID:    in.UserID,
		PostID:    in.PostID,
		Type:      in.Type,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("запись взаимодействия: %w", err)
	}
	metrics.InteractionsRecorded.WithLabelValues(string(in.Type)).Inc()
	if s.cache != nil {
		if err := s.cache.Delete(ctx, statsKey(in.PostID)); err != nil {
			s.logger.Warn().Err(err).Int64("post_id", in.PostID).Msg("не удалось сбросить кэш статистики")
		}
	}
	return nil
}

// PostStats возвращает статистику поста, по возможности из кэша.
func (s *Service) PostStats(ctx context.Context, postID int64) (domain.PostStats, error) {
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return domain.PostStats{}, err
	}
	if post.IsDeleted {
		return domain.PostStats{}, domain.ErrPostNotFound
	}

	key := statsKey(postID)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var cached domain.PostStats
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
			s.logger.Warn().Str("key", key).Msg("повреждённая запись кэша")
		case !errors.Is(err, domain.ErrCacheMiss):
			s.logger.Warn().Err(err).Msg("кэш недоступен")
		}
	}

	stats, err := s.interactions.PostStats(ctx, postID)
	if err != nil {
		return domain.PostStats{}, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.statsTTL); err != nil {
				s.logger.Warn().Err(err).Msg("не удалось сохранить в кэш")
			}
		}
	}
	return stats, nil
}
