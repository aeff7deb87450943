package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/domain"
)

// MaxContentLength ограничивает длину комментария в символах.
const MaxContentLength = 5000

var validate = validator.New()

// CreateInput содержит данные нового комментария.
type CreateInput struct {
	PostID   int64     `json:"-" validate:"gt=0"`
	AuthorID uuid.UUID `json:"-"`
	ParentID *int64    `json:"parent_comment_id,omitempty" validate:"omitempty,gt=0"`
	Content  string    `json:"content" validate:"required,max=5000"`
}

// Service создаёт комментарии и запускает уведомление об ответе.
type Service struct {
	posts     domain.PostRepo
	comments  domain.CommentRepo
	publisher domain.NotificationPublisher
	bizRepo   domain.BusinessMetricRepo
	logger    zerolog.Logger
}

// NewService создаёт сервис комментариев. bizRepo может быть nil.
func NewService(posts domain.PostRepo, comments domain.CommentRepo, publisher domain.NotificationPublisher, bizRepo domain.BusinessMetricRepo, logger zerolog.Logger) *Service {
	return &Service{
		posts:     posts,
		comments:  comments,
		publisher: publisher,
		bizRepo:   bizRepo,
		logger:    logger.With().Str("component", "comments").Logger(),
	}
}

// Create проверяет пост и родителя, сохраняет комментарий и ставит уведомление автору родителя.
// Уведомление не влияет на результат создания.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Comment, error) {
	in.Content = strings.TrimSpace(in.Content)
	if err := validate.Struct(in); err != nil {
		return domain.Comment{}, fmt.Errorf("%w: %v", domain.ErrInvalidComment, err)
	}

	post, err := s.posts.GetPost(ctx, in.PostID)
	if err != nil {
		return domain.Comment{}, err
	}
	if post.IsDeleted {
		return domain.Comment{}, domain.ErrPostNotFound
	}

	comment := domain.Comment{
		PostID:   in.PostID,
		AuthorID: in.AuthorID,
		ParentID: in.ParentID,
		Content:  in.Content,
	}

	var parent domain.Comment
	if in.ParentID != nil {
		parent, err = s.comments.GetComment(ctx, *in.ParentID)
		if err != nil {
			if errors.Is(err, domain.ErrCommentNotFound) {
				return domain.Comment{}, domain.ErrParentNotFound
			}
			return domain.Comment{}, fmt.Errorf("родительский комментарий: %w", err)
		}
		if parent.PostID != in.PostID {
			return domain.Comment{}, domain.ErrParentNotFound
		}
		comment.NestingLevel = parent.NestingLevel + 1
	}

	saved, err := s.comments.CreateComment(ctx, comment)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("сохранение комментария: %w", err)
	}

	if err := s.comments.RecordInteraction(ctx, domain.Interaction{
		UserID:    saved.AuthorID,
		PostID:    saved.PostID,
		Type:      domain.InteractionComment,
		CreatedAt: saved.CreatedAt,
	}); err != nil {
		s.logger.Warn().Err(err).Int64("comment_id", saved.ID).Msg("не удалось записать взаимодействие")
	}
	s.record(ctx, domain.BusinessMetricEventCommentCreated, saved, nil)

	if saved.IsReply() && s.publisher != nil {
		if s.publisher.NotifyReply(saved, parent.AuthorID) {
			s.record(ctx, domain.BusinessMetricEventReplyNotified, saved, map[string]any{
				"recipient_id": parent.AuthorID.String(),
			})
		}
	}
	return saved, nil
}

func (s *Service) record(ctx context.Context, event string, c domain.Comment, meta map[string]any) {
	if s.bizRepo == nil {
		return
	}
	userID := c.AuthorID
	postID := c.PostID
	if meta == nil {
		meta = map[string]any{}
	}
	meta["comment_id"] = c.ID
	metric := domain.BusinessMetric{
		Event:      event,
		UserID:     &userID,
		PostID:     &postID,
		Metadata:   meta,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.bizRepo.RecordBusinessMetric(ctx, metric); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("не удалось сохранить бизнес-метрику")
	}
}
