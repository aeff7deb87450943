package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"blog-engine/internal/domain"
	httpinfra "blog-engine/internal/infra/http"
	"blog-engine/internal/usecase/analytics"
	"blog-engine/internal/usecase/comments"
	"blog-engine/internal/usecase/recommend"
)

const maxBodyBytes = 64 * 1024

var validate = validator.New()

type handlers struct {
	comments  *comments.Service
	analytics *analytics.Service
	recommend *recommend.Service
	logger    zerolog.Logger

	// commentLimit запросов на пользователя за commentWindow; 0 отключает ограничение.
	commentLimit  int
	commentWindow time.Duration
}

type commentResponse struct {
	ID              int64     `json:"id"`
	PostID          int64     `json:"post_id"`
	UserID          uuid.UUID `json:"user_id"`
	ParentCommentID *int64    `json:"parent_comment_id"`
	Content         string    `json:"content"`
	NestingLevel    int       `json:"nesting_level"`
	CreatedAt       time.Time `json:"created_at"`
}

type generateResponse struct {
	Summary        string                 `json:"summary"`
	Cleared        int64                  `json:"cleared"`
	UsersProcessed int                    `json:"users_processed"`
	Written        map[string]int         `json:"written"`
	Failures       map[string]int         `json:"failures"`
	Status         domain.GenerationState `json:"status"`
}

// mount регистрирует маршруты API. requestTimeout не применяется к пакетному пересчёту.
func (h *handlers) mount(r chi.Router, validator domain.TokenValidator, requestTimeout time.Duration) {
	r.Group(func(public chi.Router) {
		public.Use(withTimeout(requestTimeout))
		public.Get("/api/recommendations/similar/{postID}", h.similarPosts)
		public.Get("/api/analytics/posts/{postID}", h.postStats)
	})

	r.Group(func(protected chi.Router) {
		protected.Use(httpinfra.BearerAuthMiddleware(validator))

		protected.Group(func(timed chi.Router) {
			timed.Use(withTimeout(requestTimeout))
			timed.With(httpinfra.RateLimitByUser(h.commentLimit, h.commentWindow)).
				Post("/api/posts/{postID}/comments", h.createComment)
			timed.Post("/api/posts/{postID}/interactions", h.recordInteraction)
			timed.Get("/api/recommendations", h.listRecommendations)
		})

		protected.Group(func(admin chi.Router) {
			admin.Use(httpinfra.RequireRole(domain.UserRole.CanTriggerBatch))
			admin.Post("/api/recommendations/generate", h.generate)
			admin.Get("/api/recommendations/status", h.status)
		})
	})
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.Timeout(d)
}

func (h *handlers) createComment(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpinfra.IdentityFrom(r.Context())
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || postID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id поста"))
		return
	}
	var in comments.CreateInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	in.PostID = postID
	in.AuthorID = identity.UserID

	c, err := h.comments.Create(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidComment):
			httpinfra.WriteError(w, http.StatusBadRequest, err)
		case errors.Is(err, domain.ErrPostNotFound), errors.Is(err, domain.ErrParentNotFound):
			httpinfra.WriteError(w, http.StatusNotFound, err)
		default:
			h.logger.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Msg("создание комментария")
			httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось создать комментарий"))
		}
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, commentResponse{
		ID:              c.ID,
		PostID:          c.PostID,
		UserID:          c.AuthorID,
		ParentCommentID: c.ParentID,
		Content:         c.Content,
		NestingLevel:    c.NestingLevel,
		CreatedAt:       c.CreatedAt,
	})
}

func (h *handlers) recordInteraction(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpinfra.IdentityFrom(r.Context())
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || postID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id поста"))
		return
	}
	var in analytics.RecordInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	in.PostID = postID
	in.UserID = identity.UserID

	if err := h.analytics.Record(r.Context(), in); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInteraction):
			httpinfra.WriteError(w, http.StatusBadRequest, errors.New("interaction_type должен быть view или like"))
		case errors.Is(err, domain.ErrPostNotFound):
			httpinfra.WriteError(w, http.StatusNotFound, err)
		default:
			h.logger.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Msg("запись взаимодействия")
			httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось записать взаимодействие"))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) postStats(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || postID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id поста"))
		return
	}
	stats, err := h.analytics.PostStats(r.Context(), postID)
	if err != nil {
		if errors.Is(err, domain.ErrPostNotFound) {
			httpinfra.WriteError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error().Err(err).Int64("post_id", postID).Msg("статистика поста")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить статистику"))
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, stats)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// recommendationQuery разбирает algorithm, min_score, limit и offset.
// Некорректный limit заменяется значением по умолчанию, остальные параметры дают ошибку.
func recommendationQuery(r *http.Request) (domain.RecommendationQuery, error) {
	q := r.URL.Query()
	query := domain.RecommendationQuery{
		Type:  domain.RecommendationType(strings.TrimSpace(q.Get("algorithm"))),
		Limit: queryLimit(r, domain.DefaultRecommendationsPerUser),
	}
	if raw := q.Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return query, fmt.Errorf("%w: min_score", domain.ErrInvalidQuery)
		}
		query.MinScore = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return query, fmt.Errorf("%w: offset", domain.ErrInvalidQuery)
		}
		query.Offset = v
	}
	return query, nil
}

func (h *handlers) listRecommendations(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpinfra.IdentityFrom(r.Context())
	query, err := recommendationQuery(r)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := h.recommend.ForUser(r.Context(), identity.UserID, query)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidQuery) {
			httpinfra.WriteError(w, http.StatusBadRequest, errors.New("algorithm, min_score (0..1) или offset заданы некорректно"))
			return
		}
		h.logger.Error().Err(err).Str("user_id", identity.UserID.String()).Msg("чтение рекомендаций")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить рекомендации"))
		return
	}
	if recs == nil {
		recs = []domain.Recommendation{}
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (h *handlers) similarPosts(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || postID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id поста"))
		return
	}
	similar, err := h.recommend.SimilarPosts(r.Context(), postID, queryLimit(r, 0))
	if err != nil {
		if errors.Is(err, domain.ErrPostNotFound) {
			httpinfra.WriteError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error().Err(err).Int64("post_id", postID).Msg("похожие посты")
		httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("не удалось получить похожие посты"))
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"post_id": postID, "similar_posts": similar})
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req domain.GenerateRequest
	// Пустое тело означает параметры по умолчанию.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
		return
	}
	if err := validate.Struct(req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("recommendations_per_user должен быть от 0 до 100"))
		return
	}
	req.Cause = domain.GenerationCauseManual

	// Обрыв клиента не прерывает уже начатый пересчёт.
	summary, err := h.recommend.Generate(context.WithoutCancel(r.Context()), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrGenerationInProgress):
			httpinfra.WriteError(w, http.StatusConflict, err)
		case errors.Is(err, domain.ErrStorageUnavailable):
			httpinfra.WriteError(w, http.StatusServiceUnavailable, err)
		default:
			httpinfra.WriteError(w, http.StatusInternalServerError, err)
		}
		return
	}
	resp := generateResponse{
		Summary:        summary.String(),
		Cleared:        summary.Cleared,
		UsersProcessed: summary.UsersProcessed,
		Written:        map[string]int{},
		Failures:       map[string]int{},
		Status:         domain.GenerationCompleted,
	}
	for typ, n := range summary.Written {
		resp.Written[string(typ)] = n
	}
	for typ, n := range summary.Failures {
		resp.Failures[string(typ)] = n
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	httpinfra.WriteJSON(w, http.StatusOK, h.recommend.Status())
}
