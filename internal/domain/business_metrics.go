package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *uuid.UUID
	PostID     *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventCommentCreated фиксирует создание комментария.
	BusinessMetricEventCommentCreated = "comment_created"
	// BusinessMetricEventReplyNotified фиксирует постановку уведомления об ответе.
	BusinessMetricEventReplyNotified = "comment_reply_notified"
	// BusinessMetricEventRecommendationsGenerated фиксирует завершение пересчёта рекомендаций.
	BusinessMetricEventRecommendationsGenerated = "recommendations_generated"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
