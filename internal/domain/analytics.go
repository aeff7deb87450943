package domain

import (
	"context"
	"math"
)

// PostStats содержит счётчики взаимодействий с постом.
type PostStats struct {
	PostID            int64   `json:"post_id"`
	Views             int64   `json:"views"`
	Likes             int64   `json:"likes"`
	Comments          int64   `json:"comments"`
	TotalInteractions int64   `json:"total_interactions"`
	EngagementRate    float64 `json:"engagement_rate"`
}

// WithEngagementRate считает долю лайков и комментариев на один просмотр с точностью до сотых.
// Без просмотров доля равна нулю.
func (s PostStats) WithEngagementRate() PostStats {
	if s.Views <= 0 {
		s.EngagementRate = 0
		return s
	}
	s.EngagementRate = math.Round(float64(s.Likes+s.Comments)/float64(s.Views)*100) / 100
	return s
}

// InteractionRepo пополняет журнал взаимодействий и считает по нему статистику.
type InteractionRepo interface {
	RecordInteraction(ctx context.Context, interaction Interaction) error
	PostStats(ctx context.Context, postID int64) (PostStats, error)
}
