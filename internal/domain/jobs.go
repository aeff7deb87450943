package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerationCause описывает источник запуска пересчёта рекомендаций.
type GenerationCause string

const (
	// GenerationCauseManual означает запуск оператором через API.
	GenerationCauseManual GenerationCause = "manual"
	// GenerationCauseScheduled означает запуск по расписанию.
	GenerationCauseScheduled GenerationCause = "scheduled"
)

// DefaultRecommendationsPerUser используется, если лимит не задан.
const DefaultRecommendationsPerUser = 10

// GenerateRequest задаёт параметры пакетного пересчёта рекомендаций.
type GenerateRequest struct {
	ClearExisting bool            `json:"clear_existing"`
	UserIDs       []uuid.UUID     `json:"target_user_ids,omitempty"`
	PerUser       int             `json:"recommendations_per_user" validate:"gte=0,lte=100"`
	Cause         GenerationCause `json:"cause,omitempty"`
}

// Limit возвращает лимит на пользователя с учётом значения по умолчанию.
func (r GenerateRequest) Limit() int {
	if r.PerUser <= 0 {
		return DefaultRecommendationsPerUser
	}
	return r.PerUser
}

// RunSummary содержит итог пакетного пересчёта.
type RunSummary struct {
	Cleared        int64
	UsersProcessed int
	Written        map[RecommendationType]int
	Users          map[RecommendationType]int
	Failures       map[RecommendationType]int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// NewRunSummary создаёт пустой итог.
func NewRunSummary(started time.Time) RunSummary {
	return RunSummary{
		Written:   map[RecommendationType]int{},
		Users:     map[RecommendationType]int{},
		Failures:  map[RecommendationType]int{},
		StartedAt: started,
	}
}

// TotalFailures возвращает число неудачных пар (пользователь, стратегия).
func (s RunSummary) TotalFailures() int {
	total := 0
	for _, n := range s.Failures {
		total += n
	}
	return total
}

// String возвращает человекочитаемый итог для оператора.
func (s RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cleared %d recommendations; processed %d users", s.Cleared, s.UsersProcessed)
	for _, typ := range summaryOrder(s) {
		fmt.Fprintf(&b, "; %s: %d rows for %d users", typ, s.Written[typ], s.Users[typ])
		if failed := s.Failures[typ]; failed > 0 {
			fmt.Fprintf(&b, " (%d failed)", failed)
		}
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "; took %s", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	return b.String()
}

func summaryOrder(s RunSummary) []RecommendationType {
	order := []RecommendationType{RecommendationContentBased, RecommendationCollaborative, RecommendationPopular}
	known := map[RecommendationType]bool{}
	for _, typ := range order {
		known[typ] = true
	}
	var extra []RecommendationType
	for _, m := range []map[RecommendationType]int{s.Written, s.Failures} {
		for typ := range m {
			if !known[typ] {
				known[typ] = true
				extra = append(extra, typ)
			}
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(order, extra...)
}

// GenerationState описывает состояние последнего пересчёта.
type GenerationState string

const (
	GenerationIdle      GenerationState = "idle"
	GenerationRunning   GenerationState = "running"
	GenerationFailed    GenerationState = "failed"
	GenerationCompleted GenerationState = "completed"
)

// GenerationStatus отдаётся оператору по запросу статуса.
type GenerationStatus struct {
	State     GenerationState `json:"state"`
	Message   string          `json:"message,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}
