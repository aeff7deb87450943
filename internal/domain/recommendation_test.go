package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMergeType(t *testing.T) {
	tests := []struct {
		name     string
		stored   RecommendationType
		incoming RecommendationType
		want     RecommendationType
	}{
		{name: "same content", stored: RecommendationContentBased, incoming: RecommendationContentBased, want: RecommendationContentBased},
		{name: "same popular", stored: RecommendationPopular, incoming: RecommendationPopular, want: RecommendationPopular},
		{name: "content then collaborative", stored: RecommendationContentBased, incoming: RecommendationCollaborative, want: RecommendationHybrid},
		{name: "collaborative then content", stored: RecommendationCollaborative, incoming: RecommendationContentBased, want: RecommendationHybrid},
		{name: "content then popular", stored: RecommendationContentBased, incoming: RecommendationPopular, want: RecommendationHybrid},
		{name: "popular then content", stored: RecommendationPopular, incoming: RecommendationContentBased, want: RecommendationHybrid},
		{name: "hybrid stays hybrid", stored: RecommendationHybrid, incoming: RecommendationPopular, want: RecommendationHybrid},
		{name: "hybrid with hybrid", stored: RecommendationHybrid, incoming: RecommendationHybrid, want: RecommendationHybrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MergeType(tt.stored, tt.incoming); got != tt.want {
				t.Fatalf("MergeType(%s, %s) = %s, want %s", tt.stored, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestMergeRecommendationKeepsMaxScore(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := created.Add(48 * time.Hour)
	stored := Recommendation{UserID: uuid.New(), PostID: 7, Score: 0.8, Type: RecommendationContentBased}.Stamp(created)

	merged := MergeRecommendation(stored, Recommendation{Score: 0.4, Type: RecommendationPopular}.Stamp(now))
	if merged.Score != 0.8 {
		t.Fatalf("оценка не должна уменьшаться: %v", merged.Score)
	}
	if merged.Type != RecommendationHybrid {
		t.Fatalf("ожидали hybrid, получили %s", merged.Type)
	}
	if !merged.CreatedAt.Equal(created) {
		t.Fatalf("created_at должен сохраниться")
	}
	if !merged.ExpiresAt.Equal(now.Add(FreshnessWindow)) {
		t.Fatalf("expires_at должен продлиться: %v", merged.ExpiresAt)
	}
}

func TestMergeRecommendationConvergesInAnyOrder(t *testing.T) {
	now := time.Now().UTC()
	content := Recommendation{Score: 0.5, Type: RecommendationContentBased}.Stamp(now)
	popular := Recommendation{Score: 0.62, Type: RecommendationPopular}.Stamp(now)

	first := MergeRecommendation(content, popular)
	second := MergeRecommendation(popular, content)
	if first.Score != second.Score || first.Type != second.Type {
		t.Fatalf("слияние должно сходиться: %+v vs %+v", first, second)
	}
	if first.Score != 0.62 || first.Type != RecommendationHybrid {
		t.Fatalf("ожидали hybrid 0.62, получили %+v", first)
	}
}

func TestMergeRecommendationRefreshesExpiryWithoutChanges(t *testing.T) {
	created := time.Now().UTC().Add(-72 * time.Hour)
	stored := Recommendation{Score: 0.7, Type: RecommendationCollaborative}.Stamp(created)
	now := time.Now().UTC()
	merged := MergeRecommendation(stored, Recommendation{Score: 0.6, Type: RecommendationCollaborative}.Stamp(now))
	if merged.Type != RecommendationCollaborative || merged.Score != 0.7 {
		t.Fatalf("ожидали прежние тип и оценку: %+v", merged)
	}
	if !merged.ExpiresAt.Equal(now.Add(FreshnessWindow)) {
		t.Fatalf("ожидали продление срока жизни")
	}
}

func TestBoundsAndClamp(t *testing.T) {
	tests := []struct {
		typ  RecommendationType
		in   float64
		want float64
	}{
		{RecommendationContentBased, 1.0 / 3.0, 0.5},
		{RecommendationContentBased, 1, 0.95},
		{RecommendationCollaborative, 1, 0.9},
		{RecommendationCollaborative, 0.2, 0.5},
		{RecommendationPopular, 1, 0.7},
		{RecommendationPopular, 0.1, 0.3},
		{RecommendationPopular, 0.45, 0.45},
	}
	for _, tt := range tests {
		if got := tt.typ.Clamp(tt.in); got != tt.want {
			t.Fatalf("%s.Clamp(%v) = %v, want %v", tt.typ, tt.in, got, tt.want)
		}
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	if !(Recommendation{ExpiresAt: now}).Expired(now) {
		t.Fatalf("запись с expires_at == now считается устаревшей")
	}
	if (Recommendation{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Fatalf("свежая запись не должна быть устаревшей")
	}
}

func TestRecommendationQueryPage(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: DefaultRecommendationsPerUser},
		{limit: -3, want: DefaultRecommendationsPerUser},
		{limit: 25, want: 25},
		{limit: 1000, want: MaxRecommendationsPage},
	}
	for _, tt := range tests {
		if got := (RecommendationQuery{Limit: tt.limit}).Page(); got != tt.want {
			t.Fatalf("Page() для limit=%d: ожидали %d, получили %d", tt.limit, tt.want, got)
		}
	}
}

func TestRecommendationQueryMatch(t *testing.T) {
	r := Recommendation{Score: 0.6, Type: RecommendationHybrid}
	if !(RecommendationQuery{}).Match(r) {
		t.Fatalf("пустой фильтр пропускает всё")
	}
	if (RecommendationQuery{Type: RecommendationPopular}).Match(r) {
		t.Fatalf("фильтр по типу должен отсечь hybrid")
	}
	if !(RecommendationQuery{MinScore: 0.6}).Match(r) {
		t.Fatalf("граница min_score включается")
	}
	if (RecommendationQuery{MinScore: 0.61}).Match(r) {
		t.Fatalf("оценка ниже min_score отсекается")
	}
}
