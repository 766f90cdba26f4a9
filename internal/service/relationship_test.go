package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

func TestRelationshipScoreFullMarks(t *testing.T) {
	today := time.Now().UTC()
	rel := models.Relationship{
		TotalVisits:     20,
		CompletedVisits: 20,
		AvgRating:       5,
		LastVisitDate:   &today,
	}
	score := RelationshipScore(rel, today)
	if score != 100 {
		t.Fatalf("expected 100, got %v", score)
	}
}

func TestRelationshipScoreEmptyAggregate(t *testing.T) {
	score := RelationshipScore(models.Relationship{}, time.Now().UTC())
	if score != 0 {
		t.Fatalf("expected 0 for empty aggregate, got %v", score)
	}
}

func TestRelationshipScoreRecencyDecay(t *testing.T) {
	today := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		daysAgo int
		want    float64
	}{
		{10, 20},
		{30, 20},
		{105, 10},
		{180, 0},
		{400, 0},
	}
	for _, tc := range cases {
		last := today.AddDate(0, 0, -tc.daysAgo)
		rel := models.Relationship{LastVisitDate: &last}
		got := RelationshipScore(rel, today)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("daysAgo=%d: expected recency %v, got %v", tc.daysAgo, tc.want, got)
		}
	}
}

func TestRelationshipScoreInRange(t *testing.T) {
	today := time.Now().UTC()
	rels := []models.Relationship{
		{TotalVisits: 500, CompletedVisits: 500, AvgRating: 5, LastVisitDate: &today},
		{TotalVisits: 1, CompletedVisits: 0},
		{TotalVisits: 3, CompletedVisits: 3, AvgRating: 1},
	}
	for i, rel := range rels {
		score := RelationshipScore(rel, today)
		if score < 0 || score > 100 {
			t.Fatalf("case %d: score %v out of [0,100]", i, score)
		}
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	store := &RelationshipStore{Repo: repo}
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "p1", "c1")
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "p1", "c1")
	if err != nil {
		t.Fatalf("get_or_create again: %v", err)
	}
	if first.PartnerID != second.PartnerID || first.ClientID != second.ClientID {
		t.Fatalf("expected same row, got %+v and %+v", first, second)
	}
	if len(repo.relationships) != 1 {
		t.Fatalf("expected a single relationship row, got %d", len(repo.relationships))
	}
}

func TestRecordCompletionUpdatesAggregate(t *testing.T) {
	repo := newMemoryRepo()
	store := &RelationshipStore{Repo: repo}
	ctx := context.Background()

	partnerID := "p1"
	date := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	rating := 4.0
	visit := models.Visit{
		ID:             "v1",
		PartnerID:      &partnerID,
		ClientID:       "c1",
		InstallationID: "i1",
		VisitDate:      &date,
		State:          models.VisitDone,
		Rating:         &rating,
	}
	repo.visits["v1"] = visit

	rel, err := store.RecordCompletion(ctx, "p1", "c1", visit)
	if err != nil {
		t.Fatalf("record completion: %v", err)
	}
	if rel.TotalVisits != 1 || rel.CompletedVisits != 1 {
		t.Fatalf("expected counters 1/1, got %d/%d", rel.TotalVisits, rel.CompletedVisits)
	}
	if rel.FirstVisitDate == nil || !rel.FirstVisitDate.Equal(date) {
		t.Fatalf("expected first visit date %v, got %v", date, rel.FirstVisitDate)
	}
	if rel.AvgRating != 4.0 {
		t.Fatalf("expected avg rating 4.0, got %v", rel.AvgRating)
	}
	if rel.InstallationsVisited != 1 {
		t.Fatalf("expected 1 installation, got %d", rel.InstallationsVisited)
	}

	// Second completion at a new installation with a different rating.
	later := date.AddDate(0, 0, 7)
	rating2 := 2.0
	visit2 := models.Visit{
		ID:             "v2",
		PartnerID:      &partnerID,
		ClientID:       "c1",
		InstallationID: "i2",
		VisitDate:      &later,
		State:          models.VisitDone,
		Rating:         &rating2,
	}
	repo.visits["v2"] = visit2

	rel, err = store.RecordCompletion(ctx, "p1", "c1", visit2)
	if err != nil {
		t.Fatalf("record completion: %v", err)
	}
	if rel.TotalVisits != 2 {
		t.Fatalf("expected 2 total visits, got %d", rel.TotalVisits)
	}
	if rel.AvgRating != 3.0 {
		t.Fatalf("expected running mean 3.0, got %v", rel.AvgRating)
	}
	if !rel.LastVisitDate.Equal(later) {
		t.Fatalf("expected last visit date %v, got %v", later, rel.LastVisitDate)
	}
	if !rel.FirstVisitDate.Equal(date) {
		t.Fatalf("first visit date should not move, got %v", rel.FirstVisitDate)
	}
	if rel.InstallationsVisited != 2 {
		t.Fatalf("expected 2 installations, got %d", rel.InstallationsVisited)
	}
}
