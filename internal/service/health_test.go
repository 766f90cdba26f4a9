package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wfm_ohs/backend/internal/models"
)

func newHealthService(repo *memoryRepo) *HealthService {
	return &HealthService{
		Repo:   repo,
		Writer: repo,
		Logger: zerolog.Nop(),
	}
}

func TestBuildMetricsDefaults(t *testing.T) {
	repo := newMemoryRepo()
	partner := models.Partner{ID: "p1", Name: "Maria", IsServicePartner: true, Active: true}
	repo.partners["p1"] = partner

	svc := newHealthService(repo)
	today := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	m, err := svc.BuildMetrics(context.Background(), partner, today)
	require.NoError(t, err)
	require.Equal(t, neverDays, m.DaysSinceLastVisit, "no visit on record")
	require.Equal(t, neverDays, m.DaysSinceLastLogin, "no login on record")
	require.Zero(t, m.VisitsLast30d)
	require.Zero(t, m.VisitsAssigned30d)

	r := ComputeChurnRisk(m, nil)
	require.Equal(t, 15.0, r.VolumeChangeScore, "idle both periods")
	require.Equal(t, 20.0, r.InactivityScore)
}

func TestBuildMetricsWindows(t *testing.T) {
	repo := newMemoryRepo()
	login := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	partner := models.Partner{ID: "p1", Name: "Maria", IsServicePartner: true, Active: true, LastLoginAt: &login}
	repo.partners["p1"] = partner

	today := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	pid := "p1"
	addVisit := func(id string, daysAgo int, state models.VisitState) {
		d := today.AddDate(0, 0, -daysAgo)
		repo.visits[id] = models.Visit{
			ID: id, PartnerID: &pid, ClientID: "c1", InstallationID: "i1",
			VisitDate: &d, State: state,
		}
	}
	addVisit("v1", 5, models.VisitDone)
	addVisit("v2", 12, models.VisitDone)
	addVisit("v3", 40, models.VisitDone)   // previous window only
	addVisit("v4", 10, models.VisitCancelled)
	addVisit("v5", 2, models.VisitAssigned)
	addVisit("v6", 70, models.VisitDone)   // outside both windows

	svc := newHealthService(repo)
	m, err := svc.BuildMetrics(context.Background(), partner, today)
	require.NoError(t, err)

	require.Equal(t, 2, m.VisitsLast30d)
	require.Equal(t, 1, m.VisitsPrevious30d)
	require.Equal(t, 1, m.VisitsDeclined30d)
	require.Equal(t, 4, m.VisitsAssigned30d, "all states within 30 days")
	require.Equal(t, 5, m.DaysSinceLastVisit)
	require.Equal(t, 3, m.DaysSinceLastLogin)
}

func TestComputePartnerTrend(t *testing.T) {
	repo := newMemoryRepo()
	partner := models.Partner{ID: "p1", Name: "Maria", IsServicePartner: true, Active: true}
	repo.partners["p1"] = partner

	today := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	repo.health["p1"] = []models.HealthSnapshot{{
		PartnerID: "p1",
		Metrics:   models.HealthMetrics{PartnerID: "p1", ComputedDate: yesterday},
		Result:    models.HealthResult{ChurnRiskScore: 80, RiskLevel: models.RiskCritical},
	}}

	svc := newHealthService(repo)
	snap, err := svc.ComputePartner(context.Background(), partner, today)
	require.NoError(t, err)

	// Idle partner scores 35 today, well below yesterday's 80.
	require.Equal(t, 35.0, snap.Result.ChurnRiskScore)
	require.Equal(t, models.TrendImproving, snap.Result.RiskTrend)
	require.NotNil(t, snap.PreviousRiskScore)
	require.Equal(t, 80.0, *snap.PreviousRiskScore)
	require.Equal(t, models.TicketOpen, snap.TicketState)

	// The snapshot was persisted for today.
	require.Len(t, repo.health["p1"], 2)
}

func TestComputePartnerUpsertsSameDay(t *testing.T) {
	repo := newMemoryRepo()
	partner := models.Partner{ID: "p1", Name: "Maria", IsServicePartner: true, Active: true}
	repo.partners["p1"] = partner

	today := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	svc := newHealthService(repo)

	_, err := svc.ComputePartner(context.Background(), partner, today)
	require.NoError(t, err)
	_, err = svc.ComputePartner(context.Background(), partner, today)
	require.NoError(t, err)
	require.Len(t, repo.health["p1"], 1, "same-day recomputation replaces the row")
}

func TestComputeAllIsolatesFailures(t *testing.T) {
	repo := newMemoryRepo()
	repo.partners["p1"] = models.Partner{ID: "p1", Name: "Maria", IsServicePartner: true, Active: true}
	repo.partners["p2"] = models.Partner{ID: "p2", Name: "Nikos", IsServicePartner: true, Active: true}
	repo.partners["p3"] = models.Partner{ID: "p3", Name: "Office", IsServicePartner: false, Active: true}
	repo.failFor["p2"] = true

	svc := newHealthService(repo)
	summary, err := svc.ComputeAll(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, summary.Partners, "non-service partners are skipped")
	require.Equal(t, 1, summary.Computed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.ByLevel[string(models.RiskMedium)], "idle partner lands in the medium band")
	require.Empty(t, repo.health["p2"], "failed partner writes nothing")
}
