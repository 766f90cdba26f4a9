package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wfm_ohs/backend/internal/models"
)

// neverDays stands in for "no visit/login on record" so inactivity maxes out.
const neverDays = 999

const defaultHealthWorkers = 8

// HealthService runs the daily churn-risk computation across partners.
// Each partner is independent; one partner's failure is logged and skipped,
// never aborting the batch.
type HealthService struct {
	Repo    FactRepository
	Writer  HealthWriter
	Logger  zerolog.Logger
	Workers int
}

// BatchSummary mirrors the run bookkeeping written after each batch.
type BatchSummary struct {
	Partners  int            `json:"partners"`
	Computed  int            `json:"computed"`
	Failed    int            `json:"failed"`
	ByLevel   map[string]int `json:"by_level"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// ComputeAll recomputes and persists today's health snapshot for every
// active service partner.
func (s *HealthService) ComputeAll(ctx context.Context) (BatchSummary, error) {
	partners, err := s.Repo.ListServicePartners(ctx)
	if err != nil {
		return BatchSummary{}, err
	}

	today := truncateToDay(time.Now().UTC())
	start := time.Now()

	summary := BatchSummary{
		Partners: len(partners),
		ByLevel:  map[string]int{},
	}
	var mu sync.Mutex

	workers := s.Workers
	if workers <= 0 {
		workers = defaultHealthWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, partner := range partners {
		partner := partner
		g.Go(func() error {
			snap, err := s.ComputePartner(gctx, partner, today)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				s.Logger.Error().Err(err).Str("partner_id", partner.ID).Msg("health computation failed")
				return nil // keep going for the remaining partners
			}
			summary.Computed++
			summary.ByLevel[string(snap.Result.RiskLevel)]++
			return nil
		})
	}
	_ = g.Wait()

	summary.ElapsedMs = time.Since(start).Milliseconds()
	return summary, nil
}

// ComputePartner builds the metrics snapshot for one partner, scores it,
// and upserts the (partner, date) health row.
func (s *HealthService) ComputePartner(ctx context.Context, partner models.Partner, today time.Time) (models.HealthSnapshot, error) {
	metrics, err := s.BuildMetrics(ctx, partner, today)
	if err != nil {
		return models.HealthSnapshot{}, err
	}

	var previous *float64
	prev, err := s.Writer.LatestHealthBefore(ctx, partner.ID, today)
	if err != nil {
		return models.HealthSnapshot{}, err
	}
	if prev != nil {
		score := prev.Result.ChurnRiskScore
		previous = &score
	}

	snap := models.HealthSnapshot{
		PartnerID:         partner.ID,
		PartnerName:       partner.Name,
		Metrics:           metrics,
		Result:            ComputeChurnRisk(metrics, previous),
		PreviousRiskScore: previous,
		TicketState:       models.TicketOpen,
	}

	if err := s.Writer.UpsertHealth(ctx, snap); err != nil {
		return models.HealthSnapshot{}, err
	}
	return snap, nil
}

// BuildMetrics assembles the rolling 30/60/90-day activity counts from the
// fact repository.
func (s *HealthService) BuildMetrics(ctx context.Context, partner models.Partner, today time.Time) (models.HealthMetrics, error) {
	thirtyAgo := today.AddDate(0, 0, -30)
	sixtyAgo := today.AddDate(0, 0, -60)
	ninetyAgo := today.AddDate(0, 0, -90)

	m := models.HealthMetrics{
		PartnerID:    partner.ID,
		ComputedDate: today,
	}

	var err error
	m.VisitsLast30d, err = s.Repo.CountVisits(ctx, VisitQuery{
		PartnerID: partner.ID,
		From:      &thirtyAgo,
		To:        &today,
		InStates:  []models.VisitState{models.VisitDone},
	})
	if err != nil {
		return m, err
	}

	prevEnd := thirtyAgo.AddDate(0, 0, -1)
	m.VisitsPrevious30d, err = s.Repo.CountVisits(ctx, VisitQuery{
		PartnerID: partner.ID,
		From:      &sixtyAgo,
		To:        &prevEnd,
		InStates:  []models.VisitState{models.VisitDone},
	})
	if err != nil {
		return m, err
	}

	m.VisitsDeclined30d, err = s.Repo.CountVisits(ctx, VisitQuery{
		PartnerID: partner.ID,
		From:      &thirtyAgo,
		InStates:  []models.VisitState{models.VisitCancelled},
	})
	if err != nil {
		return m, err
	}

	m.VisitsAssigned30d, err = s.Repo.CountVisits(ctx, VisitQuery{
		PartnerID: partner.ID,
		From:      &thirtyAgo,
	})
	if err != nil {
		return m, err
	}

	m.DaysSinceLastVisit = neverDays
	lastVisit, err := s.Repo.LastCompletedVisitDate(ctx, partner.ID)
	if err != nil {
		return m, err
	}
	if lastVisit != nil {
		m.DaysSinceLastVisit = daysBetween(*lastVisit, today)
	}

	m.DaysSinceLastLogin = neverDays
	if partner.LastLoginAt != nil {
		m.DaysSinceLastLogin = daysBetween(*partner.LastLoginAt, today)
	}

	m.PaymentComplaints, err = s.Repo.CountPaymentComplaints(ctx, partner.ID, ninetyAgo)
	if err != nil {
		return m, err
	}
	m.NegativeFeedbackCount, err = s.Repo.CountNegativeFeedback(ctx, partner.ID, ninetyAgo)
	if err != nil {
		return m, err
	}

	return m, nil
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
