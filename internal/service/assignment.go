package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

// Scoring weights. Relationship continuity outranks proximity: clients
// prefer partners who already know their facility.
const (
	WeightRelationship = 35.0
	WeightAvailability = 25.0
	WeightPerformance  = 20.0
	WeightProximity    = 10.0
	WeightWorkload     = 10.0
)

const DefaultRecommendationLimit = 2

// AssignmentEngine ranks candidate partners for a visit and performs the
// assignment itself. Recommend is read-only; Assign is the only mutation.
type AssignmentEngine struct {
	Repo FactRepository

	mu         sync.Mutex
	visitLocks map[string]*sync.Mutex
}

func NewAssignmentEngine(repo FactRepository) *AssignmentEngine {
	return &AssignmentEngine{
		Repo:       repo,
		visitLocks: map[string]*sync.Mutex{},
	}
}

// Recommend scores every candidate against the visit and returns the top
// `limit` recommendations, total score descending, candidate order breaking
// ties. Candidates with no history are scored, not excluded. An empty pool
// yields an empty list.
func (e *AssignmentEngine) Recommend(ctx context.Context, visit models.Visit, candidates []models.Partner, limit int) ([]models.Recommendation, error) {
	if limit <= 0 {
		limit = DefaultRecommendationLimit
	}
	if len(candidates) == 0 {
		return []models.Recommendation{}, nil
	}

	installation, err := e.Repo.GetInstallation(ctx, visit.InstallationID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Recommendation, 0, len(candidates))
	for _, partner := range candidates {
		rec, err := e.scorePartner(ctx, partner, visit, installation)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TotalScore > out[j].TotalScore
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *AssignmentEngine) scorePartner(ctx context.Context, partner models.Partner, visit models.Visit, installation *models.Installation) (models.Recommendation, error) {
	rec := models.Recommendation{
		PartnerID:        partner.ID,
		PartnerName:      partner.Name,
		PartnerSpecialty: partner.Specialty,
		PartnerCity:      partner.City,
	}

	relScore, relDetails, err := e.scoreRelationship(ctx, partner.ID, visit.ClientID)
	if err != nil {
		return rec, err
	}
	rec.RelationshipScore = relScore
	rec.RelationshipDetails = relDetails

	availScore, availDetails, err := e.scoreAvailability(ctx, partner.ID, visit)
	if err != nil {
		return rec, err
	}
	rec.AvailabilityScore = availScore
	rec.AvailabilityDetails = availDetails

	perfScore, err := e.scorePerformance(ctx, partner.ID)
	if err != nil {
		return rec, err
	}
	rec.PerformanceScore = perfScore

	rec.ProximityScore = ScoreProximity(partner.City, installation)

	workScore, err := e.scoreWorkload(ctx, partner.ID, visit.ID)
	if err != nil {
		return rec, err
	}
	rec.WorkloadScore = workScore

	rec.TotalScore = rec.RelationshipScore + rec.AvailabilityScore +
		rec.PerformanceScore + rec.ProximityScore + rec.WorkloadScore
	return rec, nil
}

func (e *AssignmentEngine) scoreRelationship(ctx context.Context, partnerID, clientID string) (float64, string, error) {
	rel, err := e.Repo.GetRelationship(ctx, partnerID, clientID)
	if err != nil {
		return 0, "", err
	}
	if rel == nil {
		return 0, "No prior visits", nil
	}

	raw := RelationshipScore(*rel, time.Now().UTC())
	details := fmt.Sprintf("%d visits", rel.TotalVisits)
	if rel.LastVisitDate != nil {
		details += ", last: " + rel.LastVisitDate.Format("2006-01-02")
	}
	return round1(raw / 100 * WeightRelationship), details, nil
}

func (e *AssignmentEngine) scoreAvailability(ctx context.Context, partnerID string, visit models.Visit) (float64, string, error) {
	if visit.VisitDate == nil {
		return WeightAvailability, "Date not set", nil
	}

	conflicts, err := e.Repo.CountVisits(ctx, VisitQuery{
		PartnerID:   partnerID,
		OnDate:      visit.VisitDate,
		NotInStates: []models.VisitState{models.VisitCancelled, models.VisitDone},
		ExcludeID:   visit.ID,
	})
	if err != nil {
		return 0, "", err
	}
	if conflicts > 0 {
		return 0, fmt.Sprintf("%d conflict(s) on this date", conflicts), nil
	}

	weekStart, weekEnd := isoWeekBounds(*visit.VisitDate)
	weekVisits, err := e.Repo.CountVisits(ctx, VisitQuery{
		PartnerID:   partnerID,
		From:        &weekStart,
		To:          &weekEnd,
		NotInStates: []models.VisitState{models.VisitCancelled},
		ExcludeID:   visit.ID,
	})
	if err != nil {
		return 0, "", err
	}

	switch {
	case weekVisits >= 5:
		return round1(WeightAvailability * 0.5), fmt.Sprintf("Heavy week (%d visits)", weekVisits), nil
	case weekVisits >= 3:
		return round1(WeightAvailability * 0.75), fmt.Sprintf("Moderate week (%d visits)", weekVisits), nil
	default:
		return WeightAvailability, fmt.Sprintf("Available (%d visits this week)", weekVisits), nil
	}
}

func (e *AssignmentEngine) scorePerformance(ctx context.Context, partnerID string) (float64, error) {
	rels, err := e.Repo.ListPartnerRelationships(ctx, partnerID)
	if err != nil {
		return 0, err
	}
	return round1(ScorePerformance(rels)), nil
}

// ScorePerformance aggregates completion rate (60%) and normalized rating
// (40%) across all of a partner's relationships. A partner with no history
// gets a neutral half-weight score.
func ScorePerformance(rels []models.Relationship) float64 {
	if len(rels) == 0 {
		return WeightPerformance * 0.5
	}

	var totalVisits, totalCompleted int
	var ratingSum float64
	var ratedCount int
	for _, r := range rels {
		totalVisits += r.TotalVisits
		totalCompleted += r.CompletedVisits
		if r.AvgRating > 0 {
			ratingSum += r.AvgRating
			ratedCount++
		}
	}
	if totalVisits == 0 {
		return WeightPerformance * 0.5
	}

	completionRate := float64(totalCompleted) / float64(totalVisits)
	ratingFactor := 0.5
	if ratedCount > 0 {
		ratingFactor = (ratingSum/float64(ratedCount) - 1) / 4
	}

	return (completionRate*0.6 + ratingFactor*0.4) * WeightPerformance
}

// ScoreProximity matches the partner's city against the installation's:
// full weight on a case-insensitive exact match, 70% on a substring match
// either way, half weight when either city is unknown.
func ScoreProximity(partnerCity string, installation *models.Installation) float64 {
	if installation == nil {
		return 0
	}

	pc := strings.ToLower(strings.TrimSpace(partnerCity))
	ic := strings.ToLower(strings.TrimSpace(installation.City))
	if pc == "" || ic == "" {
		return WeightProximity * 0.5
	}
	if pc == ic {
		return WeightProximity
	}
	if strings.Contains(pc, ic) || strings.Contains(ic, pc) {
		return round1(WeightProximity * 0.7)
	}
	return 0
}

func (e *AssignmentEngine) scoreWorkload(ctx context.Context, partnerID, excludeVisitID string) (float64, error) {
	active, err := e.Repo.CountVisits(ctx, VisitQuery{
		PartnerID:   partnerID,
		NotInStates: []models.VisitState{models.VisitDone, models.VisitCancelled},
		ExcludeID:   excludeVisitID,
	})
	if err != nil {
		return 0, err
	}
	return ScoreWorkload(active), nil
}

// ScoreWorkload rewards partners with few active assignments.
func ScoreWorkload(activeCount int) float64 {
	switch {
	case activeCount <= 2:
		return WeightWorkload
	case activeCount <= 5:
		return WeightWorkload * 0.7
	case activeCount <= 10:
		return WeightWorkload * 0.4
	default:
		return 0
	}
}

// Assign sets the partner on a visit and advances a draft visit to
// `assigned`; any other state is left untouched. Concurrent assignments of
// the same visit are serialized per visit and backed by a compare-and-set
// in the repository, so the losing request gets a ConflictError.
func (e *AssignmentEngine) Assign(ctx context.Context, visitID, partnerID string) (models.Visit, error) {
	lock := e.lockFor(visitID)
	lock.Lock()
	defer lock.Unlock()

	visit, err := e.Repo.GetVisit(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if visit == nil {
		return models.Visit{}, NotFoundError{Entity: "visit", ID: visitID}
	}

	partner, err := e.Repo.GetPartner(ctx, partnerID)
	if err != nil {
		return models.Visit{}, err
	}
	if partner == nil {
		return models.Visit{}, NotFoundError{Entity: "partner", ID: partnerID}
	}
	if !partner.IsServicePartner {
		return models.Visit{}, ValidationError{Reason: fmt.Sprintf("partner %q is not flagged as a service partner", partnerID)}
	}

	toState := visit.State
	if visit.State == models.VisitDraft {
		toState = models.VisitAssigned
	}

	ok, err := e.Repo.AssignVisit(ctx, visitID, partnerID, visit.PartnerID, visit.State, toState)
	if err != nil {
		return models.Visit{}, err
	}
	if !ok {
		return models.Visit{}, ConflictError{VisitID: visitID}
	}

	visit.PartnerID = &partner.ID
	visit.State = toState
	return *visit, nil
}

func (e *AssignmentEngine) lockFor(visitID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.visitLocks == nil {
		e.visitLocks = map[string]*sync.Mutex{}
	}
	l, ok := e.visitLocks[visitID]
	if !ok {
		l = &sync.Mutex{}
		e.visitLocks[visitID] = l
	}
	return l
}

// isoWeekBounds returns the Monday and Sunday of the date's ISO week.
func isoWeekBounds(d time.Time) (time.Time, time.Time) {
	weekday := int(d.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	start := d.AddDate(0, 0, -(weekday - 1))
	return start, start.AddDate(0, 0, 6)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
