package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

// memoryRepo is an in-memory FactRepository + HealthWriter for unit tests.
type memoryRepo struct {
	mu            sync.Mutex
	visits        map[string]models.Visit
	partners      map[string]models.Partner
	installations map[string]models.Installation
	relationships map[string]models.Relationship
	health        map[string][]models.HealthSnapshot
	complaints    map[string]int
	feedback      map[string]int
	failFor       map[string]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		visits:        map[string]models.Visit{},
		partners:      map[string]models.Partner{},
		installations: map[string]models.Installation{},
		relationships: map[string]models.Relationship{},
		health:        map[string][]models.HealthSnapshot{},
		complaints:    map[string]int{},
		feedback:      map[string]int{},
		failFor:       map[string]bool{},
	}
}

func relKey(partnerID, clientID string) string {
	return partnerID + "|" + clientID
}

func (r *memoryRepo) GetVisit(ctx context.Context, id string) (*models.Visit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (r *memoryRepo) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partners[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *memoryRepo) GetInstallation(ctx context.Context, id string) (*models.Installation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.installations[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (r *memoryRepo) ListServicePartners(ctx context.Context) ([]models.Partner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Partner
	for _, p := range r.partners {
		if p.IsServicePartner && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memoryRepo) CountVisits(ctx context.Context, q VisitQuery) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.PartnerID != "" && r.failFor[q.PartnerID] {
		return 0, errors.New("simulated repository failure")
	}
	count := 0
	for _, v := range r.visits {
		if matchesQuery(v, q) {
			count++
		}
	}
	return count, nil
}

func matchesQuery(v models.Visit, q VisitQuery) bool {
	if q.ExcludeID != "" && v.ID == q.ExcludeID {
		return false
	}
	if q.PartnerID != "" && (v.PartnerID == nil || *v.PartnerID != q.PartnerID) {
		return false
	}
	if q.ClientID != "" && v.ClientID != q.ClientID {
		return false
	}
	if q.OnDate != nil {
		if v.VisitDate == nil || !sameDay(*v.VisitDate, *q.OnDate) {
			return false
		}
	}
	if q.From != nil {
		if v.VisitDate == nil || v.VisitDate.Before(*q.From) {
			return false
		}
	}
	if q.To != nil {
		if v.VisitDate == nil || v.VisitDate.After(*q.To) {
			return false
		}
	}
	if len(q.InStates) > 0 && !containsState(q.InStates, v.State) {
		return false
	}
	if containsState(q.NotInStates, v.State) {
		return false
	}
	return true
}

func containsState(states []models.VisitState, s models.VisitState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func (r *memoryRepo) LastCompletedVisitDate(ctx context.Context, partnerID string) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last *time.Time
	for _, v := range r.visits {
		if v.PartnerID == nil || *v.PartnerID != partnerID || v.State != models.VisitDone || v.VisitDate == nil {
			continue
		}
		if last == nil || v.VisitDate.After(*last) {
			d := *v.VisitDate
			last = &d
		}
	}
	return last, nil
}

func (r *memoryRepo) CountDistinctInstallations(ctx context.Context, partnerID, clientID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	for _, v := range r.visits {
		if v.PartnerID != nil && *v.PartnerID == partnerID && v.ClientID == clientID && v.State == models.VisitDone {
			seen[v.InstallationID] = true
		}
	}
	return len(seen), nil
}

func (r *memoryRepo) GetRelationship(ctx context.Context, partnerID, clientID string) (*models.Relationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.relationships[relKey(partnerID, clientID)]
	if !ok {
		return nil, nil
	}
	return &rel, nil
}

func (r *memoryRepo) ListPartnerRelationships(ctx context.Context, partnerID string) ([]models.Relationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Relationship
	for _, rel := range r.relationships {
		if rel.PartnerID == partnerID {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r *memoryRepo) SaveRelationship(ctx context.Context, rel models.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relationships[relKey(rel.PartnerID, rel.ClientID)] = rel
	return nil
}

func (r *memoryRepo) AssignVisit(ctx context.Context, visitID, partnerID string, expectPartner *string, fromState, toState models.VisitState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[visitID]
	if !ok || v.State != fromState {
		return false, nil
	}
	if (v.PartnerID == nil) != (expectPartner == nil) {
		return false, nil
	}
	if v.PartnerID != nil && *v.PartnerID != *expectPartner {
		return false, nil
	}
	v.PartnerID = &partnerID
	v.State = toState
	r.visits[visitID] = v
	return true, nil
}

func (r *memoryRepo) UpdateVisitState(ctx context.Context, visitID string, fromState, toState models.VisitState, rating *float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[visitID]
	if !ok || v.State != fromState {
		return false, nil
	}
	v.State = toState
	if rating != nil {
		v.Rating = rating
	}
	r.visits[visitID] = v
	return true, nil
}

func (r *memoryRepo) CountPaymentComplaints(ctx context.Context, partnerID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complaints[partnerID], nil
}

func (r *memoryRepo) CountNegativeFeedback(ctx context.Context, partnerID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feedback[partnerID], nil
}

func (r *memoryRepo) LatestHealthBefore(ctx context.Context, partnerID string, date time.Time) (*models.HealthSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.HealthSnapshot
	for i := range r.health[partnerID] {
		snap := r.health[partnerID][i]
		if !snap.Metrics.ComputedDate.Before(date) {
			continue
		}
		if latest == nil || snap.Metrics.ComputedDate.After(latest.Metrics.ComputedDate) {
			latest = &snap
		}
	}
	return latest, nil
}

func (r *memoryRepo) UpsertHealth(ctx context.Context, snap models.HealthSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.health[snap.PartnerID]
	for i := range rows {
		if sameDay(rows[i].Metrics.ComputedDate, snap.Metrics.ComputedDate) {
			rows[i] = snap
			return nil
		}
	}
	r.health[snap.PartnerID] = append(rows, snap)
	return nil
}
