package service

import (
	"context"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

// Relationship score factor budgets. Sum is 100.
const (
	relVolumeWeight     = 40.0
	relCompletionWeight = 20.0
	relRatingWeight     = 20.0
	relRecencyWeight    = 20.0

	relVolumeCap     = 20  // visits for a full volume score
	relRecencyFullAt = 30  // days: full recency points
	relRecencyZeroAt = 180 // days: no recency points
)

// RelationshipScore computes the 0-100 relationship strength of an aggregate
// as of the given day. Missing data yields 0 for the affected factor, never
// an error.
func RelationshipScore(rel models.Relationship, today time.Time) float64 {
	score := minFloat(float64(rel.TotalVisits)/relVolumeCap, 1) * relVolumeWeight

	if rel.TotalVisits > 0 {
		score += float64(rel.CompletedVisits) / float64(rel.TotalVisits) * relCompletionWeight
	}

	if rel.AvgRating > 0 {
		score += (rel.AvgRating - 1) / 4 * relRatingWeight
	}

	if rel.LastVisitDate != nil {
		days := daysBetween(*rel.LastVisitDate, today)
		switch {
		case days <= relRecencyFullAt:
			score += relRecencyWeight
		case days <= relRecencyZeroAt:
			recency := relRecencyWeight * (1 - float64(days-relRecencyFullAt)/float64(relRecencyZeroAt-relRecencyFullAt))
			if recency > 0 {
				score += recency
			}
		}
	}

	return minFloat(score, 100)
}

// RelationshipStore answers "how well does this partner know this client"
// and maintains the per-pair aggregate as visits complete.
type RelationshipStore struct {
	Repo FactRepository
}

// GetOrCreate returns the existing aggregate for the pair or a
// zero-initialized one. Idempotent: the same pair always maps to one row.
func (s *RelationshipStore) GetOrCreate(ctx context.Context, partnerID, clientID string) (models.Relationship, error) {
	rel, err := s.Repo.GetRelationship(ctx, partnerID, clientID)
	if err != nil {
		return models.Relationship{}, err
	}
	if rel != nil {
		return *rel, nil
	}

	fresh := models.Relationship{PartnerID: partnerID, ClientID: clientID}
	if err := s.Repo.SaveRelationship(ctx, fresh); err != nil {
		return models.Relationship{}, err
	}
	return fresh, nil
}

// RecordCompletion folds a just-completed visit into the aggregate:
// counters, first/last visit dates, the running rating mean, and the
// distinct-installation count over done visits.
func (s *RelationshipStore) RecordCompletion(ctx context.Context, partnerID, clientID string, visit models.Visit) (models.Relationship, error) {
	rel, err := s.GetOrCreate(ctx, partnerID, clientID)
	if err != nil {
		return models.Relationship{}, err
	}

	rel.TotalVisits++
	rel.CompletedVisits++
	if visit.VisitDate != nil {
		d := *visit.VisitDate
		rel.LastVisitDate = &d
		if rel.FirstVisitDate == nil {
			first := d
			rel.FirstVisitDate = &first
		}
	}
	if visit.Rating != nil && *visit.Rating > 0 {
		rel.AvgRating = (rel.AvgRating*float64(rel.RatedVisits) + *visit.Rating) / float64(rel.RatedVisits+1)
		rel.RatedVisits++
	}

	installations, err := s.Repo.CountDistinctInstallations(ctx, partnerID, clientID)
	if err != nil {
		return models.Relationship{}, err
	}
	rel.InstallationsVisited = installations

	rel.RelationshipScore = RelationshipScore(rel, time.Now().UTC())

	if err := s.Repo.SaveRelationship(ctx, rel); err != nil {
		return models.Relationship{}, err
	}
	return rel, nil
}

func daysBetween(from, to time.Time) int {
	return int(to.Truncate(24*time.Hour).Sub(from.Truncate(24*time.Hour)).Hours() / 24)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
