package service

import (
	"context"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

// VisitQuery narrows a visit count/lookup. Zero values mean "no filter";
// From and To bound VisitDate inclusively.
type VisitQuery struct {
	PartnerID   string
	ClientID    string
	OnDate      *time.Time
	From        *time.Time
	To          *time.Time
	InStates    []models.VisitState
	NotInStates []models.VisitState
	ExcludeID   string
}

// FactRepository is the read model the scoring engines consume. Lookups
// return nil (not an error) when the row does not exist.
type FactRepository interface {
	GetVisit(ctx context.Context, id string) (*models.Visit, error)
	GetPartner(ctx context.Context, id string) (*models.Partner, error)
	GetInstallation(ctx context.Context, id string) (*models.Installation, error)
	ListServicePartners(ctx context.Context) ([]models.Partner, error)

	CountVisits(ctx context.Context, q VisitQuery) (int, error)
	LastCompletedVisitDate(ctx context.Context, partnerID string) (*time.Time, error)
	CountDistinctInstallations(ctx context.Context, partnerID, clientID string) (int, error)

	GetRelationship(ctx context.Context, partnerID, clientID string) (*models.Relationship, error)
	ListPartnerRelationships(ctx context.Context, partnerID string) ([]models.Relationship, error)
	SaveRelationship(ctx context.Context, rel models.Relationship) error

	// AssignVisit atomically sets the partner and state if the visit still
	// carries the expected partner and state; returns false when the
	// compare-and-set lost.
	AssignVisit(ctx context.Context, visitID, partnerID string, expectPartner *string, fromState, toState models.VisitState) (bool, error)
	// UpdateVisitState transitions state with the same compare-and-set rule.
	UpdateVisitState(ctx context.Context, visitID string, fromState, toState models.VisitState, rating *float64) (bool, error)

	CountPaymentComplaints(ctx context.Context, partnerID string, since time.Time) (int, error)
	CountNegativeFeedback(ctx context.Context, partnerID string, since time.Time) (int, error)
}

// HealthWriter persists churn-risk snapshots, one row per (partner, date).
type HealthWriter interface {
	LatestHealthBefore(ctx context.Context, partnerID string, date time.Time) (*models.HealthSnapshot, error)
	UpsertHealth(ctx context.Context, snap models.HealthSnapshot) error
}
