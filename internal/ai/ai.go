package ai

import (
	"context"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
)

// Advice is a retention recommendation for one at-risk partner.
type Advice struct {
	Analysis          string    `json:"analysis"`
	RecommendedAction string    `json:"recommended_action"`
	Urgency           string    `json:"urgency"`
	OutreachMessage   string    `json:"outreach_message"`
	ModelVersion      string    `json:"model_version"`
	CreatedAt         time.Time `json:"created_at"`
}

type Advisor interface {
	Advise(ctx context.Context, snap models.HealthSnapshot) (Advice, error)
}
