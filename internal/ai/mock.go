package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/wfm_ohs/backend/internal/models"
	"github.com/wfm_ohs/backend/internal/service"
	"github.com/wfm_ohs/backend/internal/utils"
)

// MockAdvisor produces deterministic advice without a model endpoint.
// The action comes from the rule-based intervention heuristic; the wording
// varies by a hash of the partner id so demo data does not look templated.
type MockAdvisor struct {
	ModelVersion string
}

func (m MockAdvisor) Advise(ctx context.Context, snap models.HealthSnapshot) (Advice, error) {
	iv := service.SuggestIntervention(snap.Result, snap.Metrics)
	h := utils.HashStringToUint64(snap.PartnerID)

	urgency := "low"
	switch snap.Result.RiskLevel {
	case models.RiskCritical:
		urgency = "high"
	case models.RiskHigh:
		urgency = "high"
	case models.RiskMedium:
		urgency = "medium"
	}

	openers := []string{
		"Hope you're doing well!",
		"It's been a while since we caught up.",
		"Quick note from the coordination team.",
	}
	opener := openers[int(h)%len(openers)]

	name := snap.PartnerName
	if name == "" {
		name = "there"
	}

	return Advice{
		Analysis:          iv.Reason,
		RecommendedAction: iv.Action,
		Urgency:           urgency,
		OutreachMessage:   fmt.Sprintf("Hi %s, %s We'd love to hear how things are going on your side and whether the current visit schedule still works for you.", name, opener),
		ModelVersion:      m.ModelVersion,
		CreatedAt:         time.Now().UTC(),
	}, nil
}
