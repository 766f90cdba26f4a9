package service

import (
	"fmt"

	"github.com/wfm_ohs/backend/internal/models"
)

// Churn component caps. The five caps sum to 100, so the total needs no
// extra clamping.
const (
	churnDeclineCap  = 30.0
	churnVolumeCap   = 25.0
	churnInactiveCap = 20.0
	churnPaymentCap  = 15.0
	churnFeedbackCap = 10.0
)

// Risk-level thresholds on the total score.
const (
	riskCriticalAt = 70.0
	riskHighAt     = 50.0
	riskMediumAt   = 30.0
)

// trendWindow is the dead band around the previous score within which the
// trend reads stable.
const trendWindow = 5.0

// ComputeChurnRisk derives the five weighted risk components, the 0-100
// total, the risk band, and the trend against the previous computation.
// Pure: the same metrics and previous score always produce the same result.
// A nil previous score (first computation) reads as a stable trend.
func ComputeChurnRisk(m models.HealthMetrics, previous *float64) models.HealthResult {
	var r models.HealthResult

	// Declining more than half of assigned visits maxes this component.
	if m.VisitsAssigned30d > 0 {
		declineRate := float64(m.VisitsDeclined30d) / float64(m.VisitsAssigned30d) * 100
		r.DeclineRateScore = minFloat(declineRate*0.6, churnDeclineCap)
	}

	// Volume drops are penalized; growth is not rewarded. No baseline and
	// no current activity reads as moderate disengagement.
	if m.VisitsPrevious30d > 0 {
		change := float64(m.VisitsPrevious30d-m.VisitsLast30d) / float64(m.VisitsPrevious30d) * 100
		r.VolumeChangeScore = minFloat(maxFloat(change*0.5, 0), churnVolumeCap)
	} else if m.VisitsLast30d == 0 {
		r.VolumeChangeScore = 15
	}

	daysInactive := m.DaysSinceLastVisit
	if m.DaysSinceLastLogin < daysInactive {
		daysInactive = m.DaysSinceLastLogin
	}
	switch {
	case daysInactive > 60:
		r.InactivityScore = churnInactiveCap
	case daysInactive > 30:
		r.InactivityScore = 15
	case daysInactive > 14:
		r.InactivityScore = 10
	case daysInactive > 7:
		r.InactivityScore = 5
	}

	r.PaymentIssueScore = minFloat(float64(m.PaymentComplaints)*5, churnPaymentCap)
	r.FeedbackScore = minFloat(float64(m.NegativeFeedbackCount)*3, churnFeedbackCap)

	r.ChurnRiskScore = r.DeclineRateScore + r.VolumeChangeScore +
		r.InactivityScore + r.PaymentIssueScore + r.FeedbackScore

	r.RiskLevel = ClassifyRisk(r.ChurnRiskScore)

	r.RiskTrend = models.TrendStable
	if previous != nil {
		switch {
		case r.ChurnRiskScore < *previous-trendWindow:
			r.RiskTrend = models.TrendImproving
		case r.ChurnRiskScore > *previous+trendWindow:
			r.RiskTrend = models.TrendDeclining
		}
	}

	return r
}

// ClassifyRisk maps a churn score onto its band.
func ClassifyRisk(score float64) models.RiskLevel {
	switch {
	case score >= riskCriticalAt:
		return models.RiskCritical
	case score >= riskHighAt:
		return models.RiskHigh
	case score >= riskMediumAt:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Intervention is a suggested retention action derived from the dominant
// risk component.
type Intervention struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// SuggestIntervention is the rule-based fallback behind the AI advisor:
// it maps the dominant risk component to the retention action coordinators
// reach for in that situation.
func SuggestIntervention(result models.HealthResult, m models.HealthMetrics) Intervention {
	type component struct {
		name  string
		score float64
	}
	components := []component{
		{"decline", result.DeclineRateScore},
		{"volume", result.VolumeChangeScore},
		{"inactivity", result.InactivityScore},
		{"payment", result.PaymentIssueScore},
		{"feedback", result.FeedbackScore},
	}
	dominant := components[0]
	for _, c := range components[1:] {
		if c.score > dominant.score {
			dominant = c
		}
	}

	switch {
	case dominant.name == "decline" && dominant.score >= 15:
		return Intervention{
			Action: "workload",
			Reason: fmt.Sprintf("Partner declined %d visits recently. Review and adjust their workload to fit their availability.", m.VisitsDeclined30d),
		}
	case dominant.name == "inactivity" && dominant.score >= 15:
		if m.DaysSinceLastVisit > 30 {
			return Intervention{
				Action: "meeting",
				Reason: fmt.Sprintf("Partner inactive for %d days. An in-person meeting helps rebuild the relationship.", m.DaysSinceLastVisit),
			}
		}
		return Intervention{
			Action: "call",
			Reason: "Early disengagement signs detected. A quick call can surface issues before they escalate.",
		}
	case dominant.name == "payment" && dominant.score >= 10:
		return Intervention{
			Action: "bonus",
			Reason: fmt.Sprintf("Partner has %d payment-related complaints. Discuss compensation or review payment terms.", m.PaymentComplaints),
		}
	case dominant.name == "volume" && dominant.score >= 15:
		return Intervention{
			Action: "call",
			Reason: "Visit volume dropped significantly. Call to understand if there are issues with assignments or personal circumstances.",
		}
	case dominant.name == "feedback" && dominant.score >= 5:
		return Intervention{
			Action: "meeting",
			Reason: fmt.Sprintf("Partner received %d negative feedback items. Meet to discuss concerns and agree an improvement plan.", m.NegativeFeedbackCount),
		}
	}

	switch result.RiskLevel {
	case models.RiskCritical:
		return Intervention{
			Action: "call",
			Reason: "Critical risk level. Call the partner today to understand their situation and prevent churn.",
		}
	case models.RiskHigh:
		return Intervention{
			Action: "whatsapp",
			Reason: "High risk level. A WhatsApp message is a quick, personal touchpoint that opens the door for conversation.",
		}
	case models.RiskMedium:
		return Intervention{
			Action: "email",
			Reason: "Medium risk. A friendly check-in email maintains the relationship.",
		}
	default:
		return Intervention{
			Action: "email",
			Reason: "Low risk. Periodic check-ins keep communication open.",
		}
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
