package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wfm_ohs/backend/internal/models"
)

func TestDeclineRateScore(t *testing.T) {
	m := models.HealthMetrics{
		VisitsAssigned30d: 10,
		VisitsDeclined30d: 5,
		// keep the other components quiet
		VisitsLast30d:      5,
		VisitsPrevious30d:  5,
		DaysSinceLastVisit: 1,
		DaysSinceLastLogin: 1,
	}
	r := ComputeChurnRisk(m, nil)
	require.Equal(t, 30.0, r.DeclineRateScore, "50%% decline rate hits the cap")

	m.VisitsDeclined30d = 0
	r = ComputeChurnRisk(m, nil)
	require.Zero(t, r.DeclineRateScore)

	m.VisitsAssigned30d = 0
	m.VisitsDeclined30d = 3
	r = ComputeChurnRisk(m, nil)
	require.Zero(t, r.DeclineRateScore, "nothing assigned means no decline signal")
}

func TestVolumeChangeScore(t *testing.T) {
	base := models.HealthMetrics{DaysSinceLastVisit: 1, DaysSinceLastLogin: 1}

	m := base
	m.VisitsPrevious30d = 10
	m.VisitsLast30d = 5
	require.Equal(t, 25.0, ComputeChurnRisk(m, nil).VolumeChangeScore, "50%% drop hits the cap")

	m.VisitsLast30d = 8
	require.Equal(t, 10.0, ComputeChurnRisk(m, nil).VolumeChangeScore)

	m.VisitsLast30d = 20
	require.Zero(t, ComputeChurnRisk(m, nil).VolumeChangeScore, "growth is not penalized")

	m = base
	m.VisitsPrevious30d = 0
	m.VisitsLast30d = 0
	require.Equal(t, 15.0, ComputeChurnRisk(m, nil).VolumeChangeScore, "no activity either period")

	m.VisitsLast30d = 4
	require.Zero(t, ComputeChurnRisk(m, nil).VolumeChangeScore, "new partner ramping up")
}

func TestInactivityScore(t *testing.T) {
	cases := []struct {
		visitDays, loginDays int
		want                 float64
	}{
		{3, 3, 0},
		{8, 8, 5},
		{15, 15, 10},
		{31, 31, 15},
		{61, 61, 20},
		{neverDays, neverDays, 20},
		// the fresher of the two signals wins
		{61, 3, 0},
		{3, 61, 0},
		{40, 20, 10},
	}
	for _, tc := range cases {
		m := models.HealthMetrics{
			VisitsLast30d:      1,
			VisitsPrevious30d:  1,
			DaysSinceLastVisit: tc.visitDays,
			DaysSinceLastLogin: tc.loginDays,
		}
		r := ComputeChurnRisk(m, nil)
		require.Equalf(t, tc.want, r.InactivityScore, "visit=%d login=%d", tc.visitDays, tc.loginDays)
	}
}

func TestPaymentAndFeedbackCaps(t *testing.T) {
	m := models.HealthMetrics{
		VisitsLast30d:      1,
		VisitsPrevious30d:  1,
		DaysSinceLastVisit: 1,
		DaysSinceLastLogin: 1,
		PaymentComplaints:  2,
	}
	require.Equal(t, 10.0, ComputeChurnRisk(m, nil).PaymentIssueScore)
	m.PaymentComplaints = 7
	require.Equal(t, 15.0, ComputeChurnRisk(m, nil).PaymentIssueScore, "capped at 15")

	m.PaymentComplaints = 0
	m.NegativeFeedbackCount = 2
	require.Equal(t, 6.0, ComputeChurnRisk(m, nil).FeedbackScore)
	m.NegativeFeedbackCount = 9
	require.Equal(t, 10.0, ComputeChurnRisk(m, nil).FeedbackScore, "capped at 10")
}

func TestTotalIsComponentSum(t *testing.T) {
	m := models.HealthMetrics{
		VisitsAssigned30d:     10,
		VisitsDeclined30d:     2,
		VisitsLast30d:         3,
		VisitsPrevious30d:     6,
		DaysSinceLastVisit:    20,
		DaysSinceLastLogin:    45,
		PaymentComplaints:     1,
		NegativeFeedbackCount: 1,
	}
	r := ComputeChurnRisk(m, nil)
	sum := r.DeclineRateScore + r.VolumeChangeScore + r.InactivityScore +
		r.PaymentIssueScore + r.FeedbackScore
	require.Equal(t, sum, r.ChurnRiskScore)
	require.GreaterOrEqual(t, r.ChurnRiskScore, 0.0)
	require.LessOrEqual(t, r.ChurnRiskScore, 100.0)
}

func TestClassifyRisk(t *testing.T) {
	require.Equal(t, models.RiskLow, ClassifyRisk(0))
	require.Equal(t, models.RiskLow, ClassifyRisk(29.9))
	require.Equal(t, models.RiskMedium, ClassifyRisk(30))
	require.Equal(t, models.RiskMedium, ClassifyRisk(49.9))
	require.Equal(t, models.RiskHigh, ClassifyRisk(50))
	require.Equal(t, models.RiskHigh, ClassifyRisk(69.9))
	require.Equal(t, models.RiskCritical, ClassifyRisk(70))
	require.Equal(t, models.RiskCritical, ClassifyRisk(100))
}

func TestRiskTrend(t *testing.T) {
	// 999-day inactivity plus zero volume both ways: 20 + 15 = 35.
	m := models.HealthMetrics{
		DaysSinceLastVisit: neverDays,
		DaysSinceLastLogin: neverDays,
	}

	require.Equal(t, models.TrendStable, ComputeChurnRisk(m, nil).RiskTrend, "first computation has no baseline")

	prev := 60.0
	require.Equal(t, models.TrendImproving, ComputeChurnRisk(m, &prev).RiskTrend)

	prev = 10.0
	require.Equal(t, models.TrendDeclining, ComputeChurnRisk(m, &prev).RiskTrend)

	prev = 33.0
	require.Equal(t, models.TrendStable, ComputeChurnRisk(m, &prev).RiskTrend, "within the dead band")

	// A recorded zero is a real baseline, not a missing one.
	prev = 0.0
	require.Equal(t, models.TrendDeclining, ComputeChurnRisk(m, &prev).RiskTrend)
}

func TestSuggestInterventionDominantComponent(t *testing.T) {
	m := models.HealthMetrics{
		VisitsAssigned30d:  10,
		VisitsDeclined30d:  5,
		VisitsLast30d:      5,
		VisitsPrevious30d:  5,
		DaysSinceLastVisit: 1,
		DaysSinceLastLogin: 1,
	}
	r := ComputeChurnRisk(m, nil)
	iv := SuggestIntervention(r, m)
	require.Equal(t, "workload", iv.Action)
	require.Contains(t, iv.Reason, "declined 5 visits")

	m = models.HealthMetrics{
		VisitsLast30d:      1,
		VisitsPrevious30d:  1,
		DaysSinceLastVisit: 45,
		DaysSinceLastLogin: 45,
	}
	r = ComputeChurnRisk(m, nil)
	iv = SuggestIntervention(r, m)
	require.Equal(t, "meeting", iv.Action)

	m = models.HealthMetrics{
		VisitsLast30d:      1,
		VisitsPrevious30d:  1,
		DaysSinceLastVisit: 1,
		DaysSinceLastLogin: 1,
		PaymentComplaints:  3,
	}
	r = ComputeChurnRisk(m, nil)
	iv = SuggestIntervention(r, m)
	require.Equal(t, "bonus", iv.Action)
}

func TestSuggestInterventionLevelFallback(t *testing.T) {
	// All components weak: fall through to the risk-level defaults.
	m := models.HealthMetrics{
		VisitsLast30d:      1,
		VisitsPrevious30d:  1,
		DaysSinceLastVisit: 8,
		DaysSinceLastLogin: 8,
	}
	r := ComputeChurnRisk(m, nil)
	require.Equal(t, models.RiskLow, r.RiskLevel)
	require.Equal(t, "email", SuggestIntervention(r, m).Action)

	r.RiskLevel = models.RiskCritical
	require.Equal(t, "call", SuggestIntervention(r, m).Action)

	r.RiskLevel = models.RiskHigh
	require.Equal(t, "whatsapp", SuggestIntervention(r, m).Action)
}
