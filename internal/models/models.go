package models

import "time"

type VisitState string

const (
	VisitDraft      VisitState = "draft"
	VisitAssigned   VisitState = "assigned"
	VisitConfirmed  VisitState = "confirmed"
	VisitInProgress VisitState = "in_progress"
	VisitDone       VisitState = "done"
	VisitCancelled  VisitState = "cancelled"
)

// Active reports whether the visit still occupies the partner's schedule.
func (s VisitState) Active() bool {
	return s != VisitDone && s != VisitCancelled
}

// Visit is a scheduled OHS service appointment at a client installation.
// StartTime and EndTime are fractional hours within [0,24), start < end.
type Visit struct {
	ID             string     `json:"id"`
	PartnerID      *string    `json:"partner_id"`
	ClientID       string     `json:"client_id"`
	InstallationID string     `json:"installation_id"`
	VisitDate      *time.Time `json:"visit_date"`
	State          VisitState `json:"state"`
	StartTime      float64    `json:"start_time"`
	EndTime        float64    `json:"end_time"`
	Rating         *float64   `json:"rating,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Duration returns the visit length in fractional hours.
func (v Visit) Duration() float64 {
	if v.EndTime <= v.StartTime {
		return 0
	}
	return v.EndTime - v.StartTime
}

// Partner is an external OHS professional (physician or safety engineer).
type Partner struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Specialty        string     `json:"specialty"`
	City             string     `json:"city"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email"`
	IsServicePartner bool       `json:"is_service_partner"`
	Active           bool       `json:"active"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
}

// Client is a company purchasing OHS services.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City string `json:"city"`
}

// Installation is a client site where visits take place.
type Installation struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	City     string `json:"city"`
	Address  string `json:"address"`
}

// Relationship aggregates visit history for one (partner, client) pair.
// One row per pair; updated incrementally when a visit completes.
type Relationship struct {
	PartnerID            string     `json:"partner_id"`
	ClientID             string     `json:"client_id"`
	TotalVisits          int        `json:"total_visits"`
	CompletedVisits      int        `json:"completed_visits"`
	CancelledVisits      int        `json:"cancelled_visits"`
	AvgRating            float64    `json:"avg_rating"`
	RatedVisits          int        `json:"rated_visits"`
	OnTimeRate           float64    `json:"on_time_rate"`
	FirstVisitDate       *time.Time `json:"first_visit_date,omitempty"`
	LastVisitDate        *time.Time `json:"last_visit_date,omitempty"`
	InstallationsVisited int        `json:"installations_visited"`
	RelationshipScore    float64    `json:"relationship_score"`
}

// Recommendation is a transient scoring result for one candidate partner.
// Never persisted; recomputed from current visit/relationship state.
type Recommendation struct {
	PartnerID           string  `json:"partner_id"`
	PartnerName         string  `json:"partner_name"`
	PartnerSpecialty    string  `json:"partner_specialty"`
	PartnerCity         string  `json:"partner_city"`
	TotalScore          float64 `json:"total_score"`
	RelationshipScore   float64 `json:"relationship_score"`
	AvailabilityScore   float64 `json:"availability_score"`
	PerformanceScore    float64 `json:"performance_score"`
	ProximityScore      float64 `json:"proximity_score"`
	WorkloadScore       float64 `json:"workload_score"`
	RelationshipDetails string  `json:"relationship_details"`
	AvailabilityDetails string  `json:"availability_details"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type RiskTrend string

const (
	TrendImproving RiskTrend = "improving"
	TrendStable    RiskTrend = "stable"
	TrendDeclining RiskTrend = "declining"
)

type TicketState string

const (
	TicketOpen       TicketState = "open"
	TicketInProgress TicketState = "in_progress"
	TicketResolved   TicketState = "resolved"
	TicketClosed     TicketState = "closed"
)

// HealthMetrics is the raw 30/60/90-day activity snapshot a churn-risk
// computation runs on. DaysSinceLastVisit/Login default to 999 when the
// partner has never completed a visit or never logged in.
type HealthMetrics struct {
	PartnerID             string    `json:"partner_id"`
	ComputedDate          time.Time `json:"computed_date"`
	VisitsLast30d         int       `json:"visits_last_30d"`
	VisitsPrevious30d     int       `json:"visits_previous_30d"`
	VisitsDeclined30d     int       `json:"visits_declined_30d"`
	VisitsAssigned30d     int       `json:"visits_assigned_30d"`
	DaysSinceLastVisit    int       `json:"days_since_last_visit"`
	DaysSinceLastLogin    int       `json:"days_since_last_login"`
	PaymentComplaints     int       `json:"payment_complaints"`
	NegativeFeedbackCount int       `json:"negative_feedback_count"`
}

// HealthResult holds the five component scores and the derived
// classification. ChurnRiskScore is the exact sum of the components.
type HealthResult struct {
	DeclineRateScore  float64   `json:"decline_rate_score"`
	VolumeChangeScore float64   `json:"volume_change_score"`
	InactivityScore   float64   `json:"inactivity_score"`
	PaymentIssueScore float64   `json:"payment_issue_score"`
	FeedbackScore     float64   `json:"feedback_score"`
	ChurnRiskScore    float64   `json:"churn_risk_score"`
	RiskLevel         RiskLevel `json:"risk_level"`
	RiskTrend         RiskTrend `json:"risk_trend"`
}

// HealthSnapshot is the persisted daily health row, one per (partner, date).
// Ticket fields are owned by the coordinator workflow and never feed back
// into the score.
type HealthSnapshot struct {
	PartnerID         string        `json:"partner_id"`
	PartnerName       string        `json:"partner_name,omitempty"`
	Metrics           HealthMetrics `json:"metrics"`
	Result            HealthResult  `json:"result"`
	PreviousRiskScore *float64      `json:"previous_risk_score,omitempty"`
	TicketState       TicketState   `json:"ticket_state"`
	ResolutionOutcome string        `json:"resolution_outcome,omitempty"`
	ResolutionNotes   string        `json:"resolution_notes,omitempty"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
}

// Run records one batch health computation.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Status     string     `json:"status"`
	Summary    []byte     `json:"summary"`
}
