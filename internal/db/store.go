package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wfm_ohs/backend/internal/models"
	"github.com/wfm_ohs/backend/internal/service"
)

// Store wraps the pgx pool. Expected tables:
//
//	partners(id, name, specialty, city, phone, email, is_service_partner, active, last_login_at)
//	clients(id, name, city)
//	installations(id, client_id, name, city, address)
//	visits(id, partner_id, client_id, installation_id, visit_date, state, start_time, end_time, rating, created_at)
//	partner_client_relationships(partner_id, client_id, ... aggregates, UNIQUE(partner_id, client_id))
//	partner_health(partner_id, computed_date, ... metrics + scores + ticket fields, UNIQUE(partner_id, computed_date))
//	partner_complaints(id, partner_id, category, created_at)
//	partner_feedback(id, partner_id, sentiment, created_at)
//	runs(id, started_at, finished_at, status, summary)
type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- bulk import ----

func (s *Store) InsertPartners(ctx context.Context, partners []models.Partner) (int64, error) {
	rows := make([][]any, 0, len(partners))
	for _, p := range partners {
		rows = append(rows, []any{p.ID, p.Name, p.Specialty, p.City, p.Phone, p.Email, p.IsServicePartner, p.Active, p.LastLoginAt})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"partners"}, []string{"id", "name", "specialty", "city", "phone", "email", "is_service_partner", "active", "last_login_at"}, pgx.CopyFromRows(rows))
}

func (s *Store) InsertClients(ctx context.Context, clients []models.Client) (int64, error) {
	rows := make([][]any, 0, len(clients))
	for _, c := range clients {
		rows = append(rows, []any{c.ID, c.Name, c.City})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"clients"}, []string{"id", "name", "city"}, pgx.CopyFromRows(rows))
}

func (s *Store) InsertInstallations(ctx context.Context, installations []models.Installation) (int64, error) {
	rows := make([][]any, 0, len(installations))
	for _, inst := range installations {
		rows = append(rows, []any{inst.ID, inst.ClientID, inst.Name, inst.City, inst.Address})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"installations"}, []string{"id", "client_id", "name", "city", "address"}, pgx.CopyFromRows(rows))
}

func (s *Store) InsertVisits(ctx context.Context, visits []models.Visit) (int64, error) {
	rows := make([][]any, 0, len(visits))
	for _, v := range visits {
		rows = append(rows, []any{v.ID, v.PartnerID, v.ClientID, v.InstallationID, v.VisitDate, string(v.State), v.StartTime, v.EndTime, v.Rating, v.CreatedAt})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"visits"}, []string{"id", "partner_id", "client_id", "installation_id", "visit_date", "state", "start_time", "end_time", "rating", "created_at"}, pgx.CopyFromRows(rows))
}

// ---- visits ----

const visitColumns = `id, partner_id, client_id, installation_id, visit_date, state, start_time, end_time, rating, created_at`

func scanVisit(row pgx.Row) (models.Visit, error) {
	var v models.Visit
	err := row.Scan(&v.ID, &v.PartnerID, &v.ClientID, &v.InstallationID, &v.VisitDate, &v.State, &v.StartTime, &v.EndTime, &v.Rating, &v.CreatedAt)
	return v, err
}

func (s *Store) GetVisit(ctx context.Context, id string) (*models.Visit, error) {
	v, err := scanVisit(s.Pool.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListVisits(ctx context.Context, state, partnerID, clientID string, from, to *time.Time, limit, offset int) ([]map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT v.id, v.partner_id, v.client_id, v.installation_id, v.visit_date, v.state,
		v.start_time, v.end_time, v.rating, v.created_at,
		p.name, c.name, i.name, i.city
		FROM visits v
		LEFT JOIN partners p ON p.id = v.partner_id
		JOIN clients c ON c.id = v.client_id
		JOIN installations i ON i.id = v.installation_id`
	var args []any
	var wheres []string
	if state != "" {
		args = append(args, state)
		wheres = append(wheres, fmt.Sprintf("v.state = $%d", len(args)))
	}
	if partnerID != "" {
		args = append(args, partnerID)
		wheres = append(wheres, fmt.Sprintf("v.partner_id = $%d", len(args)))
	}
	if clientID != "" {
		args = append(args, clientID)
		wheres = append(wheres, fmt.Sprintf("v.client_id = $%d", len(args)))
	}
	if from != nil {
		args = append(args, *from)
		wheres = append(wheres, fmt.Sprintf("v.visit_date >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		wheres = append(wheres, fmt.Sprintf("v.visit_date <= $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY v.visit_date DESC NULLS LAST, v.id ASC LIMIT $" + fmt.Sprint(len(args)+1) + " OFFSET $" + fmt.Sprint(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			v           models.Visit
			partnerName *string
			clientName  string
			instName    string
			instCity    string
		)
		if err := rows.Scan(&v.ID, &v.PartnerID, &v.ClientID, &v.InstallationID, &v.VisitDate, &v.State,
			&v.StartTime, &v.EndTime, &v.Rating, &v.CreatedAt,
			&partnerName, &clientName, &instName, &instCity); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"id":                v.ID,
			"partner_id":        v.PartnerID,
			"partner_name":      partnerName,
			"client_id":         v.ClientID,
			"client_name":       clientName,
			"installation_id":   v.InstallationID,
			"installation_name": instName,
			"installation_city": instCity,
			"visit_date":        v.VisitDate,
			"state":             v.State,
			"start_time":        v.StartTime,
			"end_time":          v.EndTime,
			"duration":          v.Duration(),
			"rating":            v.Rating,
			"created_at":        v.CreatedAt,
		})
	}
	return out, rows.Err()
}

func (s *Store) GetVisitDetails(ctx context.Context, visitID string) (map[string]any, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT v.id, v.partner_id, v.client_id, v.installation_id, v.visit_date, v.state,
			v.start_time, v.end_time, v.rating, v.created_at,
			p.name, p.specialty, p.city,
			c.name, c.city,
			i.name, i.city, i.address
		FROM visits v
		LEFT JOIN partners p ON p.id = v.partner_id
		JOIN clients c ON c.id = v.client_id
		JOIN installations i ON i.id = v.installation_id
		WHERE v.id = $1
	`, visitID)

	var (
		v                models.Visit
		partnerName      *string
		partnerSpecialty *string
		partnerCity      *string
		clientName       string
		clientCity       string
		instName         string
		instCity         string
		instAddress      string
	)
	if err := row.Scan(&v.ID, &v.PartnerID, &v.ClientID, &v.InstallationID, &v.VisitDate, &v.State,
		&v.StartTime, &v.EndTime, &v.Rating, &v.CreatedAt,
		&partnerName, &partnerSpecialty, &partnerCity,
		&clientName, &clientCity,
		&instName, &instCity, &instAddress); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	result := map[string]any{
		"visit": v,
		"client": map[string]any{
			"id":   v.ClientID,
			"name": clientName,
			"city": clientCity,
		},
		"installation": map[string]any{
			"id":      v.InstallationID,
			"name":    instName,
			"city":    instCity,
			"address": instAddress,
		},
	}
	if v.PartnerID != nil {
		result["partner"] = map[string]any{
			"id":        *v.PartnerID,
			"name":      partnerName,
			"specialty": partnerSpecialty,
			"city":      partnerCity,
		}
	}
	return result, nil
}

// CountVisits translates the query filter into a dynamic WHERE clause.
// From/To are inclusive date bounds; OnDate matches the calendar day.
func (s *Store) CountVisits(ctx context.Context, q service.VisitQuery) (int, error) {
	query := `SELECT COUNT(*) FROM visits`
	var args []any
	var wheres []string
	if q.PartnerID != "" {
		args = append(args, q.PartnerID)
		wheres = append(wheres, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if q.ClientID != "" {
		args = append(args, q.ClientID)
		wheres = append(wheres, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if q.OnDate != nil {
		args = append(args, *q.OnDate)
		wheres = append(wheres, fmt.Sprintf("visit_date::date = $%d::date", len(args)))
	}
	if q.From != nil {
		args = append(args, *q.From)
		wheres = append(wheres, fmt.Sprintf("visit_date >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, *q.To)
		wheres = append(wheres, fmt.Sprintf("visit_date <= $%d", len(args)))
	}
	if len(q.InStates) > 0 {
		args = append(args, stateStrings(q.InStates))
		wheres = append(wheres, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if len(q.NotInStates) > 0 {
		args = append(args, stateStrings(q.NotInStates))
		wheres = append(wheres, fmt.Sprintf("state != ALL($%d)", len(args)))
	}
	if q.ExcludeID != "" {
		args = append(args, q.ExcludeID)
		wheres = append(wheres, fmt.Sprintf("id != $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}

	var count int
	err := s.Pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func stateStrings(states []models.VisitState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func (s *Store) LastCompletedVisitDate(ctx context.Context, partnerID string) (*time.Time, error) {
	var last *time.Time
	err := s.Pool.QueryRow(ctx, `
		SELECT MAX(visit_date) FROM visits WHERE partner_id = $1 AND state = 'done'
	`, partnerID).Scan(&last)
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (s *Store) CountDistinctInstallations(ctx context.Context, partnerID, clientID string) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT installation_id) FROM visits
		WHERE partner_id = $1 AND client_id = $2 AND state = 'done'
	`, partnerID, clientID).Scan(&count)
	return count, err
}

// AssignVisit is a compare-and-set: the update only lands when the row still
// carries the partner and state the caller saw. A false return means a
// concurrent request won.
func (s *Store) AssignVisit(ctx context.Context, visitID, partnerID string, expectPartner *string, fromState, toState models.VisitState) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE visits SET partner_id = $1, state = $2
		WHERE id = $3 AND state = $4 AND partner_id IS NOT DISTINCT FROM $5
	`, partnerID, string(toState), visitID, string(fromState), expectPartner)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateVisitState(ctx context.Context, visitID string, fromState, toState models.VisitState, rating *float64) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE visits SET state = $1, rating = COALESCE($2, rating)
		WHERE id = $3 AND state = $4
	`, string(toState), rating, visitID, string(fromState))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ---- partners ----

const partnerColumns = `id, name, specialty, city, phone, email, is_service_partner, active, last_login_at`

func scanPartner(row pgx.Row) (models.Partner, error) {
	var p models.Partner
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.City, &p.Phone, &p.Email, &p.IsServicePartner, &p.Active, &p.LastLoginAt)
	return p, err
}

func (s *Store) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	p, err := scanPartner(s.Pool.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListServicePartners(ctx context.Context) ([]models.Partner, error) {
	return s.listPartners(ctx, `SELECT `+partnerColumns+` FROM partners WHERE is_service_partner AND active ORDER BY name ASC, id ASC`)
}

func (s *Store) ListPartners(ctx context.Context, city, specialty string) ([]models.Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners`
	var args []any
	var wheres []string
	if city != "" {
		args = append(args, city)
		wheres = append(wheres, fmt.Sprintf("city ILIKE $%d", len(args)))
	}
	if specialty != "" {
		args = append(args, specialty)
		wheres = append(wheres, fmt.Sprintf("specialty = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY name ASC, id ASC"
	return s.listPartners(ctx, query, args...)
}

func (s *Store) listPartners(ctx context.Context, query string, args ...any) ([]models.Partner, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetInstallation(ctx context.Context, id string) (*models.Installation, error) {
	var inst models.Installation
	err := s.Pool.QueryRow(ctx, `SELECT id, client_id, name, city, address FROM installations WHERE id = $1`, id).
		Scan(&inst.ID, &inst.ClientID, &inst.Name, &inst.City, &inst.Address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

// ---- relationships ----

const relationshipColumns = `partner_id, client_id, total_visits, completed_visits, cancelled_visits,
	avg_rating, rated_visits, on_time_rate, first_visit_date, last_visit_date,
	installations_visited, relationship_score`

func scanRelationship(row pgx.Row) (models.Relationship, error) {
	var r models.Relationship
	err := row.Scan(&r.PartnerID, &r.ClientID, &r.TotalVisits, &r.CompletedVisits, &r.CancelledVisits,
		&r.AvgRating, &r.RatedVisits, &r.OnTimeRate, &r.FirstVisitDate, &r.LastVisitDate,
		&r.InstallationsVisited, &r.RelationshipScore)
	return r, err
}

func (s *Store) GetRelationship(ctx context.Context, partnerID, clientID string) (*models.Relationship, error) {
	r, err := scanRelationship(s.Pool.QueryRow(ctx, `
		SELECT `+relationshipColumns+` FROM partner_client_relationships
		WHERE partner_id = $1 AND client_id = $2
	`, partnerID, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListPartnerRelationships(ctx context.Context, partnerID string) ([]models.Relationship, error) {
	return s.listRelationships(ctx, `
		SELECT `+relationshipColumns+` FROM partner_client_relationships
		WHERE partner_id = $1 ORDER BY relationship_score DESC, client_id ASC
	`, partnerID)
}

func (s *Store) ListRelationships(ctx context.Context, partnerID, clientID string) ([]models.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM partner_client_relationships`
	var args []any
	var wheres []string
	if partnerID != "" {
		args = append(args, partnerID)
		wheres = append(wheres, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if clientID != "" {
		args = append(args, clientID)
		wheres = append(wheres, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY relationship_score DESC, partner_id ASC, client_id ASC"
	return s.listRelationships(ctx, query, args...)
}

func (s *Store) listRelationships(ctx context.Context, query string, args ...any) ([]models.Relationship, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveRelationship(ctx context.Context, rel models.Relationship) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO partner_client_relationships (partner_id, client_id, total_visits, completed_visits, cancelled_visits,
			avg_rating, rated_visits, on_time_rate, first_visit_date, last_visit_date,
			installations_visited, relationship_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (partner_id, client_id) DO UPDATE SET
			total_visits = EXCLUDED.total_visits,
			completed_visits = EXCLUDED.completed_visits,
			cancelled_visits = EXCLUDED.cancelled_visits,
			avg_rating = EXCLUDED.avg_rating,
			rated_visits = EXCLUDED.rated_visits,
			on_time_rate = EXCLUDED.on_time_rate,
			first_visit_date = EXCLUDED.first_visit_date,
			last_visit_date = EXCLUDED.last_visit_date,
			installations_visited = EXCLUDED.installations_visited,
			relationship_score = EXCLUDED.relationship_score
	`, rel.PartnerID, rel.ClientID, rel.TotalVisits, rel.CompletedVisits, rel.CancelledVisits,
		rel.AvgRating, rel.RatedVisits, rel.OnTimeRate, rel.FirstVisitDate, rel.LastVisitDate,
		rel.InstallationsVisited, rel.RelationshipScore)
	return err
}

// ---- complaints / feedback ----

func (s *Store) CountPaymentComplaints(ctx context.Context, partnerID string, since time.Time) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM partner_complaints
		WHERE partner_id = $1 AND category = 'payment' AND created_at >= $2
	`, partnerID, since).Scan(&count)
	return count, err
}

func (s *Store) CountNegativeFeedback(ctx context.Context, partnerID string, since time.Time) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM partner_feedback
		WHERE partner_id = $1 AND sentiment = 'negative' AND created_at >= $2
	`, partnerID, since).Scan(&count)
	return count, err
}

// ---- health ----

const healthColumns = `h.partner_id, h.computed_date,
	h.visits_last_30d, h.visits_previous_30d, h.visits_declined_30d, h.visits_assigned_30d,
	h.days_since_last_visit, h.days_since_last_login, h.payment_complaints, h.negative_feedback_count,
	h.decline_rate_score, h.volume_change_score, h.inactivity_score, h.payment_issue_score, h.feedback_score,
	h.churn_risk_score, h.risk_level, h.risk_trend, h.previous_risk_score,
	h.ticket_state, h.resolution_outcome, h.resolution_notes, h.resolved_at`

func scanHealth(row pgx.Row, withName bool) (models.HealthSnapshot, error) {
	var snap models.HealthSnapshot
	var outcome, notes *string
	dest := []any{
		&snap.PartnerID, &snap.Metrics.ComputedDate,
		&snap.Metrics.VisitsLast30d, &snap.Metrics.VisitsPrevious30d, &snap.Metrics.VisitsDeclined30d, &snap.Metrics.VisitsAssigned30d,
		&snap.Metrics.DaysSinceLastVisit, &snap.Metrics.DaysSinceLastLogin, &snap.Metrics.PaymentComplaints, &snap.Metrics.NegativeFeedbackCount,
		&snap.Result.DeclineRateScore, &snap.Result.VolumeChangeScore, &snap.Result.InactivityScore, &snap.Result.PaymentIssueScore, &snap.Result.FeedbackScore,
		&snap.Result.ChurnRiskScore, &snap.Result.RiskLevel, &snap.Result.RiskTrend, &snap.PreviousRiskScore,
		&snap.TicketState, &outcome, &notes, &snap.ResolvedAt,
	}
	if withName {
		dest = append(dest, &snap.PartnerName)
	}
	if err := row.Scan(dest...); err != nil {
		return snap, err
	}
	if outcome != nil {
		snap.ResolutionOutcome = *outcome
	}
	if notes != nil {
		snap.ResolutionNotes = *notes
	}
	snap.Metrics.PartnerID = snap.PartnerID
	return snap, nil
}

func (s *Store) LatestHealthBefore(ctx context.Context, partnerID string, date time.Time) (*models.HealthSnapshot, error) {
	snap, err := scanHealth(s.Pool.QueryRow(ctx, `
		SELECT `+healthColumns+` FROM partner_health h
		WHERE h.partner_id = $1 AND h.computed_date < $2
		ORDER BY h.computed_date DESC LIMIT 1
	`, partnerID, date), false)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (s *Store) UpsertHealth(ctx context.Context, snap models.HealthSnapshot) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO partner_health (partner_id, computed_date,
			visits_last_30d, visits_previous_30d, visits_declined_30d, visits_assigned_30d,
			days_since_last_visit, days_since_last_login, payment_complaints, negative_feedback_count,
			decline_rate_score, volume_change_score, inactivity_score, payment_issue_score, feedback_score,
			churn_risk_score, risk_level, risk_trend, previous_risk_score, ticket_state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (partner_id, computed_date) DO UPDATE SET
			visits_last_30d = EXCLUDED.visits_last_30d,
			visits_previous_30d = EXCLUDED.visits_previous_30d,
			visits_declined_30d = EXCLUDED.visits_declined_30d,
			visits_assigned_30d = EXCLUDED.visits_assigned_30d,
			days_since_last_visit = EXCLUDED.days_since_last_visit,
			days_since_last_login = EXCLUDED.days_since_last_login,
			payment_complaints = EXCLUDED.payment_complaints,
			negative_feedback_count = EXCLUDED.negative_feedback_count,
			decline_rate_score = EXCLUDED.decline_rate_score,
			volume_change_score = EXCLUDED.volume_change_score,
			inactivity_score = EXCLUDED.inactivity_score,
			payment_issue_score = EXCLUDED.payment_issue_score,
			feedback_score = EXCLUDED.feedback_score,
			churn_risk_score = EXCLUDED.churn_risk_score,
			risk_level = EXCLUDED.risk_level,
			risk_trend = EXCLUDED.risk_trend,
			previous_risk_score = EXCLUDED.previous_risk_score,
			ticket_state = EXCLUDED.ticket_state
	`, snap.PartnerID, snap.Metrics.ComputedDate,
		snap.Metrics.VisitsLast30d, snap.Metrics.VisitsPrevious30d, snap.Metrics.VisitsDeclined30d, snap.Metrics.VisitsAssigned30d,
		snap.Metrics.DaysSinceLastVisit, snap.Metrics.DaysSinceLastLogin, snap.Metrics.PaymentComplaints, snap.Metrics.NegativeFeedbackCount,
		snap.Result.DeclineRateScore, snap.Result.VolumeChangeScore, snap.Result.InactivityScore, snap.Result.PaymentIssueScore, snap.Result.FeedbackScore,
		snap.Result.ChurnRiskScore, string(snap.Result.RiskLevel), string(snap.Result.RiskTrend), snap.PreviousRiskScore, string(snap.TicketState))
	return err
}

// ListHealth returns the latest snapshot per partner, optionally filtered by
// risk level and ticket state.
func (s *Store) ListHealth(ctx context.Context, riskLevel, ticketState string, limit, offset int) ([]models.HealthSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT * FROM (
		SELECT DISTINCT ON (h.partner_id) ` + healthColumns + `, p.name
		FROM partner_health h
		JOIN partners p ON p.id = h.partner_id
		ORDER BY h.partner_id, h.computed_date DESC
	) latest`
	var args []any
	var wheres []string
	if riskLevel != "" {
		args = append(args, riskLevel)
		wheres = append(wheres, fmt.Sprintf("risk_level = $%d", len(args)))
	}
	if ticketState != "" {
		args = append(args, ticketState)
		wheres = append(wheres, fmt.Sprintf("ticket_state = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY churn_risk_score DESC, partner_id ASC LIMIT $" + fmt.Sprint(len(args)+1) + " OFFSET $" + fmt.Sprint(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HealthSnapshot
	for rows.Next() {
		snap, err := scanHealth(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetHealthHistory returns a partner's snapshots, newest first.
func (s *Store) GetHealthHistory(ctx context.Context, partnerID string, limit int) ([]models.HealthSnapshot, error) {
	if limit <= 0 || limit > 365 {
		limit = 30
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+healthColumns+`, p.name
		FROM partner_health h
		JOIN partners p ON p.id = h.partner_id
		WHERE h.partner_id = $1
		ORDER BY h.computed_date DESC LIMIT $2
	`, partnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HealthSnapshot
	for rows.Next() {
		snap, err := scanHealth(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// UpdateHealthTicket moves the partner's latest snapshot through the
// coordinator ticket workflow. Resolution fields are only written when the
// state lands on resolved or closed.
func (s *Store) UpdateHealthTicket(ctx context.Context, partnerID string, state models.TicketState, outcome, notes string) (bool, error) {
	var resolvedAt *time.Time
	if state == models.TicketResolved || state == models.TicketClosed {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE partner_health SET ticket_state = $1, resolution_outcome = $2, resolution_notes = $3, resolved_at = $4
		WHERE partner_id = $5 AND computed_date = (
			SELECT MAX(computed_date) FROM partner_health WHERE partner_id = $5
		)
	`, string(state), outcome, notes, resolvedAt, partnerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ---- runs ----

func (s *Store) CreateRun(ctx context.Context, status string) (string, error) {
	id := uuid.NewString()
	_, err := s.Pool.Exec(ctx, `INSERT INTO runs (id, status, started_at) VALUES ($1, $2, NOW())`, id, status)
	return id, err
}

func (s *Store) FinishRun(ctx context.Context, runID, status string, summary []byte) error {
	_, err := s.Pool.Exec(ctx, `UPDATE runs SET status = $1, summary = $2, finished_at = NOW() WHERE id = $3`, status, summary, runID)
	return err
}

func (s *Store) GetLatestRun(ctx context.Context) (*models.Run, error) {
	var r models.Run
	err := s.Pool.QueryRow(ctx, `SELECT id, started_at, finished_at, status, summary FROM runs ORDER BY started_at DESC LIMIT 1`).
		Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Summary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}
