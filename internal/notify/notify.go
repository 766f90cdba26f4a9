package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wfm_ohs/backend/internal/models"
)

// Dispatcher delivers assignment notifications to partners. Delivery is
// best-effort; a failed notification never fails the assignment.
type Dispatcher interface {
	VisitAssigned(ctx context.Context, partner models.Partner, visit models.Visit) error
}

// LogDispatcher writes notifications to the structured log. Stands in for
// the SMS/email gateway in dev and test environments.
type LogDispatcher struct {
	Logger zerolog.Logger
}

func (d LogDispatcher) VisitAssigned(ctx context.Context, partner models.Partner, visit models.Visit) error {
	evt := d.Logger.Info().
		Str("partner_id", partner.ID).
		Str("partner_email", partner.Email).
		Str("visit_id", visit.ID)
	if visit.VisitDate != nil {
		evt = evt.Str("visit_date", visit.VisitDate.Format("2006-01-02"))
	}
	evt.Msg("visit assigned notification")
	return nil
}
