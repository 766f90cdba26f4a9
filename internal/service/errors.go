package service

import "fmt"

// NotFoundError reports a missing visit/partner/client reference.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ValidationError reports an ineligible partner or an invalid field value.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

// ConflictError reports a lost concurrent-assignment race.
type ConflictError struct {
	VisitID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("visit %q was modified by a concurrent request", e.VisitID)
}
