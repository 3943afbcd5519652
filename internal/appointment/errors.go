package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound         = errors.New("patient not found")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrSlotConflict            = errors.New("slot is no longer available")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	// ErrNotificationUnavailable means the patient cannot be notified on
	// their channel with the current gateway configuration.
	ErrNotificationUnavailable = errors.New("notification channel not configured")
	// ErrStaleStatus is returned by the repository when the row left the
	// expected status before the update ran.
	ErrStaleStatus = errors.New("appointment status changed concurrently")
)

// ValidationError is a request the caller must fix before retrying.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
