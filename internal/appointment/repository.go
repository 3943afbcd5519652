package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/scheduling"
)

// Transition is a status change applied atomically with its side effects.
type Transition struct {
	ID     uuid.UUID
	From   []AppointmentStatus
	To     AppointmentStatus
	Reason *string
	At     time.Time
	// Drafts are enqueued in the same transaction.
	Drafts []outbox.Draft
	// SuppressReminders fails reminders still pending for the appointment.
	SuppressReminders bool
	Event             EventLog
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// UpsertPatient inserts or, when the phone is already registered,
	// updates the patient with that phone.
	UpsertPatient(ctx context.Context, p Patient) (*Patient, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// FindOverlapping returns non-cancelled appointments of the professional
	// that overlap iv.
	FindOverlapping(ctx context.Context, professionalID uuid.UUID, iv scheduling.Interval) ([]Appointment, error)
	// InsertIfAbsent creates the appointment unless it overlaps an active one,
	// in which case it returns ErrSlotConflict and writes nothing.
	InsertIfAbsent(ctx context.Context, a Appointment) (*Appointment, error)

	// ApplyTransition returns ErrStaleStatus when the row is not in one of
	// t.From.
	ApplyTransition(ctx context.Context, t Transition) (*Appointment, error)
}
