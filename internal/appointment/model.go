package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/scheduling"
)

type AppointmentStatus string

const (
	StatusRequested AppointmentStatus = "requested"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusRequested: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the booking lifecycle.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type Patient struct {
	ID               uuid.UUID
	Name             string
	Phone            string // E.164
	Email            *string
	PreferredChannel outbox.Channel
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	ProfessionalID uuid.UUID
	Start          time.Time
	End            time.Time
	Status         AppointmentStatus
	CancelReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Appointment) Interval() scheduling.Interval {
	return scheduling.Interval{Start: a.Start, End: a.End}
}

// ActiveIntervals returns the intervals of appointments that still hold
// their time.
func ActiveIntervals(appts []Appointment) []scheduling.Interval {
	out := make([]scheduling.Interval, 0, len(appts))
	for _, a := range appts {
		if a.Status == StatusCancelled {
			continue
		}
		out = append(out, a.Interval())
	}
	return out
}

// Slot is a bookable start time for a professional.
type Slot struct {
	ProfessionalID uuid.UUID
	Date           civiltime.Date
	Time           civiltime.TimeOfDay
	Start          time.Time
	End            time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Patient          *Patient
	ProfessionalName string
}
