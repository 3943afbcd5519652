package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/appointment"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
)

type RegisterPatientRequest struct {
	Name             string  `json:"name" validate:"required,min=2,max=120"`
	Phone            string  `json:"phone" validate:"required,max=32"`
	Email            *string `json:"email,omitempty" validate:"omitempty,email"`
	PreferredChannel string  `json:"preferred_channel,omitempty" validate:"omitempty,oneof=sms whatsapp"`
}

type CreateAppointmentRequest struct {
	ProfessionalID string    `json:"professional_id" validate:"required,uuid"`
	PatientID      string    `json:"patient_id" validate:"required,uuid"`
	Start          time.Time `json:"start" validate:"required"`
	End            time.Time `json:"end" validate:"required,gtfield=Start"`
}

type CancelAppointmentRequest struct {
	Reason        string `json:"reason" validate:"max=500"`
	NotifyPatient bool   `json:"notify_patient"`
}

type PatientResponse struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Phone            string    `json:"phone"`
	Email            *string   `json:"email,omitempty"`
	PreferredChannel string    `json:"preferred_channel"`
	CreatedAt        time.Time `json:"created_at"`
}

type SlotResponse struct {
	ProfessionalID uuid.UUID `json:"professional_id"`
	Date           string    `json:"date"`
	Time           string    `json:"time"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

type SlotListResponse struct {
	ProfessionalID uuid.UUID      `json:"professional_id"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Slots          []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID               uuid.UUID        `json:"id"`
	PatientID        uuid.UUID        `json:"patient_id"`
	ProfessionalID   uuid.UUID        `json:"professional_id"`
	ProfessionalName string           `json:"professional_name,omitempty"`
	Patient          *PatientResponse `json:"patient,omitempty"`
	Start            time.Time        `json:"start"`
	End              time.Time        `json:"end"`
	Status           string           `json:"status"`
	CancelReason     *string          `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type OutboxMessageResponse struct {
	ID                uuid.UUID  `json:"id"`
	AppointmentID     uuid.UUID  `json:"appointment_id"`
	Event             string     `json:"event"`
	Channel           string     `json:"channel"`
	Recipient         string     `json:"recipient"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	LastError         *string    `json:"last_error,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	NotBefore         time.Time  `json:"not_before"`
	NextAttemptAt     time.Time  `json:"next_attempt_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply. Action tells the client
// what the patient can do next.
type ErrorResponse struct {
	Error        string         `json:"error"`
	Details      string         `json:"details,omitempty"`
	Action       string         `json:"action,omitempty"`
	Alternatives []SlotResponse `json:"alternatives,omitempty"`
}

const (
	actionPickAnotherSlot = "pick_another_slot"
	actionRetryLater      = "retry_later"
	actionContactByPhone  = "contact_by_phone"
)

func toPatientResponse(p *appointment.Patient) *PatientResponse {
	if p == nil {
		return nil
	}
	return &PatientResponse{
		ID:               p.ID,
		Name:             p.Name,
		Phone:            p.Phone,
		Email:            p.Email,
		PreferredChannel: string(p.PreferredChannel),
		CreatedAt:        p.CreatedAt,
	}
}

func toSlotResponses(slots []appointment.Slot) []SlotResponse {
	out := make([]SlotResponse, len(slots))
	for i, s := range slots {
		out[i] = SlotResponse{
			ProfessionalID: s.ProfessionalID,
			Date:           s.Date.String(),
			Time:           s.Time.String(),
			Start:          s.Start,
			End:            s.End,
		}
	}
	return out
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		ProfessionalID: a.ProfessionalID,
		Start:          a.Start,
		End:            a.End,
		Status:         string(a.Status),
		CancelReason:   a.CancelReason,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func toOutboxMessageResponse(m outbox.Message) OutboxMessageResponse {
	return OutboxMessageResponse{
		ID:                m.ID,
		AppointmentID:     m.AppointmentID,
		Event:             string(m.Event),
		Channel:           string(m.Channel),
		Recipient:         m.Recipient,
		Status:            string(m.Status),
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		LastError:         m.LastError,
		ExternalMessageID: m.ExternalMessageID,
		NotBefore:         m.NotBefore,
		NextAttemptAt:     m.NextAttemptAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
	}
}
