// Package outbox stores patient notifications durably and delivers them
// through the messaging gateway with bounded retries.
package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

type Event string

const (
	EventBookingConfirmation Event = "booking_confirmation"
	EventAppointmentReminder Event = "appointment_reminder"
	EventStatusUpdate        Event = "status_update"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

var (
	ErrMessageNotFound  = errors.New("outbox message not found")
	ErrNotRetryable     = errors.New("only failed messages can be retried")
	ErrDuplicateMessage = errors.New("outbox message already enqueued")
)

// Message is a persisted outbox row.
type Message struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	Event             Event
	Channel           Channel
	Recipient         string
	Payload           json.RawMessage
	Status            Status
	Attempts          int
	MaxAttempts       int
	LastError         *string
	ExternalMessageID *string
	NotBefore         time.Time
	NextAttemptAt     time.Time
	ClaimedUntil      *time.Time
	ClaimToken        *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
}

// Draft is a message about to be enqueued. The id is chosen up front so the
// rendered text can reference it.
type Draft struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Event         Event
	Channel       Channel
	Recipient     string
	Payload       json.RawMessage
	MaxAttempts   int
	NotBefore     time.Time
}

// DrainReport summarises one drain.
type DrainReport struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	// LeaseLost counts rows whose state changed under us, e.g. a receipt
	// arrived while the send was in flight.
	LeaseLost int `json:"lease_lost"`
}

// ListFilter narrows the admin listing. Zero values mean no filter.
type ListFilter struct {
	Status        Status
	AppointmentID uuid.UUID
	Limit         int
}
