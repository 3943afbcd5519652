// Package gateway sends patient notifications through the external
// SMS/WhatsApp messaging provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var ErrChannelUnavailable = errors.New("gateway: no sender configured for channel")

// Message is one outbound notification. ExternalID is our outbox message id;
// the provider echoes it back in delivery receipts and uses it to drop
// duplicate submissions.
type Message struct {
	Channel    string
	Recipient  string
	Text       string
	ExternalID string
}

type SendResult struct {
	ExternalMessageID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// Error is a provider rejection. Retryable is false for failures that cannot
// succeed on a later attempt, like an invalid recipient.
type Error struct {
	StatusCode int
	Code       string
	Detail     string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("gateway: %v", e.Err)
	case e.Detail != "":
		return fmt.Sprintf("gateway: %s (status=%d)", e.Detail, e.StatusCode)
	default:
		return fmt.Sprintf("gateway: http status %d", e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether a send failure may succeed on a later attempt.
// Errors the gateway did not classify are retryable so a message is never
// dropped on an unexpected failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChannelUnavailable) {
		return false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return true
}
