// Package webhook applies delivery receipts from the messaging gateway to
// outbox messages.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Receipt is the gateway's MESSAGE_STATUS callback.
type Receipt struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Channel       string        `json:"channel"`
	ExternalID    string        `json:"externalId"`
	MessageID     string        `json:"messageId"`
	MessageStatus MessageStatus `json:"messageStatus"`
	Message       *struct {
		Contents []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"contents"`
	} `json:"message,omitempty"`
}

type MessageStatus struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Causes      []Cause `json:"causes"`
}

type Cause struct {
	ChannelErrorCode string `json:"channelErrorCode"`
	Reason           string `json:"reason"`
	Details          string `json:"details"`
}

// ParseReceipt decodes a raw callback body.
func ParseReceipt(raw []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(r.MessageStatus.Code) == "" {
		return Receipt{}, fmt.Errorf("%w: missing messageStatus.code", ErrMalformedPayload)
	}
	return r, nil
}

// EventID identifies the receipt for dedupe. Receipts without an id fall back
// to a digest of the body, so an identical redelivery still dedupes.
func EventID(r Receipt, raw []byte) string {
	if id := strings.TrimSpace(r.ID); id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

var refPattern = regexp.MustCompile(`ref=([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// EmbeddedRef finds the outbox message id carried in the manage link of the
// message text.
func (r Receipt) EmbeddedRef() (uuid.UUID, bool) {
	if r.Message == nil {
		return uuid.Nil, false
	}
	for _, c := range r.Message.Contents {
		if m := refPattern.FindStringSubmatch(c.Text); m != nil {
			id, err := uuid.Parse(m[1])
			if err == nil {
				return id, true
			}
		}
	}
	return uuid.Nil, false
}

// Status is the gateway status mapped onto what the outbox cares about.
// The set is closed: Delivered, Failed, InProgress, Unrecognized.
type Status interface {
	isStatus()
	String() string
}

type Delivered struct{}

type Failed struct{ Reason string }

// InProgress is an intermediate state. It never changes a row.
type InProgress struct{ Code string }

type Unrecognized struct{ Code string }

func (Delivered) isStatus() {}
func (Failed) isStatus() {}
func (InProgress) isStatus() {}
func (Unrecognized) isStatus() {}

func (Delivered) String() string { return "delivered" }
func (Failed) String() string { return "failed" }
func (p InProgress) String() string { return "in_progress:" + p.Code }
func (u Unrecognized) String() string { return "unrecognized:" + u.Code }

// Classify maps the gateway vocabulary.
func Classify(s MessageStatus) Status {
	code := strings.ToUpper(strings.TrimSpace(s.Code))
	switch code {
	case "DELIVERED", "READ":
		return Delivered{}
	case "NOT_DELIVERED", "REJECTED", "FAILED", "EXPIRED":
		return Failed{Reason: failureReason(code, s)}
	case "SENT", "ACCEPTED", "QUEUED", "PENDING", "PROCESSING":
		return InProgress{Code: code}
	default:
		return Unrecognized{Code: code}
	}
}

func failureReason(code string, s MessageStatus) string {
	var parts []string
	for _, c := range s.Causes {
		switch {
		case c.Reason != "" && c.Details != "":
			parts = append(parts, c.Reason+": "+c.Details)
		case c.Reason != "":
			parts = append(parts, c.Reason)
		case c.Details != "":
			parts = append(parts, c.Details)
		}
	}
	if len(parts) == 0 && s.Description != "" {
		parts = append(parts, s.Description)
	}
	if len(parts) == 0 {
		return strings.ToLower(code)
	}
	return strings.ToLower(code) + ": " + strings.Join(parts, "; ")
}
