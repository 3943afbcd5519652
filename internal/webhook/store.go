package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProcessedStore records receipts that were already handled.
type ProcessedStore struct {
	q execer
}

func NewProcessedStore(q execer) *ProcessedStore {
	if q == nil {
		panic("webhook: querier required")
	}
	return &ProcessedStore{q: q}
}

// MarkProcessed returns false if the event was already recorded.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		INSERT INTO processed_events (provider, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, provider, eventID, at)
	if err != nil {
		return false, fmt.Errorf("webhook: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Change is one receipt ready to be applied to a message.
type Change struct {
	Provider string
	EventID  string
	Message  *outbox.Message
	Status   Status
	At       time.Time
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoop is a receipt for a message already past the target state.
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored is an intermediate or unknown status.
	OutcomeIgnored Outcome = "ignored"
)

// PgApplier records the receipt and the outbox change in one transaction, so
// a failed update leaves the receipt unprocessed and the gateway retry can
// apply it.
type PgApplier struct {
	pool db.Pool
}

func NewPgApplier(pool db.Pool) *PgApplier {
	return &PgApplier{pool: pool}
}

func (a *PgApplier) Apply(ctx context.Context, c Change) (Outcome, error) {
	var out Outcome
	err := db.WithTx(ctx, a.pool, func(tx pgx.Tx) error {
		fresh, err := NewProcessedStore(tx).MarkProcessed(ctx, c.Provider, c.EventID, c.At)
		if err != nil {
			return err
		}
		if !fresh {
			out = OutcomeDuplicate
			return nil
		}

		store := outbox.NewPgStore(tx)
		var (
			applied   bool
			eventType string
			detail    = map[string]any{
				"message_id": c.Message.ID,
				"event":      c.Message.Event,
				"channel":    c.Message.Channel,
				"receipt_id": c.EventID,
			}
		)
		switch st := c.Status.(type) {
		case Delivered:
			eventType = "notification_delivered"
			applied, err = store.ApplyDelivered(ctx, c.Message.ID, c.At)
		case Failed:
			eventType = "notification_failed"
			detail["reason"] = st.Reason
			applied, err = store.ApplyFailed(ctx, c.Message.ID, st.Reason, c.At)
		case InProgress, Unrecognized:
			out = OutcomeIgnored
			return nil
		default:
			return fmt.Errorf("webhook: unhandled status %T", st)
		}
		if err != nil {
			return err
		}
		if !applied {
			out = OutcomeNoop
			return nil
		}

		payload, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("webhook: marshal audit payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
			VALUES ($1, $2, $3, $4)
		`, eventType, c.Message.AppointmentID, payload, c.At); err != nil {
			return fmt.Errorf("webhook: insert audit event: %w", err)
		}
		out = OutcomeApplied
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// Finder resolves the message a receipt refers to. *outbox.PgStore implements it.
type Finder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*outbox.Message, error)
	FindByExternalID(ctx context.Context, externalID string) (*outbox.Message, error)
}
