package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
)

const messageColumns = `id, appointment_id, event, channel, recipient, payload, status, attempts, max_attempts,
	last_error, external_message_id, not_before, next_attempt_at, claimed_until, claim_token,
	created_at, updated_at, delivered_at, failed_at`

const claimedColumns = `o.id, o.appointment_id, o.event, o.channel, o.recipient, o.payload, o.status, o.attempts, o.max_attempts,
	o.last_error, o.external_message_id, o.not_before, o.next_attempt_at, o.claimed_until, o.claim_token,
	o.created_at, o.updated_at, o.delivered_at, o.failed_at`

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// PgStore persists outbox rows in Postgres. Every worker write is
// conditional on the claim token and on status pending, so a worker whose
// lease expired can never move a row backwards.
type PgStore struct {
	q db.Querier
}

func NewPgStore(q db.Querier) *PgStore {
	if q == nil {
		panic("outbox: querier required")
	}
	return &PgStore{q: q}
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var event, channel, status string
	var payload []byte

	err := row.Scan(
		&m.ID,
		&m.AppointmentID,
		&event,
		&channel,
		&m.Recipient,
		&payload,
		&status,
		&m.Attempts,
		&m.MaxAttempts,
		&m.LastError,
		&m.ExternalMessageID,
		&m.NotBefore,
		&m.NextAttemptAt,
		&m.ClaimedUntil,
		&m.ClaimToken,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.DeliveredAt,
		&m.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	m.Event = Event(event)
	m.Channel = Channel(channel)
	m.Status = Status(status)
	m.Payload = append([]byte(nil), payload...)
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Insert enqueues drafts as pending rows.
func (s *PgStore) Insert(ctx context.Context, drafts ...Draft) error {
	for _, d := range drafts {
		_, err := s.q.Exec(ctx, `
			INSERT INTO outbox_messages
				(id, appointment_id, event, channel, recipient, payload, max_attempts, not_before, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, d.ID, d.AppointmentID, string(d.Event), string(d.Channel), d.Recipient, []byte(d.Payload), d.MaxAttempts, d.NotBefore)
		if err != nil {
			if db.IsConflict(err) {
				return fmt.Errorf("%w: %s for appointment %s", ErrDuplicateMessage, d.Event, d.AppointmentID)
			}
			return fmt.Errorf("insert outbox message: %w", err)
		}
	}
	return nil
}

// Claim leases up to limit due rows to token until now+lease. Rows locked by
// a concurrent claim are skipped.
func (s *PgStore) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration, token uuid.UUID) ([]Message, error) {
	rows, err := s.q.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox_messages
			WHERE status = 'pending'
			  AND not_before <= $1
			  AND next_attempt_at <= $1
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET claimed_until = $3,
		    claim_token = $4,
		    updated_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING `+claimedColumns,
		now, limit, now.Add(lease), token)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

// MarkSent records an accepted send. A delivery receipt can overtake the
// send's own write; the row then stays delivered and only gains the attempt
// and the gateway id.
func (s *PgStore) MarkSent(ctx context.Context, id, token uuid.UUID, externalID string, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages
		SET status = CASE WHEN status = 'delivered' THEN status ELSE 'sent' END,
		    attempts = attempts + 1,
		    external_message_id = COALESCE(external_message_id, NULLIF($3, '')),
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = $4
		WHERE id = $1
		  AND claim_token = $2
		  AND status IN ('pending', 'delivered')
	`, id, token, externalID, at)
	if err != nil {
		return false, fmt.Errorf("mark outbox message sent: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PgStore) ScheduleRetry(ctx context.Context, id, token uuid.UUID, lastErr string, next, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    last_error = $3,
		    next_attempt_at = $4,
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = $5
		WHERE id = $1
		  AND claim_token = $2
		  AND status = 'pending'
	`, id, token, lastErr, next, at)
	if err != nil {
		return false, fmt.Errorf("schedule outbox retry: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id, token uuid.UUID, lastErr string, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed',
		    attempts = attempts + 1,
		    last_error = $3,
		    failed_at = $4,
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = $4
		WHERE id = $1
		  AND claim_token = $2
		  AND status = 'pending'
	`, id, token, lastErr, at)
	if err != nil {
		return false, fmt.Errorf("mark outbox message failed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ApplyDelivered records a delivery receipt. It reports false when the row
// was already delivered or failed. A row still pending keeps its claim so the
// in-flight send can record its attempt through MarkSent.
func (s *PgStore) ApplyDelivered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'delivered',
		    delivered_at = $2,
		    claimed_until = CASE WHEN status = 'pending' THEN claimed_until END,
		    claim_token = CASE WHEN status = 'pending' THEN claim_token END,
		    updated_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'sent')
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("apply delivered receipt: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ApplyFailed records a failure receipt with the provider's reason.
func (s *PgStore) ApplyFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed',
		    last_error = $2,
		    failed_at = $3,
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND status IN ('pending', 'sent')
	`, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("apply failed receipt: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// CancelPendingReminders fails reminders that have not been sent yet.
func (s *PgStore) CancelPendingReminders(ctx context.Context, appointmentID uuid.UUID, reason string, at time.Time) (int64, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed',
		    last_error = $3,
		    failed_at = $4,
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = $4
		WHERE appointment_id = $1
		  AND event = $2
		  AND status = 'pending'
	`, appointmentID, string(EventAppointmentReminder), reason, at)
	if err != nil {
		return 0, fmt.Errorf("cancel pending reminders: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Retry moves a failed message back to pending and grants it extra
// attempts on top of those already spent.
func (s *PgStore) Retry(ctx context.Context, id uuid.UUID, extraAttempts int, at time.Time) (*Message, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE outbox_messages
		SET status = 'pending',
		    max_attempts = attempts + $2,
		    next_attempt_at = $3,
		    failed_at = NULL,
		    claimed_until = NULL,
		    claim_token = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'failed'
		RETURNING `+messageColumns,
		id, extraAttempts, at)
	m, err := scanMessage(row)
	if errors.Is(err, ErrMessageNotFound) {
		if _, findErr := s.FindByID(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, ErrNotRetryable
	}
	if err != nil {
		return nil, fmt.Errorf("retry outbox message: %w", err)
	}
	return m, nil
}

func (s *PgStore) FindByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE id = $1
	`, id)
	return scanMessage(row)
}

// FindByExternalID looks a message up by the id the gateway assigned.
func (s *PgStore) FindByExternalID(ctx context.Context, externalID string) (*Message, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE external_message_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, externalID)
	return scanMessage(row)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *PgStore) List(ctx context.Context, f ListFilter) ([]Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	builder := psql.Select(messageColumns).From("outbox_messages")
	if f.Status != "" {
		builder = builder.Where(squirrel.Eq{"status": string(f.Status)})
	}
	if f.AppointmentID != uuid.Nil {
		builder = builder.Where(squirrel.Eq{"appointment_id": f.AppointmentID})
	}
	builder = builder.OrderBy("created_at DESC").Limit(uint64(limit))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox list query: %w", err)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	return msgs, nil
}
