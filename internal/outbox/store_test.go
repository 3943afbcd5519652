package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageColumnNames = []string{
	"id", "appointment_id", "event", "channel", "recipient", "payload", "status", "attempts", "max_attempts",
	"last_error", "external_message_id", "not_before", "next_attempt_at", "claimed_until", "claim_token",
	"created_at", "updated_at", "delivered_at", "failed_at",
}

func addMessageRow(rows *pgxmock.Rows, id uuid.UUID, status Status, attempts int, createdAt time.Time) *pgxmock.Rows {
	return rows.AddRow(
		id, uuid.New(), string(EventBookingConfirmation), string(ChannelSMS), "+5533999998888",
		[]byte(`{"text":"oi"}`), string(status), attempts, 5,
		nil, nil, createdAt, createdAt, nil, nil,
		createdAt, createdAt, nil, nil,
	)
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PgStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPgStore(mock)
}

func TestInsertMapsUniqueViolation(t *testing.T) {
	mock, store := newMockStore(t)
	d := Draft{ID: uuid.New(), AppointmentID: uuid.New(), Event: EventBookingConfirmation, Channel: ChannelSMS, MaxAttempts: 5}

	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Insert(context.Background(), d)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOrdersByCreatedAt(t *testing.T) {
	mock, store := newMockStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	token := uuid.New()
	older, newer := uuid.New(), uuid.New()

	rows := pgxmock.NewRows(messageColumnNames)
	addMessageRow(rows, newer, StatusPending, 0, now.Add(-time.Minute))
	addMessageRow(rows, older, StatusPending, 1, now.Add(-time.Hour))

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, 10, now.Add(2*time.Minute), token).
		WillReturnRows(rows)

	msgs, err := store.Claim(context.Background(), now, 10, 2*time.Minute, token)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, older, msgs[0].ID)
	assert.Equal(t, newer, msgs[1].ID)
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentReportsLostLease(t *testing.T) {
	mock, store := newMockStore(t)
	id, token := uuid.New(), uuid.New()
	at := time.Now()

	mock.ExpectExec(`UPDATE outbox_messages`).
		WithArgs(id, token, "gw-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.MarkSent(context.Background(), id, token, "gw-1", at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentCompletesRowDeliveredEarly(t *testing.T) {
	mock, store := newMockStore(t)
	id, token := uuid.New(), uuid.New()
	at := time.Now()

	mock.ExpectExec(`CASE WHEN status = 'delivered' THEN status ELSE 'sent' END(.|\n)*` +
		`COALESCE\(external_message_id(.|\n)*status IN \('pending', 'delivered'\)`).
		WithArgs(id, token, "gw-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkSent(context.Background(), id, token, "gw-1", at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeliveredKeepsClaimOfPendingRow(t *testing.T) {
	mock, store := newMockStore(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectExec(`claim_token = CASE WHEN status = 'pending' THEN claim_token END`).
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.ApplyDelivered(context.Background(), id, at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeliveredOnlyFromPendingOrSent(t *testing.T) {
	mock, store := newMockStore(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectExec(`status IN \('pending', 'sent'\)`).
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.ApplyDelivered(context.Background(), id, at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryRejectsNonFailed(t *testing.T) {
	mock, store := newMockStore(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectQuery("SET status = 'pending'").
		WithArgs(id, 5, at).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM outbox_messages").
		WithArgs(id).
		WillReturnRows(addMessageRow(pgxmock.NewRows(messageColumnNames), id, StatusDelivered, 1, at))

	_, err := store.Retry(context.Background(), id, 5, at)
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryUnknownMessage(t *testing.T) {
	mock, store := newMockStore(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectQuery("SET status = 'pending'").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM outbox_messages").WillReturnError(pgx.ErrNoRows)

	_, err := store.Retry(context.Background(), id, 5, at)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelPendingReminders(t *testing.T) {
	mock, store := newMockStore(t)
	appointmentID := uuid.New()
	at := time.Now()

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(appointmentID, string(EventAppointmentReminder), "appointment cancelled", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.CancelPendingReminders(context.Background(), appointmentID, "appointment cancelled", at)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAppliesFilters(t *testing.T) {
	mock, store := newMockStore(t)
	appointmentID := uuid.New()

	mock.ExpectQuery(`WHERE status = \$1 AND appointment_id = \$2 ORDER BY created_at DESC LIMIT 500`).
		WithArgs("failed", appointmentID).
		WillReturnRows(addMessageRow(pgxmock.NewRows(messageColumnNames), uuid.New(), StatusFailed, 5, time.Now()))

	msgs, err := store.List(context.Background(), ListFilter{Status: StatusFailed, AppointmentID: appointmentID, Limit: 9000})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusFailed, msgs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
