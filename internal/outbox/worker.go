package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/gateway"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/metrics"
	redisclient "github.com/Sudo-psc/saraiva-vision-scheduling/internal/redis"
)

// DrainLockKey serialises drains across worker processes when a locker is set.
const DrainLockKey = "lock:outbox:drain"

var tracer = otel.Tracer("saraiva-vision/outbox")

// Store is the persistence the worker needs. *PgStore implements it.
type Store interface {
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration, token uuid.UUID) ([]Message, error)
	MarkSent(ctx context.Context, id, token uuid.UUID, externalID string, at time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id, token uuid.UUID, lastErr string, next, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, token uuid.UUID, lastErr string, at time.Time) (bool, error)
}

type Sender interface {
	Send(ctx context.Context, msg gateway.Message) (gateway.SendResult, error)
}

type Worker struct {
	store       Store
	sender      Sender
	clock       clockwork.Clock
	backoff     Backoff
	lease       time.Duration
	sendTimeout time.Duration
	batchSize   int
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	locker      redisclient.Locker
	wake        <-chan struct{}
}

func NewWorker(store Store, sender Sender, logger zerolog.Logger) *Worker {
	return &Worker{
		store:       store,
		sender:      sender,
		clock:       clockwork.NewRealClock(),
		backoff:     NewBackoff(30*time.Second, 30*time.Minute),
		lease:       2 * time.Minute,
		sendTimeout: 10 * time.Second,
		batchSize:   25,
		logger:      logger.With().Str("component", "outbox-worker").Logger(),
	}
}

func (w *Worker) WithClock(c clockwork.Clock) *Worker { w.clock = c; return w }
func (w *Worker) WithBackoff(b Backoff) *Worker { w.backoff = b; return w }
func (w *Worker) WithLease(d time.Duration) *Worker { w.lease = d; return w }
func (w *Worker) WithSendTimeout(d time.Duration) *Worker { w.sendTimeout = d; return w }
func (w *Worker) WithBatchSize(n int) *Worker { w.batchSize = n; return w }
func (w *Worker) WithMetrics(m *metrics.Metrics) *Worker { w.metrics = m; return w }
func (w *Worker) WithLocker(l redisclient.Locker) *Worker { w.locker = l; return w }
func (w *Worker) WithWake(ch <-chan struct{}) *Worker { w.wake = ch; return w }

// Drain claims up to batchSize due messages and attempts each once.
// A drain skipped because another process holds the drain lock returns an
// empty report and no error. When the lock backend itself fails the drain
// runs unlocked.
func (w *Worker) Drain(ctx context.Context, batchSize int) (DrainReport, error) {
	if batchSize <= 0 {
		batchSize = w.batchSize
	}

	ctx, span := tracer.Start(ctx, "outbox.Drain")
	defer span.End()

	started := w.clock.Now()
	defer func() { w.metrics.ObserveDrain(w.clock.Since(started).Seconds()) }()

	var (
		report DrainReport
		ran    bool
	)
	run := func(ctx context.Context) error {
		var err error
		ran = true
		report, err = w.drain(ctx, batchSize)
		return err
	}

	var err error
	if w.locker != nil {
		err = w.locker.WithLock(ctx, DrainLockKey, run)
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			w.logger.Debug().Msg("drain skipped, lock held elsewhere")
			return DrainReport{}, nil
		case err != nil && !ran:
			// the claim lease keeps concurrent drains apart without the lock
			w.logger.Warn().Err(err).Msg("drain lock unavailable, draining without it")
			err = run(ctx)
		}
	} else {
		err = run(ctx)
	}

	span.SetAttributes(
		attribute.Int("outbox.claimed", report.Claimed),
		attribute.Int("outbox.sent", report.Sent),
		attribute.Int("outbox.retried", report.Retried),
		attribute.Int("outbox.failed", report.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (w *Worker) drain(ctx context.Context, batchSize int) (DrainReport, error) {
	var report DrainReport

	token := uuid.New()
	msgs, err := w.store.Claim(ctx, w.clock.Now(), batchSize, w.lease, token)
	if err != nil {
		return report, err
	}
	report.Claimed = len(msgs)

	for i := range msgs {
		// unsent rows keep their lease and are reclaimed after it expires
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := w.deliver(ctx, &msgs[i], token)
		if err != nil {
			return report, err
		}
		switch out {
		case outcomeSent:
			report.Sent++
		case outcomeRetry:
			report.Retried++
		case outcomeFailed:
			report.Failed++
		case outcomeLeaseLost:
			report.LeaseLost++
		}
	}
	return report, nil
}

type outcome string

const (
	outcomeSent      outcome = "sent"
	outcomeRetry     outcome = "retry"
	outcomeFailed    outcome = "failed"
	outcomeLeaseLost outcome = "lease_lost"
)

func (w *Worker) deliver(ctx context.Context, m *Message, token uuid.UUID) (outcome, error) {
	attempt := m.Attempts + 1
	log := w.logger.With().
		Str("appointment_id", m.AppointmentID.String()).
		Str("message_id", m.ID.String()).
		Str("channel", string(m.Channel)).
		Str("event", string(m.Event)).
		Int("attempt", attempt).
		Logger()

	var (
		res     gateway.SendResult
		sendErr error
	)
	payload, err := DecodePayload(m.Payload)
	if err != nil {
		sendErr = &gateway.Error{StatusCode: 400, Code: "invalid_payload", Detail: err.Error(), Err: err}
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
		res, sendErr = w.sender.Send(sendCtx, gateway.Message{
			Channel:    string(m.Channel),
			Recipient:  m.Recipient,
			Text:       payload.Text,
			ExternalID: m.ID.String(),
		})
		cancel()
	}

	now := w.clock.Now()
	var (
		out     outcome
		applied bool
	)
	switch {
	case sendErr == nil:
		out = outcomeSent
		applied, err = w.store.MarkSent(ctx, m.ID, token, res.ExternalMessageID, now)
	case gateway.IsRetryable(sendErr) && attempt < m.MaxAttempts:
		out = outcomeRetry
		next := now.Add(w.backoff.Delay(attempt))
		applied, err = w.store.ScheduleRetry(ctx, m.ID, token, sendErr.Error(), next, now)
		log = log.With().Time("next_attempt_at", next).Logger()
	default:
		out = outcomeFailed
		applied, err = w.store.MarkFailed(ctx, m.ID, token, sendErr.Error(), now)
	}
	if err != nil {
		return "", fmt.Errorf("record attempt for %s: %w", m.ID, err)
	}
	if !applied {
		out = outcomeLeaseLost
	}

	w.metrics.ObserveDelivery(string(m.Channel), string(m.Event), string(out))

	level := zerolog.InfoLevel
	if sendErr != nil || out == outcomeLeaseLost {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).Err(sendErr).Str("outcome", string(out)).Str("external_message_id", res.ExternalMessageID).Msg("delivery attempt")

	return out, nil
}

// Run drains once immediately, then on every tick or wake signal until ctx
// is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	w.logger.Info().Dur("interval", interval).Int("batch_size", w.batchSize).Msg("delivery worker started")

	w.runOnce(ctx, interval)

	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("delivery worker stopping")
			return nil
		case <-ticker.Chan():
			w.runOnce(ctx, interval)
		case <-w.wake:
			w.runOnce(ctx, interval)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, interval time.Duration) {
	timeout := w.lease
	if interval > timeout {
		timeout = interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := w.Drain(runCtx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("drain failed")
		return
	}
	w.logReport(report)
}

func (w *Worker) logReport(report DrainReport) {
	if report.Claimed == 0 {
		return
	}
	w.logger.Info().
		Int("claimed", report.Claimed).
		Int("sent", report.Sent).
		Int("retried", report.Retried).
		Int("failed", report.Failed).
		Int("lease_lost", report.LeaseLost).
		Msg("drain complete")
}
