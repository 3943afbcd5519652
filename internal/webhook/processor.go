package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/metrics"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
)

var (
	ErrInvalidSignature  = errors.New("webhook: invalid signature")
	ErrMalformedPayload  = errors.New("webhook: malformed payload")
	ErrUnresolved        = errors.New("webhook: no outbox message matches receipt")
	ErrSecretUnavailable = errors.New("webhook: signing secret unavailable")
)

var tracer = otel.Tracer("saraiva-vision/webhook")

// SecretProvider returns the shared signing secret. An empty secret disables
// verification.
type SecretProvider interface {
	WebhookSecret(ctx context.Context) (string, error)
}

// StaticSecret is a secret read once from configuration.
type StaticSecret string

func (s StaticSecret) WebhookSecret(context.Context) (string, error) { return string(s), nil }

type Applier interface {
	Apply(ctx context.Context, c Change) (Outcome, error)
}

// Ack is returned for every receipt the gateway should not redeliver.
type Ack struct {
	Outcome   Outcome   `json:"outcome"`
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
}

type Processor struct {
	provider      string
	secrets       SecretProvider
	lookupTimeout time.Duration
	finder        Finder
	applier       Applier
	clock         clockwork.Clock
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Options struct {
	Provider      string
	Secrets       SecretProvider
	LookupTimeout time.Duration
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
}

func NewProcessor(finder Finder, applier Applier, logger zerolog.Logger, opts Options) *Processor {
	p := &Processor{
		provider:      opts.Provider,
		secrets:       opts.Secrets,
		lookupTimeout: opts.LookupTimeout,
		finder:        finder,
		applier:       applier,
		clock:         opts.Clock,
		logger:        logger.With().Str("component", "webhook").Logger(),
		metrics:       opts.Metrics,
	}
	if p.provider == "" {
		p.provider = "gateway"
	}
	if p.secrets == nil {
		p.secrets = StaticSecret("")
	}
	if p.lookupTimeout <= 0 {
		p.lookupTimeout = 2 * time.Second
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	return p
}

// Handle verifies, resolves and applies one receipt. Errors are
// ErrInvalidSignature, ErrMalformedPayload, ErrUnresolved or internal.
func (p *Processor) Handle(ctx context.Context, raw []byte, signature string) (ack Ack, err error) {
	ctx, span := tracer.Start(ctx, "webhook.Handle")
	defer span.End()

	started := p.clock.Now()
	defer func() {
		outcome := string(ack.Outcome)
		switch {
		case errors.Is(err, ErrInvalidSignature):
			outcome = "unauthorized"
		case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrUnresolved):
			outcome = "rejected"
		case err != nil:
			outcome = "error"
		}
		span.SetAttributes(attribute.String("webhook.outcome", outcome))
		p.metrics.ObserveWebhook(outcome, p.clock.Since(started).Seconds())
	}()

	if err := p.verify(ctx, raw, signature); err != nil {
		return Ack{}, err
	}

	receipt, err := ParseReceipt(raw)
	if err != nil {
		p.logger.Warn().Err(err).Msg("malformed receipt")
		return Ack{}, err
	}

	eventID := EventID(receipt, raw)
	log := p.logger.With().
		Str("event_id", eventID).
		Str("status_code", receipt.MessageStatus.Code).
		Logger()

	msg, err := p.resolve(ctx, receipt)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			log.Warn().
				Str("external_id", receipt.ExternalID).
				Str("gateway_message_id", receipt.MessageID).
				Msg("receipt does not match any outbox message")
		}
		return Ack{}, err
	}
	log = log.With().
		Str("message_id", msg.ID.String()).
		Str("appointment_id", msg.AppointmentID.String()).
		Logger()

	status := Classify(receipt.MessageStatus)
	outcome, err := p.applier.Apply(ctx, Change{
		Provider: p.provider,
		EventID:  eventID,
		Message:  msg,
		Status:   status,
		At:       p.clock.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("apply receipt")
		return Ack{}, fmt.Errorf("apply receipt %s: %w", eventID, err)
	}

	level := zerolog.InfoLevel
	if outcome == OutcomeDuplicate || outcome == OutcomeIgnored {
		level = zerolog.DebugLevel
	}
	log.WithLevel(level).Str("status", status.String()).Str("outcome", string(outcome)).Msg("receipt handled")

	return Ack{Outcome: outcome, MessageID: msg.ID, Status: status.String()}, nil
}

func (p *Processor) verify(ctx context.Context, raw []byte, signature string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()

	secret, err := p.secrets.WebhookSecret(lookupCtx)
	if err != nil {
		p.logger.Error().Err(err).Msg("secret lookup failed")
		return fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}
	if secret == "" {
		p.logger.Warn().Msg("webhook secret not configured, accepting unsigned receipt")
		return nil
	}
	if !VerifySignature(secret, raw, signature) {
		p.logger.Warn().Bool("signature_present", signature != "").Msg("receipt signature mismatch")
		return ErrInvalidSignature
	}
	return nil
}

// resolve tries our outbox id, then the gateway id, then a ref embedded in
// the message text.
func (p *Processor) resolve(ctx context.Context, r Receipt) (*outbox.Message, error) {
	if id, err := uuid.Parse(strings.TrimSpace(r.ExternalID)); err == nil {
		msg, err := p.finder.FindByID(ctx, id)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, outbox.ErrMessageNotFound) {
			return nil, err
		}
	}

	if gwID := strings.TrimSpace(r.MessageID); gwID != "" {
		msg, err := p.finder.FindByExternalID(ctx, gwID)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, outbox.ErrMessageNotFound) {
			return nil, err
		}
	}

	if id, ok := r.EmbeddedRef(); ok {
		msg, err := p.finder.FindByID(ctx, id)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, outbox.ErrMessageNotFound) {
			return nil, err
		}
	}

	return nil, ErrUnresolved
}
