package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/clinic"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/metrics"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/scheduling"
)

const (
	EventAppointmentRequested = "appointment_requested"
	EventAppointmentConfirmed = "appointment_confirmed"
	EventAppointmentCancelled = "appointment_cancelled"
	EventAppointmentCompleted = "appointment_completed"
)

const (
	defaultMaxRangeDays     = 31
	defaultMaxAttempts      = 5
	alternativesHorizonDays = 14
)

var tracer = otel.Tracer("saraiva-vision/appointment")

// ChannelChecker reports whether notifications can go out on a channel.
// *gateway.Registry implements it.
type ChannelChecker interface {
	Supports(channel string) bool
}

type Options struct {
	MinNotice       time.Duration
	MaxRangeDays    int
	MaxAttempts     int
	ReminderOffsets []time.Duration
	ManageURL       string
	Clock           clockwork.Clock
	Metrics         *metrics.Metrics
}

type Service struct {
	repo      Repository
	directory clinic.Directory
	channels  ChannelChecker
	logger    zerolog.Logger
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	opts      Options
}

func NewService(repo Repository, directory clinic.Directory, channels ChannelChecker, logger zerolog.Logger, opts Options) *Service {
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = defaultMaxRangeDays
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		repo:      repo,
		directory: directory,
		channels:  channels,
		logger:    logger.With().Str("component", "appointment").Logger(),
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		opts:      opts,
	}
}

type PatientInput struct {
	Name             string
	Phone            string
	Email            *string
	PreferredChannel outbox.Channel
}

// RegisterPatient stores the contact data collected before booking. A phone
// already on file updates that patient instead of creating a second one.
func (s *Service) RegisterPatient(ctx context.Context, in PatientInput) (*Patient, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name", "required")
	}
	phone, err := NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	channel := in.PreferredChannel
	if channel == "" {
		channel = outbox.ChannelWhatsApp
	}
	if !channel.Valid() {
		return nil, invalid("preferred_channel", fmt.Sprintf("unknown channel %q", channel))
	}

	p, err := s.repo.UpsertPatient(ctx, Patient{
		Name:             name,
		Phone:            phone,
		Email:            in.Email,
		PreferredChannel: channel,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient registered")
	return p, nil
}

// ListAvailableSlots returns the free slots of the professional between from
// and to inclusive, in chronological order.
func (s *Service) ListAvailableSlots(ctx context.Context, professionalID uuid.UUID, from, to civiltime.Date) ([]Slot, error) {
	if to.Before(from) {
		return nil, invalid("to", "must not be before from")
	}
	if days := from.DaysUntil(to) + 1; days > s.opts.MaxRangeDays {
		return nil, invalid("to", fmt.Sprintf("range of %d days exceeds %d", days, s.opts.MaxRangeDays))
	}
	prof, err := s.professional(professionalID)
	if err != nil {
		return nil, err
	}

	window := scheduling.Interval{Start: civiltime.StartOfDay(from), End: civiltime.StartOfDay(to.AddDays(1))}
	booked, err := s.repo.FindOverlapping(ctx, professionalID, window)
	if err != nil {
		return nil, err
	}
	return s.freeSlots(prof, from, to, ActiveIntervals(booked)), nil
}

func (s *Service) freeSlots(prof clinic.Professional, from, to civiltime.Date, busy []scheduling.Interval) []Slot {
	earliest := s.clock.Now().Add(s.opts.MinNotice)
	duration := prof.SlotDuration()

	slots := []Slot{}
	for d := from; !d.After(to); d = d.AddDays(1) {
		for _, tod := range prof.Slots(d) {
			start := civiltime.Instant(d, tod)
			if start.Before(earliest) {
				continue
			}
			iv := scheduling.Interval{Start: start, End: start.Add(duration)}
			if scheduling.Overlaps(iv, busy...) {
				continue
			}
			slots = append(slots, Slot{
				ProfessionalID: prof.ID,
				Date:           d,
				Time:           tod,
				Start:          iv.Start,
				End:            iv.End,
			})
		}
	}
	return slots
}

// IsBookable reports whether start is an offered, free slot right now. The
// answer can change before a reservation is made.
func (s *Service) IsBookable(ctx context.Context, professionalID uuid.UUID, start time.Time) (bool, error) {
	prof, err := s.professional(professionalID)
	if err != nil {
		return false, err
	}
	if s.checkSlot(prof, start) != nil {
		return false, nil
	}
	iv := scheduling.Interval{Start: start, End: start.Add(prof.SlotDuration())}
	booked, err := s.repo.FindOverlapping(ctx, professionalID, iv)
	if err != nil {
		return false, err
	}
	return !scheduling.Overlaps(iv, ActiveIntervals(booked)...), nil
}

// Alternatives returns up to n free slots from the given day onward, for
// offering another time after a conflict.
func (s *Service) Alternatives(ctx context.Context, professionalID uuid.UUID, from civiltime.Date, n int) ([]Slot, error) {
	horizon := alternativesHorizonDays
	if horizon > s.opts.MaxRangeDays {
		horizon = s.opts.MaxRangeDays
	}
	if today := civiltime.DateOf(s.clock.Now()); from.Before(today) {
		from = today
	}
	slots, err := s.ListAvailableSlots(ctx, professionalID, from, from.AddDays(horizon-1))
	if err != nil {
		return nil, err
	}
	if len(slots) > n {
		slots = slots[:n]
	}
	return slots, nil
}

type ReserveRequest struct {
	ProfessionalID uuid.UUID
	PatientID      uuid.UUID
	Start          time.Time
	End            time.Time
}

// Reserve creates a requested appointment. Two concurrent reservations of
// overlapping time resolve in storage: exactly one succeeds and the other
// gets ErrSlotConflict.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Reserve", trace.WithAttributes(
		attribute.String("professional_id", req.ProfessionalID.String()),
		attribute.String("start", req.Start.Format(time.RFC3339)),
	))
	defer func() { s.endSpan(span, err) }()

	appt, err = s.reserve(ctx, req)

	var verr *ValidationError
	switch {
	case err == nil:
		s.metrics.ObserveReservation("created")
		s.logger.Info().
			Str("appointment_id", appt.ID.String()).
			Str("professional_id", appt.ProfessionalID.String()).
			Time("start", appt.Start).
			Msg("appointment requested")
	case errors.Is(err, ErrSlotConflict):
		s.metrics.ObserveReservation("conflict")
		s.logger.Info().
			Str("professional_id", req.ProfessionalID.String()).
			Time("start", req.Start).
			Msg("reservation lost to an overlapping booking")
	case errors.As(err, &verr), errors.Is(err, ErrPatientNotFound):
		s.metrics.ObserveReservation("invalid")
	default:
		s.metrics.ObserveReservation("error")
	}
	return appt, err
}

func (s *Service) reserve(ctx context.Context, req ReserveRequest) (*Appointment, error) {
	prof, err := s.professional(req.ProfessionalID)
	if err != nil {
		return nil, err
	}
	if req.PatientID == uuid.Nil {
		return nil, invalid("patient_id", "required")
	}
	iv, err := scheduling.NewInterval(req.Start, req.End)
	if err != nil {
		return nil, &ValidationError{Field: "end", Reason: "must be after start", Err: err}
	}
	if iv.Duration() != prof.SlotDuration() {
		return nil, invalid("end", fmt.Sprintf("appointments with %s last %s", prof.Name, prof.SlotDuration()))
	}
	if err := s.checkSlot(prof, iv.Start); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	return s.repo.InsertIfAbsent(ctx, Appointment{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		ProfessionalID: prof.ID,
		Start:          iv.Start,
		End:            iv.End,
		Status:         StatusRequested,
		CreatedAt:      s.clock.Now(),
	})
}

// checkSlot verifies start is one of the professional's computed slots and
// far enough in the future.
func (s *Service) checkSlot(prof clinic.Professional, start time.Time) error {
	d, tod := civiltime.Civil(start)
	if !civiltime.Instant(d, tod).Equal(start) {
		return invalid("start", "must fall on a whole minute")
	}
	offered := false
	for _, slot := range prof.Slots(d) {
		if slot == tod {
			offered = true
			break
		}
	}
	if !offered {
		return invalid("start", fmt.Sprintf("%s %s is not an offered slot", d, tod))
	}
	if start.Before(s.clock.Now().Add(s.opts.MinNotice)) {
		return invalid("start", fmt.Sprintf("must be at least %s from now", s.opts.MinNotice))
	}
	return nil
}

// Confirm moves a requested appointment to confirmed and enqueues the
// confirmation and reminders in the same transaction. Confirming an already
// confirmed appointment returns it unchanged.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Confirm", trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer func() { s.endSpan(span, err) }()

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusConfirmed {
		return current, nil
	}
	if !CanTransition(current.Status, StatusConfirmed) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, StatusConfirmed)
	}

	patient, err := s.repo.GetPatientByID(ctx, current.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if !s.channels.Supports(string(patient.PreferredChannel)) {
		s.logger.Error().
			Str("appointment_id", id.String()).
			Str("channel", string(patient.PreferredChannel)).
			Msg("no gateway configured for patient channel")
		return nil, fmt.Errorf("%w: %s", ErrNotificationUnavailable, patient.PreferredChannel)
	}

	now := s.clock.Now()
	drafts, err := s.confirmationDrafts(current, patient, now)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.ApplyTransition(ctx, Transition{
		ID:     id,
		From:   []AppointmentStatus{StatusRequested},
		To:     StatusConfirmed,
		At:     now,
		Drafts: drafts,
		Event: EventLog{
			EventType: EventAppointmentConfirmed,
			Payload:   mustJSON(map[string]any{"notifications": len(drafts), "channel": patient.PreferredChannel}),
		},
	})
	if errors.Is(err, ErrStaleStatus) || errors.Is(err, outbox.ErrDuplicateMessage) {
		return s.settle(ctx, id, StatusConfirmed)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(StatusConfirmed))
	s.logger.Info().
		Str("appointment_id", id.String()).
		Int("notifications", len(drafts)).
		Msg("appointment confirmed")
	return updated, nil
}

// confirmationDrafts builds the confirmation plus one reminder per offset
// that is still in the future.
func (s *Service) confirmationDrafts(appt *Appointment, patient *Patient, now time.Time) ([]outbox.Draft, error) {
	v := s.visit(appt, patient, "")

	confirmation, err := outbox.NewDraft(outbox.EventBookingConfirmation, patient.PreferredChannel, patient.Phone, s.opts.MaxAttempts, now, v)
	if err != nil {
		return nil, err
	}
	drafts := []outbox.Draft{confirmation}

	for _, offset := range s.opts.ReminderOffsets {
		at := appt.Start.Add(-offset)
		if !at.After(now) {
			continue
		}
		reminder, err := outbox.NewDraft(outbox.EventAppointmentReminder, patient.PreferredChannel, patient.Phone, s.opts.MaxAttempts, at, v)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, reminder)
	}
	return drafts, nil
}

type CancelRequest struct {
	Reason string
	// NotifyPatient enqueues a status_update message when the patient's
	// channel is available.
	NotifyPatient bool
}

// Cancel releases the appointment's time and stops its pending reminders.
// Cancelling a cancelled appointment returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req CancelRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Cancel", trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer func() { s.endSpan(span, err) }()

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCancelled {
		return current, nil
	}
	if !CanTransition(current.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, StatusCancelled)
	}

	reason := strings.TrimSpace(req.Reason)
	now := s.clock.Now()

	var drafts []outbox.Draft
	if req.NotifyPatient {
		drafts, err = s.cancellationDrafts(ctx, current, reason, now)
		if err != nil {
			return nil, err
		}
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	updated, err := s.repo.ApplyTransition(ctx, Transition{
		ID:                id,
		From:              []AppointmentStatus{StatusRequested, StatusConfirmed},
		To:                StatusCancelled,
		Reason:            reasonPtr,
		At:                now,
		Drafts:            drafts,
		SuppressReminders: true,
		Event: EventLog{
			EventType: EventAppointmentCancelled,
			Payload:   mustJSON(map[string]any{"from": current.Status, "reason": reason, "notified": len(drafts) > 0}),
		},
	})
	if errors.Is(err, ErrStaleStatus) || errors.Is(err, outbox.ErrDuplicateMessage) {
		return s.settle(ctx, id, StatusCancelled)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(StatusCancelled))
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", string(current.Status)).
		Msg("appointment cancelled")
	return updated, nil
}

func (s *Service) cancellationDrafts(ctx context.Context, appt *Appointment, reason string, now time.Time) ([]outbox.Draft, error) {
	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if !s.channels.Supports(string(patient.PreferredChannel)) {
		s.logger.Warn().
			Str("appointment_id", appt.ID.String()).
			Str("channel", string(patient.PreferredChannel)).
			Msg("cancellation notice skipped, channel not configured")
		return nil, nil
	}
	d, err := outbox.NewDraft(outbox.EventStatusUpdate, patient.PreferredChannel, patient.Phone, s.opts.MaxAttempts, now, s.visit(appt, patient, reason))
	if err != nil {
		return nil, err
	}
	return []outbox.Draft{d}, nil
}

// Complete marks a confirmed appointment as attended.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Complete", trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer func() { s.endSpan(span, err) }()

	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCompleted {
		return current, nil
	}
	if !CanTransition(current.Status, StatusCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, StatusCompleted)
	}

	updated, err := s.repo.ApplyTransition(ctx, Transition{
		ID:    id,
		From:  []AppointmentStatus{StatusConfirmed},
		To:    StatusCompleted,
		At:    s.clock.Now(),
		Event: EventLog{EventType: EventAppointmentCompleted, Payload: mustJSON(map[string]any{})},
	})
	if errors.Is(err, ErrStaleStatus) {
		return s.settle(ctx, id, StatusCompleted)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(StatusCompleted))
	s.logger.Info().Str("appointment_id", id.String()).Msg("appointment completed")
	return updated, nil
}

// settle resolves a lost race: if a concurrent call already reached target
// the result is the same as ours, otherwise the transition is invalid.
func (s *Service) settle(ctx context.Context, id uuid.UUID, target AppointmentStatus) (*Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == target {
		return current, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, target)
}

// GetAppointment retrieves an appointment with its patient and professional.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &AppointmentDetail{Appointment: *appt}

	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	detail.Patient = patient

	if prof, err := s.directory.Professional(appt.ProfessionalID); err == nil {
		detail.ProfessionalName = prof.Name
	}
	return detail, nil
}

// ListAppointmentsByPatient retrieves appointments for a specific patient,
// most recent first.
func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, err
	}
	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	if appts == nil {
		appts = []Appointment{}
	}
	return appts, nil
}

func (s *Service) professional(id uuid.UUID) (clinic.Professional, error) {
	if id == uuid.Nil {
		return clinic.Professional{}, invalid("professional_id", "required")
	}
	prof, err := s.directory.Professional(id)
	if err != nil {
		return clinic.Professional{}, &ValidationError{Field: "professional_id", Reason: "unknown professional", Err: err}
	}
	return prof, nil
}

func (s *Service) visit(appt *Appointment, patient *Patient, note string) outbox.Visit {
	v := outbox.Visit{
		AppointmentID: appt.ID,
		PatientName:   patient.Name,
		Start:         appt.Start,
		ManageURL:     s.opts.ManageURL,
		Note:          note,
	}
	if prof, err := s.directory.Professional(appt.ProfessionalID); err == nil {
		v.Professional = prof.Name
	}
	return v
}

func (s *Service) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
