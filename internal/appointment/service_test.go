package appointment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/clinic"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/scheduling"
)

// memRepo stands in for Postgres. InsertIfAbsent holds one lock across the
// overlap check and the insert, like the exclusion constraint does.
type memRepo struct {
	mu         sync.Mutex
	patients   map[uuid.UUID]*Patient
	appts      map[uuid.UUID]*Appointment
	drafts     []outbox.Draft
	suppressed map[uuid.UUID]int
	events     []EventLog
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients:   map[uuid.UUID]*Patient{},
		appts:      map[uuid.UUID]*Appointment{},
		suppressed: map[uuid.UUID]int{},
	}
}

func (r *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) UpsertPatient(_ context.Context, p Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.patients {
		if existing.Phone == p.Phone {
			existing.Name = p.Name
			existing.PreferredChannel = p.PreferredChannel
			if p.Email != nil {
				existing.Email = p.Email
			}
			cp := *existing
			return &cp, nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.patients[p.ID] = &p
	cp := p
	return &cp, nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) FindOverlapping(_ context.Context, professionalID uuid.UUID, iv scheduling.Interval) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlapping(professionalID, iv), nil
}

func (r *memRepo) overlapping(professionalID uuid.UUID, iv scheduling.Interval) []Appointment {
	var out []Appointment
	for _, a := range r.appts {
		if a.ProfessionalID == professionalID && a.Status != StatusCancelled && a.Interval().Overlaps(iv) {
			out = append(out, *a)
		}
	}
	return out
}

func (r *memRepo) InsertIfAbsent(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[a.PatientID]; !ok {
		return nil, ErrPatientNotFound
	}
	if len(r.overlapping(a.ProfessionalID, a.Interval())) > 0 {
		return nil, ErrSlotConflict
	}
	a.Status = StatusRequested
	r.appts[a.ID] = &a
	r.events = append(r.events, EventLog{EventType: EventAppointmentRequested, AppointmentID: &a.ID})
	cp := a
	return &cp, nil
}

func (r *memRepo) ApplyTransition(_ context.Context, t Transition) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[t.ID]
	if !ok {
		return nil, ErrStaleStatus
	}
	allowed := false
	for _, s := range t.From {
		if a.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, ErrStaleStatus
	}
	for _, d := range t.Drafts {
		for _, existing := range r.drafts {
			if existing.AppointmentID == d.AppointmentID && existing.Event == d.Event && existing.NotBefore.Equal(d.NotBefore) {
				return nil, outbox.ErrDuplicateMessage
			}
		}
	}

	a.Status = t.To
	if t.Reason != nil {
		a.CancelReason = t.Reason
	}
	a.UpdatedAt = t.At
	r.drafts = append(r.drafts, t.Drafts...)
	if t.SuppressReminders {
		r.suppressed[t.ID]++
	}
	if t.Event.EventType != "" {
		r.events = append(r.events, t.Event)
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) draftsFor(id uuid.UUID) []outbox.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []outbox.Draft
	for _, d := range r.drafts {
		if d.AppointmentID == id {
			out = append(out, d)
		}
	}
	return out
}

type channelSet map[string]bool

func (c channelSet) Supports(channel string) bool { return c[channel] }

var (
	profID = uuid.MustParse("8d6f1c2e-7a4b-4c1d-9e3f-000000000001")
	day    = civiltime.NewDate(2026, time.March, 10) // Tuesday
)

type fixture struct {
	repo    *memRepo
	clock   *clockwork.FakeClock
	svc     *Service
	patient *Patient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hours := clinic.WorkingHours{
		Start: civiltime.MustTimeOfDay("09:00"),
		End:   civiltime.MustTimeOfDay("17:00"),
		Break: &scheduling.Break{Start: civiltime.MustTimeOfDay("12:00"), End: civiltime.MustTimeOfDay("13:00")},
	}
	schedule, err := clinic.New("Saraiva Vision", clinic.Professional{
		ID:                  profID,
		Name:                "Dr. Philipe Saraiva",
		SlotDurationMinutes: 30,
		Hours:               map[string]clinic.WorkingHours{"monday": hours, "tuesday": hours},
	})
	require.NoError(t, err)

	repo := newMemRepo()
	clock := clockwork.NewFakeClockAt(civiltime.Instant(civiltime.NewDate(2026, time.March, 9), civiltime.MustTimeOfDay("08:00")))
	svc := NewService(repo, schedule, channelSet{"sms": true, "whatsapp": true}, zerolog.Nop(), Options{
		MinNotice:       2 * time.Hour,
		MaxRangeDays:    31,
		MaxAttempts:     5,
		ReminderOffsets: []time.Duration{24 * time.Hour, 2 * time.Hour},
		ManageURL:       "https://saraivavision.com.br/agendamento",
		Clock:           clock,
	})

	patient, err := svc.RegisterPatient(context.Background(), PatientInput{Name: "Maria Souza", Phone: "(11) 98765-4321"})
	require.NoError(t, err)

	return &fixture{repo: repo, clock: clock, svc: svc, patient: patient}
}

func at(hhmm string) time.Time {
	return civiltime.Instant(day, civiltime.MustTimeOfDay(hhmm))
}

func (f *fixture) reserve(t *testing.T, hhmm string) *Appointment {
	t.Helper()
	appt, err := f.svc.Reserve(context.Background(), ReserveRequest{
		ProfessionalID: profID,
		PatientID:      f.patient.ID,
		Start:          at(hhmm),
		End:            at(hhmm).Add(30 * time.Minute),
	})
	require.NoError(t, err)
	return appt
}

func slotTimes(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Time.String()
	}
	return out
}

func TestListAvailableSlotsSkipsLunch(t *testing.T) {
	f := newFixture(t)

	slots, err := f.svc.ListAvailableSlots(context.Background(), profID, day, day)
	require.NoError(t, err)

	times := slotTimes(slots)
	assert.Contains(t, times, "11:30")
	assert.Contains(t, times, "13:00")
	assert.NotContains(t, times, "12:00")
	assert.NotContains(t, times, "12:30")
	assert.Len(t, times, 14)
	assert.Equal(t, at("09:00"), slots[0].Start)
	assert.Equal(t, at("09:30"), slots[0].End)
}

func TestListAvailableSlotsHonoursMinNotice(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(24*time.Hour + 2*time.Hour) // Tuesday 10:00

	slots, err := f.svc.ListAvailableSlots(context.Background(), profID, day, day)
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	// 11:30 is too soon and 12:00-13:00 is lunch
	assert.Equal(t, "13:00", slots[0].Time.String())
}

func TestListAvailableSlotsRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListAvailableSlots(ctx, profID, day, day.AddDays(-1))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.ListAvailableSlots(ctx, profID, day, day.AddDays(31))
	assert.ErrorAs(t, err, &verr)

	slots, err := f.svc.ListAvailableSlots(ctx, profID, day, day.AddDays(30))
	require.NoError(t, err)
	assert.NotEmpty(t, slots)

	// Wednesday is not a working day
	slots, err = f.svc.ListAvailableSlots(ctx, profID, day.AddDays(1), day.AddDays(1))
	require.NoError(t, err)
	assert.Empty(t, slots)

	_, err = f.svc.ListAvailableSlots(ctx, uuid.New(), day, day)
	assert.ErrorIs(t, err, clinic.ErrProfessionalNotFound)
}

func TestReserveConflictScenario(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "13:00")

	_, err := f.svc.Reserve(context.Background(), ReserveRequest{
		ProfessionalID: profID, PatientID: f.patient.ID, Start: at("13:00"), End: at("13:30"),
	})
	assert.ErrorIs(t, err, ErrSlotConflict)

	appt := f.reserve(t, "13:30")
	assert.Equal(t, StatusRequested, appt.Status)
}

func TestReserveRace(t *testing.T) {
	f := newFixture(t)
	const n = 25

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(context.Background(), ReserveRequest{
				ProfessionalID: profID, PatientID: f.patient.ID, Start: at("14:00"), End: at("14:30"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
	assert.Len(t, f.repo.appts, 1)

	slots, err := f.svc.ListAvailableSlots(context.Background(), profID, day, day)
	require.NoError(t, err)
	assert.NotContains(t, slotTimes(slots), "14:00")
	assert.Contains(t, slotTimes(slots), "14:30")
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		req     ReserveRequest
		wantErr error
	}{
		{"unknown professional", ReserveRequest{ProfessionalID: uuid.New(), PatientID: f.patient.ID, Start: at("10:00"), End: at("10:30")}, clinic.ErrProfessionalNotFound},
		{"unknown patient", ReserveRequest{ProfessionalID: profID, PatientID: uuid.New(), Start: at("10:00"), End: at("10:30")}, ErrPatientNotFound},
		{"end before start", ReserveRequest{ProfessionalID: profID, PatientID: f.patient.ID, Start: at("10:30"), End: at("10:00")}, scheduling.ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Reserve(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	invalidReqs := map[string]ReserveRequest{
		"wrong duration":   {ProfessionalID: profID, PatientID: f.patient.ID, Start: at("10:00"), End: at("11:00")},
		"misaligned start": {ProfessionalID: profID, PatientID: f.patient.ID, Start: at("10:10"), End: at("10:40")},
		"during lunch":     {ProfessionalID: profID, PatientID: f.patient.ID, Start: at("12:00"), End: at("12:30")},
		"too soon":         {ProfessionalID: profID, PatientID: f.patient.ID, Start: civiltime.Instant(civiltime.NewDate(2026, time.March, 9), civiltime.MustTimeOfDay("09:30")), End: civiltime.Instant(civiltime.NewDate(2026, time.March, 9), civiltime.MustTimeOfDay("10:00"))},
		"missing patient":  {ProfessionalID: profID, Start: at("10:00"), End: at("10:30")},
	}
	for name, req := range invalidReqs {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Reserve(context.Background(), req)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Empty(t, f.repo.appts)
}

func TestIsBookableAndAlternatives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reserve(t, "09:00")

	ok, err := f.svc.IsBookable(ctx, profID, at("09:00"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.IsBookable(ctx, profID, at("09:30"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.IsBookable(ctx, profID, at("09:15"))
	require.NoError(t, err)
	assert.False(t, ok)

	alts, err := f.svc.Alternatives(ctx, profID, day, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"09:30", "10:00", "10:30", "11:00", "11:30"}, slotTimes(alts))
}

func TestConfirmEnqueuesConfirmationAndReminders(t *testing.T) {
	f := newFixture(t)
	appt := f.reserve(t, "14:00")

	confirmed, err := f.svc.Confirm(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	drafts := f.repo.draftsFor(appt.ID)
	require.Len(t, drafts, 3)
	assert.Equal(t, outbox.EventBookingConfirmation, drafts[0].Event)
	assert.Equal(t, f.clock.Now(), drafts[0].NotBefore)
	assert.Equal(t, at("14:00").Add(-24*time.Hour), drafts[1].NotBefore)
	assert.Equal(t, at("14:00").Add(-2*time.Hour), drafts[2].NotBefore)
	for _, d := range drafts {
		assert.Equal(t, "+5511987654321", d.Recipient)
		assert.Equal(t, outbox.ChannelWhatsApp, d.Channel)
		assert.Equal(t, 5, d.MaxAttempts)
	}

	p, err := outbox.DecodePayload(drafts[0].Payload)
	require.NoError(t, err)
	assert.Contains(t, p.Text, "10/03/2026 às 14:00")
	assert.Contains(t, p.Text, "Dr. Philipe Saraiva")

	again, err := f.svc.Confirm(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, again.Status)
	assert.Len(t, f.repo.draftsFor(appt.ID), 3)
}

func TestConfirmSkipsPastReminders(t *testing.T) {
	f := newFixture(t)
	appt := f.reserve(t, "14:00")
	f.clock.Advance(28*time.Hour + 30*time.Minute) // Tuesday 12:30

	_, err := f.svc.Confirm(context.Background(), appt.ID)
	require.NoError(t, err)

	drafts := f.repo.draftsFor(appt.ID)
	require.Len(t, drafts, 1)
	assert.Equal(t, outbox.EventBookingConfirmation, drafts[0].Event)
}

func TestConcurrentConfirmEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	appt := f.reserve(t, "15:00")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Confirm(context.Background(), appt.ID)
			if assert.NoError(t, err) {
				assert.Equal(t, StatusConfirmed, got.Status)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, f.repo.draftsFor(appt.ID), 3)
}

func TestConfirmWithoutChannel(t *testing.T) {
	f := newFixture(t)
	f.svc.channels = channelSet{"sms": true}
	appt := f.reserve(t, "14:00")

	_, err := f.svc.Confirm(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrNotificationUnavailable)

	current, err := f.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, current.Status)
	assert.Empty(t, f.repo.draftsFor(appt.ID))
}

func TestCancelFreesSlotAndSuppressesReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.reserve(t, "14:00")
	_, err := f.svc.Confirm(ctx, appt.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, appt.ID, CancelRequest{Reason: "paciente viajou"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "paciente viajou", *cancelled.CancelReason)
	assert.Equal(t, 1, f.repo.suppressed[appt.ID])
	assert.Len(t, f.repo.draftsFor(appt.ID), 3, "no message for a silent cancel")

	slots, err := f.svc.ListAvailableSlots(ctx, profID, day, day)
	require.NoError(t, err)
	assert.Contains(t, slotTimes(slots), "14:00")

	again, err := f.svc.Cancel(ctx, appt.ID, CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, 1, f.repo.suppressed[appt.ID])

	_, err = f.svc.Confirm(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = f.svc.Complete(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestCancelNotifiesPatientOnRequest(t *testing.T) {
	f := newFixture(t)
	appt := f.reserve(t, "16:00")

	_, err := f.svc.Cancel(context.Background(), appt.ID, CancelRequest{Reason: "agenda bloqueada", NotifyPatient: true})
	require.NoError(t, err)

	drafts := f.repo.draftsFor(appt.ID)
	require.Len(t, drafts, 1)
	assert.Equal(t, outbox.EventStatusUpdate, drafts[0].Event)
	p, err := outbox.DecodePayload(drafts[0].Payload)
	require.NoError(t, err)
	assert.Contains(t, p.Text, "agenda bloqueada")
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.reserve(t, "10:00")

	_, err := f.svc.Complete(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.svc.Confirm(ctx, appt.ID)
	require.NoError(t, err)

	done, err := f.svc.Complete(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.svc.Cancel(ctx, appt.ID, CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	// completed slots stay taken
	ok, err := f.svc.IsBookable(ctx, profID, at("10:00"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionsUnknownAppointment(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Confirm(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestRegisterPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, "+5511987654321", f.patient.Phone)
	assert.Equal(t, outbox.ChannelWhatsApp, f.patient.PreferredChannel)

	again, err := f.svc.RegisterPatient(ctx, PatientInput{Name: "Maria S. Souza", Phone: "+55 11 98765-4321", PreferredChannel: outbox.ChannelSMS})
	require.NoError(t, err)
	assert.Equal(t, f.patient.ID, again.ID)
	assert.Equal(t, outbox.ChannelSMS, again.PreferredChannel)

	var verr *ValidationError
	_, err = f.svc.RegisterPatient(ctx, PatientInput{Name: "X", Phone: "123"})
	assert.ErrorAs(t, err, &verr)
	_, err = f.svc.RegisterPatient(ctx, PatientInput{Name: " ", Phone: "(11) 98765-4321"})
	assert.ErrorAs(t, err, &verr)
	_, err = f.svc.RegisterPatient(ctx, PatientInput{Name: "X", Phone: "(11) 98765-4321", PreferredChannel: "email"})
	assert.ErrorAs(t, err, &verr)
}

func TestListAppointmentsByPatient(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "09:00")
	f.reserve(t, "15:00")

	appts, err := f.svc.ListAppointmentsByPatient(context.Background(), f.patient.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, appts, 2)
	assert.Equal(t, at("15:00"), appts[0].Start)

	_, err = f.svc.ListAppointmentsByPatient(context.Background(), uuid.New(), 10, 0)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusRequested, StatusConfirmed))
	assert.True(t, CanTransition(StatusRequested, StatusCancelled))
	assert.True(t, CanTransition(StatusConfirmed, StatusCompleted))
	assert.False(t, CanTransition(StatusRequested, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusConfirmed))
}
