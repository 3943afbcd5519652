package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/db"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/scheduling"
)

const (
	patientColumns     = `id, name, phone, email, preferred_channel, created_at, updated_at`
	appointmentColumns = `id, patient_id, professional_id, start_at, end_at, status, cancel_reason, created_at, updated_at`

	codeForeignKeyViolation = "23503"
)

type PgRepository struct {
	pool db.Pool
}

func NewPgRepository(pool db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var channel string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Phone,
		&p.Email,
		&channel,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.PreferredChannel = outbox.Channel(channel)
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProfessionalID,
		&a.Start,
		&a.End,
		&status,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = AppointmentStatus(status)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) UpsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, name, phone, email, preferred_channel, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (phone) DO UPDATE
		SET name = EXCLUDED.name,
		    email = COALESCE(EXCLUDED.email, patients.email),
		    preferred_channel = EXCLUDED.preferred_channel,
		    updated_at = now()
		RETURNING `+patientColumns,
		p.ID, p.Name, p.Phone, p.Email, string(p.PreferredChannel))
	saved, err := scanPatient(row)
	if err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}
	return saved, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindOverlapping(ctx context.Context, professionalID uuid.UUID, iv scheduling.Interval) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE professional_id = $1
		  AND status <> 'cancelled'
		  AND start_at < $3
		  AND end_at > $2
		ORDER BY start_at
	`, professionalID, iv.Start, iv.End)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	return collectAppointments(rows)
}

// InsertIfAbsent relies on the appointments_no_overlap exclusion constraint;
// there is no read-then-write window.
func (r *PgRepository) InsertIfAbsent(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	var created *Appointment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO appointments (id, patient_id, professional_id, start_at, end_at, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING `+appointmentColumns,
			a.ID, a.PatientID, a.ProfessionalID, a.Start, a.End, string(StatusRequested), a.CreatedAt)
		appt, err := scanAppointment(row)
		if err != nil {
			return err
		}
		created = appt

		return insertEvent(ctx, tx, EventLog{
			EventType:     EventAppointmentRequested,
			AppointmentID: &appt.ID,
			Payload:       mustJSON(map[string]any{"start": appt.Start, "end": appt.End, "professional_id": appt.ProfessionalID}),
			CreatedAt:     a.CreatedAt,
		})
	})
	if err != nil {
		if db.IsConflict(err) {
			return nil, ErrSlotConflict
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) ApplyTransition(ctx context.Context, t Transition) (*Appointment, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	var updated *Appointment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    cancel_reason = COALESCE($3, cancel_reason),
			    updated_at = $4
			WHERE id = $1
			  AND status = ANY($5)
			RETURNING `+appointmentColumns,
			t.ID, string(t.To), t.Reason, t.At, from)
		appt, err := scanAppointment(row)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrStaleStatus
			}
			return err
		}
		updated = appt

		store := outbox.NewPgStore(tx)
		if len(t.Drafts) > 0 {
			if err := store.Insert(ctx, t.Drafts...); err != nil {
				return err
			}
		}
		if t.SuppressReminders {
			if _, err := store.CancelPendingReminders(ctx, t.ID, "appointment cancelled", t.At); err != nil {
				return err
			}
		}

		ev := t.Event
		if ev.EventType == "" {
			return nil
		}
		ev.AppointmentID = &appt.ID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = t.At
		}
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		if errors.Is(err, ErrStaleStatus) || errors.Is(err, outbox.ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("apply transition to %s: %w", t.To, err)
	}
	return updated, nil
}

func insertEvent(ctx context.Context, q db.Querier, ev EventLog) error {
	_, err := q.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
