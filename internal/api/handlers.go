package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/appointment"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/clinic"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
)

const (
	maxRequestBody  = 64 << 10
	maxAlternatives = 5
)

// BookingService is the part of *appointment.Service the HTTP layer uses.
type BookingService interface {
	RegisterPatient(ctx context.Context, in appointment.PatientInput) (*appointment.Patient, error)
	ListAvailableSlots(ctx context.Context, professionalID uuid.UUID, from, to civiltime.Date) ([]appointment.Slot, error)
	Alternatives(ctx context.Context, professionalID uuid.UUID, from civiltime.Date, n int) ([]appointment.Slot, error)
	Reserve(ctx context.Context, req appointment.ReserveRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, req appointment.CancelRequest) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("could not parse JSON: %w", err)
		}
	}
	return validate.Struct(dst)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func registerPatientHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPatientRequest
		if err := decodeBody(w, r, &req, false); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", describeValidation(err))
			return
		}

		p, err := svc.RegisterPatient(r.Context(), appointment.PatientInput{
			Name:             req.Name,
			Phone:            req.Phone,
			Email:            req.Email,
			PreferredChannel: outbox.Channel(req.PreferredChannel),
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPatientResponse(p))
	}
}

func listSlotsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profID, ok := pathUUID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_professional_id", "id must be a valid UUID")
			return
		}

		q := r.URL.Query()
		from, err := civiltime.ParseDate(q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
			return
		}
		to := from
		if raw := q.Get("to"); raw != "" {
			if to, err = civiltime.ParseDate(raw); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
				return
			}
		}

		slots, err := svc.ListAvailableSlots(r.Context(), profID, from, to)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, SlotListResponse{
			ProfessionalID: profID,
			From:           from.String(),
			To:             to.String(),
			Slots:          toSlotResponses(slots),
		})
	}
}

func createAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := decodeBody(w, r, &req, false); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", describeValidation(err))
			return
		}
		profID := uuid.MustParse(req.ProfessionalID)
		patientID := uuid.MustParse(req.PatientID)

		appt, err := svc.Reserve(r.Context(), appointment.ReserveRequest{
			ProfessionalID: profID,
			PatientID:      patientID,
			Start:          req.Start,
			End:            req.End,
		})
		if errors.Is(err, appointment.ErrSlotConflict) {
			writeSlotConflict(w, r, svc, profID, civiltime.DateOf(req.Start))
			return
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

// writeSlotConflict answers a lost reservation with the next free slots so
// the patient can pick again without starting over.
func writeSlotConflict(w http.ResponseWriter, r *http.Request, svc BookingService, profID uuid.UUID, day civiltime.Date) {
	resp := ErrorResponse{
		Error:   "slot_unavailable",
		Details: "the selected time was just booked by someone else",
		Action:  actionPickAnotherSlot,
	}
	alts, err := svc.Alternatives(r.Context(), profID, day, maxAlternatives)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("could not compute alternative slots")
	} else {
		resp.Alternatives = toSlotResponses(alts)
	}
	writeJSON(w, http.StatusConflict, resp)
}

func getAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		resp := toAppointmentResponse(&detail.Appointment)
		resp.ProfessionalName = detail.ProfessionalName
		resp.Patient = toPatientResponse(detail.Patient)
		writeJSON(w, http.StatusOK, resp)
	}
}

func listPatientAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := pathUUID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be a valid UUID")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		resp := make([]AppointmentResponse, len(appts))
		for i := range appts {
			resp[i] = toAppointmentResponse(&appts[i])
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// transitionHandler serves confirm and complete, which take no body.
func transitionHandler(apply func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := apply(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}
		var req CancelAppointmentRequest
		if err := decodeBody(w, r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", describeValidation(err))
			return
		}

		appt, err := svc.Cancel(r.Context(), id, appointment.CancelRequest{Reason: req.Reason, NotifyPatient: req.NotifyPatient})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.Is(err, clinic.ErrProfessionalNotFound):
		writeError(w, http.StatusNotFound, "professional_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, appointment.ErrSlotConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "slot_unavailable", Details: err.Error(), Action: actionPickAnotherSlot})
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrNotificationUnavailable):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("notification channel not configured")
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "notification_unavailable",
			Details: "we cannot send confirmations on this channel right now",
			Action:  actionContactByPhone,
		})
	case isTransient(err):
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("transient failure")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "temporarily_unavailable",
			Details: "please try again in a moment",
			Action:  actionRetryLater,
		})
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
