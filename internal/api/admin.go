package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/outbox"
)

// OutboxAdmin is the operator view of the outbox. *outbox.PgStore
// implements it.
type OutboxAdmin interface {
	List(ctx context.Context, f outbox.ListFilter) ([]outbox.Message, error)
	Retry(ctx context.Context, id uuid.UUID, extraAttempts int, at time.Time) (*outbox.Message, error)
}

const adminRole = "admin"

// AdminClaims are carried by operator tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminJWT admits requests bearing an HS256 token with role admin. With no
// secret configured every request is refused.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "admin access is not configured")
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			var claims AdminClaims
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			if claims.Role != adminRole {
				writeError(w, http.StatusForbidden, "forbidden", "admin role required")
				return
			}

			sub, _ := claims.GetSubject()
			logger := zerolog.Ctx(r.Context()).With().Str("operator", sub).Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		})
	}
}

func listOutboxHandler(store OutboxAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f outbox.ListFilter

		if s := q.Get("status"); s != "" {
			f.Status = outbox.Status(s)
			if !f.Status.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_status", "status must be pending, sent, delivered or failed")
				return
			}
		}
		if s := q.Get("appointment_id"); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
				return
			}
			f.AppointmentID = id
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			f.Limit = n
		}

		msgs, err := store.List(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		resp := make([]OutboxMessageResponse, len(msgs))
		for i, m := range msgs {
			resp[i] = toOutboxMessageResponse(m)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// retryOutboxHandler puts a failed message back in the queue with a fresh
// attempt budget.
func retryOutboxHandler(store OutboxAdmin, extraAttempts int, clock clockwork.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_message_id", "id must be a valid UUID")
			return
		}

		m, err := store.Retry(r.Context(), id, extraAttempts, clock.Now())
		switch {
		case errors.Is(err, outbox.ErrMessageNotFound):
			writeError(w, http.StatusNotFound, "message_not_found", err.Error())
			return
		case errors.Is(err, outbox.ErrNotRetryable):
			writeError(w, http.StatusConflict, "not_retryable", err.Error())
			return
		case err != nil:
			writeServiceError(w, r, err)
			return
		}

		zerolog.Ctx(r.Context()).Info().
			Str("message_id", id.String()).
			Int("max_attempts", m.MaxAttempts).
			Msg("outbox message requeued")
		writeJSON(w, http.StatusOK, toOutboxMessageResponse(*m))
	}
}
