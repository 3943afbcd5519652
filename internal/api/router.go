package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Booking  BookingService
	Receipts ReceiptHandler
	Outbox   OutboxAdmin
	Health   *HealthHandler
	Metrics  http.Handler // served on /metrics when set

	// BookingLimit and WebhookLimit wrap reservation creation and the
	// receipt endpoint. Nil disables limiting.
	BookingLimit func(http.Handler) http.Handler
	WebhookLimit func(http.Handler) http.Handler

	SignatureHeader    string
	AdminJWTSecret     string
	RetryAttempts      int
	CORSAllowedOrigins []string

	Logger zerolog.Logger
	Clock  clockwork.Clock
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Signature-256"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Gateway callbacks are server to server, no CORS
	r.With(optional(cfg.WebhookLimit)).
		Post("/webhooks/gateway/status", gatewayStatusHandler(cfg.Receipts, cfg.SignatureHeader))

	r.Route("/v1", func(r chi.Router) {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			MaxAge:         600,
		}).Handler)

		r.Get("/professionals/{id}/slots", listSlotsHandler(cfg.Booking))

		r.Post("/patients", registerPatientHandler(cfg.Booking))
		r.Get("/patients/{id}/appointments", listPatientAppointmentsHandler(cfg.Booking))

		r.With(optional(cfg.BookingLimit)).Post("/appointments", createAppointmentHandler(cfg.Booking))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/confirm", transitionHandler(cfg.Booking.Confirm))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/complete", transitionHandler(cfg.Booking.Complete))

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminJWT(cfg.AdminJWTSecret))
			r.Get("/outbox", listOutboxHandler(cfg.Outbox))
			r.Post("/outbox/{id}/retry", retryOutboxHandler(cfg.Outbox, cfg.RetryAttempts, cfg.Clock))
		})
	})

	return r
}

func optional(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
