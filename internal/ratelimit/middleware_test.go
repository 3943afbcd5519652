package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusCreated)
})

func TestGuardLimitsAndSetsHeaders(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC))
	g := NewGuard(NewMemory(100, clock), "booking", 2, time.Minute, zerolog.Nop(), nil).WithClock(clock)
	h := g.Middleware(okHandler)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/appointments", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	clock.Advance(15 * time.Second)
	assert.Equal(t, http.StatusCreated, do().Code)

	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "retry_later", body["action"])
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("dial tcp: connection refused")
}

func TestGuardFailsOpen(t *testing.T) {
	h := NewGuard(brokenLimiter{}, "webhook", 1, time.Minute, zerolog.Nop(), nil).Middleware(okHandler)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/gateway/status", nil))
		assert.Equal(t, http.StatusCreated, rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:4000"
	assert.Equal(t, "ip:198.51.100.4", ClientKey(req))

	req.Header.Set("X-API-Key", "partner-key")
	key := ClientKey(req)
	assert.Contains(t, key, "key:")
	assert.NotContains(t, key, "partner-key")
}
