package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/metrics"
)

// Guard applies one limit to a group of routes.
type Guard struct {
	limiter Limiter
	scope   string
	limit   int
	window  time.Duration
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewGuard(l Limiter, scope string, limit int, window time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{
		limiter: l,
		scope:   scope,
		limit:   limit,
		window:  window,
		clock:   clockwork.NewRealClock(),
		logger:  logger.With().Str("component", "ratelimit").Str("scope", scope).Logger(),
		metrics: m,
	}
}

func (g *Guard) WithClock(c clockwork.Clock) *Guard { g.clock = c; return g }

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := g.scope + ":" + ClientKey(r)

		d, err := g.limiter.Check(r.Context(), id, g.limit, g.window)
		if err != nil {
			// fail open
			g.logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
			g.metrics.ObserveRateLimit(g.scope, true)
			next.ServeHTTP(w, r)
			return
		}
		g.metrics.ObserveRateLimit(g.scope, d.Allowed)

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(g.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := int(math.Ceil(d.ResetAt.Sub(g.clock.Now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"details": "too many requests, try again in " + strconv.Itoa(retry) + "s",
				"action":  "retry_later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller: a digest of X-API-Key when present,
// otherwise the client IP. chi's RealIP middleware is expected upstream.
func ClientKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
