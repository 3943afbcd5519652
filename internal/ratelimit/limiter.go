// Package ratelimit is a sliding-window request limiter for the public
// endpoints. It is an abuse guard, not a correctness boundary: callers let
// requests through when the backend fails.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Check(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error)
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// New builds the limiter selected by backend. rdb is only used by the redis
// backend.
func New(backend string, maxKeys int, rdb *redis.Client, clock clockwork.Clock) (Limiter, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemory(maxKeys, clock), nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("ratelimit: redis backend needs a client")
		}
		return NewRedis(rdb, clock), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", backend)
	}
}
