package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const keyPrefix = "ratelimit:"

var tracer = otel.Tracer("saraiva-vision/ratelimit")

// slidingWindow prunes, counts and records in one round trip so concurrent
// instances see a consistent count. Scores are unix milliseconds.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", KEYS[1], window)

local reset = now + window
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, limit - count, reset}
`)

// Redis shares windows across instances as one sorted set per identifier.
type Redis struct {
	client *redis.Client
	clock  clockwork.Clock
}

func NewRedis(client *redis.Client, clock clockwork.Clock) *Redis {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Redis{client: client, clock: clock}
}

func (r *Redis) Check(ctx context.Context, identifier string, limit int, window time.Duration) (Decision, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.Check")
	defer span.End()
	span.SetAttributes(attribute.Int("ratelimit.limit", limit))

	now := r.clock.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, r.client, []string{keyPrefix + identifier},
		now, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	remaining := int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(res[2]),
	}
	span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
	return d, nil
}
