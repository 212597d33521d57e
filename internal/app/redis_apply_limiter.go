package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

// applyWindowScript keeps one sorted-set member per accepted application, scored by its
// time in milliseconds. Refused attempts are not recorded. Returns {1, 0} when the
// application is accepted, otherwise {0, ms until the oldest member leaves the window}.
var applyWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, tonumber(oldest[2]) + window - now}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, 0}
`)

// ApplyLimiter throttles credit applications per customer and product. It returns an
// error wrapping domain.ErrRateLimited when the application must be refused.
type ApplyLimiter interface {
	AllowApplication(ctx context.Context, customerID uuid.UUID, productCode string) error
}

// RedisApplyLimiter allows at most limit applications per customer and product inside a
// sliding window.
type RedisApplyLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisApplyLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisApplyLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "corebanking"
	}
	if window < time.Second {
		window = time.Hour
	}
	return &RedisApplyLimiter{
		client: client,
		prefix: trimmedPrefix + ":credit_apply",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RedisApplyLimiter) key(customerID uuid.UUID, productCode string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, strings.ToUpper(strings.TrimSpace(productCode)), customerID)
}

func (r *RedisApplyLimiter) AllowApplication(ctx context.Context, customerID uuid.UUID, productCode string) error {
	if r == nil || r.client == nil || r.limit <= 0 {
		return nil
	}

	reply, err := applyWindowScript.Run(ctx, r.client,
		[]string{r.key(customerID, productCode)},
		r.now().UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("apply limiter: %w", err)
	}
	if len(reply) != 2 {
		return fmt.Errorf("apply limiter: unexpected reply %v", reply)
	}
	if reply[0] == 1 {
		return nil
	}

	retryAfter := (time.Duration(reply[1])*time.Millisecond + time.Second - 1).Truncate(time.Second)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return fmt.Errorf("%w: %s allows %d applications per %s, retry in %s",
		domain.ErrRateLimited, strings.ToUpper(productCode), r.limit, r.window, retryAfter)
}
