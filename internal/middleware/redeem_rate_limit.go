package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RedeemRateLimit caps redemptions per meter per minute. With Redis the
// window is shared by every instance; without it each process keeps its own
// token buckets.
func RedeemRateLimit(cache *redis.Client, perMinute int, logger *slog.Logger) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 30
	}
	local := newKeyedLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)

	return func(c *fiber.Ctx) error {
		meter := c.Params("meterId")
		if meter == "" {
			meter = c.IP()
		}

		if cache != nil {
			key := "rl:redeem:" + meter
			cnt, err := cache.Incr(c.UserContext(), key).Result()
			if err == nil {
				if cnt == 1 {
					cache.Expire(c.UserContext(), key, time.Minute)
				}
				if cnt > int64(perMinute) {
					return tooManyRedemptions(logger, meter)
				}
				return c.Next()
			}
			logger.Warn("redeem rate limit store failed, using local limiter", slog.Any("error", err))
		}

		if !local.allow(meter) {
			return tooManyRedemptions(logger, meter)
		}
		return c.Next()
	}
}

func tooManyRedemptions(logger *slog.Logger, meter string) error {
	logger.Warn("redeem rate limit exceeded", slog.String("meter_id", meter))
	return fiber.NewError(http.StatusTooManyRequests, "too many redemptions, try again later")
}

// keyedLimiter keeps one token bucket per key. A bucket idle for longer than
// it takes to refill is indistinguishable from a new one, so such entries are
// swept on access at most once per idle period.
type keyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int) *keyedLimiter {
	idle := time.Minute
	if limit > 0 {
		if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &keyedLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	if now.Sub(k.lastSweep) >= k.idle {
		for id, e := range k.limiters {
			if now.Sub(e.lastSeen) >= k.idle {
				delete(k.limiters, id)
			}
		}
		k.lastSweep = now
	}
	e, ok := k.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

func (k *keyedLimiter) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
