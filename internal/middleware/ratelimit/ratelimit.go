package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// visitor is one client's bucket state. Tokens are fractional so the
// refill does not depend on request spacing.
type visitor struct {
	tokens   float64
	lastSeen time.Time
}

type Config struct {
	// RequestsPerMinute is the sustained rate allowed per client IP.
	RequestsPerMinute int
	// Burst is the bucket capacity: how far a client may briefly run
	// ahead of the sustained rate. Defaults to RequestsPerMinute.
	Burst int
	// IdleEviction is how long an inactive client's bucket survives.
	IdleEviction time.Duration
	Logger       *zap.Logger
}

// Limiter is a per-IP token bucket. Buckets refill continuously and idle
// ones are swept away inline, so there is no background goroutine to stop.
type Limiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rate      float64 // tokens per second
	burst     float64
	idle      time.Duration
	lastSweep time.Time
	logger    *zap.Logger
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Limiter{
		visitors:  make(map[string]*visitor),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(cfg.Burst),
		idle:      cfg.IdleEviction,
		lastSweep: time.Now(),
		logger:    cfg.Logger,
	}
}

func (l *Limiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		allowed, retryAfter := l.take(c.IP(), time.Now())
		if !allowed {
			l.logger.Warn("Rate limit exceeded",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

// take spends one token from key's bucket, refilling it first for the time
// elapsed since the last request. It reports whether the request is
// admitted and, when it is not, how many whole seconds until a token
// becomes available.
func (l *Limiter) take(key string, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idle {
		l.sweep(now)
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{tokens: l.burst}
		l.visitors[key] = v
	} else {
		elapsed := now.Sub(v.lastSeen).Seconds()
		v.tokens = math.Min(l.burst, v.tokens+elapsed*l.rate)
	}
	v.lastSeen = now

	if v.tokens >= 1 {
		v.tokens--
		return true, 0
	}

	wait := int(math.Ceil((1 - v.tokens) / l.rate))
	if wait < 1 {
		wait = 1
	}
	return false, wait
}

// sweep drops buckets idle long enough to have refilled completely.
// Callers hold mu.
func (l *Limiter) sweep(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, key)
		}
	}
	l.lastSweep = now
}
