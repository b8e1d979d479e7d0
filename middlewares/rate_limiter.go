package middlewares

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yeremiapane/table-sessions/utils"
)

// limiterSet keeps one token bucket per client IP and forgets IPs that
// have been idle longer than idle.
type limiterSet struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	entries   map[string]*ipLimiter
	lastSweep time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		entries: make(map[string]*ipLimiter),
	}
}

func (s *limiterSet) get(ip string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > s.idle {
		for key, entry := range s.entries {
			if now.Sub(entry.lastSeen) > s.idle {
				delete(s.entries, key)
			}
		}
		s.lastSweep = now
	}

	entry, ok := s.entries[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RateLimiter allows n requests per interval for each client IP, refilled
// evenly across the interval.
type RateLimiter struct {
	ips *limiterSet
}

func NewRateLimiter(n int, interval time.Duration) *RateLimiter {
	return &RateLimiter{ips: newLimiterSet(rate.Limit(float64(n)/interval.Seconds()), n)}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP(), time.Now()) {
			utils.RespondError(c, http.StatusTooManyRequests, errors.New("too many requests"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	return rl.ips.get(ip, now).AllowN(now, 1)
}

// PinAttemptLimiter throttles failed PIN attempts per terminal IP. Only
// requests answered with 401 spend a token, so staff who type their PIN
// correctly are never slowed down.
type PinAttemptLimiter struct {
	ips *limiterSet
}

// NewPinAttemptLimiter allows burst failures, then one more per every.
func NewPinAttemptLimiter(every time.Duration, burst int) *PinAttemptLimiter {
	return &PinAttemptLimiter{ips: newLimiterSet(rate.Every(every), burst)}
}

func (pl *PinAttemptLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := pl.ips.get(ip, time.Now())
		if limiter.Tokens() < 1 {
			utils.ErrorLogger.WithFields(logrus.Fields{
				"ip":   ip,
				"path": c.Request.URL.Path,
			}).Warn("pin attempts throttled")
			utils.RespondError(c, http.StatusTooManyRequests, errors.New("too many failed pin attempts, wait before retrying"))
			c.Abort()
			return
		}

		c.Next()

		if c.Writer.Status() == http.StatusUnauthorized {
			limiter.Allow()
		}
	}
}
