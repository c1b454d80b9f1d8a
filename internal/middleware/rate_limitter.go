package middleware

import (
	"FacePoke/pkg/response"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrTooManyRequests = response.NewError(http.StatusTooManyRequests, "too many requests")
	ErrTooManyImages   = response.NewError(http.StatusTooManyRequests, "too many image operations for this session")
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter hands out one token bucket per key. Buckets unused for
// limiterIdleTTL are pruned so closed sessions do not pile up.
type rateLimiter struct {
	bucket    map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	mutex     *sync.Mutex
	now       func() time.Time
	lastPrune time.Time
}

func newRateLimiter(reqRate rate.Limit, burstSize int) *rateLimiter {
	return &rateLimiter{
		bucket:    make(map[string]*limiterEntry),
		rate:      reqRate,
		burstSize: burstSize,
		mutex:     &sync.Mutex{},
		now:       time.Now,
	}
}

func (r *rateLimiter) GetLimiterFrom(key string) *rate.Limiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := r.now()
	if now.Sub(r.lastPrune) > limiterIdleTTL {
		for k, entry := range r.bucket {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(r.bucket, k)
			}
		}
		r.lastPrune = now
	}

	entry, exist := r.bucket[key]
	if !exist {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter
}

func (r *rateLimiter) size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.bucket)
}

func (m *middleware) NewRateLimiter(ctx *fiber.Ctx) error {
	clientIP := ctx.IP()
	limiter := m.rateLimitter.GetLimiterFrom(clientIP)

	if !limiter.Allow() {
		m.log.WithField("ip", clientIP).Warn("Too many requests")
		return ctx.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": ErrTooManyRequests.Error(),
		})
	}

	return ctx.Next()
}

// NewSessionRateLimiter limits decode and encode heavy routes per session id,
// so one browser tab cannot starve the others sharing an address.
func (m *middleware) NewSessionRateLimiter(ctx *fiber.Ctx) error {
	sessionID := ctx.Params("id")
	limiter := m.sessionLimiter.GetLimiterFrom(sessionID)

	if !limiter.Allow() {
		m.log.WithFields(logrus.Fields{
			"ip":         ctx.IP(),
			"session_id": sessionID,
			"path":       ctx.Path(),
		}).Warn("Too many image operations")
		return ctx.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": ErrTooManyImages.Error(),
		})
	}

	return ctx.Next()
}
