package server

import (
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	appmetrics "github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/pkg/models"
)

// ipKeyPrefix namespaces REST throttle keys away from the hub's
// per-connection keys sharing the same limiter algorithm.
const ipKeyPrefix = "ip:"

// rateLimitMiddleware applies the sliding-window limit per source IP.
// Rejected requests receive a Retry-After hint derived from the oldest
// surviving request in the window.
func (s *Server) rateLimitMiddleware(c *fiber.Ctx) error {
	cfg := s.config.RateLimit
	key := ipKeyPrefix + c.IP()
	if s.limiter.Allow(key, cfg.RESTMaxRequests, cfg.RESTWindow) {
		return c.Next()
	}

	appmetrics.RequestsThrottled.Inc()
	if reset := s.limiter.ResetTime(key, cfg.RESTWindow); !reset.IsZero() {
		secs := int(math.Ceil(time.Until(reset).Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
	}
	return SendErrorWithType(c, fiber.StatusTooManyRequests,
		"Rate limit exceeded, slow down", models.RateLimitErrorType)
}
