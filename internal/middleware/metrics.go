package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/arkeep/arkeep/internal/metrics"
)

// Metrics records HTTP request counters and latencies.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip the metrics endpoint itself.
		if c.Path() == "/metrics" {
			return c.Next()
		}

		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		err := c.Next()
		duration := time.Since(start).Seconds()

		status := strconv.Itoa(c.Response().StatusCode())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Path(), status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Method(), c.Path(), status).Observe(duration)

		return err
	}
}
