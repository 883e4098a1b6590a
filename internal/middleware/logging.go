package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/arkeep/arkeep/internal/logger"
)

// RequestIDKey is the context key for the request correlation ID.
const RequestIDKey = "request_id"

// LoggerKey is the context key for the request-scoped logger.
const LoggerKey = "logger"

// RequestLogging logs every request and response with a correlation ID
// and stores a request-scoped logger in the fiber context.
func RequestLogging(log logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := uuid.New().String()
		c.Locals(RequestIDKey, requestID)

		requestLogger := log.WithRequest(requestID)
		c.Locals(LoggerKey, requestLogger)

		start := time.Now()
		requestLogger.Info("Request started",
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.String("ip", c.IP()),
		)

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()
		fields := []logger.Field{
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.Int("status", status),
			logger.Duration("duration", duration),
			logger.Int("response_size", len(c.Response().Body())),
		}

		switch {
		case status >= 500:
			requestLogger.Error("Request completed", fields...)
		case status >= 400:
			requestLogger.Warn("Request completed", fields...)
		default:
			requestLogger.Info("Request completed", fields...)
		}

		if err != nil {
			requestLogger.Error("Request error",
				logger.Error(err),
				logger.String("method", c.Method()),
				logger.String("path", c.Path()),
			)
		}

		return err
	}
}

// GetRequestID returns the correlation ID from the context.
func GetRequestID(c *fiber.Ctx) string {
	if requestID, ok := c.Locals(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetLogger returns the request-scoped logger from the context.
func GetLogger(c *fiber.Ctx) logger.Logger {
	if log, ok := c.Locals(LoggerKey).(logger.Logger); ok {
		return log
	}
	return logger.NewFromConfig("info", "text")
}
