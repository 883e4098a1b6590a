package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/arkeep/arkeep/internal/backup"
	"github.com/arkeep/arkeep/internal/chunkstore"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/recovery"
	"github.com/arkeep/arkeep/internal/txn"
)

// ErrorKind classifies failures for clients: contention for lock and
// serialization conflicts, integrity for corruption, coordination for
// participant and plan failures, resource for storage trouble.
type ErrorKind string

const (
	KindContention   ErrorKind = "contention"
	KindIntegrity    ErrorKind = "integrity"
	KindCoordination ErrorKind = "coordination"
	KindResource     ErrorKind = "resource"
	KindNotFound     ErrorKind = "not_found"
	KindInvalid      ErrorKind = "invalid"
)

// ErrorResponse is the structured error body returned on failures.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// BadRequest returns a 400 Bad Request error response.
func BadRequest(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusBadRequest, "Bad Request", KindInvalid, message)
}

// NotFound returns a 404 Not Found error response.
func NotFound(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusNotFound, "Not Found", KindNotFound, message)
}

// Conflict returns a 409 Conflict error response.
func Conflict(c *fiber.Ctx, kind ErrorKind, message string) error {
	return errorResponse(c, fiber.StatusConflict, "Conflict", kind, message)
}

// UnprocessableEntity returns a 422 Unprocessable Entity error response.
func UnprocessableEntity(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusUnprocessableEntity, "Unprocessable Entity", KindIntegrity, message)
}

// InternalServerError returns a 500 Internal Server Error response.
func InternalServerError(c *fiber.Ctx, message string) error {
	return errorResponse(c, fiber.StatusInternalServerError, "Internal Server Error", KindResource, message)
}

// DomainError maps a domain error to its HTTP status and error kind.
// Unknown errors become 500 resource errors.
func DomainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, txn.ErrTxnNotFound),
		errors.Is(err, txn.ErrKeyNotFound),
		errors.Is(err, backup.ErrBackupNotFound),
		errors.Is(err, chunkstore.ErrChunkNotFound),
		errors.Is(err, recovery.ErrPlanNotFound):
		return NotFound(c, err.Error())

	case errors.Is(err, txn.ErrLockTimeout),
		errors.Is(err, txn.ErrDeadlockVictim),
		errors.Is(err, txn.ErrSerializationConflict),
		errors.Is(err, recovery.ErrTargetConflict):
		return Conflict(c, KindContention, err.Error())

	case errors.Is(err, txn.ErrTxnNotActive),
		errors.Is(err, txn.ErrParticipantVote),
		errors.Is(err, recovery.ErrPlanNotRunnable),
		errors.Is(err, recovery.ErrCancelled):
		return Conflict(c, KindCoordination, err.Error())

	case errors.Is(err, backup.ErrCorrupt),
		errors.Is(err, chunkstore.ErrChunkCorrupt):
		return UnprocessableEntity(c, err.Error())

	case errors.Is(err, backup.ErrParentRequired),
		errors.Is(err, backup.ErrNoFullBackup),
		errors.Is(err, recovery.ErrNoBackupForTarget):
		return BadRequest(c, err.Error())

	default:
		return InternalServerError(c, err.Error())
	}
}

func errorResponse(c *fiber.Ctx, status int, errName string, kind ErrorKind, message string) error {
	response := ErrorResponse{
		Error:     errName,
		Kind:      kind,
		Message:   message,
		RequestID: GetRequestID(c),
		Timestamp: time.Now(),
		Path:      c.Path(),
	}

	log := GetLogger(c)
	log.Error("HTTP error response",
		logger.String("error", errName),
		logger.String("kind", string(kind)),
		logger.String("message", message),
		logger.String("method", c.Method()),
		logger.String("path", c.Path()),
		logger.Int("status", status),
	)

	return c.Status(status).JSON(response)
}
