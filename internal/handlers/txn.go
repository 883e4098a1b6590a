package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/middleware"
	"github.com/arkeep/arkeep/internal/txn"
)

// TxnHandler exposes the transaction manager over HTTP.
type TxnHandler struct {
	manager *txn.Manager
}

func NewTxnHandler(manager *txn.Manager) *TxnHandler {
	return &TxnHandler{manager: manager}
}

// Begin starts a transaction at the requested isolation level.
func (h *TxnHandler) Begin(c *fiber.Ctx) error {
	log := middleware.GetLogger(c)

	body := struct {
		Isolation string `json:"isolation,omitempty"`
	}{}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return middleware.BadRequest(c, "Invalid JSON body")
		}
	}

	status, err := h.manager.Begin(txn.ParseIsolation(body.Isolation))
	if err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Transaction started",
		logger.String("txn_id", status.ID),
		logger.String("isolation", string(status.Isolation)))
	return c.Status(fiber.StatusCreated).JSON(status)
}

// Read returns the value of a key as seen by the transaction.
func (h *TxnHandler) Read(c *fiber.Ctx) error {
	txnID := c.Params("id")
	// Params are backed by fasthttp's reusable request buffer; the
	// manager retains the key past this request, so it must be copied.
	key := utils.CopyString(c.Params("key"))
	log := middleware.GetLogger(c)

	log.Debug("Transactional read",
		logger.String("txn_id", txnID),
		logger.String("key", key))

	value, version, err := h.manager.Read(c.UserContext(), txnID, key)
	if err != nil {
		return middleware.DomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"key":     key,
		"value":   string(value),
		"version": version,
	})
}

// Write stages a key write inside the transaction.
func (h *TxnHandler) Write(c *fiber.Ctx) error {
	txnID := c.Params("id")
	key := utils.CopyString(c.Params("key"))
	log := middleware.GetLogger(c)

	body := struct {
		Value string `json:"value"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}

	if err := h.manager.Write(c.UserContext(), txnID, key, []byte(body.Value)); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Debug("Write staged",
		logger.String("txn_id", txnID),
		logger.String("key", key))
	return c.JSON(fiber.Map{"message": "write staged", "key": key})
}

// Delete stages a key deletion inside the transaction.
func (h *TxnHandler) Delete(c *fiber.Ctx) error {
	txnID := c.Params("id")
	key := utils.CopyString(c.Params("key"))

	if err := h.manager.Delete(c.UserContext(), txnID, key); err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(fiber.Map{"message": "delete staged", "key": key})
}

// Enlist registers a named participant with the transaction.
func (h *TxnHandler) Enlist(c *fiber.Ctx) error {
	txnID := c.Params("id")

	body := struct {
		Participant string `json:"participant"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if body.Participant == "" {
		return middleware.BadRequest(c, "participant name required")
	}

	if err := h.manager.Enlist(txnID, body.Participant); err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(fiber.Map{"message": "participant enlisted", "participant": body.Participant})
}

// Prepare runs the vote phase of two-phase commit.
func (h *TxnHandler) Prepare(c *fiber.Ctx) error {
	txnID := c.Params("id")
	log := middleware.GetLogger(c)

	if err := h.manager.Prepare(txnID); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Transaction prepared", logger.String("txn_id", txnID))
	return c.JSON(fiber.Map{"message": "prepared", "txn_id": txnID})
}

// Commit drives the transaction to COMMITTED.
func (h *TxnHandler) Commit(c *fiber.Ctx) error {
	txnID := c.Params("id")
	log := middleware.GetLogger(c)

	if err := h.manager.Commit(txnID); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Transaction committed", logger.String("txn_id", txnID))
	return c.JSON(fiber.Map{"message": "committed", "txn_id": txnID})
}

// Abort rolls the transaction back. Aborting an aborted transaction is
// not an error.
func (h *TxnHandler) Abort(c *fiber.Ctx) error {
	txnID := c.Params("id")
	log := middleware.GetLogger(c)

	if err := h.manager.Abort(txnID); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Transaction aborted", logger.String("txn_id", txnID))
	return c.JSON(fiber.Map{"message": "aborted", "txn_id": txnID})
}

// Status returns the transaction's current state.
func (h *TxnHandler) Status(c *fiber.Ctx) error {
	status, err := h.manager.Status(c.Params("id"))
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(status)
}

// List returns all tracked transactions.
func (h *TxnHandler) List(c *fiber.Ctx) error {
	return c.JSON(h.manager.List())
}

// GetCommitted reads the last committed value of a key, outside any
// transaction.
func (h *TxnHandler) GetCommitted(c *fiber.Ctx) error {
	key := c.Params("key")

	value, version, err := h.manager.GetCommitted(key)
	if err != nil {
		if errors.Is(err, txn.ErrKeyNotFound) {
			return middleware.NotFound(c, "Key not found")
		}
		return middleware.DomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"key":     key,
		"value":   string(value),
		"version": version,
	})
}
