package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/arkeep/arkeep/internal/backup"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/middleware"
)

// BackupHandler exposes the backup catalog over HTTP.
type BackupHandler struct {
	manager *backup.Manager
}

func NewBackupHandler(manager *backup.Manager) *BackupHandler {
	return &BackupHandler{manager: manager}
}

// Create captures a new backup of a source path.
func (h *BackupHandler) Create(c *fiber.Ctx) error {
	log := middleware.GetLogger(c)

	body := struct {
		SourcePath string `json:"source_path"`
		Type       string `json:"type"`
		ParentID   string `json:"parent_id,omitempty"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if body.SourcePath == "" {
		return middleware.BadRequest(c, "source_path required")
	}

	typ, err := backup.ParseType(body.Type)
	if err != nil {
		return middleware.BadRequest(c, err.Error())
	}

	b, err := h.manager.Create(body.SourcePath, typ, body.ParentID)
	if err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Backup created",
		logger.String("backup_id", b.ID),
		logger.String("type", string(b.Type)),
		logger.Int("chunks", len(b.Chunks)),
		logger.Int("new_chunks", b.NewChunks))
	return c.Status(fiber.StatusCreated).JSON(b)
}

// Get returns one catalog record.
func (h *BackupHandler) Get(c *fiber.Ctx) error {
	b, err := h.manager.Get(c.Params("id"))
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(b)
}

// List returns the catalog ordered by creation time.
func (h *BackupHandler) List(c *fiber.Ctx) error {
	backups, err := h.manager.List()
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(backups)
}

// Validate re-verifies a backup's digest and chunk bodies.
func (h *BackupHandler) Validate(c *fiber.Ctx) error {
	id := c.Params("id")
	log := middleware.GetLogger(c)

	if err := h.manager.Validate(id); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Backup validated", logger.String("backup_id", id))
	return c.JSON(fiber.Map{"message": "backup valid", "backup_id": id})
}

// Restore reassembles a backup at the requested target path.
func (h *BackupHandler) Restore(c *fiber.Ctx) error {
	id := c.Params("id")
	log := middleware.GetLogger(c)

	body := struct {
		TargetPath string `json:"target_path"`
		Validate   bool   `json:"validate,omitempty"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if body.TargetPath == "" {
		return middleware.BadRequest(c, "target_path required")
	}

	if err := h.manager.Restore(id, body.TargetPath, body.Validate); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Backup restored",
		logger.String("backup_id", id),
		logger.String("target", body.TargetPath))
	return c.JSON(fiber.Map{"message": "restored", "backup_id": id, "target_path": body.TargetPath})
}

// Delete removes a backup and drops its chunk references.
func (h *BackupHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	log := middleware.GetLogger(c)

	if err := h.manager.Delete(id); err != nil {
		return middleware.DomainError(c, err)
	}

	log.Info("Backup deleted", logger.String("backup_id", id))
	return c.JSON(fiber.Map{"message": "backup deleted", "backup_id": id})
}
