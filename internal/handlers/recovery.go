package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/middleware"
	"github.com/arkeep/arkeep/internal/recovery"
)

// RecoveryHandler exposes recovery planning and execution over HTTP.
type RecoveryHandler struct {
	orchestrator *recovery.Orchestrator
	log          logger.Logger
}

func NewRecoveryHandler(orchestrator *recovery.Orchestrator, log logger.Logger) *RecoveryHandler {
	return &RecoveryHandler{orchestrator: orchestrator, log: log}
}

// PlanPITR builds a point-in-time recovery plan.
func (h *RecoveryHandler) PlanPITR(c *fiber.Ctx) error {
	body := struct {
		SourcePath     string `json:"source_path"`
		TargetTS       int64  `json:"target_ts"`
		TargetLocation string `json:"target_location"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if body.SourcePath == "" || body.TargetLocation == "" {
		return middleware.BadRequest(c, "source_path and target_location required")
	}

	plan, err := h.orchestrator.PlanPITR(body.SourcePath, body.TargetTS, body.TargetLocation)
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(plan)
}

// PlanFromBackup builds a plan restoring a single backup.
func (h *RecoveryHandler) PlanFromBackup(c *fiber.Ctx) error {
	body := struct {
		BackupID       string `json:"backup_id"`
		TargetLocation string `json:"target_location"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if body.BackupID == "" || body.TargetLocation == "" {
		return middleware.BadRequest(c, "backup_id and target_location required")
	}

	plan, err := h.orchestrator.PlanFromBackup(body.BackupID, body.TargetLocation)
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(plan)
}

// PlanDisaster builds a restore-verify-failover plan.
func (h *RecoveryHandler) PlanDisaster(c *fiber.Ctx) error {
	body := struct {
		SourcePath     string `json:"source_path"`
		TargetTS       int64  `json:"target_ts"`
		TargetLocation string `json:"target_location"`
		Standby        string `json:"standby"`
		Checksum       string `json:"checksum,omitempty"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if body.SourcePath == "" || body.TargetLocation == "" || body.Standby == "" {
		return middleware.BadRequest(c, "source_path, target_location and standby required")
	}

	plan, err := h.orchestrator.PlanDisaster(body.SourcePath, body.TargetTS, body.TargetLocation, body.Standby, body.Checksum)
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(plan)
}

// PlanCascading builds a multi-system plan over dependency edges.
func (h *RecoveryHandler) PlanCascading(c *fiber.Ctx) error {
	body := struct {
		Systems        []recovery.System `json:"systems"`
		TargetLocation string            `json:"target_location,omitempty"`
	}{}
	if err := c.BodyParser(&body); err != nil {
		return middleware.BadRequest(c, "Invalid JSON body")
	}
	if len(body.Systems) == 0 {
		return middleware.BadRequest(c, "at least one system required")
	}

	plan, err := h.orchestrator.PlanCascading(body.Systems, body.TargetLocation)
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(plan)
}

// Execute runs a plan in the background and returns immediately. The
// plan record carries progress; poll Get for the outcome.
func (h *RecoveryHandler) Execute(c *fiber.Ctx) error {
	// Copied because the goroutine below outlives the request and its
	// param buffer.
	id := utils.CopyString(c.Params("id"))

	plan, err := h.orchestrator.Get(id)
	if err != nil {
		return middleware.DomainError(c, err)
	}
	if plan.Status != recovery.StatusPlanned {
		return middleware.DomainError(c, recovery.ErrPlanNotRunnable)
	}

	go func() {
		if err := h.orchestrator.Execute(id); err != nil {
			h.log.Error("Recovery plan execution failed",
				logger.String("plan_id", id),
				logger.Error(err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "execution started", "plan_id": id})
}

// Cancel stops a plan at the next step boundary.
func (h *RecoveryHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.orchestrator.Cancel(id); err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(fiber.Map{"message": "cancellation requested", "plan_id": id})
}

// Get returns one plan with its step outcomes and audit trail.
func (h *RecoveryHandler) Get(c *fiber.Ctx) error {
	plan, err := h.orchestrator.Get(c.Params("id"))
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(plan)
}

// List returns every plan ordered by creation time.
func (h *RecoveryHandler) List(c *fiber.Ctx) error {
	plans, err := h.orchestrator.List()
	if err != nil {
		return middleware.DomainError(c, err)
	}
	return c.JSON(plans)
}
