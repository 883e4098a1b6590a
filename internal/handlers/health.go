package handlers

import (
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/arkeep/arkeep/internal/backup"
	"github.com/arkeep/arkeep/internal/txn"
)

// HealthStatus is the full health report.
type HealthStatus struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	Timestamp time.Time    `json:"timestamp"`
	Txns      TxnHealth    `json:"transactions"`
	Backups   BackupHealth `json:"backups"`
	System    SystemHealth `json:"system"`
}

type TxnHealth struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

type BackupHealth struct {
	Total     int `json:"total"`
	Validated int `json:"validated"`
	Corrupt   int `json:"corrupt"`
}

type SystemHealth struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc_bytes"`
	MemorySys   uint64 `json:"memory_sys_bytes"`
	NumGC       uint32 `json:"num_gc"`
}

// HealthHandler reports service health.
type HealthHandler struct {
	txns      *txn.Manager
	backups   *backup.Manager
	startTime time.Time
	version   string
}

func NewHealthHandler(txns *txn.Manager, backups *backup.Manager, version string) *HealthHandler {
	return &HealthHandler{
		txns:      txns,
		backups:   backups,
		startTime: time.Now(),
		version:   version,
	}
}

// Check returns the full health report.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	txns := h.txns.List()
	active := 0
	for _, t := range txns {
		if !t.State.Terminal() {
			active++
		}
	}

	var bh BackupHealth
	if backups, err := h.backups.List(); err == nil {
		bh.Total = len(backups)
		for _, b := range backups {
			switch b.Status {
			case backup.StatusValidated:
				bh.Validated++
			case backup.StatusCorrupt:
				bh.Corrupt++
			}
		}
	}

	return c.JSON(HealthStatus{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now(),
		Txns:      TxnHealth{Total: len(txns), Active: active},
		Backups:   bh,
		System: SystemHealth{
			Goroutines:  runtime.NumGoroutine(),
			MemoryAlloc: m.Alloc,
			MemorySys:   m.Sys,
			NumGC:       m.NumGC,
		},
	})
}

// Liveness is a simple liveness probe.
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// Readiness reports whether the service can take traffic.
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	if _, err := h.backups.List(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not ready",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}
