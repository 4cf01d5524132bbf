package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HandleHealth pings the analytics database.
// GET /api/v1/health
func (h *Handler) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{"database": "ok"}
	status, state := fiber.StatusOK, "ok"
	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status, state = fiber.StatusServiceUnavailable, "degraded"
	}
	if h.aggregator == nil {
		checks["source_database"] = "not configured"
	}
	if h.scheduler != nil {
		checks["next_run"] = h.scheduler.Next()
	}
	return c.Status(status).JSON(fiber.Map{
		"success": status == fiber.StatusOK,
		"status":  state,
		"checks":  checks,
		"uptime":  h.now().Sub(h.started).Round(time.Second).String(),
	})
}

// GET /api/v1/version
func (h *Handler) HandleVersion(c *fiber.Ctx) error {
	version := h.version
	if version == "" {
		version = "dev"
	}
	return ok(c, fiber.Map{
		"version":    version,
		"commit":     h.commit,
		"go_version": runtime.Version(),
	})
}
