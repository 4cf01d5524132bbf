package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"branchanalytics/anomaly"
	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/utils"
)

// HandleDetect scores a branch day, compares it with history and stores the
// verdict.
// POST /api/v1/anomaly/detect
func (h *Handler) HandleDetect(c *fiber.Ctx) error {
	var req models.DetectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := requireBranch(req.BranchID); err != nil {
		return h.fail(c, err)
	}
	day, err := h.day(req.Date)
	if err != nil {
		return h.fail(c, err)
	}
	det, err := h.anomaly.Detect(c.UserContext(), req.BranchID, day, anomaly.DetectOptions{
		Method:   req.Method,
		Ensemble: req.Ensemble,
		Persist:  true,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"data": det})
}

// HandleListAnomalies lists stored verdicts of a branch.
// GET /api/v1/anomaly/results?branch_id=&from=&to=
func (h *Handler) HandleListAnomalies(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	from, to, err := h.dateRange(c, 30)
	if err != nil {
		return h.fail(c, err)
	}
	rows, err := h.store.ListAnomalies(c.UserContext(), branchID, from, to)
	if err != nil {
		return h.fail(c, err)
	}
	if c.QueryBool("only_anomalies", false) {
		kept := rows[:0]
		for _, r := range rows {
			if r.IsAnomaly {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return ok(c, fiber.Map{"branch_id": branchID, "count": len(rows), "data": rows})
}

// HandleUpdateAnomalyStatus moves a verdict through the review workflow.
// PATCH /api/v1/anomaly/results/:id
func (h *Handler) HandleUpdateAnomalyStatus(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return h.fail(c, errs.Input("invalid anomaly id %q", c.Params("id")))
	}
	var req models.AnomalyStatusUpdate
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	switch status {
	case models.StatusInvestigating, models.StatusResolved, models.StatusIgnored:
	default:
		return h.fail(c, errs.Input("status must be INVESTIGATING, RESOLVED or IGNORED"))
	}
	res, err := h.store.UpdateAnomalyStatus(c.UserContext(), id, status, req.Notes, actor(c), h.now().UTC())
	if err != nil {
		return h.fail(c, err)
	}
	h.logger.Info("anomaly status updated",
		zap.Int64("anomaly_id", id),
		zap.String("status", status),
		zap.String("by", actor(c)),
		zap.String("notes", utils.Deref(res.ResolutionNotes)))
	return ok(c, fiber.Map{"data": res})
}
