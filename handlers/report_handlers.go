package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/models"
	"branchanalytics/pipeline"
	"branchanalytics/store"
	"branchanalytics/utils"
)

// HandleListReports lists stored reports, newest first.
// GET /api/v1/reports?branch_id=&from=&to=&page=&page_size=
func (h *Handler) HandleListReports(c *fiber.Ctx) error {
	f := store.ReportFilter{}
	if c.Query("branch_id") != "" {
		id, err := branchIDQuery(c)
		if err != nil {
			return h.fail(c, err)
		}
		f.BranchID = id
	}
	var err error
	if f.From, err = utils.ParseDate(c.Query("from"), h.loc); err != nil {
		return h.fail(c, errs.Input("%v", err))
	}
	if f.To, err = utils.ParseDate(c.Query("to"), h.loc); err != nil {
		return h.fail(c, errs.Input("%v", err))
	}
	page, size, limit, offset := utils.PageBounds(c.Query("page"), c.Query("page_size"))
	f.Limit, f.Offset = limit, offset

	reports, total, err := h.store.ListReports(c.UserContext(), f)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{
		"data":       reports,
		"pagination": utils.CreatePagination(total, page, size),
	})
}

// HandleGetReport returns one stored report.
// GET /api/v1/reports/:id
func (h *Handler) HandleGetReport(c *fiber.Ctx) error {
	id, err := reportID(c)
	if err != nil {
		return h.fail(c, err)
	}
	r, err := h.store.GetReportByID(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"data": r})
}

func reportID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Input("invalid report id %q", c.Params("id"))
	}
	return id, nil
}

// HandleGenerateReport builds (or rebuilds) the report of one branch day and
// optionally mails it.
// POST /api/v1/reports/generate
func (h *Handler) HandleGenerateReport(c *fiber.Ctx) error {
	var req models.GenerateReportRequest
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
	ctx := c.UserContext()
	rep, analysis, err := h.orchestrator.Generate(ctx, req.BranchID, day, events.NewRunID())
	if err != nil {
		return h.fail(c, err)
	}
	resp := fiber.Map{
		"data":              rep,
		"analysis_provider": analysis.Provider,
		"fallback_analysis": analysis.Fallback,
	}
	if req.Send {
		if err := h.distributor.Send(ctx, rep); err != nil {
			resp["sent"] = false
			resp["send_error"] = errs.Message(err)
			h.logger.Warn("report generated but not sent", zap.Int64("report_id", rep.ID), zap.Error(err))
		} else {
			resp["sent"] = true
		}
	}
	return ok(c, resp)
}

// HandleDistributeReport mails a stored report and marks it sent.
// POST /api/v1/reports/distribute/:id
func (h *Handler) HandleDistributeReport(c *fiber.Ctx) error {
	id, err := reportID(c)
	if err != nil {
		return h.fail(c, err)
	}
	r, err := h.distributor.DistributeByID(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"message": "Report sent", "data": r})
}

type runDailyRequest struct {
	Date      string `json:"date"`
	BranchIDs []int  `json:"branch_ids"`
}

// HandleRunDaily runs the daily job now. The date defaults to yesterday and
// the branches to the configured ones.
// POST /api/v1/reports/run-daily
func (h *Handler) HandleRunDaily(c *fiber.Ctx) error {
	var req runDailyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Cannot parse JSON")
		}
	}
	day, err := h.day(req.Date)
	if err != nil {
		return h.fail(c, err)
	}
	ids := req.BranchIDs
	if len(ids) == 0 {
		ids = h.cfg.BranchIDs
	}
	var res *pipeline.RunResult
	if h.scheduler != nil && len(req.BranchIDs) == 0 {
		res, err = h.scheduler.Trigger(c.UserContext(), day)
	} else {
		res, err = h.orchestrator.RunDaily(c.UserContext(), day, ids)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"data": res})
}

// HandleSchedule reports the next scheduled run and the last finished one.
// GET /api/v1/reports/schedule
func (h *Handler) HandleSchedule(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return ok(c, fiber.Map{"enabled": false})
	}
	return ok(c, fiber.Map{
		"enabled":  true,
		"cron":     h.cfg.DailyReportCron,
		"timezone": h.loc.String(),
		"next_run": h.scheduler.Next(),
		"last_run": h.scheduler.Last(),
	})
}
