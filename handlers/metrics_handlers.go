package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/historical"
	"branchanalytics/models"
	"branchanalytics/store"
)

// HandleDailyBranchMetrics lists the stored daily rows of a branch.
// GET /api/v1/metrics/daily-branch-metrics?branch_id=&from=&to=
func (h *Handler) HandleDailyBranchMetrics(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	from, to, err := h.dateRange(c, 30)
	if err != nil {
		return h.fail(c, err)
	}
	rows, err := h.store.ListDailyMetrics(c.UserContext(), branchID, from, to)
	if err != nil {
		return h.fail(c, err)
	}
	data := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		data = append(data, rows[i].Snapshot())
	}
	return ok(c, fiber.Map{
		"branch_id": branchID,
		"from":      from.Format(models.DateLayout),
		"to":        to.Format(models.DateLayout),
		"count":     len(data),
		"data":      data,
	})
}

// HandleComprehensiveMetrics returns one branch day with its historical
// comparison and the live figures of the operational services.
// GET /api/v1/metrics/comprehensive?branch_id=&date=
func (h *Handler) HandleComprehensiveMetrics(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	day, err := h.day(c.Query("date"))
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.UserContext()
	row, err := h.store.GetDailyMetrics(ctx, branchID, day)
	if err != nil {
		return h.fail(c, err)
	}
	history, err := h.store.ListDailyMetrics(ctx, branchID, day.AddDate(0, 0, -30), day.AddDate(0, 0, -1))
	if err != nil {
		return h.fail(c, err)
	}

	resp := fiber.Map{
		"branch_id":  branchID,
		"date":       day.Format(models.DateLayout),
		"metrics":    row.Snapshot(),
		"comparison": historical.ComparisonSummary(row, history, historical.DefaultFeatures),
	}
	if h.services != nil {
		services := fiber.Map{}
		for _, r := range h.services.BranchDay(ctx, branchID, day) {
			if r.OK() {
				services[r.Name] = r.Data
			} else {
				services[r.Name] = nil
			}
		}
		if all := h.services.AllBranches(ctx, day); all.OK() {
			services[all.Name] = all.Data
		}
		resp["services"] = services
	}
	return ok(c, resp)
}

func (h *Handler) periodSummary(c *fiber.Ctx, branchID int, g store.Granularity, perBranch bool) error {
	now := h.now().In(h.loc)
	var from, to time.Time
	switch g {
	case store.Monthly:
		year := c.QueryInt("year", now.Year())
		from = time.Date(year, 1, 1, 0, 0, 0, 0, h.loc)
		to = time.Date(year, 12, 31, 0, 0, 0, 0, h.loc)
	default:
		toYear := c.QueryInt("to_year", now.Year())
		fromYear := c.QueryInt("from_year", toYear-2)
		if fromYear > toYear {
			return h.fail(c, errs.Input("from_year must not be after to_year"))
		}
		from = time.Date(fromYear, 1, 1, 0, 0, 0, 0, h.loc)
		to = time.Date(toYear, 12, 31, 0, 0, 0, 0, h.loc)
	}
	rows, err := h.store.ListDailyMetrics(c.UserContext(), branchID, from, to)
	if err != nil {
		return h.fail(c, err)
	}
	resp := fiber.Map{
		"granularity": g,
		"from":        from.Format(models.DateLayout),
		"to":          to.Format(models.DateLayout),
		"data":        store.Summarize(rows, g, perBranch),
	}
	if branchID > 0 {
		resp["branch_id"] = branchID
	}
	return ok(c, resp)
}

// HandleBranchMonthly sums a branch's days per month of a year.
// GET /api/v1/metrics/branch/monthly?branch_id=&year=
func (h *Handler) HandleBranchMonthly(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	return h.periodSummary(c, branchID, store.Monthly, true)
}

// HandleBranchYearly sums a branch's days per year.
// GET /api/v1/metrics/branch/yearly?branch_id=&from_year=&to_year=
func (h *Handler) HandleBranchYearly(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	return h.periodSummary(c, branchID, store.Yearly, true)
}

// HandleAllBranchesMonthly sums every branch per month. per_branch=true keeps
// one row per branch.
// GET /api/v1/metrics/all-branches/monthly?year=&per_branch=
func (h *Handler) HandleAllBranchesMonthly(c *fiber.Ctx) error {
	return h.periodSummary(c, 0, store.Monthly, c.QueryBool("per_branch", false))
}

// GET /api/v1/metrics/all-branches/yearly?from_year=&to_year=&per_branch=
func (h *Handler) HandleAllBranchesYearly(c *fiber.Ctx) error {
	return h.periodSummary(c, 0, store.Yearly, c.QueryBool("per_branch", false))
}

// HandleCollectMetrics aggregates one day from the operational database into
// daily_branch_metrics.
// GET /api/v1/metrics/collect?date=&branch_ids=
func (h *Handler) HandleCollectMetrics(c *fiber.Ctx) error {
	if h.aggregator == nil {
		return h.fail(c, errs.Upstream("source database", errors.New("SOURCE_DATABASE_DSN is not set")))
	}
	day, err := h.day(c.Query("date"))
	if err != nil {
		return h.fail(c, err)
	}
	ids, err := intList(c.Query("branch_ids", c.Query("branch_id")))
	if err != nil {
		return h.fail(c, err)
	}
	results, err := h.aggregator.ComputeAndStore(c.UserContext(), day, ids)
	if err != nil {
		return h.fail(c, err)
	}
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	h.logger.Info("metrics collected", zap.String("report_date", day.Format(models.DateLayout)), zap.Int("branches", len(results)), zap.Int("failed", failed))
	return ok(c, fiber.Map{
		"date":     day.Format(models.DateLayout),
		"branches": results,
		"failed":   failed,
	})
}
