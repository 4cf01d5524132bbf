// Package handlers exposes the analytics engines over the Fiber API.
package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"branchanalytics/aggregator"
	"branchanalytics/anomaly"
	"branchanalytics/config"
	"branchanalytics/distribution"
	"branchanalytics/errs"
	"branchanalytics/forecast"
	"branchanalytics/historical"
	"branchanalytics/pipeline"
	"branchanalytics/registry"
	"branchanalytics/source"
	"branchanalytics/store"
	"branchanalytics/utils"
)

// ServiceFetcher reads the operational services for the comprehensive view.
type ServiceFetcher interface {
	BranchDay(ctx context.Context, branchID int, day time.Time) []source.Result
	AllBranches(ctx context.Context, day time.Time) source.Result
}

// Deps are the collaborators of a Handler. Aggregator, Services, Scheduler
// and Build fields may be left empty.
type Deps struct {
	Config       config.Config
	Store        store.Store
	Registry     *registry.Registry
	Anomaly      *anomaly.Engine
	Forecast     *forecast.Engine
	Comparator   *historical.Comparator
	Aggregator   *aggregator.Aggregator
	Services     ServiceFetcher
	Orchestrator *pipeline.Orchestrator
	Distributor  *distribution.Distributor
	Scheduler    *pipeline.Scheduler
	Version      string
	Commit       string
}

// Handler serves every /api/v1 route.
type Handler struct {
	cfg          config.Config
	store        store.Store
	registry     *registry.Registry
	anomaly      *anomaly.Engine
	forecast     *forecast.Engine
	comparator   *historical.Comparator
	aggregator   *aggregator.Aggregator
	services     ServiceFetcher
	orchestrator *pipeline.Orchestrator
	distributor  *distribution.Distributor
	scheduler    *pipeline.Scheduler
	version      string
	commit       string
	loc          *time.Location
	logger       *zap.Logger
	now          func() time.Time
	started      time.Time
}

func New(d Deps, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:          d.Config,
		store:        d.Store,
		registry:     d.Registry,
		anomaly:      d.Anomaly,
		forecast:     d.Forecast,
		comparator:   d.Comparator,
		aggregator:   d.Aggregator,
		services:     d.Services,
		orchestrator: d.Orchestrator,
		distributor:  d.Distributor,
		scheduler:    d.Scheduler,
		version:      d.Version,
		commit:       d.Commit,
		loc:          d.Config.Location(),
		logger:       logger.Named("http"),
		now:          time.Now,
		started:      time.Now(),
	}
}

// fail writes err as {success:false, message} with the status of its kind.
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status := errs.HTTPStatus(err)
	body := fiber.Map{
		"success":    false,
		"message":    errs.Message(err),
		"error_type": errs.KindOf(err),
	}
	for k, v := range errs.DetailsOf(err) {
		body[k] = v
	}
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.Path()), zap.Int("status", status), zap.Error(err))
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": msg})
}

// ok writes data merged into a success envelope.
func ok(c *fiber.Ctx, data fiber.Map) error {
	data["success"] = true
	return c.JSON(data)
}

// yesterday is the default reference day of every dated request.
func (h *Handler) yesterday() time.Time {
	return utils.Yesterday(h.now(), h.loc)
}

// day parses s, defaulting to yesterday.
func (h *Handler) day(s string) (time.Time, error) {
	d, err := utils.ParseDate(s, h.loc)
	if err != nil {
		return time.Time{}, errs.Input("%v", err)
	}
	if d.IsZero() {
		return h.yesterday(), nil
	}
	return d, nil
}

// dateRange parses from/to query values. to defaults to yesterday and from to
// defaultDays before to.
func (h *Handler) dateRange(c *fiber.Ctx, defaultDays int) (time.Time, time.Time, error) {
	to, err := h.day(c.Query("to"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from, err := utils.ParseDate(c.Query("from"), h.loc)
	if err != nil {
		return time.Time{}, time.Time{}, errs.Input("%v", err)
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -defaultDays+1)
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errs.Input("from must not be after to")
	}
	return from, to, nil
}

func branchIDQuery(c *fiber.Ctx) (int, error) {
	raw := c.Query("branch_id")
	if raw == "" {
		return 0, errs.Input("branch_id is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errs.Input("invalid branch_id %q", raw)
	}
	return id, nil
}

func requireBranch(id int) error {
	if id <= 0 {
		return errs.Input("branch_id must be a positive integer")
	}
	return nil
}

// intList parses a comma separated list of ids.
func intList(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, errs.Input("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

// actor names the authenticated caller for audit columns.
func actor(c *fiber.Ctx) string {
	if id, ok := c.Locals("userID").(string); ok && id != "" {
		return id
	}
	return "api"
}
