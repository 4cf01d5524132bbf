package handlers

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"branchanalytics/anomaly"
	"branchanalytics/errs"
	"branchanalytics/forecast"
	"branchanalytics/models"
	"branchanalytics/registry"
)

// Prediction modes of /models/predict/by-date.
const (
	IForestModeActive = "active"
	IForestModeAll    = "all"
)

func normaliseRetrain(req *models.RetrainRequest) error {
	if err := requireBranch(req.BranchID); err != nil {
		return err
	}
	if !req.TrainIForest && !req.TrainForecast {
		req.TrainIForest, req.TrainForecast = true, true
	}
	if req.TargetMetric == "" {
		req.TargetMetric = models.FieldTotalRevenue
	}
	if !forecast.ValidTarget(req.TargetMetric) {
		return errs.Input("unsupported target_metric %q", req.TargetMetric)
	}
	algo, err := registry.NormaliseAlgorithm(req.Algorithm)
	if err != nil {
		return errs.Input("%v", err)
	}
	req.Algorithm = algo
	return nil
}

// HandleRetrain trains the branch's anomaly model and/or forecast model and
// activates them. A failing model does not stop the other one.
// POST /api/v1/models/retrain
func (h *Handler) HandleRetrain(c *fiber.Ctx) error {
	var req models.RetrainRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := normaliseRetrain(&req); err != nil {
		return h.fail(c, err)
	}
	ctx := c.UserContext()
	end := h.yesterday()
	resp := fiber.Map{"branch_id": req.BranchID}
	var firstErr error
	trained := 0

	if req.TrainIForest {
		params := h.anomaly.ParamsWith(req.IForestParams)
		res, err := h.anomaly.Train(ctx, anomaly.TrainOptions{
			BranchID:  req.BranchID,
			EndDate:   end,
			Days:      h.cfg.IForestTrainingDays,
			Params:    &params,
			Version:   req.Version,
			CreatedBy: actor(c),
		})
		if err != nil {
			firstErr = err
			resp["iforest"] = resolutionError(err)
		} else {
			trained++
			resp["iforest"] = res
		}
	}
	if req.TrainForecast {
		res, err := h.forecast.Train(ctx, forecast.TrainOptions{
			BranchID:  req.BranchID,
			Target:    req.TargetMetric,
			Algorithm: req.Algorithm,
			EndDate:   end,
			Params:    req.ForecastParams,
			Version:   req.Version,
			CreatedBy: actor(c),
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			resp["forecast"] = resolutionError(err)
		} else {
			trained++
			resp["forecast"] = res
		}
	}

	if trained == 0 {
		return h.fail(c, firstErr)
	}
	h.logger.Info("models retrained", zap.Int("branch_id", req.BranchID), zap.Bool("iforest", req.TrainIForest), zap.Bool("forecast", req.TrainForecast))
	return ok(c, resp)
}

// HandleTrainNewMethod trains the four anomaly feature groups and, when
// requested, the Prophet regressor variants of the branch.
// POST /api/v1/model/train
func (h *Handler) HandleTrainNewMethod(c *fiber.Ctx) error {
	var req models.RetrainRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := normaliseRetrain(&req); err != nil {
		return h.fail(c, err)
	}
	ctx := c.UserContext()
	end := h.yesterday()
	resp := fiber.Map{"branch_id": req.BranchID}

	if req.TrainIForest {
		groups, err := h.anomaly.TrainGroups(ctx, anomaly.GroupOptions{
			BranchID:  req.BranchID,
			EndDate:   end,
			Days:      h.cfg.IForestTrainingDays,
			CreatedBy: actor(c),
		})
		if err != nil {
			return h.fail(c, err)
		}
		resp["groups"] = groups
	}
	if req.TrainForecast {
		res, err := h.forecast.TrainVariants(ctx, forecast.VariantOptions{
			BranchID:  req.BranchID,
			Target:    req.TargetMetric,
			EndDate:   end,
			TestDays:  h.cfg.BacktestDays,
			Params:    req.ForecastParams,
			CreatedBy: actor(c),
		})
		if err != nil {
			return h.fail(c, err)
		}
		resp["forecast"] = res
	}
	return ok(c, resp)
}

func resolutionView(res *registry.Resolution, err error) fiber.Map {
	if err != nil {
		out := fiber.Map{"active": false, "message": errs.Message(err)}
		for k, v := range errs.DetailsOf(err) {
			out[k] = v
		}
		return out
	}
	out := fiber.Map{"active": true, "model": res.Model, "model_name": res.Name}
	if res.Warning != "" {
		out["warning"] = res.Warning
	}
	return out
}

// HandleModelStatus reports the active anomaly and forecast model of a branch.
// GET /api/v1/models/status?branch_id=&algorithm=&target_metric=
func (h *Handler) HandleModelStatus(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	algo, err := registry.NormaliseAlgorithm(c.Query("algorithm"))
	if err != nil {
		return h.fail(c, errs.Input("%v", err))
	}
	target := c.Query("target_metric", models.FieldTotalRevenue)
	if !forecast.ValidTarget(target) {
		return h.fail(c, errs.Input("unsupported target_metric %q", target))
	}
	ctx := c.UserContext()

	anomalyRes, anomalyErr := h.registry.Resolve(ctx, registry.AnomalyCandidates(branchID))
	if anomalyErr != nil && !errs.Is(anomalyErr, errs.KindModelInconsistent) {
		return h.fail(c, anomalyErr)
	}
	forecastRes, forecastErr := h.registry.Resolve(ctx, registry.ForecastCandidates(algo, target, branchID))
	if forecastErr != nil && !errs.Is(forecastErr, errs.KindModelInconsistent) {
		return h.fail(c, forecastErr)
	}

	groups := fiber.Map{}
	for _, g := range registry.Groups {
		res, err := h.registry.Resolve(ctx, []string{registry.GroupModelName(g, branchID)})
		if err != nil && !errs.Is(err, errs.KindModelInconsistent) {
			return h.fail(c, err)
		}
		groups[g] = resolutionView(res, err)
	}

	return ok(c, fiber.Map{
		"branch_id":      branchID,
		"algorithm":      algo,
		"target_metric":  target,
		"iforest":        resolutionView(anomalyRes, anomalyErr),
		"forecast":       resolutionView(forecastRes, forecastErr),
		"iforest_groups": groups,
	})
}

// HandleModelByID returns one registry row.
// GET /api/v1/models/by-id?model_id=
func (h *Handler) HandleModelByID(c *fiber.Ctx) error {
	raw := c.Query("model_id", c.Query("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return h.fail(c, errs.Input("invalid model_id %q", raw))
	}
	m, err := h.registry.Get(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"data": m})
}

// Model kinds of /models/history.
const (
	KindIForest  = "iforest"
	KindForecast = "forecast"
)

// HandleModelHistory lists the models of a branch.
// GET /api/v1/models/history?branch_id=&kind=iforest|forecast&sort_by=best|trained_at&limit=
func (h *Handler) HandleModelHistory(c *fiber.Ctx) error {
	branchID, err := branchIDQuery(c)
	if err != nil {
		return h.fail(c, err)
	}
	kind := strings.ToLower(c.Query("kind"))
	sortBy := strings.ToLower(c.Query("sort_by", "trained_at"))
	if sortBy != "best" && sortBy != "trained_at" {
		return h.fail(c, errs.Input("sort_by must be best or trained_at"))
	}
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	algos := []string{registry.AlgoProphet, registry.AlgoLightGBM, registry.AlgoXGBoost}
	var names []string
	switch kind {
	case KindIForest:
		names = registry.AnomalyHistoryNames(branchID)
	case KindForecast:
		names = registry.ForecastHistoryNames(branchID, forecast.Targets, algos)
	case "":
		names = append(registry.AnomalyHistoryNames(branchID), registry.ForecastHistoryNames(branchID, forecast.Targets, algos)...)
	default:
		return h.fail(c, errs.Input("kind must be iforest or forecast"))
	}

	rows, err := h.registry.History(c.UserContext(), names, limit)
	if err != nil {
		return h.fail(c, err)
	}
	if sortBy == "best" {
		SortBest(rows)
	}
	return ok(c, fiber.Map{"branch_id": branchID, "kind": kind, "sort_by": sortBy, "count": len(rows), "data": rows})
}

// bestKey ranks a model: forecasts by ascending MAPE, anomaly models by
// descending F1 or separation. Models without metrics sort last.
func bestKey(m models.MLModel) float64 {
	if m.ModelType == models.ModelTypeIsolationForest {
		for _, k := range []string{"f1_score", "separation"} {
			if v, ok := metricFloat(m.PerformanceMetrics, k); ok {
				return -v
			}
		}
		return math.Inf(1)
	}
	if v, ok := metricFloat(m.PerformanceMetrics, "mape"); ok {
		return v
	}
	return math.Inf(1)
}

// SortBest orders rows by their evaluation, keeping the newest first on ties.
func SortBest(rows []models.MLModel) {
	sort.SliceStable(rows, func(i, j int) bool {
		return bestKey(rows[i]) < bestKey(rows[j])
	})
}

func metricFloat(m models.JSONB, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// HandlePredictByDate scores a day and forecasts the days after it without
// storing either result.
// POST /api/v1/models/predict/by-date
func (h *Handler) HandlePredictByDate(c *fiber.Ctx) error {
	var req models.PredictByDateRequest
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
	mode := strings.ToLower(req.IForestMode)
	if mode == "" {
		mode = IForestModeActive
	}
	if mode != IForestModeActive && mode != IForestModeAll {
		return h.fail(c, errs.Input("iforest_mode must be all or active"))
	}
	if req.TargetMetric == "" {
		req.TargetMetric = models.FieldTotalRevenue
	}
	days := req.ForecastDays
	if days <= 0 {
		days = h.cfg.ForecastDays
	}
	ctx := c.UserContext()

	resp := fiber.Map{"branch_id": req.BranchID, "date": day.Format(models.DateLayout), "iforest_mode": mode}
	det, detErr := h.anomaly.Detect(ctx, req.BranchID, day, anomaly.DetectOptions{Ensemble: mode == IForestModeAll})
	if detErr != nil {
		resp["anomaly"] = resolutionError(detErr)
	} else {
		resp["anomaly"] = det
	}
	fc, fcErr := h.forecast.Predict(ctx, forecast.ForecastOptions{
		BranchID:  req.BranchID,
		Target:    req.TargetMetric,
		Algorithm: req.Algorithm,
		Date:      day,
		Days:      days,
	})
	if fcErr != nil {
		resp["forecast"] = resolutionError(fcErr)
	} else {
		resp["forecast"] = fc
	}
	if detErr != nil && fcErr != nil {
		return h.fail(c, detErr)
	}
	return ok(c, resp)
}

func resolutionError(err error) fiber.Map {
	out := fiber.Map{"success": false, "message": errs.Message(err), "error_type": errs.KindOf(err)}
	for k, v := range errs.DetailsOf(err) {
		out[k] = v
	}
	return out
}

// HandleTestForecast backtests the active forecast model.
// POST /api/v1/models/test/forecast
func (h *Handler) HandleTestForecast(c *fiber.Ctx) error {
	var req models.BacktestRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := requireBranch(req.BranchID); err != nil {
		return h.fail(c, err)
	}
	end, err := h.day(req.EndDate)
	if err != nil {
		return h.fail(c, err)
	}
	if req.TargetMetric == "" {
		req.TargetMetric = models.FieldTotalRevenue
	}
	testDays := req.TestDays
	if testDays <= 0 {
		testDays = h.cfg.BacktestDays
	}
	res, err := h.forecast.Backtest(c.UserContext(), forecast.BacktestOptions{
		BranchID:    req.BranchID,
		Target:      req.TargetMetric,
		Algorithm:   req.Algorithm,
		EndDate:     end,
		TestDays:    testDays,
		MinCoverage: req.MinCoverage,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"data": res})
}

// HandleTestIForest backtests an anomaly model fitted before the test window.
// POST /api/v1/models/test/iforest
func (h *Handler) HandleTestIForest(c *fiber.Ctx) error {
	var req models.BacktestRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := requireBranch(req.BranchID); err != nil {
		return h.fail(c, err)
	}
	end, err := h.day(req.EndDate)
	if err != nil {
		return h.fail(c, err)
	}
	testDays := req.TestDays
	if testDays <= 0 {
		testDays = h.cfg.BacktestDays
	}
	res, err := h.anomaly.Backtest(c.UserContext(), anomaly.BacktestOptions{
		BranchID:  req.BranchID,
		EndDate:   end,
		TestDays:  testDays,
		TrainDays: h.cfg.IForestTrainingDays,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.Map{"data": res})
}
