package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/anomaly"
	"branchanalytics/config"
	"branchanalytics/confidence"
	"branchanalytics/distribution"
	"branchanalytics/events"
	"branchanalytics/forecast"
	"branchanalytics/historical"
	"branchanalytics/models"
	"branchanalytics/pipeline"
	"branchanalytics/registry"
	"branchanalytics/store"
)

var lastDay = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func seedBranch(t *testing.T, mem *store.Memory, branchID, days int) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(branchID)))
	for i := days - 1; i >= 0; i-- {
		day := lastDay.AddDate(0, 0, -i)
		revenue := 1_000_000 * (1 + 0.03*rng.NormFloat64())
		if models.ISOWeekday(day) >= 6 {
			revenue *= 1.3
		}
		orders := 200 + int(math.Round(8*rng.NormFloat64()))
		customers := orders - 20
		newCust := 30 + rng.Intn(5)
		repeat := customers - newCust
		products := 40 + rng.Intn(4)
		diversity := 0.2 + 0.01*rng.NormFloat64()
		peak := 8 + rng.Intn(3)
		review := 4.3 + 0.1*rng.NormFloat64()
		m := models.DailyBranchMetrics{
			BranchID:              branchID,
			ReportDate:            day,
			TotalRevenue:          decimal.NewNullDecimal(decimal.NewFromFloat(revenue).Round(2)),
			OrderCount:            &orders,
			AvgOrderValue:         decimal.NewNullDecimal(decimal.NewFromFloat(revenue / float64(orders)).Round(2)),
			CustomerCount:         &customers,
			NewCustomers:          &newCust,
			RepeatCustomers:       &repeat,
			UniqueProductsSold:    &products,
			ProductDiversityScore: &diversity,
			PeakHour:              &peak,
			AvgReviewScore:        &review,
		}
		m.SetCalendar()
		_, _, err := mem.UpsertDailyMetrics(context.Background(), &m)
		require.NoError(t, err)
	}
}

type mailbox struct{ sent []distribution.Message }

func (m *mailbox) Send(_ context.Context, msg distribution.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

type fixture struct {
	mem  *store.Memory
	h    *Handler
	app  *fiber.App
	mail *mailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	seedBranch(t, mem, 1, 120)

	logger := zap.NewNop()
	reg := registry.New(mem, nil, nil, 0, logger)
	cmp := historical.New(mem, logger)
	an := anomaly.New(mem, mem, reg, cmp, events.Nop{}, anomaly.DefaultConfig(), logger)
	fc := forecast.New(mem, mem, reg, events.Nop{}, forecast.DefaultConfig(), logger)

	mail := &mailbox{}
	dist := distribution.New(mem, mail, events.Nop{}, []string{"ops@example.com"}, logger)
	collector := pipeline.NewCollector(mem, an, fc, nil, pipeline.DefaultSnapshotConfig(), logger)
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Reports:   mem,
		Metrics:   mem,
		Collector: collector,
		Scorer:    confidence.NewScorer(mem, logger),
		Sender:    dist,
	}, logger)

	cfg := config.Config{
		Timezone:            "UTC",
		IForestTrainingDays: 180,
		ForecastDays:        7,
		BacktestDays:        14,
		BranchIDs:           []int{1},
	}
	h := New(Deps{
		Config:       cfg,
		Store:        mem,
		Registry:     reg,
		Anomaly:      an,
		Forecast:     fc,
		Comparator:   cmp,
		Orchestrator: orch,
		Distributor:  dist,
		Version:      "1.4.0",
	}, logger)
	h.now = func() time.Time { return lastDay.Add(34 * time.Hour) }

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Get("/health", h.HandleHealth)
	api.Get("/version", h.HandleVersion)
	api.Post("/models/retrain", h.HandleRetrain)
	api.Post("/model/train", h.HandleTrainNewMethod)
	api.Get("/models/status", h.HandleModelStatus)
	api.Get("/models/by-id", h.HandleModelByID)
	api.Get("/models/history", h.HandleModelHistory)
	api.Post("/models/predict/by-date", h.HandlePredictByDate)
	api.Post("/models/test/forecast", h.HandleTestForecast)
	api.Post("/models/test/iforest", h.HandleTestIForest)
	api.Get("/metrics/daily-branch-metrics", h.HandleDailyBranchMetrics)
	api.Get("/metrics/comprehensive", h.HandleComprehensiveMetrics)
	api.Get("/metrics/branch/monthly", h.HandleBranchMonthly)
	api.Get("/metrics/all-branches/yearly", h.HandleAllBranchesYearly)
	api.Get("/metrics/collect", h.HandleCollectMetrics)
	api.Post("/anomaly/detect", h.HandleDetect)
	api.Get("/anomaly/results", h.HandleListAnomalies)
	api.Patch("/anomaly/results/:id", h.HandleUpdateAnomalyStatus)
	api.Get("/reports", h.HandleListReports)
	api.Post("/reports/generate", h.HandleGenerateReport)
	api.Post("/reports/distribute/:id", h.HandleDistributeReport)

	return &fixture{mem: mem, h: h, app: app, mail: mail}
}

func (f *fixture) call(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, isString := body.(string); isString {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) retrain(t *testing.T, body fiber.Map) map[string]interface{} {
	t.Helper()
	status, out := f.call(t, "POST", "/api/v1/models/retrain", body)
	require.Equal(t, fiber.StatusOK, status, out)
	return out
}

func TestRetrainStatusAndHistory(t *testing.T) {
	f := newFixture(t)
	out := f.retrain(t, fiber.Map{"branch_id": 1, "algorithm": "prophet"})
	assert.Equal(t, true, out["success"])

	iforest := out["iforest"].(map[string]interface{})
	model := iforest["model"].(map[string]interface{})
	assert.Equal(t, registry.AnomalyModelName(1), model["model_name"])
	assert.Equal(t, true, model["is_active"])
	forecastRes := out["forecast"].(map[string]interface{})
	assert.Equal(t, registry.ForecastModelName(registry.AlgoProphet, models.FieldTotalRevenue, 1), forecastRes["model"].(map[string]interface{})["model_name"])

	status, st := f.call(t, "GET", "/api/v1/models/status?branch_id=1", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, st["iforest"].(map[string]interface{})["active"])
	assert.Equal(t, true, st["forecast"].(map[string]interface{})["active"])
	groupA := st["iforest_groups"].(map[string]interface{})[registry.GroupA].(map[string]interface{})
	assert.Equal(t, false, groupA["active"])
	assert.Equal(t, []interface{}{registry.GroupModelName(registry.GroupA, 1)}, groupA["tried_model_names"])

	status, hist := f.call(t, "GET", "/api/v1/models/history?branch_id=1&kind=iforest", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, hist["count"])

	status, hist = f.call(t, "GET", "/api/v1/models/history?branch_id=1&sort_by=best", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 2, hist["count"])

	id := int64(model["id"].(float64))
	status, byID := f.call(t, "GET", fmt.Sprintf("/api/v1/models/by-id?model_id=%d", id), nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, registry.AnomalyModelName(1), byID["data"].(map[string]interface{})["model_name"])

	status, _ = f.call(t, "GET", "/api/v1/models/by-id?model_id=999", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestRetrainValidation(t *testing.T) {
	f := newFixture(t)
	cases := []interface{}{
		fiber.Map{"branch_id": 0},
		fiber.Map{"branch_id": 1, "algorithm": "arima"},
		fiber.Map{"branch_id": 1, "target_metric": "profit"},
		"{not json",
	}
	for _, body := range cases {
		status, out := f.call(t, "POST", "/api/v1/models/retrain", body)
		assert.Equal(t, fiber.StatusBadRequest, status, body)
		assert.Equal(t, false, out["success"])
		assert.NotEmpty(t, out["message"])
	}
}

func TestRetrainWithTooFewRows(t *testing.T) {
	f := newFixture(t)
	seedBranch(t, f.mem, 4, 10)
	status, out := f.call(t, "POST", "/api/v1/models/retrain", fiber.Map{"branch_id": 4, "train_iforest": true})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_data", out["error_type"])
	assert.EqualValues(t, 10, out["available"])
}

func TestModelStatusWithoutModels(t *testing.T) {
	f := newFixture(t)
	status, out := f.call(t, "GET", "/api/v1/models/status?branch_id=7", nil)
	require.Equal(t, fiber.StatusOK, status)
	iforest := out["iforest"].(map[string]interface{})
	assert.Equal(t, false, iforest["active"])
	assert.Len(t, iforest["tried_model_names"], len(registry.AnomalyCandidates(7)))

	status, _ = f.call(t, "GET", "/api/v1/models/status", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestModelStatusWarnsOnFallbackName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mem.SaveModel(ctx, &models.MLModel{
		ModelName:    "iforest_branch_1",
		ModelVersion: "v1",
		ModelType:    models.ModelTypeIsolationForest,
	}, true)
	require.NoError(t, err)

	status, out := f.call(t, "GET", "/api/v1/models/status?branch_id=1", nil)
	require.Equal(t, fiber.StatusOK, status)
	iforest := out["iforest"].(map[string]interface{})
	assert.Equal(t, "iforest_branch_1", iforest["model_name"])
	assert.Contains(t, iforest["warning"], "fallback name")
}

func TestDetectAndReview(t *testing.T) {
	f := newFixture(t)
	f.retrain(t, fiber.Map{"branch_id": 1, "train_iforest": true})

	status, out := f.call(t, "POST", "/api/v1/anomaly/detect", fiber.Map{"branch_id": 1, "date": "2024-06-30"})
	require.Equal(t, fiber.StatusOK, status, out)
	det := out["data"].(map[string]interface{})
	score := det["anomaly_score"].(float64)
	assert.True(t, score >= 0 && score <= 1)
	conf := det["confidence"].(float64)
	assert.True(t, conf >= 0.3 && conf <= 0.95)
	id := int64(det["result_id"].(float64))
	require.NotZero(t, id)

	status, out = f.call(t, "GET", "/api/v1/anomaly/results?branch_id=1&from=2024-06-30&to=2024-06-30", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, out["count"])

	path := fmt.Sprintf("/api/v1/anomaly/results/%d", id)
	status, out = f.call(t, "PATCH", path, fiber.Map{"status": "investigating", "notes": "checking the till"})
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, models.StatusInvestigating, out["data"].(map[string]interface{})["status"])

	status, _ = f.call(t, "PATCH", path, fiber.Map{"status": "DETECTED"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, out = f.call(t, "PATCH", path, fiber.Map{"status": "RESOLVED"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "api", out["data"].(map[string]interface{})["resolved_by"])

	status, _ = f.call(t, "PATCH", path, fiber.Map{"status": "IGNORED"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = f.call(t, "PATCH", "/api/v1/anomaly/results/999", fiber.Map{"status": "RESOLVED"})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestDetectWithoutModel(t *testing.T) {
	f := newFixture(t)
	status, out := f.call(t, "POST", "/api/v1/anomaly/detect", fiber.Map{"branch_id": 1, "date": "2024-06-30"})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "model_inconsistent", out["error_type"])
	assert.NotEmpty(t, out["tried_model_names"])
}

func TestPredictByDate(t *testing.T) {
	f := newFixture(t)
	f.retrain(t, fiber.Map{"branch_id": 1})

	status, out := f.call(t, "POST", "/api/v1/models/predict/by-date", fiber.Map{
		"branch_id":     1,
		"date":          "2024-06-30",
		"forecast_days": 5,
		"iforest_mode":  "active",
	})
	require.Equal(t, fiber.StatusOK, status, out)
	fc := out["forecast"].(map[string]interface{})
	points := fc["forecast"].([]interface{})
	require.Len(t, points, 5)
	for _, p := range points {
		pt := p.(map[string]interface{})
		assert.LessOrEqual(t, pt["yhat_lower"].(float64), pt["yhat"].(float64))
		assert.LessOrEqual(t, pt["yhat"].(float64), pt["yhat_upper"].(float64))
	}
	assert.Equal(t, "2024-07-01", fc["forecast_start_date"])
	assert.Contains(t, out["anomaly"], "is_anomaly")

	status, _ = f.call(t, "POST", "/api/v1/models/predict/by-date", fiber.Map{"branch_id": 1, "iforest_mode": "some"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = f.call(t, "POST", "/api/v1/models/predict/by-date", fiber.Map{"branch_id": 5, "date": "2024-06-30"})
	assert.Equal(t, fiber.StatusNotFound, status)

	// Stored results are untouched by a prediction.
	rows, err := f.mem.ListAnomalies(context.Background(), 1, lastDay, lastDay)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBacktests(t *testing.T) {
	f := newFixture(t)

	status, out := f.call(t, "POST", "/api/v1/models/test/iforest", fiber.Map{"branch_id": 1, "end_date": "2024-06-30"})
	require.Equal(t, fiber.StatusOK, status, out)
	res := out["data"].(map[string]interface{})
	assert.EqualValues(t, 14, res["test_samples"])
	assert.Equal(t, "2024-06-17", res["test_start"])

	status, _ = f.call(t, "POST", "/api/v1/models/test/forecast", fiber.Map{"branch_id": 1})
	assert.Equal(t, fiber.StatusNotFound, status)

	f.retrain(t, fiber.Map{"branch_id": 1, "train_forecast": true})
	status, out = f.call(t, "POST", "/api/v1/models/test/forecast", fiber.Map{"branch_id": 1, "test_days": 14})
	require.Equal(t, fiber.StatusOK, status, out)
	res = out["data"].(map[string]interface{})
	assert.EqualValues(t, 14, res["test_samples"])
	assert.Contains(t, res["metrics"], "mape")
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)

	status, out := f.call(t, "GET", "/api/v1/metrics/daily-branch-metrics?branch_id=1&from=2024-06-01&to=2024-06-30", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 30, out["count"])
	first := out["data"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "2024-06-01", first["report_date"])

	status, _ = f.call(t, "GET", "/api/v1/metrics/daily-branch-metrics?branch_id=1&from=2024-07-01&to=2024-06-30", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = f.call(t, "GET", "/api/v1/metrics/daily-branch-metrics?branch_id=1&from=30/06/2024", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, out = f.call(t, "GET", "/api/v1/metrics/comprehensive?branch_id=1", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "2024-06-30", out["date"])
	assert.Contains(t, out["metrics"], models.FieldTotalRevenue)
	assert.Contains(t, out["comparison"], models.FieldTotalRevenue)

	status, _ = f.call(t, "GET", "/api/v1/metrics/comprehensive?branch_id=1&date=2025-01-01", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, out = f.call(t, "GET", "/api/v1/metrics/branch/monthly?branch_id=1&year=2024", nil)
	require.Equal(t, fiber.StatusOK, status)
	months := out["data"].([]interface{})
	require.Len(t, months, 4)
	june := months[3].(map[string]interface{})
	assert.Equal(t, "2024-06", june["period"])
	assert.EqualValues(t, 30, june["days"])

	seedBranch(t, f.mem, 2, 10)
	status, out = f.call(t, "GET", "/api/v1/metrics/all-branches/yearly?from_year=2024&to_year=2024", nil)
	require.Equal(t, fiber.StatusOK, status)
	years := out["data"].([]interface{})
	require.Len(t, years, 1)
	assert.EqualValues(t, 130, years[0].(map[string]interface{})["days"])

	status, out = f.call(t, "GET", "/api/v1/metrics/collect?date=2024-06-30", nil)
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, false, out["success"])
}

func TestGenerateAndDistributeReport(t *testing.T) {
	f := newFixture(t)
	f.retrain(t, fiber.Map{"branch_id": 1})

	status, out := f.call(t, "POST", "/api/v1/reports/generate", fiber.Map{"branch_id": 1, "date": "2024-06-30"})
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, true, out["fallback_analysis"])
	rep := out["data"].(map[string]interface{})
	overall := rep["overall_confidence"].(float64)
	assert.True(t, overall > 0 && overall <= 1)
	assert.Equal(t, false, rep["is_sent"])
	assert.Empty(t, f.mail.sent)

	id := int64(rep["id"].(float64))
	status, out = f.call(t, "POST", fmt.Sprintf("/api/v1/reports/distribute/%d", id), nil)
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, true, out["data"].(map[string]interface{})["is_sent"])
	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, f.mail.sent[0].To)

	status, out = f.call(t, "GET", "/api/v1/reports?branch_id=1&page=1&page_size=5", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, out["data"], 1)
	assert.EqualValues(t, 1, out["pagination"].(map[string]interface{})["totalItems"])

	status, _ = f.call(t, "POST", "/api/v1/reports/distribute/abc", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = f.call(t, "POST", "/api/v1/reports/distribute/999", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)
	status, out := f.call(t, "GET", "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "not configured", out["checks"].(map[string]interface{})["source_database"])

	status, out = f.call(t, "GET", "/api/v1/version", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "1.4.0", out["version"])
}

func TestSortBest(t *testing.T) {
	rows := []models.MLModel{
		{ID: 1, ModelType: models.ModelTypeProphet, PerformanceMetrics: models.JSONB{"mape": 12.0}},
		{ID: 2, ModelType: models.ModelTypeProphet},
		{ID: 3, ModelType: models.ModelTypeLightGBM, PerformanceMetrics: models.JSONB{"mape": 7.5}},
		{ID: 4, ModelType: models.ModelTypeIsolationForest, PerformanceMetrics: models.JSONB{"f1_score": 0.6}},
	}
	SortBest(rows)
	var ids []int64
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{4, 3, 1, 2}, ids)
}
