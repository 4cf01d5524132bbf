package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/anomaly"
	"branchanalytics/config"
	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/forecast"
	"branchanalytics/historical"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/store"
)

var lastDay = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, mem *store.Memory, branchID, days int) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	for i := days - 1; i >= 0; i-- {
		day := lastDay.AddDate(0, 0, -i)
		revenue := 800_000 * (1 + 0.04*rng.NormFloat64())
		if models.ISOWeekday(day) >= 6 {
			revenue *= 1.25
		}
		orders := 150 + rng.Intn(20)
		customers := orders - 10
		review := 4.2 + 0.1*rng.NormFloat64()
		m := models.DailyBranchMetrics{
			BranchID:       branchID,
			ReportDate:     day,
			TotalRevenue:   decimal.NewNullDecimal(decimal.NewFromFloat(revenue).Round(2)),
			OrderCount:     &orders,
			AvgOrderValue:  decimal.NewNullDecimal(decimal.NewFromFloat(revenue / float64(orders)).Round(2)),
			CustomerCount:  &customers,
			AvgReviewScore: &review,
		}
		m.SetCalendar()
		_, _, err := mem.UpsertDailyMetrics(context.Background(), &m)
		require.NoError(t, err)
	}
}

type harness struct {
	env    *Env
	stdout *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	seed(t, mem, 1, 120)
	logger := zap.NewNop()
	reg := registry.New(mem, nil, nil, 0, logger)
	cmp := historical.New(mem, logger)
	out := &bytes.Buffer{}
	return &harness{
		stdout: out,
		env: &Env{
			Config: config.Config{
				Timezone:            "UTC",
				IForestTrainingDays: 180,
				ForecastDays:        7,
				BacktestDays:        14,
				BranchIDs:           []int{1},
			},
			Anomaly:  anomaly.New(mem, mem, reg, cmp, events.Nop{}, anomaly.DefaultConfig(), logger),
			Forecast: forecast.New(mem, mem, reg, events.Nop{}, forecast.DefaultConfig(), logger),
			Logger:   logger,
			Stdout:   out,
			Stderr:   &bytes.Buffer{},
			Now:      func() time.Time { return lastDay.Add(30 * time.Hour) },
		},
	}
}

// run executes args and decodes the last stdout line.
func (h *harness) run(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	h.stdout.Reset()
	err := Run(context.Background(), h.env, args)
	lines := strings.Split(strings.TrimSpace(h.stdout.String()), "\n")
	require.NotEmpty(t, lines)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &out))
	return out, err
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "explode")
	require.Error(t, err)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, string(errs.KindInput), out["error_type"])
	assert.False(t, Has("explode"))
	assert.True(t, Has("train"))
}

func TestFlagValidation(t *testing.T) {
	h := newHarness(t)
	cases := [][]string{
		{"train"},
		{"train", "-branch", "1", "-model", "arima"},
		{"detect", "-branch", "1", "-date", "30/06/2024"},
		{"tune", "-branch", "1", "-trials", "0"},
		{"distribute"},
		{"forecast", "-branch", "1", "-nope"},
	}
	for _, args := range cases {
		out, err := h.run(t, args...)
		assert.Error(t, err, args)
		assert.Equal(t, string(errs.KindInput), out["error_type"], args)
	}
}

func TestTrainDetectAndForecast(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "train", "-branch", "1", "-model", "iforest")
	require.NoError(t, err, out)
	data := out["data"].(map[string]interface{})
	model := data["model"].(map[string]interface{})
	assert.Equal(t, registry.AnomalyModelName(1), model["model_name"])
	assert.Equal(t, "cli", model["created_by"])

	out, err = h.run(t, "detect", "-branch", "1", "-persist=false")
	require.NoError(t, err, out)
	det := out["data"].(map[string]interface{})
	assert.Equal(t, "2024-06-30", det["date"])

	out, err = h.run(t, "forecast", "-branch", "1", "-horizon", "3")
	assert.Error(t, err)
	assert.Equal(t, string(errs.KindModelInconsistent), out["error_type"])
	assert.NotEmpty(t, out["tried_model_names"])

	out, err = h.run(t, "train", "-branch", "1", "-model", "forecast", "-algorithm", "prophet")
	require.NoError(t, err, out)

	out, err = h.run(t, "forecast", "-branch", "1", "-horizon", "3")
	require.NoError(t, err, out)
	fc := out["data"].(map[string]interface{})
	assert.Len(t, fc["forecast"], 3)
	assert.Equal(t, "2024-07-01", fc["forecast_start_date"])
}

func TestBacktestIForest(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "backtest", "-model", "iforest", "-branch", "1", "-test-days", "10", "-date", "2024-06-30")
	require.NoError(t, err, out)
	data := out["data"].(map[string]interface{})
	assert.EqualValues(t, 10, data["test_samples"])
	assert.Equal(t, "2024-06-21", data["test_start"])
}

func TestMissingBackends(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(t, "collect-metrics")
	require.Error(t, err)
	assert.Equal(t, string(errs.KindUpstream), out["error_type"])

	out, err = h.run(t, "distribute", "-id", "3")
	require.Error(t, err)
	assert.Equal(t, string(errs.KindUpstream), out["error_type"])
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 3, 1,,2 ")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, ids)

	_, err = parseIDs("1,x")
	assert.Error(t, err)
	_, err = parseIDs("-4")
	assert.Error(t, err)
}
