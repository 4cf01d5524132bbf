package anomaly

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/events"
	"branchanalytics/historical"
	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/store"
)

var lastTrainingDay = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

type dayValues struct {
	revenue   float64
	orders    int
	customers int
	newCust   int
	products  int
	diversity float64
	peak      int
	review    float64
}

func metricsRow(branchID int, day time.Time, v dayValues) models.DailyBranchMetrics {
	repeat := v.customers - v.newCust
	m := models.DailyBranchMetrics{
		BranchID:              branchID,
		ReportDate:            day,
		TotalRevenue:          decimal.NewNullDecimal(decimal.NewFromFloat(v.revenue).Round(2)),
		OrderCount:            &v.orders,
		AvgOrderValue:         decimal.NewNullDecimal(decimal.NewFromFloat(v.revenue / float64(v.orders)).Round(2)),
		CustomerCount:         &v.customers,
		NewCustomers:          &v.newCust,
		RepeatCustomers:       &repeat,
		UniqueProductsSold:    &v.products,
		ProductDiversityScore: &v.diversity,
		PeakHour:              &v.peak,
		AvgReviewScore:        &v.review,
	}
	m.SetCalendar()
	return m
}

func typicalDay(rng *rand.Rand) dayValues {
	orders := 200 + int(math.Round(10*rng.NormFloat64()))
	return dayValues{
		revenue:   1_000_000 + 100_000*rng.NormFloat64(),
		orders:    orders,
		customers: orders - 20 - int(math.Round(3*rng.NormFloat64())),
		newCust:   30 + int(math.Round(5*rng.NormFloat64())),
		products:  40 + int(math.Round(4*rng.NormFloat64())),
		diversity: 0.2 + 0.02*rng.NormFloat64(),
		peak:      8 + rng.Intn(3),
		review:    4.3 + 0.1*rng.NormFloat64(),
	}
}

func medianDay() dayValues {
	return dayValues{revenue: 1_000_000, orders: 200, customers: 180, newCust: 30, products: 40, diversity: 0.2, peak: 9, review: 4.3}
}

type fixture struct {
	mem    *store.Memory
	reg    *registry.Registry
	engine *Engine
	events *events.Recorder
}

func newFixture(t *testing.T, days int) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	rng := rand.New(rand.NewSource(7))
	for i := days - 1; i >= 0; i-- {
		r := metricsRow(1, lastTrainingDay.AddDate(0, 0, -i), typicalDay(rng))
		_, _, err := mem.UpsertDailyMetrics(ctx, &r)
		require.NoError(t, err)
	}
	reg := registry.New(mem, nil, nil, 0, zap.NewNop())
	rec := &events.Recorder{}
	cfg := DefaultConfig()
	cfg.Estimators = 200
	eng := New(mem, mem, reg, historical.New(mem, zap.NewNop()), rec, cfg, zap.NewNop())
	eng.now = func() time.Time { return lastTrainingDay.AddDate(0, 0, 2) }
	return &fixture{mem: mem, reg: reg, engine: eng, events: rec}
}

func (f *fixture) addDay(t *testing.T, day time.Time, v dayValues) {
	t.Helper()
	r := metricsRow(1, day, v)
	_, _, err := f.mem.UpsertDailyMetrics(context.Background(), &r)
	require.NoError(t, err)
}

func TestTrainRegistersActiveModel(t *testing.T) {
	f := newFixture(t, 90)
	ctx := context.Background()

	res, err := f.engine.Train(ctx, TrainOptions{BranchID: 1, EndDate: lastTrainingDay})
	require.NoError(t, err)
	assert.Equal(t, 90, res.Samples)
	assert.Equal(t, "iforest_anomaly_branch_1", res.Model.ModelName)
	assert.True(t, res.Model.IsActive)
	assert.Equal(t, true, res.Metrics["pseudo_labels"])
	assert.InDelta(t, 0.1, res.Metrics["anomaly_rate"].(float64), 0.02)

	st := res.ScoreStats
	require.NotNil(t, st.ThresholdScore)
	assert.Equal(t, 90.0, st.ThresholdPercentile)
	assert.LessOrEqual(t, *st.Q25, *st.Q75)
	assert.Contains(t, st.Percentiles, "p90")

	again, err := f.engine.Train(ctx, TrainOptions{BranchID: 1, EndDate: lastTrainingDay})
	require.NoError(t, err)
	assert.Equal(t, 1, f.mem.ActiveCount("iforest_anomaly_branch_1"))
	assert.NotEqual(t, res.Model.ModelVersion, again.Model.ModelVersion)
}

func TestTrainNeedsEnoughSamples(t *testing.T) {
	f := newFixture(t, 20)
	_, err := f.engine.Train(context.Background(), TrainOptions{BranchID: 1, EndDate: lastTrainingDay})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientData))
	assert.Contains(t, err.Error(), "20")
}

func TestClearOutlierScenario(t *testing.T) {
	f := newFixture(t, 90)
	ctx := context.Background()
	_, err := f.engine.Train(ctx, TrainOptions{BranchID: 1, EndDate: lastTrainingDay})
	require.NoError(t, err)

	day := lastTrainingDay.AddDate(0, 0, 1)
	v := medianDay()
	v.revenue = 3_000_000
	f.addDay(t, day, v)

	p, err := f.engine.Predict(ctx, 1, day)
	require.NoError(t, err)
	assert.True(t, p.IsAnomaly)
	assert.GreaterOrEqual(t, p.Score, 0.9)
	assert.GreaterOrEqual(t, p.Confidence, 0.7)
	assert.LessOrEqual(t, p.Confidence, MaxBaseConfidence)

	d, err := f.engine.Detect(ctx, 1, day, DetectOptions{Persist: true})
	require.NoError(t, err)
	assert.True(t, d.IsAnomaly)
	assert.Equal(t, models.SeverityCritical, d.Severity)
	var revenue *historical.Explanation
	for i := range d.Explanations {
		if d.Explanations[i].Feature == models.FieldTotalRevenue {
			revenue = &d.Explanations[i]
		}
	}
	require.NotNil(t, revenue)
	assert.GreaterOrEqual(t, revenue.ZScore, 3.0)
	assert.NotZero(t, d.ResultID)
	assert.Equal(t, []string{events.TypeAnomalyDetected}, f.events.Types())

	stored, err := f.mem.GetAnomaly(ctx, d.ResultID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDetected, stored.Status)
	assert.Contains(t, stored.ActualValues, models.FieldTotalRevenue)
}

func TestBorderlineScenario(t *testing.T) {
	f := newFixture(t, 90)
	ctx := context.Background()
	_, err := f.engine.Train(ctx, TrainOptions{BranchID: 1, EndDate: lastTrainingDay})
	require.NoError(t, err)

	day := lastTrainingDay.AddDate(0, 0, 1)
	v := medianDay()
	v.revenue = 1_150_000
	f.addDay(t, day, v)

	d, err := f.engine.Detect(ctx, 1, day, DetectOptions{})
	require.NoError(t, err)
	assert.False(t, d.Prediction.IsAnomaly)
	assert.GreaterOrEqual(t, d.Confidence, 0.3)
	if d.Historical.IsAnomaly {
		assert.LessOrEqual(t, d.Confidence, 0.6)
	}
	assert.Zero(t, d.ResultID)
}

func TestPredictWithoutModelListsCandidates(t *testing.T) {
	f := newFixture(t, 40)
	_, err := f.engine.Predict(context.Background(), 1, lastTrainingDay)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindModelInconsistent))
	assert.Equal(t, registry.AnomalyCandidates(1), errs.DetailsOf(err)["tried_model_names"])
}

func TestPredictMissingDay(t *testing.T) {
	f := newFixture(t, 40)
	_, err := f.engine.Predict(context.Background(), 1, lastTrainingDay.AddDate(0, 0, 5))
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestScoreTreatsNullsAsZeroAndRejectsUnknownNames(t *testing.T) {
	f := newFixture(t, 60)
	ctx := context.Background()
	res, err := f.engine.Train(ctx, TrainOptions{BranchID: 1, EndDate: lastTrainingDay})
	require.NoError(t, err)
	b, err := f.reg.LoadIForest(ctx, res.Model)
	require.NoError(t, err)

	row := metricsRow(1, lastTrainingDay, medianDay())
	row.AvgReviewScore = nil
	p, err := Score(b, &row)
	require.NoError(t, err)
	assert.Equal(t, []string{models.FieldAvgReviewScore}, p.Missing)
	assert.Equal(t, 0.0, p.Values[models.FieldAvgReviewScore])
	assert.GreaterOrEqual(t, p.Score, 0.0)
	assert.LessOrEqual(t, p.Score, 1.0)

	b.Features[0] = "weather"
	_, err = Score(b, &row)
	assert.True(t, errs.Is(err, errs.KindInput))
}

func TestBacktestDoesNotRegister(t *testing.T) {
	f := newFixture(t, 120)
	res, err := f.engine.Backtest(context.Background(), BacktestOptions{BranchID: 1, EndDate: lastTrainingDay, TestDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 30, res.TestSamples)
	assert.Equal(t, 90, res.TrainSamples)
	assert.Len(t, res.Days, 30)
	assert.GreaterOrEqual(t, res.Agreement, 0.0)
	assert.LessOrEqual(t, res.Agreement, 1.0)
	assert.Equal(t, 0, f.mem.ActiveCount("iforest_anomaly_branch_1"))
}

func TestTuneStoresStudySummary(t *testing.T) {
	f := newFixture(t, 60)
	res, err := f.engine.Tune(context.Background(), TuneOptions{BranchID: 1, EndDate: lastTrainingDay, Trials: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Study.NTrials)
	tuningInfo, ok := res.Train.Model.Hyperparameters["tuning"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "separation", tuningInfo["objective"])
}
