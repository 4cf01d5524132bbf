package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/models"
)

// testBranch keeps rows written here apart from real branches.
const testBranch = 990001

// openTestStore connects to ANALYTICS_TEST_DATABASE_URL and migrates it.
// Rows for testBranch and the given model name are removed afterwards.
func openTestStore(t *testing.T, modelName string) *Store {
	t.Helper()
	url := os.Getenv("ANALYTICS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ANALYTICS_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pool))

	cleanup := func() {
		for _, q := range []string{
			`DELETE FROM daily_branch_metrics WHERE branch_id = $1`,
			`DELETE FROM anomaly_results WHERE branch_id = $1`,
			`DELETE FROM forecast_results WHERE branch_id = $1`,
		} {
			_, _ = pool.Exec(ctx, q, testBranch)
		}
		_, _ = pool.Exec(ctx, `DELETE FROM ml_models WHERE model_name = $1`, modelName)
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		Close(pool, zap.NewNop())
	})
	return NewStore(pool)
}

func testDay(s string) time.Time {
	t, _ := time.Parse(models.DateLayout, s)
	return t
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openTestStore(t, "")
	require.NoError(t, Migrate(context.Background(), s.pool))
}

func TestPostgresUpsertDailyMetrics(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	orders := 10
	m := &models.DailyBranchMetrics{BranchID: testBranch, ReportDate: testDay("2024-03-01"), OrderCount: &orders}
	m.SetCalendar()
	id, created, err := s.UpsertDailyMetrics(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)

	more := 12
	again := &models.DailyBranchMetrics{BranchID: testBranch, ReportDate: testDay("2024-03-01"), OrderCount: &more}
	again.SetCalendar()
	id2, created, err := s.UpsertDailyMetrics(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, id2)

	got, err := s.GetDailyMetrics(ctx, testBranch, testDay("2024-03-01"))
	require.NoError(t, err)
	require.NotNil(t, got.OrderCount)
	assert.Equal(t, 12, *got.OrderCount)
}

func TestPostgresOneActiveModelPerName(t *testing.T) {
	ctx := context.Background()
	name := fmt.Sprintf("iforest_anomaly_branch_%d", testBranch)
	s := openTestStore(t, name)

	save := func(version string) *models.MLModel {
		m := &models.MLModel{
			ModelName:          name,
			ModelVersion:       version,
			ModelType:          "isolation_forest",
			Bundle:             []byte("{}"),
			FeatureList:        []string{"total_revenue"},
			TrainingStartDate:  testDay("2024-01-01"),
			TrainingEndDate:    testDay("2024-03-01"),
			TrainingSamples:    60,
			CreatedBy:          "test",
			Hyperparameters:    models.JSONB{},
			PerformanceMetrics: models.JSONB{},
		}
		_, err := s.SaveModel(ctx, m, true)
		require.NoError(t, err)
		return m
	}
	activeCount := func() int {
		var n int
		require.NoError(t, s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM ml_models WHERE model_name = $1 AND is_active`, name).Scan(&n))
		return n
	}

	a := save("v20240301-001")
	b := save("v20240302-001")
	assert.Equal(t, 1, activeCount())
	active, err := s.ActiveModel(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)

	require.NoError(t, s.ActivateModel(ctx, a.ID))
	assert.Equal(t, 1, activeCount())
	active, err = s.ActiveModel(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)

	_, err = s.pool.Exec(ctx, `UPDATE ml_models SET is_active = TRUE WHERE id = $1`, b.ID)
	assert.Error(t, err, "uq_ml_models_one_active must reject a second active row")

	assert.True(t, errs.Is(s.ActivateModel(ctx, -1), errs.KindNotFound))
}

func TestPostgresResultsUpsertPerDay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	r := &models.AnomalyResult{BranchID: testBranch, AnalysisDate: testDay("2024-03-01"), ModelID: 7,
		AnomalyScore: -0.4, Severity: models.SeverityLow}
	id, err := s.SaveAnomaly(ctx, r)
	require.NoError(t, err)
	_, err = s.UpdateAnomalyStatus(ctx, id, models.StatusResolved, "promo day", "admin", time.Now())
	require.NoError(t, err)

	again := &models.AnomalyResult{BranchID: testBranch, AnalysisDate: testDay("2024-03-01"), ModelID: 7,
		AnomalyScore: -0.6, Severity: models.SeverityLow}
	id2, err := s.SaveAnomaly(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	list, err := s.ListAnomalies(ctx, testBranch, testDay("2024-03-01"), testDay("2024-03-01"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, -0.6, list[0].AnomalyScore)
	assert.Equal(t, models.StatusResolved, list[0].Status)

	forecast := func(v float64) *models.ForecastResult {
		return &models.ForecastResult{
			BranchID: testBranch, ForecastDate: testDay("2024-03-01"),
			ForecastStartDate: testDay("2024-03-02"), ForecastEndDate: testDay("2024-03-02"),
			ModelID: 8, TargetMetric: models.FieldTotalRevenue, Algorithm: "prophet",
			ForecastValues:      map[string]float64{"2024-03-02": v},
			ConfidenceIntervals: map[string]models.Interval{},
			TrainingStartDate:   testDay("2024-01-01"), TrainingEndDate: testDay("2024-03-01"),
			HorizonDays: 1,
		}
	}
	fid, err := s.SaveForecast(ctx, forecast(100))
	require.NoError(t, err)
	fid2, err := s.SaveForecast(ctx, forecast(120))
	require.NoError(t, err)
	assert.Equal(t, fid, fid2)

	latest, err := s.LatestForecasts(ctx, testBranch, 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 120.0, latest[0].ForecastValues["2024-03-02"])
}
