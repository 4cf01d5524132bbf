package historical

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/store"
)

var target = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)

func row(day time.Time, revenue float64, orders int) models.DailyBranchMetrics {
	customers := orders - 10
	review := 4.2
	m := models.DailyBranchMetrics{
		BranchID:       1,
		ReportDate:     day,
		TotalRevenue:   decimal.NewNullDecimal(decimal.NewFromFloat(revenue)),
		OrderCount:     &orders,
		CustomerCount:  &customers,
		AvgReviewScore: &review,
	}
	m.SetCalendar()
	return m
}

func history(days int) []models.DailyBranchMetrics {
	var out []models.DailyBranchMetrics
	for i := days; i >= 1; i-- {
		d := target.AddDate(0, 0, -i)
		rev := 1_000_000 + 80_000*math.Sin(float64(i))
		out = append(out, row(d, rev, 100+i%5))
	}
	return out
}

func TestWeekdayBaselinePicksSameWeekday(t *testing.T) {
	h := history(35)
	base := WeekdayBaseline(target, h)
	require.Len(t, base, 4)
	for _, r := range base {
		assert.Equal(t, target.Weekday(), r.ReportDate.Weekday())
	}

	// drop the row 14 days back
	var gap []models.DailyBranchMetrics
	for _, r := range h {
		if !r.ReportDate.Equal(target.AddDate(0, 0, -14)) {
			gap = append(gap, r)
		}
	}
	assert.Len(t, WeekdayBaseline(target, gap), 3)
}

func TestRollingBaselineWindow(t *testing.T) {
	h := history(40)
	assert.Len(t, RollingBaseline(target, h, 7), 7)
	assert.Len(t, RollingBaseline(target, h, 30), 30)
}

func TestClearOutlierIsFlaggedByEveryBaseline(t *testing.T) {
	h := history(35)
	day := row(target, 3_000_000, 102)

	res, err := Analyze(&day, h, MethodCombined, nil)
	require.NoError(t, err)
	require.True(t, res.IsAnomaly)

	var revenue *FeatureAnomaly
	for i := range res.Anomalies {
		if res.Anomalies[i].Feature == models.FieldTotalRevenue {
			revenue = &res.Anomalies[i]
		}
	}
	require.NotNil(t, revenue)
	assert.GreaterOrEqual(t, revenue.ZScore, 3.0)
	assert.True(t, revenue.IsAboveP95)
	assert.ElementsMatch(t, []string{MethodWeekday, MethodRolling7, MethodRolling30}, revenue.DetectedBy)

	summary := res.ComparisonSummary[models.FieldTotalRevenue]
	require.NotNil(t, summary.VsWeek)
	assert.Equal(t, TrendUp, summary.VsWeek.Trend)
	assert.Equal(t, TrendUp, summary.VsMonth.Trend)
}

func TestAnomalyIffAnyConditionHolds(t *testing.T) {
	h := history(35)
	for _, rev := range []float64{600_000, 950_000, 1_000_000, 1_070_000, 1_500_000} {
		day := row(target, rev, 102)
		for _, method := range []string{MethodWeekday, MethodRolling7, MethodRolling30} {
			res, err := Analyze(&day, h, method, nil)
			require.NoError(t, err)

			expect := false
			for f, st := range res.Statistics {
				x := day.Float(f)
				z := 0.0
				if st.Std != 0 {
					z = (x - st.Mean) / st.Std
				}
				if x < st.P5 || x > st.P95 || math.Abs(z) > 2 {
					expect = true
				}
			}
			assert.Equal(t, expect, res.IsAnomaly, "method %s revenue %.0f", method, rev)
		}
	}
}

func TestZeroStdAndZeroMean(t *testing.T) {
	st := FeatureStats{Mean: 0, Std: 0, P5: 0, P95: 0, N: 5}
	a, flagged := TestFeature("x", 0, st, MethodRolling7)
	assert.False(t, flagged)
	assert.Equal(t, 0.0, a.ZScore)
	assert.Equal(t, 0.0, a.DeviationPct)
}

func TestUnknownMethodAndFeature(t *testing.T) {
	day := row(target, 1, 1)
	_, err := Analyze(&day, nil, "weekly", nil)
	assert.True(t, errs.Is(err, errs.KindInput))
	_, err = Analyze(&day, nil, MethodRolling7, []string{"nope"})
	assert.True(t, errs.Is(err, errs.KindInput))
}

func TestCompareLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, r := range history(35) {
		r := r
		_, _, err := mem.UpsertDailyMetrics(ctx, &r)
		require.NoError(t, err)
	}
	day := row(target, 3_000_000, 102)
	_, _, err := mem.UpsertDailyMetrics(ctx, &day)
	require.NoError(t, err)

	c := New(mem, zap.NewNop())
	res, err := c.Compare(ctx, 1, target, MethodRolling30, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, res.HistoricalSamples)
	assert.True(t, res.IsAnomaly)

	top, err := c.Explain(ctx, 1, target, 90, nil, 3)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	assert.Equal(t, models.FieldTotalRevenue, top[0].Feature)
	assert.Equal(t, "above", top[0].Direction)
	assert.GreaterOrEqual(t, top[0].ZScore, 3.0)
}
