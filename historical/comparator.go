// Package historical compares a day's metrics with the branch's own history:
// same-weekday and rolling-window baselines, per-feature z-score and
// percentile tests.
package historical

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"branchanalytics/errs"
	"branchanalytics/models"
	"branchanalytics/stats"
	"branchanalytics/store"
)

// Baseline methods.
const (
	MethodWeekday   = "weekday"
	MethodRolling7  = "rolling_7"
	MethodRolling30 = "rolling_30"
	MethodCombined  = "combined"
)

// DefaultFeatures are the fields checked when the caller gives none.
var DefaultFeatures = []string{
	models.FieldTotalRevenue,
	models.FieldOrderCount,
	models.FieldAvgOrderValue,
	models.FieldCustomerCount,
	models.FieldNewCustomers,
	models.FieldRepeatCustomers,
	models.FieldUniqueProductsSold,
	models.FieldProductDiversityScore,
	models.FieldAvgReviewScore,
	models.FieldPeakHour,
}

const zThreshold = 2.0

// FeatureStats describes one feature over a baseline.
type FeatureStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P5   float64 `json:"p5"`
	P95  float64 `json:"p95"`
	N    int     `json:"n"`
}

// FeatureAnomaly is one flagged feature.
type FeatureAnomaly struct {
	Feature        string   `json:"feature"`
	TargetValue    float64  `json:"target_value"`
	HistoricalMean float64  `json:"historical_mean"`
	DeviationPct   float64  `json:"deviation_pct"`
	ZScore         float64  `json:"z_score"`
	IsBelowP5      bool     `json:"is_below_p5"`
	IsAboveP95     bool     `json:"is_above_p95"`
	Reasons        []string `json:"reasons"`
	DetectedBy     []string `json:"detected_by"`
}

// Trend labels of the comparison summary.
const (
	TrendUp     = "TĂNG"
	TrendDown   = "GIẢM"
	TrendStable = "ỔN ĐỊNH"
)

// Change compares today with a baseline mean.
type Change struct {
	Baseline  float64 `json:"baseline"`
	ChangePct float64 `json:"change_pct"`
	Trend     string  `json:"trend"`
}

// FeatureComparison is today's value against last week and last month.
type FeatureComparison struct {
	Today     float64 `json:"today"`
	VsWeek    *Change `json:"vs_1_week,omitempty"`
	VsMonth   *Change `json:"vs_1_month,omitempty"`
	WeekMean  float64 `json:"week_mean"`
	MonthMean float64 `json:"month_mean"`
}

// Result is the comparator output.
type Result struct {
	IsAnomaly         bool                         `json:"is_anomaly"`
	Anomalies         []FeatureAnomaly             `json:"anomalies"`
	Statistics        map[string]FeatureStats      `json:"statistics"`
	MethodUsed        string                       `json:"method_used"`
	HistoricalSamples int                          `json:"historical_samples"`
	ComparisonSummary map[string]FeatureComparison `json:"comparison_summary,omitempty"`
	Individual        map[string]*Result           `json:"individual_results,omitempty"`
}

// MaxAbsZ returns the largest |z| and |deviation_pct| over the anomalies.
func (r *Result) MaxAbsZ() (maxZ, maxDev float64) {
	for _, a := range r.Anomalies {
		maxZ = math.Max(maxZ, math.Abs(a.ZScore))
		maxDev = math.Max(maxDev, math.Abs(a.DeviationPct))
	}
	return maxZ, maxDev
}

// BaselinesAgree reports whether every individual baseline gave the same
// verdict. It is true for single-baseline results.
func (r *Result) BaselinesAgree() bool {
	if len(r.Individual) == 0 {
		return true
	}
	first := true
	var verdict bool
	for _, ind := range r.Individual {
		if first {
			verdict, first = ind.IsAnomaly, false
			continue
		}
		if ind.IsAnomaly != verdict {
			return false
		}
	}
	return true
}

// Comparator reads history from the metrics store.
type Comparator struct {
	store  store.MetricsStore
	logger *zap.Logger
}

func New(ms store.MetricsStore, logger *zap.Logger) *Comparator {
	return &Comparator{store: ms, logger: logger.Named("historical")}
}

// Compare loads the target day and its history and runs method.
func (c *Comparator) Compare(ctx context.Context, branchID int, day time.Time, method string, features []string) (*Result, error) {
	target, err := c.store.GetDailyMetrics(ctx, branchID, day)
	if err != nil {
		return nil, err
	}
	history, err := c.store.ListDailyMetrics(ctx, branchID, day.AddDate(0, 0, -31), day.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	return Analyze(target, history, method, features)
}

// Analyze runs method over already-loaded history. history must hold rows
// strictly before the target day.
func Analyze(target *models.DailyBranchMetrics, history []models.DailyBranchMetrics, method string, features []string) (*Result, error) {
	if len(features) == 0 {
		features = DefaultFeatures
	}
	for _, f := range features {
		if !models.IsMetricField(f) {
			return nil, errs.Input("unknown feature %q", f)
		}
	}

	switch method {
	case MethodWeekday:
		return compare(target, WeekdayBaseline(target.ReportDate, history), MethodWeekday, features), nil
	case MethodRolling7:
		return compare(target, RollingBaseline(target.ReportDate, history, 7), MethodRolling7, features), nil
	case MethodRolling30:
		return compare(target, RollingBaseline(target.ReportDate, history, 30), MethodRolling30, features), nil
	case MethodCombined, "":
		return combined(target, history, features), nil
	default:
		return nil, errs.Input("unknown comparison method %q", method)
	}
}

// WeekdayBaseline picks, for each of 7/14/21/28 days back, the record
// closest to that date (within ±3 days) that shares the target's weekday.
func WeekdayBaseline(day time.Time, history []models.DailyBranchMetrics) []models.DailyBranchMetrics {
	byDate := make(map[string]*models.DailyBranchMetrics, len(history))
	for i := range history {
		byDate[history[i].ReportDate.Format(models.DateLayout)] = &history[i]
	}
	wd := day.Weekday()
	var out []models.DailyBranchMetrics
	seen := map[string]bool{}
	for _, back := range []int{7, 14, 21, 28} {
		anchor := day.AddDate(0, 0, -back)
		for _, off := range []int{0, -1, 1, -2, 2, -3, 3} {
			d := anchor.AddDate(0, 0, off)
			if d.Weekday() != wd || !d.Before(day) {
				continue
			}
			key := d.Format(models.DateLayout)
			if row, ok := byDate[key]; ok && !seen[key] {
				seen[key] = true
				out = append(out, *row)
				break
			}
		}
	}
	return out
}

// RollingBaseline returns the rows in [day − window, day).
func RollingBaseline(day time.Time, history []models.DailyBranchMetrics, window int) []models.DailyBranchMetrics {
	from := models.DateOnly(day).AddDate(0, 0, -window)
	var out []models.DailyBranchMetrics
	for _, r := range history {
		d := models.DateOnly(r.ReportDate)
		if !d.Before(from) && d.Before(models.DateOnly(day)) {
			out = append(out, r)
		}
	}
	return out
}

// ComputeStats summarises values.
func ComputeStats(values []float64) FeatureStats {
	v := stats.Finite(values)
	if len(v) == 0 {
		return FeatureStats{}
	}
	mean, std := stats.MeanStd(v)
	p := stats.Percentiles(v, 5, 95)
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	return FeatureStats{
		Mean: mean, Std: std,
		Min: sorted[0], Max: sorted[len(sorted)-1],
		P5: p[0], P95: p[1], N: len(v),
	}
}

// TestFeature applies the z-score and percentile tests to x.
func TestFeature(feature string, x float64, st FeatureStats, method string) (FeatureAnomaly, bool) {
	z := 0.0
	if st.Std != 0 {
		z = (x - st.Mean) / st.Std
	}
	dev := 0.0
	if st.Mean != 0 {
		dev = (x - st.Mean) / st.Mean * 100
	}
	a := FeatureAnomaly{
		Feature:        feature,
		TargetValue:    x,
		HistoricalMean: st.Mean,
		DeviationPct:   stats.Round(dev, 2),
		ZScore:         stats.Round(z, 3),
		IsBelowP5:      x < st.P5,
		IsAboveP95:     x > st.P95,
		DetectedBy:     []string{method},
	}
	if a.IsBelowP5 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("%s = %.2f thấp hơn P5 lịch sử (%.2f)", feature, x, st.P5))
	}
	if a.IsAboveP95 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("%s = %.2f cao hơn P95 lịch sử (%.2f)", feature, x, st.P95))
	}
	if math.Abs(z) > zThreshold {
		a.Reasons = append(a.Reasons, fmt.Sprintf("%s lệch %.2f độ lệch chuẩn so với trung bình (%.2f)", feature, z, st.Mean))
	}
	return a, len(a.Reasons) > 0
}

func compare(target *models.DailyBranchMetrics, baseline []models.DailyBranchMetrics, method string, features []string) *Result {
	res := &Result{
		Anomalies:         []FeatureAnomaly{},
		Statistics:        make(map[string]FeatureStats, len(features)),
		MethodUsed:        method,
		HistoricalSamples: len(baseline),
	}
	if len(baseline) == 0 {
		return res
	}
	for _, f := range features {
		x, ok, _ := target.Value(f)
		if !ok {
			continue
		}
		vals := make([]float64, 0, len(baseline))
		for i := range baseline {
			if v, ok, _ := baseline[i].Value(f); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		st := ComputeStats(vals)
		res.Statistics[f] = st
		if a, flagged := TestFeature(f, x, st, method); flagged {
			res.Anomalies = append(res.Anomalies, a)
		}
	}
	res.IsAnomaly = len(res.Anomalies) > 0
	return res
}

func combined(target *models.DailyBranchMetrics, history []models.DailyBranchMetrics, features []string) *Result {
	day := target.ReportDate
	individual := map[string]*Result{
		MethodWeekday:   compare(target, WeekdayBaseline(day, history), MethodWeekday, features),
		MethodRolling7:  compare(target, RollingBaseline(day, history, 7), MethodRolling7, features),
		MethodRolling30: compare(target, RollingBaseline(day, history, 30), MethodRolling30, features),
	}

	res := &Result{
		Anomalies:  []FeatureAnomaly{},
		Statistics: map[string]FeatureStats{},
		MethodUsed: MethodCombined,
		Individual: individual,
	}
	merged := map[string]*FeatureAnomaly{}
	var order []string
	for _, m := range []string{MethodWeekday, MethodRolling7, MethodRolling30} {
		ind := individual[m]
		if ind.HistoricalSamples > res.HistoricalSamples {
			res.HistoricalSamples = ind.HistoricalSamples
		}
		for _, a := range ind.Anomalies {
			if prev, ok := merged[a.Feature]; ok {
				prev.DetectedBy = append(prev.DetectedBy, m)
				prev.Reasons = append(prev.Reasons, a.Reasons...)
				prev.IsBelowP5 = prev.IsBelowP5 || a.IsBelowP5
				prev.IsAboveP95 = prev.IsAboveP95 || a.IsAboveP95
				if math.Abs(a.ZScore) > math.Abs(prev.ZScore) {
					prev.ZScore, prev.DeviationPct, prev.HistoricalMean = a.ZScore, a.DeviationPct, a.HistoricalMean
				}
				continue
			}
			cp := a
			merged[a.Feature] = &cp
			order = append(order, a.Feature)
		}
	}
	for _, f := range order {
		res.Anomalies = append(res.Anomalies, *merged[f])
	}
	res.IsAnomaly = len(res.Anomalies) > 0
	// rolling-30 is the widest window, so its statistics describe the day best
	for f, st := range individual[MethodRolling30].Statistics {
		res.Statistics[f] = st
	}
	res.ComparisonSummary = ComparisonSummary(target, history, features)
	return res
}

// ComparisonSummary compares today with the 7-day and 30-day means.
func ComparisonSummary(target *models.DailyBranchMetrics, history []models.DailyBranchMetrics, features []string) map[string]FeatureComparison {
	week := RollingBaseline(target.ReportDate, history, 7)
	month := RollingBaseline(target.ReportDate, history, 30)
	out := map[string]FeatureComparison{}
	for _, f := range features {
		x, ok, _ := target.Value(f)
		if !ok {
			continue
		}
		fc := FeatureComparison{Today: x}
		if mean, n := fieldMean(week, f); n > 0 {
			fc.WeekMean = mean
			fc.VsWeek = change(x, mean)
		}
		if mean, n := fieldMean(month, f); n > 0 {
			fc.MonthMean = mean
			fc.VsMonth = change(x, mean)
		}
		out[f] = fc
	}
	return out
}

func fieldMean(rows []models.DailyBranchMetrics, f string) (float64, int) {
	var vals []float64
	for i := range rows {
		if v, ok, _ := rows[i].Value(f); ok {
			vals = append(vals, v)
		}
	}
	return stats.Mean(vals), len(vals)
}

func change(today, base float64) *Change {
	pct := 0.0
	if base != 0 {
		pct = (today - base) / math.Abs(base) * 100
	}
	trend := TrendStable
	switch {
	case pct > 5:
		trend = TrendUp
	case pct < -5:
		trend = TrendDown
	}
	return &Change{Baseline: stats.Round(base, 2), ChangePct: stats.Round(pct, 2), Trend: trend}
}
