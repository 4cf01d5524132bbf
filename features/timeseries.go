package features

import (
	"math"
	"strconv"
	"time"

	"branchanalytics/stats"
)

// Lag, window and rate-of-change horizons of the tree feature frame.
var (
	TreeLags    = []int{1, 7, 14, 30}
	TreeWindows = []int{7, 14, 30}
	TreeROC     = []int{1, 7, 30}
)

// Lookup resolves the target value on a given day.
type Lookup func(d time.Time) (float64, bool)

// TreeFeatureNames lists the columns produced by TreeRow, in order.
func TreeFeatureNames() []string {
	names := []string{
		"year", "month", "day", "day_of_week", "week_of_year", "is_weekend",
		"dow_sin", "dow_cos", "month_sin", "month_cos", "day_sin", "day_cos", "week_sin", "week_cos",
	}
	for _, k := range TreeLags {
		names = append(names, lagName(k))
	}
	for _, w := range TreeWindows {
		names = append(names, rollingMeanName(w), rollingStdName(w))
	}
	for _, k := range TreeROC {
		names = append(names, rocName(k))
	}
	for _, w := range []int{7, 30} {
		names = append(names, pctZName(w))
	}
	return names
}

func lagName(k int) string         { return "lag_" + strconv.Itoa(k) }
func rollingMeanName(w int) string { return "rolling_mean_" + strconv.Itoa(w) }
func rollingStdName(w int) string  { return "rolling_std_" + strconv.Itoa(w) }
func rocName(k int) string         { return "roc_" + strconv.Itoa(k) }
func pctZName(w int) string        { return "pct_z_" + strconv.Itoa(w) }

// TreeRow builds the feature row for day d using only values strictly
// before d, as resolved by lookup. Unavailable entries are NaN.
func TreeRow(d time.Time, lookup Lookup) []float64 {
	c := CalendarOf(d)
	row := []float64{
		float64(c.Year), float64(c.Month), float64(c.Day), float64(c.DayOfWeek),
		float64(c.WeekOfYear), boolFloat(c.IsWeekend),
	}
	for _, p := range [][2]float64{
		{float64(c.DayOfWeek), 7}, {float64(c.Month), 12}, {float64(c.Day), 31}, {float64(c.WeekOfYear), 53},
	} {
		s, co := Cyclical(p[0], p[1])
		row = append(row, s, co)
	}

	at := func(back int) float64 {
		v, ok := lookup(d.AddDate(0, 0, -back))
		if !ok {
			return math.NaN()
		}
		return v
	}

	for _, k := range TreeLags {
		row = append(row, at(k))
	}

	windowStats := make(map[int][2]float64, len(TreeWindows))
	for _, w := range TreeWindows {
		vals := make([]float64, 0, w)
		for i := 1; i <= w; i++ {
			if v := at(i); !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		mean, std := math.NaN(), math.NaN()
		if len(vals) >= minPeriods(w) {
			mean, std = sampleMeanStd(vals)
		}
		windowStats[w] = [2]float64{mean, std}
		row = append(row, mean, std)
	}

	last := at(1)
	for _, k := range TreeROC {
		prev := at(1 + k)
		roc := math.NaN()
		if !math.IsNaN(last) && !math.IsNaN(prev) {
			if prev != 0 {
				roc = (last - prev) / math.Abs(prev)
			} else {
				roc = 0
			}
		}
		row = append(row, roc)
	}

	for _, w := range []int{7, 30} {
		ms := windowStats[w]
		z := math.NaN()
		if !math.IsNaN(last) && !math.IsNaN(ms[0]) {
			if ms[1] > 0 {
				z = (last - ms[0]) / ms[1]
			} else {
				z = 0
			}
		}
		row = append(row, z)
	}
	return row
}

// minPeriods is the number of observed values a rolling window needs; half
// the window tolerates closed days in the history.
func minPeriods(w int) int {
	if w/2 < 2 {
		return 2
	}
	return w / 2
}

// sampleMeanStd returns the mean and the sample (n-1) standard deviation.
func sampleMeanStd(v []float64) (float64, float64) {
	if len(v) == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	if len(v) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range v {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(v)-1))
}

// HasNaN reports whether any entry of row is NaN.
func HasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Winsorize clips y to its 1.5·IQR fences and returns the clipped copy and
// the number of clipped points.
func Winsorize(y []float64) ([]float64, int) {
	b := stats.IQRBand(y, 1.5)
	out := make([]float64, len(y))
	clipped := 0
	for i, v := range y {
		switch {
		case math.IsNaN(v):
			out[i] = v
		case v < b.Lower:
			out[i] = b.Lower
			clipped++
		case v > b.Upper:
			out[i] = b.Upper
			clipped++
		default:
			out[i] = v
		}
	}
	return out, clipped
}

// SelectByCorrelation keeps the columns whose absolute Pearson correlation
// with y is at least threshold. Calendar columns listed in always are kept
// regardless. The returned indexes refer to the input columns.
func SelectByCorrelation(rows [][]float64, y []float64, names []string, threshold float64, always ...string) []int {
	keep := make(map[string]bool, len(always))
	for _, a := range always {
		keep[a] = true
	}
	var idx []int
	col := make([]float64, len(rows))
	for j, n := range names {
		if keep[n] {
			idx = append(idx, j)
			continue
		}
		for i := range rows {
			col[i] = rows[i][j]
		}
		if math.Abs(stats.Correlation(col, y)) >= threshold {
			idx = append(idx, j)
		}
	}
	if len(idx) == 0 {
		for j := range names {
			idx = append(idx, j)
		}
	}
	return idx
}

// PctChange returns the day-over-day relative change; the first entry and
// divisions by zero are NaN.
func PctChange(y []float64) []float64 {
	out := make([]float64, len(y))
	if len(y) == 0 {
		return out
	}
	out[0] = math.NaN()
	for i := 1; i < len(y); i++ {
		if y[i-1] == 0 || math.IsNaN(y[i-1]) || math.IsNaN(y[i]) {
			out[i] = math.NaN()
			continue
		}
		out[i] = (y[i] - y[i-1]) / y[i-1]
	}
	return out
}
