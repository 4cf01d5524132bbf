// Package forecast trains, applies and evaluates the per-branch forecast
// models: the Prophet-style decomposable model and the LightGBM / XGBoost
// style boosted trees.
package forecast

import (
	"math"
	"sort"
	"time"

	"branchanalytics/errs"
	"branchanalytics/features"
	"branchanalytics/models"
)

// Targets are the metrics a forecast can be trained for.
var Targets = []string{
	models.FieldOrderCount,
	models.FieldTotalRevenue,
	models.FieldCustomerCount,
	models.FieldAvgOrderValue,
}

// RegMonth is the calendar month regressor of the new-method variants.
const RegMonth = "month"

// Regressor groups.
var (
	CalendarRegressors = []string{models.FieldDayOfWeek, models.FieldIsWeekend, models.FieldPeakHour}
	OpsRegressors      = []string{
		models.FieldAvgPreparationTime,
		models.FieldStaffEfficiencyScore,
		models.FieldAvgReviewScore,
		models.FieldWastePercentage,
		models.FieldLowStockProducts,
	}
)

// DayOfWeekFormat is the day_of_week encoding of the metrics table, recorded
// in the model metadata. Tree calendar features use "0-6".
const (
	DayOfWeekISO  = "1-7"
	DayOfWeekZero = "0-6"
)

// MinRegressorCoverage is the share of non-null training values a regressor
// needs to be added to a Prophet model.
const MinRegressorCoverage = 0.5

// ValidTarget reports whether target can be forecast.
func ValidTarget(target string) bool {
	for _, t := range Targets {
		if t == target {
			return true
		}
	}
	return false
}

// DefaultRegressors returns the calendar columns and the other targets.
func DefaultRegressors(target string) []string {
	out := append([]string(nil), CalendarRegressors...)
	for _, t := range Targets {
		if t != target {
			out = append(out, t)
		}
	}
	return out
}

// Series is the prepared (ds, y) frame with every candidate regressor column.
// Regressor values are NaN where the source was null.
type Series struct {
	Target     string
	DS         []time.Time
	Y          []float64
	Regressors map[string][]float64
}

// Len returns the number of usable rows.
func (s *Series) Len() int { return len(s.DS) }

// Prepare sorts rows by date and keeps those with a non-null target.
// candidates are the regressor columns to carry; RegMonth is derived from ds.
func Prepare(rows []models.DailyBranchMetrics, target string, candidates []string, minRows int) (*Series, error) {
	if !ValidTarget(target) {
		return nil, errs.Input("unsupported target metric %q", target)
	}
	sorted := append([]models.DailyBranchMetrics(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ReportDate.Before(sorted[j].ReportDate) })

	s := &Series{Target: target, Regressors: make(map[string][]float64, len(candidates))}
	for _, c := range candidates {
		s.Regressors[c] = nil
	}
	for i := range sorted {
		r := &sorted[i]
		y, ok, _ := r.Value(target)
		if !ok || math.IsNaN(y) {
			continue
		}
		ds := models.DateOnly(r.ReportDate)
		s.DS = append(s.DS, ds)
		s.Y = append(s.Y, y)
		for _, c := range candidates {
			s.Regressors[c] = append(s.Regressors[c], regressorValue(r, ds, c))
		}
	}
	if s.Len() < minRows {
		return nil, errs.InsufficientData("usable rows for "+target, s.Len(), minRows)
	}
	return s, nil
}

// regressorValue reads a column; calendar columns are derived from the date
// when the stored value is null.
func regressorValue(r *models.DailyBranchMetrics, ds time.Time, name string) float64 {
	if name == RegMonth {
		return float64(ds.Month())
	}
	if v, ok, known := r.Value(name); known && ok {
		return v
	}
	if v, ok := calendarValue(ds, name); ok {
		return v
	}
	return math.NaN()
}

// calendarValue computes the date-derived regressors.
func calendarValue(ds time.Time, name string) (float64, bool) {
	switch name {
	case models.FieldDayOfWeek:
		return float64(models.ISOWeekday(ds)), true
	case models.FieldIsWeekend:
		if features.CalendarOf(ds).IsWeekend {
			return 1, true
		}
		return 0, true
	case RegMonth:
		return float64(ds.Month()), true
	}
	return 0, false
}

// Coverage returns the share of non-NaN values in col.
func Coverage(col []float64) float64 {
	if len(col) == 0 {
		return 0
	}
	n := 0
	for _, v := range col {
		if !math.IsNaN(v) {
			n++
		}
	}
	return float64(n) / float64(len(col))
}

// Split returns the series without its last n rows and those rows.
func (s *Series) Split(n int) (*Series, *Series) {
	cut := s.Len() - n
	if cut < 0 {
		cut = 0
	}
	return s.slice(0, cut), s.slice(cut, s.Len())
}

func (s *Series) slice(from, to int) *Series {
	out := &Series{
		Target:     s.Target,
		DS:         s.DS[from:to],
		Y:          s.Y[from:to],
		Regressors: make(map[string][]float64, len(s.Regressors)),
	}
	for k, v := range s.Regressors {
		out.Regressors[k] = v[from:to]
	}
	return out
}

// index maps each date of the series, in DateLayout, to its row.
func (s *Series) index() map[string]int {
	idx := make(map[string]int, s.Len())
	for i, d := range s.DS {
		idx[d.Format(models.DateLayout)] = i
	}
	return idx
}
