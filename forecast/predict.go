package forecast

import (
	"math"
	"time"

	"branchanalytics/errs"
	"branchanalytics/features"
	"branchanalytics/ml/prophet"
	"branchanalytics/models"
	"branchanalytics/registry"
)

// treeIntervalShare is the relative half-width of tree intervals before the
// normal quantile is applied.
const treeIntervalShare = 0.2

// sameWeekdayBacks are the offsets tried when a future lag falls beyond the
// history.
var sameWeekdayBacks = []int{7, 14, 21, 28}

// Point is one forecast day.
type Point struct {
	Date  string    `json:"date"`
	DS    time.Time `json:"-"`
	Yhat  float64   `json:"yhat"`
	Lower float64   `json:"yhat_lower"`
	Upper float64   `json:"yhat_upper"`
}

// Actuals holds observed regressor values by date (DateLayout) and column.
type Actuals map[string]map[string]float64

// ActualsFrom collects the non-null values of cols from rows.
func ActualsFrom(rows []models.DailyBranchMetrics, cols []string) Actuals {
	out := make(Actuals, len(rows))
	for i := range rows {
		r := &rows[i]
		vals := make(map[string]float64, len(cols))
		for _, c := range cols {
			if v, ok, known := r.Value(c); known && ok {
				vals[c] = v
			}
		}
		out[r.ReportDate.Format(models.DateLayout)] = vals
	}
	return out
}

// Dates returns days consecutive dates from start.
func Dates(start time.Time, days int) []time.Time {
	start = models.DateOnly(start)
	out := make([]time.Time, days)
	for i := range out {
		out[i] = start.AddDate(0, 0, i)
	}
	return out
}

// bounded clips at 0 and keeps lower ≤ yhat ≤ upper.
func bounded(ds time.Time, yhat, lower, upper float64) Point {
	yhat = math.Max(0, finiteOr(yhat, 0))
	lower = math.Max(0, math.Min(finiteOr(lower, yhat), yhat))
	upper = math.Max(finiteOr(upper, yhat), yhat)
	return Point{Date: ds.Format(models.DateLayout), DS: ds, Yhat: yhat, Lower: lower, Upper: upper}
}

// futureRegressor resolves one regressor value: the observed value, else the
// calendar value, else the training mean.
func futureRegressor(r prophet.Regressor, ds time.Time, actuals Actuals) float64 {
	if row, ok := actuals[ds.Format(models.DateLayout)]; ok {
		if v, ok := row[r.Name]; ok && !math.IsNaN(v) {
			return v
		}
	}
	if v, ok := calendarValue(ds, r.Name); ok {
		return v
	}
	if r.Name == models.FieldPeakHour {
		return math.Trunc(r.Mean)
	}
	return r.Mean
}

// PredictProphet forecasts dates with a Prophet bundle. The regressors are
// the ones the model was fitted with, whatever the metadata lists.
func PredictProphet(b *registry.ForecastBundle, dates []time.Time, actuals Actuals) ([]Point, error) {
	if b.Prophet == nil {
		return nil, errs.Input("model %s is not a prophet model", b.Algorithm)
	}
	rows := make([]prophet.FutureRow, len(dates))
	for i, ds := range dates {
		regs := make(map[string]float64, len(b.Prophet.Regressors))
		for _, r := range b.Prophet.Regressors {
			regs[r.Name] = futureRegressor(r, ds, actuals)
		}
		rows[i] = prophet.FutureRow{DS: ds, Regressors: regs}
	}
	raw, err := b.Prophet.Predict(rows)
	if err != nil {
		return nil, errs.Internal("prophet predict", err)
	}
	out := make([]Point, len(raw))
	for i, p := range raw {
		out[i] = bounded(dates[i], p.Yhat, p.Lower, p.Upper)
	}
	return out, nil
}

// PredictTrees forecasts dates iteratively with a tree bundle. history is the
// frame the lag features are read from. A lag that falls past the history
// takes the same weekday 7/14/21/28 days back, then an earlier prediction,
// then the last observed value.
func PredictTrees(b *registry.ForecastBundle, history *Series, dates []time.Time) ([]Point, error) {
	if b.Trees == nil {
		return nil, errs.Input("model %s is not a tree model", b.Algorithm)
	}
	if history == nil || history.Len() == 0 {
		return nil, errs.InsufficientData("history rows for tree forecast", 0, 1)
	}
	idx, err := featureIndex(b.Metadata.FeatureCols)
	if err != nil {
		return nil, err
	}
	hist := seriesLookup(history.DS, history.Y)
	last := history.DS[history.Len()-1]
	tail := history.Y[history.Len()-1]
	predicted := make(map[string]float64, len(dates))

	lookup := func(x time.Time) (float64, bool) {
		if v, ok := hist(x); ok {
			return v, true
		}
		if !x.After(last) {
			return 0, false
		}
		for _, back := range sameWeekdayBacks {
			if v, ok := hist(x.AddDate(0, 0, -back)); ok {
				return v, true
			}
		}
		if v, ok := predicted[x.Format(models.DateLayout)]; ok {
			return v, true
		}
		return tail, true
	}

	out := make([]Point, len(dates))
	for i, ds := range dates {
		row := features.TreeRow(ds, lookup)
		x := make([]float64, len(idx))
		for k, j := range idx {
			x[k] = row[j]
		}
		yhat, err := b.Trees.PredictRow(x)
		if err != nil {
			return nil, errs.Internal("tree predict", err)
		}
		yhat = math.Max(0, finiteOr(yhat, 0))
		half := 1.96 * treeIntervalShare * math.Abs(yhat)
		out[i] = bounded(ds, yhat, yhat-half, yhat+half)
		predicted[ds.Format(models.DateLayout)] = out[i].Yhat
	}
	return out, nil
}

// Predict dispatches on the bundle algorithm.
func Predict(b *registry.ForecastBundle, history *Series, dates []time.Time, actuals Actuals) ([]Point, error) {
	if b.Algorithm == registry.AlgoProphet {
		return PredictProphet(b, dates, actuals)
	}
	return PredictTrees(b, history, dates)
}
