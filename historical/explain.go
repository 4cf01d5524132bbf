package historical

import (
	"context"
	"math"
	"sort"
	"time"

	"branchanalytics/models"
	"branchanalytics/stats"
)

// Baselines used by Explain.
const (
	BaselineSameWeekday = "same_weekday"
	BaselineOverall     = "overall"
)

// minWeekdaySamples is the same-weekday history needed before Explain
// prefers it over the overall baseline.
const minWeekdaySamples = 6

// Explanation is one feature's deviation from its baseline.
type Explanation struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	ZScore       float64 `json:"z_score"`
	DeviationPct float64 `json:"deviation_pct"`
	Direction    string  `json:"direction"`
	Baseline     string  `json:"baseline"`
	Samples      int     `json:"samples"`
}

// Explain ranks features by |z| against the same-weekday history when it has
// enough samples, or the whole history otherwise, and returns the top k.
func Explain(target *models.DailyBranchMetrics, history []models.DailyBranchMetrics, features []string, k int) []Explanation {
	if len(features) == 0 {
		features = DefaultFeatures
	}
	wd := target.ReportDate.Weekday()
	var sameDay []models.DailyBranchMetrics
	for _, r := range history {
		if r.ReportDate.Weekday() == wd && r.ReportDate.Before(target.ReportDate) {
			sameDay = append(sameDay, r)
		}
	}
	baseline, name := history, BaselineOverall
	if len(sameDay) >= minWeekdaySamples {
		baseline, name = sameDay, BaselineSameWeekday
	}

	var out []Explanation
	for _, f := range features {
		x, ok, _ := target.Value(f)
		if !ok {
			continue
		}
		var vals []float64
		for i := range baseline {
			if v, ok, _ := baseline[i].Value(f); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		mean, std := stats.MeanStd(vals)
		z := 0.0
		if std > 0 {
			z = (x - mean) / std
		}
		dev := 0.0
		if mean != 0 {
			dev = (x - mean) / mean * 100
		}
		dir := "above"
		if x < mean {
			dir = "below"
		}
		out = append(out, Explanation{
			Feature: f, Value: x,
			BaselineMean: stats.Round(mean, 4), BaselineStd: stats.Round(std, 4),
			ZScore: stats.Round(z, 3), DeviationPct: stats.Round(dev, 2),
			Direction: dir, Baseline: name, Samples: len(vals),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore) })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Explain loads up to lookback days of history and explains day.
func (c *Comparator) Explain(ctx context.Context, branchID int, day time.Time, lookback int, features []string, k int) ([]Explanation, error) {
	target, err := c.store.GetDailyMetrics(ctx, branchID, day)
	if err != nil {
		return nil, err
	}
	history, err := c.store.ListDailyMetrics(ctx, branchID, day.AddDate(0, 0, -lookback), day.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	return Explain(target, history, features, k), nil
}
