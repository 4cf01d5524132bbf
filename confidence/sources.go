package confidence

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"branchanalytics/models"
	"branchanalytics/stats"
)

// Snapshot keys read by the scorer.
const (
	SourceMetrics    = "metrics"
	SourceAnomaly    = "anomaly"
	SourceForecast   = "forecast"
	SourceHistorical = "historical"
)

// maxDepth bounds the recursive non-null count.
const maxDepth = 5

// Generic converts v into plain JSON values (maps, slices, strings, float64,
// bool, nil).
func Generic(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sourceOK reports whether a source is present, non-empty and error-free.
func sourceOK(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case map[string]interface{}:
		if len(t) == 0 {
			return false
		}
		if e, ok := t["error"]; ok && e != nil && e != "" {
			return false
		}
		return true
	case []interface{}:
		return len(t) > 0
	case string:
		return t != ""
	default:
		return true
	}
}

// nonNull counts the non-null leaves and all leaves of v down to maxDepth.
// Containers deeper than that count as one leaf.
func nonNull(v interface{}, depth int) (filled, total int) {
	switch t := v.(type) {
	case nil:
		return 0, 1
	case map[string]interface{}:
		if depth >= maxDepth || len(t) == 0 {
			if len(t) == 0 {
				return 0, 1
			}
			return 1, 1
		}
		for _, c := range t {
			f, n := nonNull(c, depth+1)
			filled += f
			total += n
		}
		return filled, total
	case []interface{}:
		if depth >= maxDepth || len(t) == 0 {
			if len(t) == 0 {
				return 0, 1
			}
			return 1, 1
		}
		for _, c := range t {
			f, n := nonNull(c, depth+1)
			filled += f
			total += n
		}
		return filled, total
	default:
		return 1, 1
	}
}

// NonNullRatio is the share of non-null leaves of v.
func NonNullRatio(v interface{}) float64 {
	f, n := nonNull(v, 0)
	if n == 0 {
		return 0
	}
	return float64(f) / float64(n)
}

// Freshness decays with the age of the data: 1 on the day itself, −0.1 per
// day up to three days, then linearly to 0.1 at fourteen days and beyond.
func Freshness(dataDate, now time.Time) float64 {
	days := int(models.DateOnly(now).Sub(models.DateOnly(dataDate)).Hours() / 24)
	switch {
	case days <= 0:
		return 1
	case days <= 3:
		return 1 - 0.1*float64(days)
	case days >= 14:
		return 0.1
	default:
		return 0.7 - 0.6*float64(days-3)/11
	}
}

// DataQuality scores the snapshot sources. It returns the score and its
// parts for the breakdown.
func DataQuality(snapshot map[string]interface{}, dataDate, now time.Time) (float64, map[string]interface{}) {
	ok := 0
	var ratios []float64
	perSource := make(map[string]float64, len(snapshot))
	for name, v := range snapshot {
		if sourceOK(v) {
			ok++
		}
		r := NonNullRatio(v)
		perSource[name] = stats.Round(r, 4)
		ratios = append(ratios, r)
	}
	availability, completeness := 0.0, 0.0
	if len(snapshot) > 0 {
		availability = float64(ok) / float64(len(snapshot))
		completeness = stats.Mean(ratios)
	}
	fresh := Freshness(dataDate, now)
	score := 0.4*availability + 0.3*completeness + 0.3*fresh
	return score, map[string]interface{}{
		"sources_total":   len(snapshot),
		"sources_ok":      ok,
		"availability":    stats.Round(availability, 4),
		"completeness":    stats.Round(completeness, 4),
		"source_non_null": perSource,
		"freshness":       stats.Round(fresh, 4),
		"data_date":       dataDate.Format(models.DateLayout),
		"data_quality":    stats.Round(score, 4),
	}
}

// ParseScore reads a confidence value from a number or a string such as
// "85%" or "0.85". Values above 1 are percentages.
func ParseScore(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		x, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	if f > 1 {
		f /= 100
	}
	return stats.Clamp(f, 0, 1), true
}

// sourceConfidence reads the "confidence" entry of a snapshot source.
func sourceConfidence(snapshot map[string]interface{}, name string) (float64, bool) {
	src, ok := snapshot[name].(map[string]interface{})
	if !ok || !sourceOK(src) {
		return 0, false
	}
	return ParseScore(src["confidence"])
}

// MLConfidence blends the anomaly and forecast confidences: 0.6/0.4 when
// both are present, the one present otherwise, else 0.5.
func MLConfidence(snapshot map[string]interface{}) (float64, map[string]interface{}) {
	a, okA := sourceConfidence(snapshot, SourceAnomaly)
	f, okF := sourceConfidence(snapshot, SourceForecast)
	var score float64
	switch {
	case okA && okF:
		score = 0.6*a + 0.4*f
	case okA:
		score = a
	case okF:
		score = f
	default:
		score = 0.5
	}
	parts := map[string]interface{}{"ml_confidence": stats.Round(score, 4)}
	if okA {
		parts["anomaly_confidence"] = stats.Round(a, 4)
	}
	if okF {
		parts["forecast_confidence"] = stats.Round(f, 4)
	}
	return score, parts
}

// HistoryRows is the number of recent forecasts read for historical accuracy.
const HistoryRows = 20

// minHistory is the number of evaluable forecasts historical accuracy needs.
const minHistory = 5

// NeutralHistorical is the historical accuracy without enough history.
const NeutralHistorical = 0.75

// HistoricalAccuracy averages max(0, 1 − MAPE/100) over the forecasts that
// carry a MAPE.
func HistoricalAccuracy(forecasts []models.ForecastResult) (float64, int) {
	var acc []float64
	for _, f := range forecasts {
		if f.MAPE == nil || math.IsNaN(*f.MAPE) {
			continue
		}
		acc = append(acc, math.Max(0, 1-*f.MAPE/100))
	}
	if len(acc) < minHistory {
		return NeutralHistorical, len(acc)
	}
	return stats.Clamp(stats.Mean(acc), 0, 1), len(acc)
}
