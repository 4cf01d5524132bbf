package anomaly

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"branchanalytics/models"
	"branchanalytics/registry"
	"branchanalytics/stats"
)

// Normalisation tiers, most to least informed.
const (
	TierIQR    = "iqr_band"
	TierMinMax = "min_max"
	TierFixed  = "fixed_range"
)

// Threshold sources of the confidence estimate.
const (
	ThresholdStored      = "threshold_score"
	ThresholdPercentiles = "percentiles"
	ThresholdIQR         = "iqr"
	ThresholdOffset      = "model_offset"
)

// Raw isolation-forest scores of typical training sets fall inside this range.
const (
	fixedLow  = -0.8
	fixedHigh = -0.3
)

// Confidence bounds and shaping constants.
const (
	MinConfidence     = 0.3
	MaxBaseConfidence = 0.95
	maxPenalty        = 0.2
	penaltyStdScale   = 0.15
	nearThreshold     = 0.01
	nearFactor        = 0.7
	farFactor         = 0.9
	farFraction       = 0.8
)

var statPercentiles = []float64{1, 5, 10, 25, 50, 75, 90, 95, 99}

func ptr(v float64) *float64 { return &v }

// NewScoreStats summarises raw training scores. The threshold score is the
// 100·(1−c) percentile of the raw scores.
func NewScoreStats(scores []float64, contamination float64) registry.ScoreStats {
	st := registry.ScoreStats{
		Contamination:       contamination,
		ThresholdPercentile: 100 * (1 - contamination),
	}
	fin := stats.Finite(scores)
	if len(fin) == 0 {
		return st
	}
	sorted := append([]float64(nil), fin...)
	sort.Float64s(sorted)
	mean, std := stats.MeanStd(fin)
	qs := stats.Percentiles(fin, 25, 50, 75)
	st.Min = ptr(sorted[0])
	st.Max = ptr(sorted[len(sorted)-1])
	st.Q25, st.Median, st.Q75 = ptr(qs[0]), ptr(qs[1]), ptr(qs[2])
	st.Mean, st.Std = ptr(mean), ptr(std)
	st.ThresholdScore = ptr(stats.Percentile(fin, st.ThresholdPercentile))
	st.Percentiles = make(map[string]float64, len(statPercentiles))
	for i, v := range stats.Percentiles(fin, statPercentiles...) {
		st.Percentiles[percentileKey(statPercentiles[i])] = v
	}
	return st
}

func percentileKey(p float64) string {
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

// Normalise maps a raw score (lower is more abnormal) to [0, 1] where 1 is
// most anomalous.
func Normalise(raw float64, st registry.ScoreStats) (float64, string) {
	if st.Q25 != nil && st.Q75 != nil && *st.Q75 > *st.Q25 {
		iqr := *st.Q75 - *st.Q25
		lo, hi := *st.Q25-1.5*iqr, *st.Q75+1.5*iqr
		width := hi - lo
		switch {
		case raw < lo:
			return 0.95 + 0.05*math.Min((lo-raw)/width, 1), TierIQR
		case raw > hi:
			return 0.05 * math.Max(1-(raw-hi)/width, 0), TierIQR
		default:
			return stats.Clamp(1-(raw-lo)/width, 0, 1), TierIQR
		}
	}
	if st.Min != nil && st.Max != nil && *st.Max > *st.Min {
		return stats.Clamp(1-(raw-*st.Min)/(*st.Max-*st.Min), 0, 1), TierMinMax
	}
	return stats.Clamp(1-(raw-fixedLow)/(fixedHigh-fixedLow), 0, 1), TierFixed
}

// threshold estimates the raw score separating the classes.
func threshold(st registry.ScoreStats, offset float64) (float64, string) {
	if st.ThresholdScore != nil {
		return *st.ThresholdScore, ThresholdStored
	}
	if v, ok := interpolatePercentile(st.Percentiles, 100*(1-st.Contamination)); ok {
		return v, ThresholdPercentiles
	}
	if st.Q25 != nil && st.Q75 != nil {
		return *st.Q25 - 1.5*(*st.Q75-*st.Q25), ThresholdIQR
	}
	return offset, ThresholdOffset
}

func interpolatePercentile(ps map[string]float64, q float64) (float64, bool) {
	type point struct{ p, v float64 }
	var pts []point
	for k, v := range ps {
		p, err := strconv.ParseFloat(strings.TrimPrefix(k, "p"), 64)
		if err != nil {
			continue
		}
		pts = append(pts, point{p, v})
	}
	if len(pts) == 0 {
		return 0, false
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].p < pts[j].p })
	if q <= pts[0].p {
		return pts[0].v, true
	}
	for i := 1; i < len(pts); i++ {
		if q <= pts[i].p {
			a, b := pts[i-1], pts[i]
			return a.v + (b.v-a.v)*(q-a.p)/(b.p-a.p), true
		}
	}
	return pts[len(pts)-1].v, true
}

// ConfidenceDetail records how a confidence value was reached.
type ConfidenceDetail struct {
	Threshold       float64 `json:"threshold"`
	ThresholdSource string  `json:"threshold_source"`
	Distance        float64 `json:"distance"`
	MaxDistance     float64 `json:"max_distance"`
	Base            float64 `json:"base"`
	Penalty         float64 `json:"uncertainty_penalty"`
	Confidence      float64 `json:"confidence"`
}

// Confidence measures how far raw lies from the class threshold relative to
// the spread of the training scores. The result is in [0.3, 0.95].
func Confidence(raw float64, st registry.ScoreStats, offset float64) ConfidenceDetail {
	th, src := threshold(st, offset)
	d := math.Abs(raw - th)

	var maxd float64
	switch {
	case st.Min != nil && st.Max != nil:
		maxd = math.Max(math.Abs(*st.Min-th), math.Abs(*st.Max-th))
	case st.Q25 != nil && st.Q75 != nil:
		iqr := *st.Q75 - *st.Q25
		maxd = math.Max(math.Abs(*st.Q25-1.5*iqr-th), math.Abs(*st.Q75+1.5*iqr-th))
	}

	base := 0.5
	if maxd > 0 {
		base = stats.Clamp(d/maxd, 0, MaxBaseConfidence)
	}
	c := base

	penalty := 0.0
	if st.Std != nil {
		penalty = maxPenalty * math.Min(*st.Std/penaltyStdScale, 1)
	}
	c *= 1 - penalty
	if d < nearThreshold {
		c *= nearFactor
	}
	if maxd > 0 && d > farFraction*maxd {
		c *= farFactor
	}
	c = stats.Clamp(c, MinConfidence, MaxBaseConfidence)

	return ConfidenceDetail{
		Threshold:       th,
		ThresholdSource: src,
		Distance:        d,
		MaxDistance:     maxd,
		Base:            base,
		Penalty:         penalty,
		Confidence:      stats.Round(c, 4),
	}
}

// Severity maps a normalised score and confidence to a severity level.
func Severity(score, confidence float64) string {
	switch {
	case score >= 0.9 && confidence >= 0.7:
		return models.SeverityCritical
	case score >= 0.75:
		return models.SeverityHigh
	case score >= 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
