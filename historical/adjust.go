package historical

import (
	"fmt"
	"math"

	"branchanalytics/stats"
)

// Confidence bounds after adjustment.
const (
	MinAdjustedConfidence = 0.3
	MaxAdjustedConfidence = 0.95
)

// Adjustment is the combined confidence with the steps that produced it.
type Adjustment struct {
	Base       float64  `json:"base_confidence"`
	Confidence float64  `json:"confidence"`
	Agreement  string   `json:"agreement"`
	Steps      []string `json:"steps"`
}

// AdjustConfidence combines the isolation-forest confidence with the
// comparator verdict. Every step adds or subtracts percentage points from the
// running value and the result is clamped once at the end.
func AdjustConfidence(base float64, modelAnomaly bool, res *Result) Adjustment {
	adj := Adjustment{Base: base}
	c := base
	step := func(delta float64, why string) {
		c += delta
		adj.Steps = append(adj.Steps, fmt.Sprintf("%+.2f %s", delta, why))
	}

	switch {
	case modelAnomaly && res.IsAnomaly:
		adj.Agreement = "agree_anomaly"
		step(0.15, "both methods flag the day")
	case !modelAnomaly && !res.IsAnomaly:
		adj.Agreement = "agree_normal"
		step(0.10, "both methods consider the day normal")
	default:
		adj.Agreement = "disagree"
		step(-0.20, "methods disagree")
	}

	if n := len(res.Anomalies); n > 0 {
		step(math.Min(0.02*float64(n), 0.10), fmt.Sprintf("%d anomalous features", n))

		maxZ, maxDev := res.MaxAbsZ()
		switch {
		case maxZ > 3 || maxDev > 30:
			step(0.10, "strong deviation")
		case maxZ < 2 && maxDev < 10:
			step(-0.10, "weak deviation")
		}
	}

	if len(res.Individual) > 0 {
		if res.BaselinesAgree() {
			step(0.05, "all baselines agree")
		} else {
			step(-0.10, "baselines split")
		}
	}

	adj.Confidence = stats.Round(stats.Clamp(c, MinAdjustedConfidence, MaxAdjustedConfidence), 4)
	return adj
}
