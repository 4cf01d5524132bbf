package forecast

import (
	"math"
	"sort"

	"branchanalytics/stats"
)

// Metrics are the accuracy measures of a forecast against actuals. MAPE
// skips zero actuals; MAPEPoints is the number of points it averaged.
type Metrics struct {
	N          int     `json:"n"`
	MAE        float64 `json:"mae"`
	MSE        float64 `json:"mse"`
	RMSE       float64 `json:"rmse"`
	MAPE       float64 `json:"mape"`
	MAPEPoints int     `json:"mape_points"`
	SMAPE      float64 `json:"smape"`
	R2         float64 `json:"r2"`
	Coverage   float64 `json:"coverage"`
}

// Map returns the metrics keyed the way model rows store them.
func (m Metrics) Map() map[string]float64 {
	out := map[string]float64{
		"mae":      stats.Round(m.MAE, 4),
		"mse":      stats.Round(m.MSE, 4),
		"rmse":     stats.Round(m.RMSE, 4),
		"smape":    stats.Round(m.SMAPE, 4),
		"r2":       stats.Round(m.R2, 4),
		"coverage": stats.Round(m.Coverage, 4),
		"n":        float64(m.N),
	}
	if m.MAPEPoints > 0 {
		out["mape"] = stats.Round(m.MAPE, 4)
	}
	return out
}

// Evaluate scores predictions against actuals. All slices align.
func Evaluate(actual []float64, pts []Point) Metrics {
	n := len(actual)
	if len(pts) < n {
		n = len(pts)
	}
	m := Metrics{N: n}
	if n == 0 {
		return m
	}
	var absSum, sqSum, apeSum, sapeSum float64
	sapeN, covered := 0, 0
	for i := 0; i < n; i++ {
		a, f := actual[i], pts[i].Yhat
		d := f - a
		absSum += math.Abs(d)
		sqSum += d * d
		if a != 0 {
			apeSum += math.Abs(d / a)
			m.MAPEPoints++
		}
		if den := math.Abs(a) + math.Abs(f); den > 0 {
			sapeSum += 2 * math.Abs(d) / den
			sapeN++
		}
		if a >= pts[i].Lower && a <= pts[i].Upper {
			covered++
		}
	}
	m.MAE = absSum / float64(n)
	m.MSE = sqSum / float64(n)
	m.RMSE = math.Sqrt(m.MSE)
	if m.MAPEPoints > 0 {
		m.MAPE = 100 * apeSum / float64(m.MAPEPoints)
	}
	if sapeN > 0 {
		m.SMAPE = 100 * sapeSum / float64(sapeN)
	}
	m.Coverage = float64(covered) / float64(n)

	mean := stats.Mean(actual[:n])
	var tot float64
	for _, a := range actual[:n] {
		tot += (a - mean) * (a - mean)
	}
	if tot > 0 {
		m.R2 = 1 - sqSum/tot
	}
	return m
}

// WidenToCoverage scales every interval around its yhat by the smallest
// factor ≥ 1 that brings the coverage of actual to at least target. It
// returns the widened points and the factor.
func WidenToCoverage(actual []float64, pts []Point, target float64) ([]Point, float64) {
	n := len(actual)
	if len(pts) < n {
		n = len(pts)
	}
	if n == 0 || target <= 0 {
		return pts, 1
	}
	need := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		p := pts[i]
		var r float64
		switch a := actual[i]; {
		case a > p.Yhat:
			r = ratio(a-p.Yhat, p.Upper-p.Yhat)
		case a < p.Yhat:
			r = ratio(p.Yhat-a, p.Yhat-p.Lower)
		}
		need = append(need, r)
	}
	sort.Float64s(need)
	k := int(math.Ceil(stats.Clamp(target, 0, 1)*float64(n))) - 1
	if k < 0 {
		k = 0
	}
	factor := math.Max(1, need[k])
	if math.IsInf(factor, 1) {
		factor = 1
		for _, r := range need {
			if !math.IsInf(r, 1) && r > factor {
				factor = r
			}
		}
	}
	if factor > 1 {
		// keep the boundary point inside after rounding
		factor *= 1 + 1e-12
	}
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = p
		out[i].Lower = p.Yhat - factor*(p.Yhat-p.Lower)
		out[i].Upper = p.Yhat + factor*(p.Upper-p.Yhat)
	}
	return out, factor
}

func ratio(dist, half float64) float64 {
	if half <= 0 {
		return math.Inf(1)
	}
	return dist / half
}
