// Package stats holds the small descriptive-statistics helpers shared by the
// anomaly, comparator and forecast paths.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Percentile returns the q-th percentile (0..100) of x using linear
// interpolation between closest ranks. NaNs are ignored.
// It returns NaN for an empty input.
func Percentile(x []float64, q float64) float64 {
	s := sortedFinite(x)
	return percentileSorted(s, q)
}

// Percentiles evaluates several percentiles with one sort.
func Percentiles(x []float64, qs ...float64) []float64 {
	s := sortedFinite(x)
	out := make([]float64, len(qs))
	for i, q := range qs {
		out[i] = percentileSorted(s, q)
	}
	return out
}

func percentileSorted(s []float64, q float64) float64 {
	n := len(s)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return s[0]
	}
	q = Clamp(q, 0, 100)
	pos := q / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

func sortedFinite(x []float64) []float64 {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			s = append(s, v)
		}
	}
	sort.Float64s(s)
	return s
}

// Median of the finite values of x.
func Median(x []float64) float64 {
	return Percentile(x, 50)
}

// Finite returns the finite values of x.
func Finite(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// MeanStd returns the mean and population standard deviation (ddof=0) of
// the finite values of x. Both are 0 for an empty input.
func MeanStd(x []float64) (mean, std float64) {
	f := Finite(x)
	if len(f) == 0 {
		return 0, 0
	}
	if len(f) == 1 {
		return f[0], 0
	}
	return stat.PopMeanStdDev(f, nil)
}

// Mean of the finite values of x, 0 when empty.
func Mean(x []float64) float64 {
	m, _ := MeanStd(x)
	return m
}

// Band is an IQR fence [Q25 − k·IQR, Q75 + k·IQR].
type Band struct {
	Q25   float64 `json:"q25"`
	Q75   float64 `json:"q75"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// IQRBand computes the fence with multiplier k (1.5 for Tukey fences).
func IQRBand(x []float64, k float64) Band {
	p := Percentiles(x, 25, 75)
	iqr := p[1] - p[0]
	return Band{Q25: p[0], Q75: p[1], Lower: p[0] - k*iqr, Upper: p[1] + k*iqr}
}

// Contains reports whether v lies inside the fence (inclusive).
func (b Band) Contains(v float64) bool {
	return v >= b.Lower && v <= b.Upper
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Correlation returns the Pearson correlation of x and y over the positions
// where both are finite. It returns 0 when fewer than 3 pairs remain or when
// either side is constant.
func Correlation(x, y []float64) float64 {
	var xs, ys []float64
	for i := range x {
		if i >= len(y) {
			break
		}
		if isFinite(x[i]) && isFinite(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) < 3 {
		return 0
	}
	_, sx := MeanStd(xs)
	_, sy := MeanStd(ys)
	if sx == 0 || sy == 0 {
		return 0
	}
	c := stat.Correlation(xs, ys, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
