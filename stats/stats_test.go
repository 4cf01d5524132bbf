package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentileMatchesLinearInterpolation(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	// q = 0, 25, 50, 90, 100
	assert.InDelta(t, 1.0, Percentile(x, 0), 1e-12)
	assert.InDelta(t, 1.75, Percentile(x, 25), 1e-12)
	assert.InDelta(t, 2.5, Percentile(x, 50), 1e-12)
	assert.InDelta(t, 3.7, Percentile(x, 90), 1e-12)
	assert.InDelta(t, 4.0, Percentile(x, 100), 1e-12)
}

func TestPercentileIgnoresNaNAndHandlesEmpty(t *testing.T) {
	assert.InDelta(t, 2.0, Percentile([]float64{math.NaN(), 1, 3}, 50), 1e-12)
	assert.True(t, math.IsNaN(Percentile(nil, 50)))
	assert.Equal(t, 7.0, Percentile([]float64{7}, 95))
}

func TestMeanStdIsPopulation(t *testing.T) {
	m, s := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, m, 1e-12)
	assert.InDelta(t, 2.0, s, 1e-12)

	m, s = MeanStd(nil)
	assert.Zero(t, m)
	assert.Zero(t, s)
}

func TestIQRBand(t *testing.T) {
	b := IQRBand([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1.5)
	assert.InDelta(t, 3.0, b.Q25, 1e-12)
	assert.InDelta(t, 7.0, b.Q75, 1e-12)
	assert.InDelta(t, -3.0, b.Lower, 1e-12)
	assert.InDelta(t, 13.0, b.Upper, 1e-12)
	assert.True(t, b.Contains(13))
	assert.False(t, b.Contains(13.01))
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, Correlation(x, []float64{2, 4, 6, 8, 10}), 1e-9)
	assert.InDelta(t, -1.0, Correlation(x, []float64{5, 4, 3, 2, 1}), 1e-9)
	assert.Zero(t, Correlation(x, []float64{1, 1, 1, 1, 1}))
	assert.Zero(t, Correlation([]float64{1, 2}, []float64{1, 2}))
}
