package scaler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitTransform(t *testing.T) {
	rows := [][]float64{{1, 5}, {3, 5}, {5, 5}}
	s, err := Fit(rows)
	require.NoError(t, err)
	assert.Equal(t, 2, s.NFeatures())

	out, err := s.Transform(rows)
	require.NoError(t, err)
	assert.InDelta(t, -1.2247, out[0][0], 1e-4)
	assert.InDelta(t, 0, out[1][0], 1e-12)
	assert.Equal(t, 0.0, out[2][1], "constant column maps to zero")
}

func TestTransformRowDimensionMismatch(t *testing.T) {
	s, err := Fit([][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)
	_, err = s.TransformRow([]float64{1})
	assert.Error(t, err)
}
