// Package scaler standardises feature columns to zero mean and unit variance.
package scaler

import (
	"fmt"
	"math"

	"branchanalytics/stats"
)

// Standard is a fitted standard scaler. Columns with zero variance keep a
// scale of 1 so they map to 0.
type Standard struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Fit computes per-column mean and population standard deviation.
func Fit(rows [][]float64) (*Standard, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("scaler: no rows")
	}
	p := len(rows[0])
	s := &Standard{Mean: make([]float64, p), Scale: make([]float64, p)}
	col := make([]float64, len(rows))
	for j := 0; j < p; j++ {
		for i, r := range rows {
			if len(r) != p {
				return nil, fmt.Errorf("scaler: row %d has %d columns, want %d", i, len(r), p)
			}
			col[i] = r[j]
		}
		m, sd := stats.MeanStd(col)
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		s.Mean[j], s.Scale[j] = m, sd
	}
	return s, nil
}

// NFeatures is the input dimension the scaler was fitted on.
func (s *Standard) NFeatures() int { return len(s.Mean) }

// TransformRow scales one row.
func (s *Standard) TransformRow(r []float64) ([]float64, error) {
	if len(r) != len(s.Mean) {
		return nil, fmt.Errorf("scaler: got %d features, fitted on %d", len(r), len(s.Mean))
	}
	out := make([]float64, len(r))
	for j, v := range r {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// Transform scales every row.
func (s *Standard) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		t, err := s.TransformRow(r)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
