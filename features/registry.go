// Package features turns daily metric rows into numeric feature vectors. It
// is shared by the anomaly engine, the comparator and the forecast engine.
package features

import (
	"fmt"
	"math"

	"branchanalytics/models"
	"branchanalytics/stats"
)

// Set is an ordered, duplicate-free list of feature names with an index.
type Set struct {
	names []string
	index map[string]int
}

// NewSet validates names and builds the index.
func NewSet(names []string) (Set, error) {
	if len(names) == 0 {
		return Set{}, fmt.Errorf("feature set is empty")
	}
	idx := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := idx[n]; dup {
			return Set{}, fmt.Errorf("duplicate feature %q", n)
		}
		idx[n] = i
	}
	cp := make([]string, len(names))
	copy(cp, names)
	return Set{names: cp, index: idx}, nil
}

// MustSet is NewSet for package-level feature lists.
func MustSet(names ...string) Set {
	s, err := NewSet(names)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Set) Len() int { return len(s.names) }

// Names returns a copy of the ordered names.
func (s Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Index returns the position of name.
func (s Set) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Without returns the set minus the given names, preserving order.
func (s Set) Without(drop ...string) Set {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var keep []string
	for _, n := range s.names {
		if !skip[n] {
			keep = append(keep, n)
		}
	}
	out, _ := NewSet(keep)
	return out
}

// Matrix is a dense row-major feature matrix with null bookkeeping.
type Matrix struct {
	Names      []string       `json:"names"`
	Rows       [][]float64    `json:"-"`
	NullCounts map[string]int `json:"null_counts"`
	FillValues []float64      `json:"fill_values"`
}

// Column copies column j.
func (m Matrix) Column(j int) []float64 {
	out := make([]float64, len(m.Rows))
	for i, r := range m.Rows {
		out[i] = r[j]
	}
	return out
}

// Build assembles a matrix from metric rows. Nulls are counted per column and
// filled with the column median, or 0 when the whole column is null.
func Build(rows []models.DailyBranchMetrics, set Set) (Matrix, error) {
	for _, n := range set.names {
		if !models.IsMetricField(n) {
			return Matrix{}, fmt.Errorf("unknown feature %q", n)
		}
	}
	m := Matrix{
		Names:      set.Names(),
		Rows:       make([][]float64, len(rows)),
		NullCounts: make(map[string]int, set.Len()),
		FillValues: make([]float64, set.Len()),
	}
	for i := range rows {
		r := make([]float64, set.Len())
		for j, n := range set.names {
			v, ok, _ := rows[i].Value(n)
			if !ok {
				m.NullCounts[n]++
				v = math.NaN()
			}
			r[j] = v
		}
		m.Rows[i] = r
	}
	for j := range set.names {
		med := stats.Median(m.Column(j))
		if math.IsNaN(med) {
			med = 0
		}
		m.FillValues[j] = med
		for i := range m.Rows {
			if math.IsNaN(m.Rows[i][j]) {
				m.Rows[i][j] = med
			}
		}
	}
	return m, nil
}

// ErrUnknownFeature is returned by Vector when a name is not a metric field.
type ErrUnknownFeature struct{ Name string }

func (e ErrUnknownFeature) Error() string { return fmt.Sprintf("unknown feature %q", e.Name) }

// Vector builds one scoring row in set order. Unknown names are rejected;
// null values become 0 and are reported in missing.
func Vector(m *models.DailyBranchMetrics, set Set) (row []float64, missing []string, err error) {
	row = make([]float64, set.Len())
	for j, n := range set.names {
		v, ok, known := m.Value(n)
		if !known {
			return nil, nil, ErrUnknownFeature{Name: n}
		}
		if !ok {
			missing = append(missing, n)
			v = 0
		}
		row[j] = v
	}
	return row, missing, nil
}

// Series extracts one field as a float slice, NaN for nulls.
func Series(rows []models.DailyBranchMetrics, field string) []float64 {
	out := make([]float64, len(rows))
	for i := range rows {
		v, ok, _ := rows[i].Value(field)
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}
