// Package gbdt implements gradient-boosted regression trees with squared loss.
// Two growth policies are supported: leaf-wise (best-first, bounded by the
// number of leaves, as LightGBM grows trees) and depth-wise (level by level,
// bounded by depth, as XGBoost grows trees).
package gbdt

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Growth selects how trees are expanded.
type Growth string

const (
	LeafWise  Growth = "leafwise"
	DepthWise Growth = "depthwise"
)

// Params configures boosting.
type Params struct {
	Growth              Growth  `json:"growth"`
	NEstimators         int     `json:"n_estimators"`
	LearningRate        float64 `json:"learning_rate"`
	MaxDepth            int     `json:"max_depth"`
	NumLeaves           int     `json:"num_leaves"`
	MinChildSamples     int     `json:"min_child_samples"`
	MinChildWeight      float64 `json:"min_child_weight"`
	Lambda              float64 `json:"reg_lambda"`
	Gamma               float64 `json:"gamma"`
	Subsample           float64 `json:"subsample"`
	ColSample           float64 `json:"colsample_bytree"`
	EarlyStoppingRounds int     `json:"early_stopping_rounds"`
	Seed                int64   `json:"random_state"`
}

// LightGBMDefaults returns leaf-wise defaults.
func LightGBMDefaults() Params {
	return Params{
		Growth:          LeafWise,
		NEstimators:     100,
		LearningRate:    0.1,
		MaxDepth:        -1,
		NumLeaves:       31,
		MinChildSamples: 20,
		MinChildWeight:  1e-3,
		Subsample:       1,
		ColSample:       1,
		Seed:            42,
	}
}

// XGBoostDefaults returns depth-wise defaults.
func XGBoostDefaults() Params {
	return Params{
		Growth:          DepthWise,
		NEstimators:     100,
		LearningRate:    0.3,
		MaxDepth:        6,
		MinChildSamples: 1,
		MinChildWeight:  1,
		Lambda:          1,
		Subsample:       1,
		ColSample:       1,
		Seed:            42,
	}
}

// Tree is a regression tree in parallel-array form. Feature is -1 for leaves.
// Rows with x[Feature] < Threshold (or NaN) go left.
type Tree struct {
	Feature   []int     `json:"f"`
	Threshold []float64 `json:"t"`
	Left      []int     `json:"l"`
	Right     []int     `json:"r"`
	Value     []float64 `json:"v"`
}

func (t *Tree) predict(x []float64) float64 {
	node := 0
	for t.Feature[node] >= 0 {
		v := x[t.Feature[node]]
		if math.IsNaN(v) || v < t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
	}
	return t.Value[node]
}

// Model is a fitted ensemble.
type Model struct {
	Params        Params    `json:"params"`
	NFeatures     int       `json:"n_features"`
	BaseScore     float64   `json:"base_score"`
	Trees         []Tree    `json:"trees"`
	BestIteration int       `json:"best_iteration"`
	BestScore     float64   `json:"best_score,omitempty"`
	Importance    []float64 `json:"feature_importance"`
}

// Fit trains on (X, y). When valX is non-empty and EarlyStoppingRounds > 0,
// boosting stops once validation RMSE has not improved for that many rounds
// and the ensemble is truncated to the best iteration.
func Fit(X [][]float64, y []float64, valX [][]float64, valY []float64, p Params) (*Model, error) {
	n := len(X)
	if n == 0 || n != len(y) {
		return nil, fmt.Errorf("gbdt: %d rows and %d targets", n, len(y))
	}
	nf := len(X[0])
	for i, r := range X {
		if len(r) != nf {
			return nil, fmt.Errorf("gbdt: row %d has %d features, want %d", i, len(r), nf)
		}
	}
	if len(valX) != len(valY) {
		return nil, fmt.Errorf("gbdt: %d validation rows and %d targets", len(valX), len(valY))
	}
	p = normalise(p)

	m := &Model{Params: p, NFeatures: nf, Importance: make([]float64, nf)}
	var sum float64
	for _, v := range y {
		sum += v
	}
	m.BaseScore = sum / float64(n)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = m.BaseScore
	}
	valPred := make([]float64, len(valX))
	for i := range valPred {
		valPred[i] = m.BaseScore
	}

	rng := rand.New(rand.NewSource(p.Seed))
	grad := make([]float64, n)
	best, bestIter, since := math.Inf(1), 0, 0

	for it := 0; it < p.NEstimators; it++ {
		for i := range grad {
			grad[i] = pred[i] - y[i]
		}
		rows := sampleRows(rng, n, p.Subsample)
		cols := sampleCols(rng, nf, p.ColSample)

		g := &grower{X: X, grad: grad, cols: cols, p: p, importance: m.Importance}
		tree := g.grow(rows)
		for j := range tree.Value {
			tree.Value[j] *= p.LearningRate
		}
		m.Trees = append(m.Trees, tree)

		for i := range pred {
			pred[i] += tree.predict(X[i])
		}
		if len(valX) > 0 && p.EarlyStoppingRounds > 0 {
			var se float64
			for i := range valPred {
				valPred[i] += tree.predict(valX[i])
				d := valPred[i] - valY[i]
				se += d * d
			}
			rmse := math.Sqrt(se / float64(len(valPred)))
			if rmse < best {
				best, bestIter, since = rmse, it+1, 0
			} else {
				since++
				if since >= p.EarlyStoppingRounds {
					break
				}
			}
		}
	}

	if bestIter > 0 {
		m.Trees = m.Trees[:bestIter]
		m.BestIteration = bestIter
		m.BestScore = best
	} else {
		m.BestIteration = len(m.Trees)
	}
	return m, nil
}

func normalise(p Params) Params {
	if p.Growth != DepthWise {
		p.Growth = LeafWise
	}
	if p.NEstimators <= 0 {
		p.NEstimators = 100
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.Growth == LeafWise && p.NumLeaves < 2 {
		p.NumLeaves = 31
	}
	if p.Growth == DepthWise && p.MaxDepth <= 0 {
		p.MaxDepth = 6
	}
	if p.MinChildSamples < 1 {
		p.MinChildSamples = 1
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		p.Subsample = 1
	}
	if p.ColSample <= 0 || p.ColSample > 1 {
		p.ColSample = 1
	}
	return p
}

func sampleRows(rng *rand.Rand, n int, frac float64) []int {
	if frac >= 1 {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	k := int(math.Max(1, math.Round(frac*float64(n))))
	idx := rng.Perm(n)[:k]
	sort.Ints(idx)
	return idx
}

func sampleCols(rng *rand.Rand, nf int, frac float64) []int {
	k := int(math.Max(1, math.Round(frac*float64(nf))))
	if k >= nf {
		cols := make([]int, nf)
		for i := range cols {
			cols[i] = i
		}
		return cols
	}
	cols := rng.Perm(nf)[:k]
	sort.Ints(cols)
	return cols
}

// Predict returns the prediction for each row.
func (m *Model) Predict(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, x := range X {
		v, err := m.PredictRow(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// PredictRow returns the prediction for one row.
func (m *Model) PredictRow(x []float64) (float64, error) {
	if len(x) != m.NFeatures {
		return 0, fmt.Errorf("gbdt: got %d features, model has %d", len(x), m.NFeatures)
	}
	v := m.BaseScore
	for i := range m.Trees {
		v += m.Trees[i].predict(x)
	}
	return v, nil
}

// Validate checks structural consistency after decoding.
func (m *Model) Validate() error {
	if m.NFeatures <= 0 {
		return fmt.Errorf("gbdt: model has no features")
	}
	for ti, t := range m.Trees {
		n := len(t.Feature)
		if n == 0 || len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n || len(t.Value) != n {
			return fmt.Errorf("gbdt: tree %d has inconsistent arrays", ti)
		}
		for i, f := range t.Feature {
			if f >= m.NFeatures {
				return fmt.Errorf("gbdt: tree %d node %d uses feature %d of %d", ti, i, f, m.NFeatures)
			}
			if f >= 0 && (t.Left[i] <= i || t.Right[i] <= i || t.Left[i] >= n || t.Right[i] >= n) {
				return fmt.Errorf("gbdt: tree %d node %d has invalid children", ti, i)
			}
			if math.IsNaN(t.Value[i]) || math.IsInf(t.Value[i], 0) || (f >= 0 && (math.IsNaN(t.Threshold[i]) || math.IsInf(t.Threshold[i], 0))) {
				return fmt.Errorf("gbdt: tree %d node %d is not finite", ti, i)
			}
		}
	}
	return nil
}
