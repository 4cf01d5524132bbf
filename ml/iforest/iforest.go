// Package iforest implements an Isolation Forest with the scoring convention
// of scikit-learn: ScoreSamples is the opposite of the anomaly score, so lower
// values are more abnormal, and Predict returns -1 for outliers.
package iforest

import (
	"fmt"
	"math"
	"math/rand"

	"branchanalytics/stats"
)

const eulerGamma = 0.5772156649015329

// Params configures training.
type Params struct {
	NEstimators int `json:"n_estimators"`
	// Contamination is the expected outlier fraction in (0, 0.5]. 0 means
	// "auto": the decision offset is fixed at -0.5.
	Contamination float64 `json:"contamination"`
	// MaxSamples: 0 = min(256, n); (0,1] = fraction of n; > 1 = absolute.
	MaxSamples float64 `json:"max_samples"`
	// MaxFeatures is the fraction of features drawn per tree, (0,1].
	MaxFeatures float64 `json:"max_features"`
	Bootstrap   bool    `json:"bootstrap"`
	Seed        int64   `json:"random_state"`
}

// DefaultParams mirrors the library defaults used by the engine.
func DefaultParams() Params {
	return Params{NEstimators: 100, Contamination: 0.1, MaxFeatures: 1.0, Seed: 42}
}

// Tree is an isolation tree stored as parallel arrays. Feature is -1 for leaves.
type Tree struct {
	Feature   []int     `json:"f"`
	Threshold []float64 `json:"t"`
	Left      []int     `json:"l"`
	Right     []int     `json:"r"`
	Size      []int     `json:"s"`
}

// Forest is a fitted isolation forest.
type Forest struct {
	Params     Params  `json:"params"`
	NFeatures  int     `json:"n_features"`
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	Trees      []Tree  `json:"trees"`
}

// Fit trains a forest on rows (already scaled).
func Fit(rows [][]float64, p Params) (*Forest, error) {
	n := len(rows)
	if n < 2 {
		return nil, fmt.Errorf("iforest: need at least 2 rows, got %d", n)
	}
	nf := len(rows[0])
	if nf == 0 {
		return nil, fmt.Errorf("iforest: rows have no features")
	}
	for i, r := range rows {
		if len(r) != nf {
			return nil, fmt.Errorf("iforest: row %d has %d features, want %d", i, len(r), nf)
		}
	}
	if p.NEstimators <= 0 {
		p.NEstimators = 100
	}
	if p.MaxFeatures <= 0 || p.MaxFeatures > 1 {
		p.MaxFeatures = 1
	}
	if p.Contamination < 0 || p.Contamination > 0.5 {
		return nil, fmt.Errorf("iforest: contamination %.3f outside [0, 0.5]", p.Contamination)
	}

	psi := resolveMaxSamples(p.MaxSamples, n)
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	nFeat := int(math.Max(1, math.Round(p.MaxFeatures*float64(nf))))

	rng := rand.New(rand.NewSource(p.Seed))
	f := &Forest{Params: p, NFeatures: nf, MaxSamples: psi, Trees: make([]Tree, 0, p.NEstimators)}

	for t := 0; t < p.NEstimators; t++ {
		idx := make([]int, psi)
		if p.Bootstrap {
			for i := range idx {
				idx[i] = rng.Intn(n)
			}
		} else {
			copy(idx, rng.Perm(n)[:psi])
		}
		feats := rng.Perm(nf)[:nFeat]
		b := &builder{rows: rows, feats: feats, rng: rng, limit: heightLimit}
		b.grow(idx, 0)
		f.Trees = append(f.Trees, b.tree)
	}

	if p.Contamination == 0 {
		f.Offset = -0.5
	} else {
		f.Offset = stats.Percentile(f.ScoreSamples(rows), 100*p.Contamination)
	}
	return f, nil
}

func resolveMaxSamples(ms float64, n int) int {
	var psi int
	switch {
	case ms <= 0:
		psi = 256
	case ms <= 1:
		psi = int(ms * float64(n))
	default:
		psi = int(ms)
	}
	if psi > n {
		psi = n
	}
	if psi < 2 {
		psi = 2
	}
	return psi
}

type builder struct {
	rows  [][]float64
	feats []int
	rng   *rand.Rand
	limit int
	tree  Tree
}

func (b *builder) addNode() int {
	b.tree.Feature = append(b.tree.Feature, -1)
	b.tree.Threshold = append(b.tree.Threshold, 0)
	b.tree.Left = append(b.tree.Left, -1)
	b.tree.Right = append(b.tree.Right, -1)
	b.tree.Size = append(b.tree.Size, 0)
	return len(b.tree.Feature) - 1
}

func (b *builder) grow(idx []int, depth int) int {
	node := b.addNode()
	b.tree.Size[node] = len(idx)
	if depth >= b.limit || len(idx) <= 1 {
		return node
	}

	order := b.rng.Perm(len(b.feats))
	for _, o := range order {
		feat := b.feats[o]
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.rows[i][feat]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi <= lo {
			continue
		}
		split := lo + b.rng.Float64()*(hi-lo)
		var left, right []int
		for _, i := range idx {
			if b.rows[i][feat] < split {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		b.tree.Feature[node] = feat
		b.tree.Threshold[node] = split
		l := b.grow(left, depth+1)
		r := b.grow(right, depth+1)
		b.tree.Left[node] = l
		b.tree.Right[node] = r
		return node
	}
	return node
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

func (t *Tree) pathLength(x []float64) float64 {
	node, depth := 0, 0
	for t.Feature[node] >= 0 {
		if x[t.Feature[node]] < t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
		depth++
	}
	return float64(depth) + averagePathLength(t.Size[node])
}

// ScoreSamples returns -2^(-E[h(x)]/c(ψ)) per row; lower is more abnormal.
func (f *Forest) ScoreSamples(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	norm := averagePathLength(f.MaxSamples)
	if norm == 0 {
		norm = 1
	}
	for i, x := range rows {
		var sum float64
		for ti := range f.Trees {
			sum += f.Trees[ti].pathLength(x)
		}
		mean := sum / float64(len(f.Trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out
}

// DecisionFunction is ScoreSamples minus the fitted offset; negative means outlier.
func (f *Forest) DecisionFunction(rows [][]float64) []float64 {
	s := f.ScoreSamples(rows)
	for i := range s {
		s[i] -= f.Offset
	}
	return s
}

// Predict returns -1 for outliers and 1 for inliers.
func (f *Forest) Predict(rows [][]float64) []int {
	d := f.DecisionFunction(rows)
	out := make([]int, len(d))
	for i, v := range d {
		if v < 0 {
			out[i] = -1
		} else {
			out[i] = 1
		}
	}
	return out
}

// Validate checks structural consistency after decoding.
func (f *Forest) Validate() error {
	if f.NFeatures <= 0 || len(f.Trees) == 0 || f.MaxSamples < 2 {
		return fmt.Errorf("iforest: empty or malformed forest")
	}
	for ti, t := range f.Trees {
		n := len(t.Feature)
		if n == 0 || len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n || len(t.Size) != n {
			return fmt.Errorf("iforest: tree %d has inconsistent arrays", ti)
		}
		for i, feat := range t.Feature {
			if feat >= f.NFeatures {
				return fmt.Errorf("iforest: tree %d node %d uses feature %d of %d", ti, i, feat, f.NFeatures)
			}
			if feat >= 0 && (t.Left[i] <= i || t.Right[i] <= i || t.Left[i] >= n || t.Right[i] >= n) {
				return fmt.Errorf("iforest: tree %d node %d has invalid children", ti, i)
			}
		}
	}
	return nil
}
