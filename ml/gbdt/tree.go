package gbdt

import (
	"math"
	"sort"
)

type grower struct {
	X          [][]float64
	grad       []float64
	cols       []int
	p          Params
	importance []float64
	tree       Tree
}

type split struct {
	ok        bool
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
}

type candidate struct {
	node  int
	depth int
	split split
}

func (g *grower) grow(rows []int) Tree {
	if g.p.Growth == DepthWise {
		g.growDepthWise(rows, 0)
	} else {
		g.growLeafWise(rows)
	}
	return g.tree
}

func (g *grower) addLeaf(idx []int) int {
	var sum float64
	for _, i := range idx {
		sum += g.grad[i]
	}
	g.tree.Feature = append(g.tree.Feature, -1)
	g.tree.Threshold = append(g.tree.Threshold, 0)
	g.tree.Left = append(g.tree.Left, -1)
	g.tree.Right = append(g.tree.Right, -1)
	var value float64
	if d := float64(len(idx)) + g.p.Lambda; d > 0 {
		value = -sum / d
	}
	g.tree.Value = append(g.tree.Value, value)
	return len(g.tree.Feature) - 1
}

func (g *grower) apply(node int, s split) {
	g.tree.Feature[node] = s.feature
	g.tree.Threshold[node] = s.threshold
	g.importance[s.feature] += s.gain
}

func (g *grower) canSplit(depth int) bool {
	return g.p.MaxDepth <= 0 || depth < g.p.MaxDepth
}

func (g *grower) growDepthWise(idx []int, depth int) int {
	node := g.addLeaf(idx)
	if !g.canSplit(depth) {
		return node
	}
	s := g.bestSplit(idx)
	if !s.ok {
		return node
	}
	g.apply(node, s)
	l := g.growDepthWise(s.left, depth+1)
	r := g.growDepthWise(s.right, depth+1)
	g.tree.Left[node] = l
	g.tree.Right[node] = r
	return node
}

func (g *grower) growLeafWise(idx []int) {
	root := g.addLeaf(idx)
	var open []candidate
	if g.canSplit(0) {
		if s := g.bestSplit(idx); s.ok {
			open = append(open, candidate{node: root, depth: 0, split: s})
		}
	}

	leaves := 1
	for leaves < g.p.NumLeaves && len(open) > 0 {
		best := 0
		for i := range open {
			if open[i].split.gain > open[best].split.gain {
				best = i
			}
		}
		c := open[best]
		open = append(open[:best], open[best+1:]...)

		g.apply(c.node, c.split)
		l := g.addLeaf(c.split.left)
		r := g.addLeaf(c.split.right)
		g.tree.Left[c.node] = l
		g.tree.Right[c.node] = r
		leaves++

		if g.canSplit(c.depth + 1) {
			if s := g.bestSplit(c.split.left); s.ok {
				open = append(open, candidate{node: l, depth: c.depth + 1, split: s})
			}
			if s := g.bestSplit(c.split.right); s.ok {
				open = append(open, candidate{node: r, depth: c.depth + 1, split: s})
			}
		}
	}
}

func (g *grower) score(G, H float64) float64 {
	return G * G / (H + g.p.Lambda)
}

// bestSplit finds the exact greedy split with the largest L2-regularised gain.
// NaN values never take part in the scan and always fall on the left side.
func (g *grower) bestSplit(idx []int) split {
	n := len(idx)
	minChild := g.p.MinChildSamples
	if n < 2*minChild {
		return split{}
	}
	var G float64
	for _, i := range idx {
		G += g.grad[i]
	}
	H := float64(n)
	parent := g.score(G, H)

	var best split
	finite := make([]int, 0, n)
	for _, f := range g.cols {
		finite = finite[:0]
		var GNaN float64
		for _, i := range idx {
			if math.IsNaN(g.X[i][f]) {
				GNaN += g.grad[i]
			} else {
				finite = append(finite, i)
			}
		}
		nNaN := n - len(finite)
		sort.SliceStable(finite, func(a, b int) bool {
			return g.X[finite[a]][f] < g.X[finite[b]][f]
		})

		GL := GNaN
		for k := 0; k < len(finite)-1; k++ {
			GL += g.grad[finite[k]]
			left := nNaN + k + 1
			if left < minChild || n-left < minChild {
				continue
			}
			HL, HR := float64(left), float64(n-left)
			if HL < g.p.MinChildWeight || HR < g.p.MinChildWeight {
				continue
			}
			v, next := g.X[finite[k]][f], g.X[finite[k+1]][f]
			if !(v < next) || math.IsInf(v, 0) || math.IsInf(next, 0) {
				continue
			}
			gain := 0.5*(g.score(GL, HL)+g.score(G-GL, HR)-parent) - g.p.Gamma
			if gain > 1e-12 && (!best.ok || gain > best.gain) {
				t := v + (next-v)/2
				if t <= v {
					t = next
				}
				best = split{ok: true, feature: f, threshold: t, gain: gain}
			}
		}
	}
	if !best.ok {
		return best
	}
	for _, i := range idx {
		if x := g.X[i][best.feature]; math.IsNaN(x) || x < best.threshold {
			best.left = append(best.left, i)
		} else {
			best.right = append(best.right, i)
		}
	}
	return best
}
