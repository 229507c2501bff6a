package model

import (
	"math"
	"slices"
	"sort"

	"github.com/opensource-finance/churnwatch/internal/features"
)

// Node is one tree node. Leaves have Feature == -1 and carry the already
// shrunk output in Value.
type Node struct {
	Feature int `json:"f"`

	// Numeric split: x <= Threshold goes left.
	Threshold float64 `json:"t,omitempty"`

	// Categorical split: codes in Left go left, every other code goes right.
	LeftCategories []int `json:"c,omitempty"`

	// MissingLeft routes NaN (missing or unseen category) to the left child.
	MissingLeft bool `json:"m,omitempty"`

	Left  int     `json:"l,omitempty"`
	Right int     `json:"r,omitempty"`
	Value float64 `json:"v,omitempty"`
}

// Tree is a flat array of nodes rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	n := &t.Nodes[0]
	for n.Feature >= 0 {
		if goesLeft(n, x[n.Feature]) {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n.Value
}

func goesLeft(n *Node, v float64) bool {
	if math.IsNaN(v) {
		return n.MissingLeft
	}
	if n.LeftCategories != nil {
		_, found := slices.BinarySearch(n.LeftCategories, int(v))
		return found
	}
	return v <= n.Threshold
}

// binned is the training matrix mapped to histogram bins. Missing values
// are bin -1.
type binned struct {
	cols  []features.Column
	edges [][]float64 // numeric upper bounds; bin(x) = first i with x <= edges[i]
	nbins []int
	bins  [][]int32 // [feature][row]
}

func newBinned(m *features.Matrix, maxBins int) *binned {
	b := &binned{
		cols:  m.Columns,
		edges: make([][]float64, m.Width()),
		nbins: make([]int, m.Width()),
		bins:  make([][]int32, m.Width()),
	}

	for f, col := range m.Columns {
		if col.Kind == features.Categorical {
			b.nbins[f] = len(col.Categories)
		} else {
			b.edges[f] = numericEdges(m.X, f, maxBins)
			b.nbins[f] = len(b.edges[f]) + 1
		}

		b.bins[f] = make([]int32, m.Len())
		for i, x := range m.X {
			b.bins[f][i] = b.binOf(f, x[f])
		}
	}
	return b
}

func (b *binned) binOf(f int, v float64) int32 {
	if math.IsNaN(v) {
		return -1
	}
	if b.cols[f].Kind == features.Categorical {
		return int32(v)
	}
	return int32(sort.SearchFloat64s(b.edges[f], v))
}

// numericEdges picks split candidates: midpoints between distinct values,
// or quantile cuts when there are more distinct values than bins.
func numericEdges(x [][]float64, f, maxBins int) []float64 {
	vals := make([]float64, 0, len(x))
	for _, row := range x {
		if !math.IsNaN(row[f]) {
			vals = append(vals, row[f])
		}
	}
	if len(vals) == 0 {
		return nil
	}
	sort.Float64s(vals)
	distinct := slices.Compact(slices.Clone(vals))

	if len(distinct) <= maxBins {
		edges := make([]float64, 0, len(distinct)-1)
		for i := 0; i+1 < len(distinct); i++ {
			edges = append(edges, (distinct[i]+distinct[i+1])/2)
		}
		return edges
	}

	edges := make([]float64, 0, maxBins-1)
	for q := 1; q < maxBins; q++ {
		cut := vals[q*len(vals)/maxBins]
		if len(edges) == 0 || cut > edges[len(edges)-1] {
			edges = append(edges, cut)
		}
	}
	// The maximum must land in the last bin so every cut splits something.
	if edges[len(edges)-1] >= vals[len(vals)-1] {
		edges = edges[:len(edges)-1]
	}
	return edges
}

// grower builds one tree over a row subset.
type grower struct {
	params   Params
	data     *binned
	grad     []float64
	hess     []float64
	features []int
	gain     []float64
	nodes    []Node
}

type split struct {
	feature     int
	gain        float64
	bin         int
	leftCats    []int
	missingLeft bool
}

func (g *grower) grow(rows []int) Tree {
	g.nodes = g.nodes[:0]
	g.build(rows, 0)
	return Tree{Nodes: slices.Clone(g.nodes)}
}

func (g *grower) build(rows []int, depth int) int {
	id := len(g.nodes)
	g.nodes = append(g.nodes, Node{Feature: -1})

	var sumG, sumH float64
	for _, i := range rows {
		sumG += g.grad[i]
		sumH += g.hess[i]
	}

	if depth >= g.params.MaxDepth || len(rows) < 2*g.params.MinDataInLeaf {
		g.nodes[id].Value = g.leafValue(sumG, sumH)
		return id
	}

	best := split{feature: -1}
	for _, f := range g.features {
		s := g.bestSplit(f, rows, sumG, sumH)
		if s.feature >= 0 && s.gain > best.gain {
			best = s
		}
	}
	if best.feature < 0 {
		g.nodes[id].Value = g.leafValue(sumG, sumH)
		return id
	}
	g.gain[best.feature] += best.gain

	left, right := g.partition(best, rows)

	node := Node{Feature: best.feature, MissingLeft: best.missingLeft}
	if best.leftCats != nil {
		node.LeftCategories = best.leftCats
	} else {
		node.Threshold = g.data.edges[best.feature][best.bin]
	}
	node.Left = g.build(left, depth+1)
	node.Right = g.build(right, depth+1)
	g.nodes[id] = node
	return id
}

func (g *grower) leafValue(sumG, sumH float64) float64 {
	return -g.params.LearningRate * sumG / (sumH + g.params.Lambda)
}

func (g *grower) score(sg, sh float64) float64 {
	return sg * sg / (sh + g.params.Lambda)
}

type histBin struct {
	g, h float64
	n    int
}

func (g *grower) bestSplit(f int, rows []int, sumG, sumH float64) split {
	nb := g.data.nbins[f]
	if nb < 2 {
		return split{feature: -1}
	}

	hist := make([]histBin, nb)
	var miss histBin
	bins := g.data.bins[f]
	for _, i := range rows {
		b := bins[i]
		if b < 0 {
			miss.g += g.grad[i]
			miss.h += g.hess[i]
			miss.n++
			continue
		}
		hist[b].g += g.grad[i]
		hist[b].h += g.hess[i]
		hist[b].n++
	}

	order := make([]int, 0, nb)
	categorical := g.data.cols[f].Kind == features.Categorical
	if categorical {
		smooth := g.params.CatSmooth
		for b := range hist {
			if hist[b].n > 0 {
				order = append(order, b)
			}
		}
		sort.SliceStable(order, func(a, c int) bool {
			ha, hc := hist[order[a]], hist[order[c]]
			return ha.g/(ha.h+smooth) < hc.g/(hc.h+smooth)
		})
	} else {
		for b := range hist {
			order = append(order, b)
		}
	}

	parent := g.score(sumG, sumH)
	minLeaf := g.params.MinDataInLeaf
	total := len(rows)
	best := split{feature: -1}

	var acc histBin
	for k := 0; k+1 < len(order); k++ {
		hb := hist[order[k]]
		acc.g += hb.g
		acc.h += hb.h
		acc.n += hb.n

		for _, missLeft := range []bool{false, true} {
			l := acc
			if missLeft {
				l.g += miss.g
				l.h += miss.h
				l.n += miss.n
			}
			rn := total - l.n
			if l.n < minLeaf || rn < minLeaf {
				continue
			}
			gain := g.score(l.g, l.h) + g.score(sumG-l.g, sumH-l.h) - parent
			if gain > best.gain+1e-12 {
				best = split{feature: f, gain: gain, bin: order[k], missingLeft: missLeft}
				if categorical {
					best.leftCats = sortedPrefix(order[:k+1])
				}
			}
			if miss.n == 0 {
				break
			}
		}
	}

	// Without missing values at this node, send future NaN to the heavier side.
	if best.feature >= 0 && miss.n == 0 {
		var leftH float64
		for _, i := range rows {
			if g.leftBin(best, bins[i]) {
				leftH += g.hess[i]
			}
		}
		best.missingLeft = leftH >= sumH-leftH
	}
	return best
}

func sortedPrefix(cats []int) []int {
	out := slices.Clone(cats)
	slices.Sort(out)
	return out
}

func (g *grower) leftBin(s split, b int32) bool {
	if b < 0 {
		return s.missingLeft
	}
	if s.leftCats != nil {
		_, found := slices.BinarySearch(s.leftCats, int(b))
		return found
	}
	return int(b) <= s.bin
}

func (g *grower) partition(s split, rows []int) (left, right []int) {
	bins := g.data.bins[s.feature]
	for _, i := range rows {
		if g.leftBin(s, bins[i]) {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}
