package ml

import (
	"sort"
	"time"

	"ev-demand-analytics-engine/config"
)

// TreeModel is a gradient-boosted regression tree ensemble over the
// engineered features, trained with squared loss. Splits are exact and
// greedy; leaf weights use an L2 penalty on the summed residuals.
type TreeModel struct {
	estimators     int
	learningRate   float64
	maxDepth       int
	minSamplesLeaf int
	l2             float64

	base     float64
	trees    []*regressionTree
	history  []float64
	last     time.Time
	location *time.Location
	trained  bool
}

// NewTreeModel creates a boosted tree model from configuration
func NewTreeModel(cfg config.TreeConfig) *TreeModel {
	minLeaf := cfg.MinSamplesLeaf
	if minLeaf < 1 {
		minLeaf = 1
	}
	return &TreeModel{
		estimators:     cfg.Estimators,
		learningRate:   cfg.LearningRate,
		maxDepth:       cfg.MaxDepth,
		minSamplesLeaf: minLeaf,
		l2:             cfg.L2,
	}
}

func (m *TreeModel) Name() string { return ModelTree }

// Train fits the ensemble on the training table. The full-table counts are
// kept as the seed of the autoregressive history used by Predict.
func (m *TreeModel) Train(ds *Dataset) error {
	m.trained = false
	rows := ds.Training
	if len(rows) < 2 {
		return insufficient(len(rows), 2)
	}

	X := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		X[i] = r.Features()
		y[i] = r.VehicleCount
	}

	m.base = mean(y)
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = m.base
	}

	m.trees = m.trees[:0]
	residual := make([]float64, len(y))
	for e := 0; e < m.estimators; e++ {
		for i := range y {
			residual[i] = y[i] - pred[i]
		}
		tree := m.fitTree(X, residual)
		for i := range pred {
			pred[i] += m.learningRate * tree.predict(X[i])
		}
		m.trees = append(m.trees, tree)
	}

	m.history = ds.Counts()
	m.last, _ = ds.LastTimestamp()
	m.location = ds.Location
	m.trained = true
	return nil
}

// Predict forecasts iteratively: each step's lags and rolling means are read
// from a history buffer that is extended with the model's own predictions.
func (m *TreeModel) Predict(horizon int) ([]float64, error) {
	if !m.trained {
		return nil, ErrNotTrained
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}

	history := make([]float64, len(m.history), len(m.history)+horizon)
	copy(history, m.history)

	out := make([]float64, horizon)
	ts := m.last
	for h := 0; h < horizon; h++ {
		ts = ts.Add(time.Hour)
		row := CalendarRow(ts, m.location, history)
		out[h] = m.predictRow(row.Features())
		history = append(history, out[h])
	}
	return out, nil
}

func (m *TreeModel) predictRow(x []float64) float64 {
	v := m.base
	for _, t := range m.trees {
		v += m.learningRate * t.predict(x)
	}
	return v
}

type treeNode struct {
	leaf      bool
	value     float64
	feature   int
	threshold float64
	left      int
	right     int
}

type regressionTree struct {
	nodes []treeNode
}

func (t *regressionTree) predict(x []float64) float64 {
	n := &t.nodes[0]
	for !n.leaf {
		if x[n.feature] < n.threshold {
			n = &t.nodes[n.left]
		} else {
			n = &t.nodes[n.right]
		}
	}
	return n.value
}

func (m *TreeModel) fitTree(X [][]float64, target []float64) *regressionTree {
	idx := make([]int, len(target))
	for i := range idx {
		idx[i] = i
	}
	t := &regressionTree{}
	m.grow(t, X, target, idx, 0)
	return t
}

// grow appends the subtree for idx to t and returns its node index
func (m *TreeModel) grow(t *regressionTree, X [][]float64, target []float64, idx []int, depth int) int {
	sum := 0.0
	for _, i := range idx {
		sum += target[i]
	}

	node := len(t.nodes)
	t.nodes = append(t.nodes, treeNode{leaf: true, value: sum / (float64(len(idx)) + m.l2)})

	if depth >= m.maxDepth || len(idx) < 2*m.minSamplesLeaf {
		return node
	}

	split, ok := m.bestSplit(X, target, idx, sum)
	if !ok {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if X[i][split.feature] < split.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := m.grow(t, X, target, left, depth+1)
	r := m.grow(t, X, target, right, depth+1)
	t.nodes[node] = treeNode{feature: split.feature, threshold: split.threshold, left: l, right: r}
	return node
}

type split struct {
	feature   int
	threshold float64
	gain      float64
}

// bestSplit scans every feature in column order and every boundary between
// distinct sorted values. Only a strictly larger gain replaces the current
// best, so ties resolve to the lowest feature index and threshold.
func (m *TreeModel) bestSplit(X [][]float64, target []float64, idx []int, total float64) (split, bool) {
	n := float64(len(idx))
	parentScore := total * total / (n + m.l2)

	best := split{gain: 0}
	found := false

	sorted := make([]int, len(idx))
	for f := 0; f < len(X[idx[0]]); f++ {
		copy(sorted, idx)
		sort.SliceStable(sorted, func(a, b int) bool {
			return X[sorted[a]][f] < X[sorted[b]][f]
		})

		leftSum := 0.0
		for k := 0; k < len(sorted)-1; k++ {
			leftSum += target[sorted[k]]
			nLeft := k + 1
			nRight := len(sorted) - nLeft

			lo, hi := X[sorted[k]][f], X[sorted[k+1]][f]
			if lo == hi || nLeft < m.minSamplesLeaf || nRight < m.minSamplesLeaf {
				continue
			}

			rightSum := total - leftSum
			gain := leftSum*leftSum/(float64(nLeft)+m.l2) +
				rightSum*rightSum/(float64(nRight)+m.l2) -
				parentScore
			if gain > best.gain+1e-12 {
				best = split{feature: f, threshold: (lo + hi) / 2, gain: gain}
				found = true
			}
		}
	}
	return best, found
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
