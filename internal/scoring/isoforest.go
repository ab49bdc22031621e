package scoring

import (
	"errors"
	"math"
	"math/rand"
	"sort"
)

// isoNode is one node of an isolation tree. Leaves carry the sample count
// used for path-length estimation.
type isoNode struct {
	Feature   int      `json:"feature"`
	Threshold float64  `json:"threshold"`
	Left      *isoNode `json:"left,omitempty"`
	Right     *isoNode `json:"right,omitempty"`
	Size      int      `json:"size"`
	Leaf      bool     `json:"leaf"`
}

// IsolationForest isolates anomalies with random axis-aligned splits. Scores
// follow the usual convention: DecisionFunction is negative for anomalies
// once the contamination offset is fitted.
type IsolationForest struct {
	Trees         []*isoNode `json:"trees"`
	NumTrees      int        `json:"num_trees"`
	SubsampleSize int        `json:"subsample_size"`
	Contamination float64    `json:"contamination"`
	Offset        float64    `json:"offset"`
	Fitted        bool       `json:"fitted"`
	Seed          int64      `json:"seed"`
}

var errForestNotFitted = errors.New("isolation forest is not fitted")

// NewIsolationForest builds an unfitted forest.
func NewIsolationForest(numTrees int, contamination float64) *IsolationForest {
	return &IsolationForest{
		NumTrees:      numTrees,
		SubsampleSize: 256,
		Contamination: contamination,
		Seed:          1,
	}
}

// Fit trains the forest on the given samples and calibrates the decision
// offset from the contamination rate.
func (f *IsolationForest) Fit(samples [][]float64) error {
	if len(samples) == 0 {
		return errors.New("no training samples")
	}

	rng := rand.New(rand.NewSource(f.Seed))

	subsample := f.SubsampleSize
	if subsample > len(samples) {
		subsample = len(samples)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample))))

	f.Trees = make([]*isoNode, f.NumTrees)
	for i := range f.Trees {
		batch := make([][]float64, subsample)
		for j := range batch {
			batch[j] = samples[rng.Intn(len(samples))]
		}
		f.Trees[i] = buildIsoTree(batch, 0, maxDepth, rng)
	}
	f.Fitted = true

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = f.scoreSample(s)
	}
	sort.Float64s(scores)
	idx := int(f.Contamination * float64(len(scores)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	f.Offset = scores[idx]

	return nil
}

// DecisionFunction returns the calibrated anomaly score for one sample.
// Negative values are anomalous.
func (f *IsolationForest) DecisionFunction(sample []float64) (float64, error) {
	if !f.Fitted {
		return 0, errForestNotFitted
	}
	return f.scoreSample(sample) - f.Offset, nil
}

func (f *IsolationForest) scoreSample(sample []float64) float64 {
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, sample, 0)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/avgPathLength(f.SubsampleSize))
}

func buildIsoTree(samples [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(samples) <= 1 {
		return &isoNode{Leaf: true, Size: len(samples)}
	}

	feature := rng.Intn(len(samples[0]))
	min, max := samples[0][feature], samples[0][feature]
	for _, s := range samples {
		if s[feature] < min {
			min = s[feature]
		}
		if s[feature] > max {
			max = s[feature]
		}
	}
	if min == max {
		return &isoNode{Leaf: true, Size: len(samples)}
	}

	threshold := min + rng.Float64()*(max-min)

	var left, right [][]float64
	for _, s := range samples {
		if s[feature] < threshold {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	return &isoNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      buildIsoTree(left, depth+1, maxDepth, rng),
		Right:     buildIsoTree(right, depth+1, maxDepth, rng),
		Size:      len(samples),
	}
}

func pathLength(node *isoNode, sample []float64, depth int) float64 {
	if node.Leaf {
		return float64(depth) + avgPathLength(node.Size)
	}
	if sample[node.Feature] < node.Threshold {
		return pathLength(node.Left, sample, depth+1)
	}
	return pathLength(node.Right, sample, depth+1)
}

// avgPathLength is the expected unsuccessful-search path length of a BST
// with n nodes, the standard isolation forest normalizer.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}
