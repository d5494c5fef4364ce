// Package meters implements accumulators for classification quality metrics.
package meters

import (
	"slices"

	"github.com/pkg/errors"
)

// ClassError accumulates top-k classification error over batches of scores.
//
// For each k it tracks the fraction of examples whose true label is not among
// the k highest-scored classes. Values are reported as percentages in
// [0, 100]. The k set is fixed at construction.
type ClassError struct {
	topK   []int
	misses []int
	n      int

	// numClasses is fixed by the first batch accumulated; 0 until then.
	numClasses int
}

// NewClassError creates a meter for the given k values, e.g. NewClassError(1, 5).
func NewClassError(topK ...int) *ClassError {
	if len(topK) == 0 {
		topK = []int{1}
	}
	topK = slices.Clone(topK)
	slices.Sort(topK)
	return &ClassError{
		topK:   topK,
		misses: make([]int, len(topK)),
	}
}

// TopK returns the k values this meter reports, in ascending order.
func (m *ClassError) TopK() []int {
	return slices.Clone(m.topK)
}

// Add accumulates one batch of scores, shaped [batchSize][numClasses], with
// the corresponding true labels.
//
// The class count must not change across calls, and every label must be a
// valid class index.
func (m *ClassError) Add(scores [][]float32, labels []int32) error {
	if len(scores) != len(labels) {
		return errors.Errorf("got %d score rows for %d labels", len(scores), len(labels))
	}
	// Validate the whole batch first: a rejected batch must leave the
	// accumulated counts untouched.
	numClasses := m.numClasses
	for ii, rowScores := range scores {
		if numClasses == 0 {
			numClasses = len(rowScores)
		}
		if len(rowScores) != numClasses {
			return errors.Errorf("score row has %d classes, meter accumulated %d", len(rowScores), numClasses)
		}
		label := labels[ii]
		if label < 0 || int(label) >= len(rowScores) {
			return errors.Errorf("label %d out of range for %d classes", label, len(rowScores))
		}
	}
	m.numClasses = numClasses
	for ii, rowScores := range scores {
		rank := labelRank(rowScores, labels[ii])
		for kIdx, k := range m.topK {
			if rank >= k {
				m.misses[kIdx]++
			}
		}
	}
	m.n += len(scores)
	return nil
}

// Value returns the accumulated error percentages, one per k, in the same
// (ascending k) order reported by TopK. It errors if nothing was accumulated.
func (m *ClassError) Value() ([]float64, error) {
	if m.n == 0 {
		return nil, errors.New("no examples accumulated in class error meter")
	}
	values := make([]float64, len(m.topK))
	for kIdx := range m.topK {
		values[kIdx] = 100 * float64(m.misses[kIdx]) / float64(m.n)
	}
	return values, nil
}

// Reset discards everything accumulated so far.
func (m *ClassError) Reset() {
	for kIdx := range m.misses {
		m.misses[kIdx] = 0
	}
	m.n = 0
	m.numClasses = 0
}

// labelRank returns the position the true label would take in a stable
// descending sort of the scores: the count of classes scored strictly higher,
// plus equally-scored classes with a lower index. The label is in the top-k
// iff its rank is < k.
func labelRank(scores []float32, label int32) int {
	labelScore := scores[label]
	rank := 0
	for jj, score := range scores {
		if score > labelScore || (score == labelScore && int32(jj) < label) {
			rank++
		}
	}
	return rank
}
