package meters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// correctScores builds an 8-class score row where the label wins outright.
func correctScores(label int32) []float32 {
	row := make([]float32, 8)
	row[label] = 1
	return row
}

func TestClassErrorAllCorrect(t *testing.T) {
	// Two batches of 10 samples, 8 classes, all predictions correct.
	m := NewClassError(1, 5)
	for _ = range 2 {
		scores := make([][]float32, 10)
		labels := make([]int32, 10)
		for ii := range scores {
			labels[ii] = int32(ii % 8)
			scores[ii] = correctScores(labels[ii])
		}
		require.NoError(t, m.Add(scores, labels))
	}
	values, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, values)
}

func TestClassErrorTopK(t *testing.T) {
	m := NewClassError(1, 5)
	scores := [][]float32{
		{9, 8, 7, 6, 5, 4, 3, 2}, // label 0: top-1 hit.
		{9, 8, 7, 6, 5, 4, 3, 2}, // label 4: top-1 miss, top-5 hit.
		{9, 8, 7, 6, 5, 4, 3, 2}, // label 7: misses both.
		{9, 8, 7, 6, 5, 4, 3, 2}, // label 1: top-1 miss, top-5 hit.
	}
	labels := []int32{0, 4, 7, 1}
	require.NoError(t, m.Add(scores, labels))
	values, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, []float64{75, 25}, values)
	for _, v := range values {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}

	m.Reset()
	require.NoError(t, m.Add(scores[:1], labels[:1]))
	values, err = m.Value()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, values)
}

func TestClassErrorTies(t *testing.T) {
	// Equal scores resolve in favor of the lower class index, matching a
	// stable descending sort.
	m := NewClassError(1)
	require.NoError(t, m.Add([][]float32{{1, 1}}, []int32{0}))
	require.NoError(t, m.Add([][]float32{{1, 1}}, []int32{1}))
	values, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, []float64{50}, values)
}

func TestClassErrorWidthMismatch(t *testing.T) {
	// The class count is fixed by the first batch; a later batch with a
	// different score width must be rejected, not accumulated.
	m := NewClassError(1, 5)
	require.NoError(t, m.Add([][]float32{correctScores(3)}, []int32{3}))
	err := m.Add([][]float32{{1, 0, 0}}, []int32{0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 classes")
	values, err := m.Value()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, values, "rejected batch must not count")

	// Reset clears the width too.
	m.Reset()
	require.NoError(t, m.Add([][]float32{{1, 0, 0}}, []int32{0}))
}

func TestClassErrorErrors(t *testing.T) {
	m := NewClassError(1)
	require.Error(t, m.Add([][]float32{{1, 0}}, []int32{0, 1}))
	require.Error(t, m.Add([][]float32{{1, 0}}, []int32{2}))
	_, err := m.Value()
	require.Error(t, err)
}
