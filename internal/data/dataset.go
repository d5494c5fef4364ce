// Package data implements the batch data sources consumed by the training
// harness: an in-memory dataset, a directory-per-class image loader and a
// prefetching wrapper.
package data

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/pkg/errors"

	"imagetune/internal/ai"
)

// InMemory is a Dataset over feature/label slices held in host memory.
//
// Each pass visits every example exactly once, in a fresh random order when
// shuffling is enabled. The final batch of a pass may be short.
type InMemory struct {
	name       string
	features   [][]float32
	labels     []int32
	featureDim int
	batchSize  int

	shuffle bool
	rng     *rand.Rand
	order   []int
	pos     int
}

var _ ai.Dataset = (*InMemory)(nil)

// NewInMemory creates a dataset over the given examples. All feature rows
// must have the same length. With shuffle set, each Reset draws a new
// permutation from the seeded generator, so runs are reproducible.
func NewInMemory(name string, features [][]float32, labels []int32, batchSize int, shuffle bool, seed uint64) (*InMemory, error) {
	if len(features) == 0 {
		return nil, errors.Errorf("dataset %s has no examples", name)
	}
	if len(features) != len(labels) {
		return nil, errors.Errorf("dataset %s has %d feature rows but %d labels", name, len(features), len(labels))
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %s batch size must be positive, got %d", name, batchSize)
	}
	featureDim := len(features[0])
	for ii, row := range features {
		if len(row) != featureDim {
			return nil, errors.Errorf("dataset %s example %d has %d features, want %d", name, ii, len(row), featureDim)
		}
	}
	ds := &InMemory{
		name:       name,
		features:   features,
		labels:     labels,
		featureDim: featureDim,
		batchSize:  batchSize,
		shuffle:    shuffle,
		rng:        rand.New(rand.NewPCG(seed, seed)),
		order:      make([]int, len(features)),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if err := ds.Reset(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Len returns the number of examples.
func (ds *InMemory) Len() int { return len(ds.features) }

// NumBatches returns how many batches one pass yields.
func (ds *InMemory) NumBatches() int {
	return (ds.Len() + ds.batchSize - 1) / ds.batchSize
}

// Next returns the next batch of the pass, or io.EOF once exhausted.
func (ds *InMemory) Next() (*ai.Batch, error) {
	if ds.pos >= len(ds.order) {
		return nil, io.EOF
	}
	size := min(ds.batchSize, len(ds.order)-ds.pos)
	batch := &ai.Batch{
		Inputs:     make([]float32, size*ds.featureDim),
		Labels:     make([]int32, size),
		Size:       size,
		FeatureDim: ds.featureDim,
	}
	for ii := 0; ii < size; ii++ {
		example := ds.order[ds.pos+ii]
		copy(batch.Inputs[ii*ds.featureDim:], ds.features[example])
		batch.Labels[ii] = ds.labels[example]
	}
	ds.pos += size
	return batch, nil
}

// Reset rewinds the dataset for the next pass, reshuffling if configured.
func (ds *InMemory) Reset() error {
	ds.pos = 0
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(ii, jj int) {
			ds.order[ii], ds.order[jj] = ds.order[jj], ds.order[ii]
		})
	}
	return nil
}

// String implements fmt.Stringer.
func (ds *InMemory) String() string {
	return fmt.Sprintf("%s (%d examples)", ds.name, ds.Len())
}
