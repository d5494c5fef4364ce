package train

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOptimizer records every interaction; stepErr, when set, is returned by Step.
type fakeOptimizer struct {
	name      string
	rate      float64
	rateLog   []float64
	steps     int
	stepErr   error
	stepOrder *[]string
}

func (f *fakeOptimizer) Step() error {
	f.steps++
	if f.stepOrder != nil {
		*f.stepOrder = append(*f.stepOrder, f.name)
	}
	return f.stepErr
}

func (f *fakeOptimizer) LearningRate() float64 { return f.rate }

func (f *fakeOptimizer) SetLearningRate(rate float64) {
	f.rate = rate
	f.rateLog = append(f.rateLog, rate)
}

func (f *fakeOptimizer) String() string { return f.name }

func TestOptimizerGroupStepOrder(t *testing.T) {
	var order []string
	group := NewOptimizerGroup(0.5)
	for _, name := range []string{"a", "b", "c"} {
		group.Add(&fakeOptimizer{name: name, stepOrder: &order}, 0.1, 1)
	}
	require.Equal(t, 3, group.Len())

	require.NoError(t, group.Step())
	require.NoError(t, group.Step())
	// Every optimizer steps exactly once per call, in registration order.
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestOptimizerGroupStepError(t *testing.T) {
	var order []string
	group := NewOptimizerGroup(0.5)
	failing := &fakeOptimizer{name: "b", stepOrder: &order, stepErr: errors.New("mismatched parameter set")}
	group.Add(&fakeOptimizer{name: "a", stepOrder: &order}, 0.1, 1)
	group.Add(failing, 0.1, 1)
	group.Add(&fakeOptimizer{name: "c", stepOrder: &order}, 0.1, 1)

	err := group.Step()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "optimizer #1")
	assert.ErrorIs(t, err, failing.stepErr)
	// The failure propagates immediately: "c" never steps.
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestOptimizerGroupUpdateLR(t *testing.T) {
	// Three optimizers with base rates 0.1, 0.01 and 0.001, decaying every
	// 2, 3 and never; after UpdateLR(4) with factor f the rates must be
	// 0.1*f^2, 0.01*f^1 and 0.001.
	const factor = 0.5
	opts := []*fakeOptimizer{
		{name: "backbone"},
		{name: "mid"},
		{name: "head"},
	}
	group := NewOptimizerGroup(factor)
	group.Add(opts[0], 0.1, 2)
	group.Add(opts[1], 0.01, 3)
	group.Add(opts[2], 0.001, 0)

	group.UpdateLR(4)
	assert.InEpsilon(t, 0.1*factor*factor, opts[0].rate, 1e-12)
	assert.InEpsilon(t, 0.01*factor, opts[1].rate, 1e-12)
	assert.InEpsilon(t, 0.001, opts[2].rate, 1e-12)

	// Every optimizer is touched exactly once per call, even the never-decay one.
	for _, opt := range opts {
		assert.Len(t, opt.rateLog, 1, opt.name)
	}

	// Idempotent for a repeated epoch.
	group.UpdateLR(4)
	assert.InEpsilon(t, 0.1*factor*factor, opts[0].rate, 1e-12)
	for _, opt := range opts {
		assert.Len(t, opt.rateLog, 2, opt.name)
	}
}
