package gomlx

// These tests run real GoMLX graphs, so they need an available XLA backend.

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/ml/layers"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagetune/internal/ai"
	"imagetune/internal/parameters"
)

const (
	testFeatureDim = 8
	testClasses    = 3
)

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	params := parameters.Params{
		fnnLayer.ParamNumHiddenLayers: "1",
		fnnLayer.ParamNumHiddenNodes:  "4",
		"embedding_nodes":             "4",
		layers.ParamDropoutRate:       "0",
	}
	c, err := NewClassifier(testClasses, testFeatureDim, params)
	require.NoError(t, err)
	return c
}

func newTestBatch(size int) *ai.Batch {
	rng := rand.New(rand.NewPCG(1, 2))
	batch := &ai.Batch{
		Inputs:     make([]float32, size*testFeatureDim),
		Labels:     make([]int32, size),
		Size:       size,
		FeatureDim: testFeatureDim,
	}
	for ii := range batch.Inputs {
		batch.Inputs[ii] = rng.Float32()
	}
	for ii := range batch.Labels {
		batch.Labels[ii] = int32(ii % testClasses)
	}
	return batch
}

func TestClassifierForward(t *testing.T) {
	c := newTestClassifier(t)
	scores, err := c.Forward(newTestBatch(5))
	require.NoError(t, err)
	require.Len(t, scores, 5)
	for _, row := range scores {
		assert.Len(t, row, testClasses)
	}
}

func TestClassifierTrainStep(t *testing.T) {
	c := newTestClassifier(t)
	opt, err := NewSGD(c, "", 0.9)
	require.NoError(t, err)
	opt.SetLearningRate(0.1)

	before, err := c.State()
	require.NoError(t, err)

	batch := newTestBatch(16)
	c.ZeroGrad()
	loss, err := c.Backward(batch)
	require.NoError(t, err)
	assert.Greater(t, loss, float32(0))
	require.NoError(t, opt.Step())

	after, err := c.State()
	require.NoError(t, err)
	changed := false
	for key, param := range before {
		if !assert.ObjectsAreEqual(param.Data, after[key].Data) {
			changed = true
		}
	}
	assert.True(t, changed, "a training step must move some parameter")

	// A second loss over the same batch should not be larger, at least
	// overwhelmingly often for a fresh model with a healthy rate.
	c.ZeroGrad()
	loss2, err := c.Backward(batch)
	require.NoError(t, err)
	assert.Less(t, loss2, loss+0.5)
}

func TestClassifierStateRoundTrip(t *testing.T) {
	c := newTestClassifier(t)
	state, err := c.State()
	require.NoError(t, err)
	require.NotEmpty(t, state)

	c2 := newTestClassifier(t)
	require.NoError(t, c2.LoadState(state))
	batch := newTestBatch(4)
	scores1, err := c.Forward(batch)
	require.NoError(t, err)
	scores2, err := c2.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, scores1, scores2)

	// Missing parameters are rejected.
	for key := range state {
		delete(state, key)
		break
	}
	require.Error(t, c2.LoadState(state))
}

func TestClassifierDeviceShuffle(t *testing.T) {
	c := newTestClassifier(t)
	batch := newTestBatch(4)
	scores1, err := c.Forward(batch)
	require.NoError(t, err)
	require.Equal(t, ai.Accelerator, c.Device())

	require.NoError(t, c.To(ai.Host))
	assert.Equal(t, ai.Host, c.Device())
	_, err = c.State()
	require.NoError(t, err)
	require.NoError(t, c.To(ai.Accelerator))

	// Scores are unchanged by the host round trip.
	scores2, err := c.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, scores1, scores2)
}

func TestSGDScopes(t *testing.T) {
	c := newTestClassifier(t)
	trunk, err := NewSGD(c, "/features", 0)
	require.NoError(t, err)
	head, err := NewSGD(c, "/readout", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, trunk.keys)
	assert.NotEmpty(t, head.keys)

	// The two scopes partition the trainable parameters.
	assert.Len(t, c.vars, len(trunk.keys)+len(head.keys))

	_, err = NewSGD(c, "/nonexistent", 0)
	require.Error(t, err)
}

func TestClassifierUnknownParams(t *testing.T) {
	_, err := NewClassifier(testClasses, testFeatureDim, parameters.NewFromConfigString("no_such_knob=1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_knob")
}
