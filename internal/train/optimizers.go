package train

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"imagetune/internal/ai"
)

// optimizerEntry pairs one optimizer with its own schedule inputs.
// It is immutable after registration; only the optimizer's internal state
// (current rate, momentum buffers) changes.
type optimizerEntry struct {
	optimizer  ai.Optimizer
	baseRate   float64
	decayEvery int
}

// OptimizerGroup owns an ordered collection of independent optimizers,
// advanced in lockstep per training step. Each entry keeps its own base
// learning rate and decay interval; the decay factor is shared by the group.
//
// Typical fine-tuning use registers one optimizer for the pretrained trunk
// with a small rate and one for the freshly initialized readout head with a
// larger one.
type OptimizerGroup struct {
	decayFactor float64
	entries     []optimizerEntry
}

// NewOptimizerGroup creates an empty group with the shared decay factor.
func NewOptimizerGroup(decayFactor float64) *OptimizerGroup {
	return &OptimizerGroup{decayFactor: decayFactor}
}

// Add registers one optimizer with its base learning rate and decay interval
// in epochs. Registration order is preserved and defines the iteration order
// of Step and UpdateLR.
func (g *OptimizerGroup) Add(optimizer ai.Optimizer, baseRate float64, decayEvery int) {
	g.entries = append(g.entries, optimizerEntry{
		optimizer:  optimizer,
		baseRate:   baseRate,
		decayEvery: decayEvery,
	})
}

// Len returns the number of registered optimizers.
func (g *OptimizerGroup) Len() int {
	return len(g.entries)
}

// Step invokes the parameter update on every registered optimizer, in
// registration order, once per training batch.
//
// It does no validation of the optimizers' internal state: the first
// underlying failure is propagated as is, wrapped with the entry index.
func (g *OptimizerGroup) Step() error {
	for ii, entry := range g.entries {
		if err := entry.optimizer.Step(); err != nil {
			return errors.WithMessagef(err, "optimizer #%d (%s) failed to step", ii, entry.optimizer)
		}
	}
	return nil
}

// UpdateLR recomputes the learning rate of every registered optimizer for the
// given 1-based epoch, from its own base rate and decay interval and the
// group's shared decay factor. Every optimizer is touched exactly once per
// call, including those whose rate does not change this epoch.
func (g *OptimizerGroup) UpdateLR(epoch int) {
	for _, entry := range g.entries {
		rate := StepDecay(epoch, entry.baseRate, entry.decayEvery, g.decayFactor)
		entry.optimizer.SetLearningRate(rate)
		klog.V(1).Infof("Epoch %d: %s learning rate set to %g", epoch, entry.optimizer, rate)
	}
}
