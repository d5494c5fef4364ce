// Package ai defines the capability interfaces the training harness consumes:
// a classifier model, an optimizer and a batch data source.
//
// The interfaces are deliberately narrow: the numerical framework behind them
// is an external collaborator. See the sub-package gomlx for the GoMLX-backed
// implementations.
package ai

// Mode is the execution mode of a Classifier.
//
// In ModeTrain stochastic layers (dropout etc.) are active; in ModeEval the
// model is deterministic and Forward must not track gradients.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	}
	return "invalid"
}

// Device is where the model parameters currently live.
type Device int

const (
	// Accelerator is the execution device of the backing framework.
	// If the backend is CPU-only, Accelerator and Host coincide.
	Accelerator Device = iota

	// Host is plain host memory, where parameters must be moved before
	// they can be serialized.
	Host
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case Accelerator:
		return "accelerator"
	case Host:
		return "host"
	}
	return "invalid"
}

// Batch is one fixed-size mini-batch of examples in host memory.
//
// Inputs is row-major: example i occupies Inputs[i*FeatureDim : (i+1)*FeatureDim].
// Labels holds the integer class of each example. A Batch is produced by a
// Dataset and consumed exactly once per iteration; the loop does not own it.
type Batch struct {
	Inputs     []float32
	Labels     []int32
	Size       int
	FeatureDim int
}

// Param is the host-memory snapshot of one model parameter.
type Param struct {
	Shape []int
	Data  []float32
}

// ParamState is a serializable mapping of parameter name to its host value.
type ParamState map[string]Param

// Classifier maps input batches to per-class score tensors.
//
// It is owned externally and mutated in place by optimizers during training.
type Classifier interface {
	// Forward returns the scores of each example of the batch, shaped
	// [batch.Size][numClasses]. It must not mutate parameters nor leave
	// pending gradients.
	Forward(batch *Batch) ([][]float32, error)

	// Backward runs the forward pass, computes the cross-entropy loss of the
	// scores against the batch labels, back-propagates and leaves the
	// gradients pending for the optimizers. It returns the mean loss.
	Backward(batch *Batch) (loss float32, err error)

	// ZeroGrad discards any pending gradients. Called before each batch's
	// forward pass, so gradients never accumulate across batches.
	ZeroGrad()

	// SetMode switches between training and evaluation execution modes.
	SetMode(mode Mode)
	Mode() Mode

	// To moves the parameters to the given device. Device reports where they
	// currently are.
	To(device Device) error
	Device() Device

	// State returns a serializable host snapshot of all parameters, and
	// LoadState restores one.
	State() (ParamState, error)
	LoadState(state ParamState) error

	String() string
}

// Optimizer applies one pending-gradient update to the parameters it owns.
type Optimizer interface {
	// Step applies the model's pending gradients to this optimizer's
	// parameters, using its current learning rate.
	Step() error

	// LearningRate is the current rate; SetLearningRate replaces it, taking
	// effect on the next Step.
	LearningRate() float64
	SetLearningRate(rate float64)

	String() string
}

// Dataset produces a finite, restartable stream of batches.
//
// Next returns io.EOF once the stream is exhausted; Reset restarts it for the
// next pass. Training and evaluation use independently configured instances.
// Implementations may prefetch batches with internal workers, but Next/Reset
// are only ever called sequentially from the training loop.
type Dataset interface {
	Next() (*Batch, error)
	Reset() error
	String() string
}
