package gomlx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"imagetune/internal/ai"
)

// SGD is a momentum SGD optimizer over the subset of a Classifier's
// parameters selected by a scope prefix (e.g. "/features" for the trunk,
// "/readout" for the head, "" for everything).
//
// Each Step applies the model's pending gradients to its parameters on the
// accelerator: velocity <- momentum*velocity + gradient, then
// parameter <- parameter - rate*velocity. The learning rate is a host-side
// field fed to the update graph as a scalar, so changing it between epochs
// never recompiles anything.
type SGD struct {
	model *Classifier
	scope string

	keys []string
	vars []*context.Variable

	rate     float64
	momentum float64

	// velocity buffers, keyed like the model's variables, created lazily on
	// the first Step that sees a gradient for the parameter.
	velocity map[string]*tensors.Tensor

	updateExec *graph.Exec
}

var _ ai.Optimizer = (*SGD)(nil)

// NewSGD creates an optimizer over the model parameters under scopePrefix.
// A prefix matching no trainable parameter is an error.
func NewSGD(model *Classifier, scopePrefix string, momentum float64) (*SGD, error) {
	keys, vars := model.trainableVariables(scopePrefix)
	if len(vars) == 0 {
		return nil, errors.Errorf("no trainable parameters of %s match scope %q", model, scopePrefix)
	}
	o := &SGD{
		model:    model,
		scope:    scopePrefix,
		keys:     keys,
		vars:     vars,
		momentum: momentum,
		velocity: make(map[string]*tensors.Tensor, len(vars)),
	}
	o.updateExec = graph.NewExec(backend(),
		func(inputs []*graph.Node) []*graph.Node {
			param, grad, velocity, rate := inputs[0], inputs[1], inputs[2], inputs[3]
			if momentum > 0 {
				velocity = graph.Add(graph.MulScalar(velocity, momentum), grad)
			} else {
				velocity = grad
			}
			param = graph.Sub(param, graph.Mul(velocity, rate))
			return []*graph.Node{param, velocity}
		})
	return o, nil
}

// Step implements ai.Optimizer: it applies the model's pending gradients to
// this optimizer's parameters. Parameters without a pending gradient (e.g.
// before the first backward pass) are left untouched.
func (o *SGD) Step() error {
	err := exceptions.TryCatch[error](func() {
		rate := tensors.FromScalar(float32(o.rate))
		for ii, key := range o.keys {
			grad := o.model.pendingGrad(key)
			if grad == nil {
				continue
			}
			v := o.vars[ii]
			velocity := o.velocity[key]
			if velocity == nil {
				// Zero-initialized to the parameter's shape.
				velocity = tensors.FromShape(v.Shape())
			}
			updated := o.updateExec.Call(v.Value(), grad, velocity, rate)
			v.SetValue(updated[0])
			o.velocity[key] = updated[1]
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "%s failed to apply update", o)
	}
	return nil
}

// LearningRate implements ai.Optimizer.
func (o *SGD) LearningRate() float64 { return o.rate }

// SetLearningRate implements ai.Optimizer. It takes effect on the next Step.
func (o *SGD) SetLearningRate(rate float64) { o.rate = rate }

// String implements fmt.Stringer and ai.Optimizer.
func (o *SGD) String() string {
	scope := o.scope
	if scope == "" {
		scope = "/"
	}
	return fmt.Sprintf("SGD(scope=%s, momentum=%g)", scope, o.momentum)
}
