package gomlx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"imagetune/internal/ai"
	"imagetune/internal/generics"
	"imagetune/internal/parameters"
)

// Classifier is an FNN image classifier: a "features" trunk followed by a
// "readout" head, both configured from context hyperparameters, mapping
// flattened image features to per-class logits.
//
// The two scopes exist so fine-tuning can drive the pretrained trunk and the
// freshly initialized head with separate optimizers (see NewSGD).
type Classifier struct {
	ctx                    *context.Context
	numClasses, featureDim int

	mode   ai.Mode
	device ai.Device

	// Executors: scoreExec runs inference (training=false, no gradients),
	// gradExec runs the loss and returns the gradients of every trainable
	// variable (training=true).
	scoreExec, gradExec *context.Exec

	// Trainable variables in a deterministic order, and the pending
	// gradients of the last Backward, keyed by variable path.
	varKeys []string
	vars    []*context.Variable
	grads   map[string]*tensors.Tensor
}

var _ ai.Classifier = (*Classifier)(nil)

// NewClassifier creates a classifier for featureDim inputs and numClasses
// outputs. Hyperparameter defaults can be overridden with params; unknown
// keys are an error.
func NewClassifier(numClasses, featureDim int, params parameters.Params) (*Classifier, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("classifier needs at least 2 classes, got %d", numClasses)
	}
	if featureDim < 1 {
		return nil, errors.Errorf("classifier needs a positive feature dimension, got %d", featureDim)
	}
	c := &Classifier{
		numClasses: numClasses,
		featureDim: featureDim,
		ctx:        context.New(),
		grads:      make(map[string]*tensors.Tensor),
	}
	c.ctx.RngStateReset()
	c.ctx.SetParams(map[string]any{
		activations.ParamActivation: "relu",
		layers.ParamDropoutRate:     0.1,

		// Trunk and head geometry.
		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  128,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "",
		"embedding_nodes":             64,
	})
	c.ctx = c.ctx.Checked(false)
	if err := extractParams(params, c.ctx); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		unknown := slices.Collect(generics.SortedKeys(params))
		return nil, errors.Errorf("unknown model parameters %v", unknown)
	}

	c.scoreExec = context.NewExec(backend(), c.ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return c.forwardGraph(ctx, inputs[0])
		})
	c.gradExec = context.NewExec(backend(), c.ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			images, labels := inputsAndLabels[0], inputsAndLabels[1]
			g := images.Graph()
			ctx.SetTraining(g, true)
			logits := c.forwardGraph(ctx, images)
			loss := losses.SparseCategoricalCrossEntropyLogits([]*graph.Node{labels}, []*graph.Node{logits})
			if !loss.IsScalar() {
				loss = graph.ReduceAllMean(loss)
			}
			varNodes := generics.SliceMap(c.vars, func(v *context.Variable) *graph.Node {
				return v.ValueGraph(g)
			})
			return append([]*graph.Node{loss}, graph.Gradient(loss, varNodes...)...)
		})

	// Force variable creation now, so the trainable set is known before the
	// first Backward and optimizers can be attached to scopes.
	if err := c.warmUp(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created %s with %d trainable tensors", c, len(c.vars))
	return c, nil
}

func (c *Classifier) warmUp() error {
	probe := &ai.Batch{
		Inputs:     make([]float32, c.featureDim),
		Labels:     make([]int32, 1),
		Size:       1,
		FeatureDim: c.featureDim,
	}
	if _, err := c.Forward(probe); err != nil {
		return errors.WithMessagef(err, "model warm-up failed")
	}
	byKey := make(map[string]*context.Variable)
	c.ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		byKey[variableKey(v)] = v
	})
	for key, v := range generics.SortedKeysAndValues(byKey) {
		c.varKeys = append(c.varKeys, key)
		c.vars = append(c.vars, v)
	}
	return nil
}

// variableKey is the stable path of a variable: scope plus name.
func variableKey(v *context.Variable) string {
	return fmt.Sprintf("%s/%s", v.Scope(), v.Name())
}

// forwardGraph builds the model: trunk under "features", head under "readout".
func (c *Classifier) forwardGraph(ctx *context.Context, images *graph.Node) *graph.Node {
	batchSize := images.Shape().Dim(0)
	embeddingDim := context.GetParamOr(ctx, "embedding_nodes", 64)
	embedding := fnnLayer.New(ctx.In("features"), images, embeddingDim).Done()
	logits := fnnLayer.New(ctx.In("readout"), embedding, c.numClasses).Done()
	logits.AssertDims(batchSize, c.numClasses)
	return logits
}

func (c *Classifier) batchInputs(batch *ai.Batch) *tensors.Tensor {
	if batch.FeatureDim != c.featureDim {
		exceptions.Panicf("batch has %d features per example, model expects %d",
			batch.FeatureDim, c.featureDim)
	}
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batch.Size, c.featureDim))
	tensors.MutableFlatData(images, func(flat []float32) {
		copy(flat, batch.Inputs)
	})
	return images
}

func (c *Classifier) batchLabels(batch *ai.Batch) *tensors.Tensor {
	labels := tensors.FromShape(shapes.Make(dtypes.Int32, batch.Size, 1))
	tensors.MutableFlatData(labels, func(flat []int32) {
		copy(flat, batch.Labels)
	})
	return labels
}

// Forward implements ai.Classifier. It runs the inference graph: parameters
// are not mutated and no gradients are tracked.
func (c *Classifier) Forward(batch *ai.Batch) (scores [][]float32, err error) {
	err = exceptions.TryCatch[error](func() {
		scoresT := c.scoreExec.Call(c.batchInputs(batch))[0]
		flat := tensors.CopyFlatData[float32](scoresT)
		scores = make([][]float32, batch.Size)
		for ii := range scores {
			scores[ii] = flat[ii*c.numClasses : (ii+1)*c.numClasses]
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "forward pass failed on %s", c)
	}
	c.device = ai.Accelerator
	return scores, nil
}

// Backward implements ai.Classifier: forward pass, sparse cross-entropy loss
// against the integer labels, and back-propagation. The resulting gradients
// replace any pending ones and stay pending until the optimizers consume them
// or ZeroGrad drops them.
func (c *Classifier) Backward(batch *ai.Batch) (loss float32, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := c.gradExec.Call(c.batchInputs(batch), c.batchLabels(batch))
		loss = tensors.ToScalar[float32](outputs[0])
		for ii, key := range c.varKeys {
			c.grads[key] = outputs[1+ii]
		}
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "forward/backward pass failed on %s", c)
	}
	c.device = ai.Accelerator
	return loss, nil
}

// ZeroGrad implements ai.Classifier.
func (c *Classifier) ZeroGrad() {
	clear(c.grads)
}

// pendingGrad returns the gradient left by the last Backward for the given
// variable, or nil if there is none.
func (c *Classifier) pendingGrad(key string) *tensors.Tensor {
	return c.grads[key]
}

// SetMode implements ai.Classifier. Mode selects which graph executes:
// ModeEval runs the inference graph (dropout disabled, no gradients).
func (c *Classifier) SetMode(mode ai.Mode) { c.mode = mode }

// Mode implements ai.Classifier.
func (c *Classifier) Mode() ai.Mode { return c.mode }

// To implements ai.Classifier. Moving to ai.Host replaces every parameter
// with a host-memory copy, releasing its accelerator buffer; moving back to
// ai.Accelerator is deferred to the next executor call, which re-uploads the
// parameters on use.
func (c *Classifier) To(device ai.Device) error {
	if device == c.device {
		return nil
	}
	if device == ai.Host {
		err := exceptions.TryCatch[error](func() {
			for _, v := range c.vars {
				v.SetValue(cloneToHost(v.Value()))
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to move %s to host memory", c)
		}
	}
	c.device = device
	return nil
}

// Device implements ai.Classifier.
func (c *Classifier) Device() ai.Device { return c.device }

func cloneToHost(t *tensors.Tensor) *tensors.Tensor {
	flat := tensors.CopyFlatData[float32](t)
	clone := tensors.FromShape(t.Shape())
	tensors.MutableFlatData(clone, func(cloneFlat []float32) {
		copy(cloneFlat, flat)
	})
	return clone
}

// State implements ai.Classifier: a host snapshot of every trainable
// parameter, keyed by variable path.
func (c *Classifier) State() (ai.ParamState, error) {
	state := make(ai.ParamState, len(c.vars))
	err := exceptions.TryCatch[error](func() {
		for ii, v := range c.vars {
			value := v.Value()
			state[c.varKeys[ii]] = ai.Param{
				Shape: slices.Clone(value.Shape().Dimensions),
				Data:  tensors.CopyFlatData[float32](value),
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to snapshot state of %s", c)
	}
	return state, nil
}

// LoadState implements ai.Classifier. The state must cover exactly the
// model's trainable parameters, with matching shapes.
func (c *Classifier) LoadState(state ai.ParamState) error {
	for ii, key := range c.varKeys {
		param, found := state[key]
		if !found {
			return errors.Errorf("state is missing parameter %q", key)
		}
		v := c.vars[ii]
		if !slices.Equal(param.Shape, v.Shape().Dimensions) {
			return errors.Errorf("parameter %q has shape %v, model expects %v",
				key, param.Shape, v.Shape().Dimensions)
		}
		value := tensors.FromShape(shapes.Make(dtypes.Float32, param.Shape...))
		tensors.MutableFlatData(value, func(flat []float32) {
			copy(flat, param.Data)
		})
		v.SetValue(value)
	}
	if len(state) != len(c.vars) {
		klog.Warningf("Loaded state has %d parameters, model uses %d: extra entries ignored",
			len(state), len(c.vars))
	}
	return nil
}

// trainableVariables returns the trainable variables whose path starts with
// the given scope prefix, with their keys, in deterministic order.
func (c *Classifier) trainableVariables(scopePrefix string) (keys []string, vars []*context.Variable) {
	for ii, key := range c.varKeys {
		if strings.HasPrefix(key, scopePrefix) {
			keys = append(keys, key)
			vars = append(vars, c.vars[ii])
		}
	}
	return
}

// NumClasses returns the width of the score output.
func (c *Classifier) NumClasses() int { return c.numClasses }

// FeatureDim returns the expected number of features per example.
func (c *Classifier) FeatureDim() int { return c.featureDim }

// String implements fmt.Stringer and ai.Classifier.
func (c *Classifier) String() string {
	if c == nil {
		return "<nil>[GoMLX]"
	}
	return fmt.Sprintf("FNN(%d->%d)[GoMLX/%s]", c.featureDim, c.numClasses, backend().Name())
}
