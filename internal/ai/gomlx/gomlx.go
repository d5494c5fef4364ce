// Package gomlx implements the ai.Classifier and ai.Optimizer capabilities on
// top of GoMLX, the numerical framework that owns the tensor kernels and the
// accelerator execution.
//
// The harness in internal/train only ever sees the narrow interfaces of
// internal/ai; everything GoMLX-specific stays behind this package.
package gomlx

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"

	"imagetune/internal/parameters"
)

var (
	// Backend is a singleton, shared by the model and all optimizers.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })
)

// extractParams overwrites the context's root hyperparameters with the values
// given by the user, keeping each one's type.
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model parameter %q is of unknown type %T", key, defaultValue)
		}
	})
	return err
}
