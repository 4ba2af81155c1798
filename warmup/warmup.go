// Package warmup implements a linear warmup schedule for the learning rate:
// for the first N optimizer updates the learning rate ramps linearly from
// lr/N up to the configured base value, and stays there afterwards.
//
// The schedule is a pure function of the optimizer's global step variable. It
// keeps no counter of its own, so a run restored from a checkpoint computes
// exactly the same learning rate as one that never stopped.
package warmup

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// ParamWarmupUpdates is the context hyperparameter with the number of warmup
// updates, read by Config.FromContext. 0 disables the warmup.
var ParamWarmupUpdates = "warmup_updates"

// Config of the warmup schedule. Created by New, finished by Done.
type Config struct {
	ctx          *context.Context
	graph        *Graph
	dtype        dtypes.DType
	updates      int
	learningRate float64
}

// New creates a warmup schedule configuration. Call Steps and LearningRate
// (or FromContext) and then Done to emit the graph code; it must run in the
// same graph as, and before, the optimizer update so the optimizer sees the
// adjusted learning rate.
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:   ctx,
		graph: graph,
		dtype: dtype,
	}
}

// Steps sets the number of updates the warmup spans. 0 disables the warmup.
func (opt *Config) Steps(updates int) *Config {
	opt.updates = updates
	return opt
}

// LearningRate sets the base learning rate reached at the end of the warmup.
// If not given, it is read from the context parameter
// optimizers.ParamLearningRate.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// FromContext configures the warmup from the context parameters
// ParamWarmupUpdates and optimizers.ParamLearningRate.
func (opt *Config) FromContext() *Config {
	opt.updates = context.GetParamOr(opt.ctx, ParamWarmupUpdates, 0)
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	return opt
}

// Done generates the graph code that sets the learning rate variable for the
// current step. Outside training graphs it is a no-op.
func (opt *Config) Done() {
	ctx := opt.ctx.Checked(false)
	if !ctx.IsTraining(opt.graph) {
		return
	}

	lrValue := opt.learningRate
	if lrValue == 0 {
		lrValue = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
		if lrValue == 0 {
			exceptions.Panicf("warmup: learning rate not configured and not set "+
				"in the context as parameter %q", optimizers.ParamLearningRate)
		}
	}

	lrVar := optimizers.LearningRateVarWithValue(ctx, opt.dtype, lrValue)
	if opt.updates <= 0 {
		return
	}

	// The global step counts completed updates, so the multiplier of the
	// k-th update (0-based step k) is (k+1)/updates, capped at 1.
	globalStep := optimizers.GetGlobalStepVar(ctx).ValueGraph(opt.graph)
	multiplier := DivScalar(OnePlus(ConvertDType(globalStep, opt.dtype)), float64(opt.updates))
	multiplier = MinScalar(multiplier, 1.0)
	lrVar.SetValueGraph(MulScalar(multiplier, lrValue))
}
