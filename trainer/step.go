package trainer

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/kustomzone/StableCascade/warmup"
)

// gradientsOptimizer is the optimizer entry point that takes precomputed
// gradients instead of deriving them from the loss, which the accumulation
// step already did.
type gradientsOptimizer interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// buildUpdate is the graph of one optimizer update over the accumulated
// gradients. It returns the global step after the update.
func (t *Trainer) buildUpdate(ctx *context.Context, g *Graph) *Node {
	ctx.SetTraining(g, true)

	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	grads := make([]*Node, len(vars))
	for i, v := range vars {
		// Touching the variable registers it with the graph, so the
		// optimizer below sees the same variable set and order.
		_ = v.ValueGraph(g)
		grads[i] = t.accumulatorVar(v).ValueGraph(g)
	}

	grads = clipByGlobalNorm(g, grads, GradClipNorm)

	// The warmup schedule writes the learning rate variable before the
	// optimizer reads it, using the pre-update global step.
	stepBefore := optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
	warmup.New(ctx, g, dtypes.Float32).
		Steps(t.schedulers.WarmupUpdates).
		LearningRate(t.schedulers.LearningRate).
		Done()

	t.optimizer.(gradientsOptimizer).UpdateGraphWithGradients(ctx, grads, dtypes.Float32)

	if t.cfg.EMAStartIters != nil {
		t.updateEMAGraph(ctx, g, vars, stepBefore)
	}

	for _, v := range vars {
		acc := t.accumulatorVar(v)
		acc.SetValueGraph(ZerosLike(acc.ValueGraph(g)))
	}
	return optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
}

// clipByGlobalNorm rescales the gradients so their joint L2 norm does not
// exceed maxNorm. The norm is computed in float32 regardless of the gradient
// dtype.
func clipByGlobalNorm(g *Graph, grads []*Node, maxNorm float64) []*Node {
	sum := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sum = Add(sum, ReduceAllSum(Square(ConvertDType(grad, dtypes.Float32))))
	}
	norm := Sqrt(sum)
	limit := ConstAsDType(g, dtypes.Float32, maxNorm)
	factor := Div(limit, Max(norm, limit))

	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, ConvertDType(factor, grad.DType()))
	}
	return clipped
}

// updateEMAGraph maintains the exponential-moving-average shadow of the
// generator weights. Until the global step reaches EMAStartIters the shadow
// is untouched; the first active update copies the weights, later ones blend
// them with the configured decay.
func (t *Trainer) updateEMAGraph(ctx *context.Context, g *Graph, vars []*context.Variable, step *Node) {
	emaCtx := ctx.WithInitializer(initializers.Zero)

	active := ConvertDType(
		GreaterOrEqual(step, ConstAsDType(g, step.DType(), *t.cfg.EMAStartIters)),
		dtypes.Float32)
	initFlag := emaCtx.InAbsPath("/"+ScopeEMA).
		VariableWithValue("initialized", float32(0)).
		SetTrainable(false)
	initialized := initFlag.ValueGraph(g)

	// 1 while inactive (shadow unchanged), 0 on the first active update
	// (copy), the configured decay afterwards.
	decay := Add(
		Mul(active, Mul(initialized, ConstAsDType(g, dtypes.Float32, t.cfg.EMADecay))),
		OneMinus(active))

	for _, v := range vars {
		scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, ScopeEMA, v.Scope())
		shadow := emaCtx.InAbsPath(scopePath).
			VariableWithShape(v.Name(), v.Shape()).
			SetTrainable(false)
		d := ConvertDType(decay, v.Shape().DType)
		shadow.SetValueGraph(Add(
			Mul(d, shadow.ValueGraph(g)),
			Mul(OneMinus(d), v.ValueGraph(g))))
	}
	initFlag.SetValueGraph(Max(initialized, active))
}
