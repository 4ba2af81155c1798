package trainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/kustomzone/StableCascade/conditions"
	"github.com/kustomzone/StableCascade/data"
	"github.com/kustomzone/StableCascade/gdf"
	"github.com/kustomzone/StableCascade/models/effnet"
)

// Sample generates one image per tokenized caption: iterative denoising from
// pure noise with classifier-free guidance, decoded through the previewer.
// With useEMA the EMA shadow weights drive the generator instead of the
// trainable ones.
func (t *Trainer) Sample(tokens *tensors.Tensor, useEMA bool) (*tensors.Tensor, error) {
	return context.ExecOnce(t.backend, t.ctx, func(ctx *context.Context, tokens *Node) *Node {
		return t.sampleGraph(ctx, tokens, useEMA)
	}, tokens)
}

func (t *Trainer) sampleGraph(ctx *context.Context, tokens *Node, useEMA bool) *Node {
	g := tokens.Graph()
	batch := tokens.Shape().Dimensions[0]
	size := t.LatentSize()

	// Text-only prompts: the image embedding conditioning sees a black image.
	blank := Zeros(g, shapes.Make(dtypes.Float32, batch, data.ClipImageSize, data.ClipImageSize, 3))
	cond := t.Models.Conditioner.Assemble(
		ctx.In(ScopeClip), tokens, data.ClipPreprocess(blank),
		t.Models.Text, t.Models.Image, conditions.Options{Eval: true})
	uncond := t.Models.Conditioner.Assemble(
		ctx.In(ScopeClip), tokens, data.ClipPreprocess(blank),
		t.Models.Text, t.Models.Image, conditions.Options{Eval: true, Unconditional: true})
	if t.modelDType != dtypes.Float32 {
		cond = convertSet(cond, t.modelDType)
		uncond = convertSet(uncond, t.modelDType)
	}

	genScope := "/" + ScopeGenerator
	if useEMA {
		genScope = "/" + ScopeEMA + "/" + ScopeGenerator
	}
	genCtx := ctx.InAbsPath(genScope)

	x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, batch, size, size, effnet.LatentChannels))
	ts := gdf.Timesteps(t.Extras.SampleTimesteps)
	for i := 0; i+1 < len(ts); i++ {
		logSNR := t.shiftedLogSNRAt(g, batch, ts[i])
		logSNRPrev := t.shiftedLogSNRAt(g, batch, ts[i+1])
		pred := t.guidedForward(genCtx, x, logSNR, cond, uncond)

		a, b := t.Extras.GDF.InputScaler.Scalers(logSNR)
		x0 := t.Extras.GDF.Target.X0(x, pred, expandLike(a, x), expandLike(b, x))
		x = t.Extras.Sampler.Step(ctx, x, x0, logSNR, logSNRPrev)
	}
	return t.DecodeLatentsGraph(ctx, x)
}

// shiftedLogSNRAt evaluates the shifted schedule at a fixed time for the
// whole batch.
func (t *Trainer) shiftedLogSNRAt(g *Graph, batch int, time float64) *Node {
	tNode := BroadcastToDims(ConstAsDType(g, dtypes.Float32, time), batch)
	return t.Extras.GDF.ShiftedLogSNR(tNode, t.Extras.SampleShift)
}

// guidedForward runs the generator on the conditional and unconditional
// branches and combines them with the guidance scale.
func (t *Trainer) guidedForward(genCtx *context.Context, x, logSNR *Node, cond, uncond conditions.Set) *Node {
	noiseCond := t.Extras.GDF.NoiseCond.Cond(logSNR)
	input := x
	if t.modelDType != dtypes.Float32 {
		input = ConvertDType(x, t.modelDType)
		noiseCond = ConvertDType(noiseCond, t.modelDType)
	}
	predCond := t.Models.Generator.Forward(genCtx, input, noiseCond, cond)
	predUncond := t.Models.Generator.Forward(genCtx, input, noiseCond, uncond)
	pred := Add(predUncond, MulScalar(Sub(predCond, predUncond), t.Extras.GuidanceScale))
	return ConvertDType(pred, dtypes.Float32)
}

// expandLike appends size-1 axes to a per-example scalar until it broadcasts
// against ref.
func expandLike(x, ref *Node) *Node {
	for x.Rank() < ref.Rank() {
		x = InsertAxes(x, -1)
	}
	return x
}
