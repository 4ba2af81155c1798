// Package stagec implements the Stage-C latent generator: a transformer-like
// convolutional model that denoises EfficientNet latents, conditioned on a
// noise level and on CLIP text/image features.
//
// The model is organized in two resolution levels. Each block of a level is
// the sequence residual convolution, timestep modulation, attention over the
// conditioning tokens, and a feed-forward mixer. The four block kinds carry
// stable scope names so distributed wrapping can group variables by kind.
package stagec

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/pkg/errors"

	"github.com/kustomzone/StableCascade/conditions"
)

// Scope names of the block kinds, used for variable grouping.
const (
	ResBlockScope         = "res_block"
	TimestepBlockScope    = "timestep_block"
	AttnBlockScope        = "attn_block"
	FeedForwardBlockScope = "ffn_block"
)

// LatentChannels is the number of channels of the EfficientNet latent space
// the generator operates on.
const LatentChannels = 16

// Variant describes a generator topology.
type Variant struct {
	Name string

	// CCond is the width of the conditioning tokens and embeddings.
	CCond int

	// CHidden is the channel count of each of the two resolution levels.
	CHidden [2]int

	// NHead is the attention head count per level. CHidden[i] must be a
	// multiple of NHead[i].
	NHead [2]int

	// Blocks[0] are the block counts of the down path (level 0, level 1);
	// Blocks[1] of the up path (level 1, level 0).
	Blocks [2][2]int
}

// Variants of the released models.
var (
	Variant3_6B = Variant{
		Name:    "3.6B",
		CCond:   2048,
		CHidden: [2]int{2048, 2048},
		NHead:   [2]int{32, 32},
		Blocks:  [2][2]int{{8, 24}, {24, 8}},
	}
	Variant1B = Variant{
		Name:    "1B",
		CCond:   1536,
		CHidden: [2]int{1536, 1536},
		NHead:   [2]int{24, 24},
		Blocks:  [2][2]int{{4, 12}, {12, 4}},
	}
)

// VariantByName resolves a model version string from the configuration.
func VariantByName(name string) (Variant, error) {
	switch name {
	case Variant3_6B.Name:
		return Variant3_6B, nil
	case Variant1B.Name:
		return Variant1B, nil
	}
	return Variant{}, errors.Errorf("stagec: unknown model version %q, valid versions are %q and %q",
		name, Variant3_6B.Name, Variant1B.Name)
}

// Model is a Stage-C generator of a fixed variant. All parameters live in the
// context scope given to Forward, so two Model values sharing a scope share
// weights.
type Model struct {
	Variant Variant
}

// New returns a generator with the given topology.
func New(variant Variant) *Model {
	return &Model{Variant: variant}
}

// Forward predicts the noise of the latents. latents are shaped
// [batchSize, height, width, LatentChannels], noiseCond is the per-example
// conditioning time shaped [batchSize], in [0, 1].
func (m *Model) Forward(ctx *context.Context, latents, noiseCond *Node, cond conditions.Set) *Node {
	v := m.Variant
	latents.AssertRank(4)
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))

	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	condEmbed := m.condEmbedding(nextCtx("cond_embedding"), noiseCond)
	condTokens := m.condTokens(nextCtx("cond_tokens"), cond)

	x := layers.Dense(nextCtx("latent_projection"), latents, true, v.CHidden[0])

	// Down path.
	for i := range v.Blocks[0][0] {
		x = m.block(nextCtx("down0_%d", i), x, condEmbed, condTokens, v.CHidden[0], v.NHead[0])
	}
	skip := x
	x = layers.Convolution(nextCtx("downsample"), x).
		Filters(v.CHidden[1]).KernelSize(2).Strides(2).NoPadding().Done()
	for i := range v.Blocks[0][1] {
		x = m.block(nextCtx("down1_%d", i), x, condEmbed, condTokens, v.CHidden[1], v.NHead[1])
	}

	// Up path.
	for i := range v.Blocks[1][0] {
		x = m.block(nextCtx("up1_%d", i), x, condEmbed, condTokens, v.CHidden[1], v.NHead[1])
	}
	x = upSample2x(x)
	x = layers.Dense(nextCtx("upsample_projection"), x, true, v.CHidden[0])
	x = Add(x, skip)
	for i := range v.Blocks[1][1] {
		x = m.block(nextCtx("up0_%d", i), x, condEmbed, condTokens, v.CHidden[0], v.NHead[0])
	}

	// Readout starts at zero so the untrained model predicts zero noise.
	x = layers.LayerNormalization(nextCtx("readout_norm"), x, -1).Done()
	return layers.DenseWithBias(nextCtx("readout").WithInitializer(initializers.Zero), x, LatentChannels)
}

// block applies one full generator block: residual convolution, timestep
// modulation, attention over the conditioning tokens and a feed-forward
// mixer.
func (m *Model) block(ctx *context.Context, x, condEmbed, condTokens *Node, channels, numHeads int) *Node {
	x = resBlock(ctx.In(ResBlockScope), x, channels)
	x = timestepBlock(ctx.In(TimestepBlockScope), x, condEmbed)
	x = attnBlock(ctx.In(AttnBlockScope), x, condTokens, numHeads)
	x = feedForwardBlock(ctx.In(FeedForwardBlockScope), x)
	return x
}

// condEmbedding builds the noise-level embedding: a sinusoidal encoding of
// the conditioning time followed by a two-layer MLP.
func (m *Model) condEmbedding(ctx *context.Context, noiseCond *Node) *Node {
	embed := sinusoidalEmbedding(noiseCond, m.Variant.CCond)
	embed = layers.Dense(ctx.In("ffn_1"), embed, true, m.Variant.CCond)
	embed = activations.Gelu(embed)
	embed = layers.Dense(ctx.In("ffn_2"), embed, true, m.Variant.CCond)
	return embed
}

// condTokens projects the CLIP features into a single token sequence: the
// text tokens followed by one token each for the pooled text and the image
// embedding. Nil fields are skipped; with no fields at all it returns nil and
// the attention blocks fall back to pure self-attention.
func (m *Model) condTokens(ctx *context.Context, cond conditions.Set) *Node {
	var tokens []*Node
	if cond.ClipText != nil {
		tokens = append(tokens,
			layers.Dense(ctx.In("clip_txt_mapper"), cond.ClipText, true, m.Variant.CCond))
	}
	if cond.ClipTextPooled != nil {
		pooled := layers.Dense(ctx.In("clip_txt_pooled_mapper"), cond.ClipTextPooled, true, m.Variant.CCond)
		tokens = append(tokens, InsertAxes(pooled, 1))
	}
	if cond.ClipImg != nil {
		img := layers.Dense(ctx.In("clip_img_mapper"), cond.ClipImg, true, m.Variant.CCond)
		tokens = append(tokens, InsertAxes(img, 1))
	}
	if len(tokens) == 0 {
		return nil
	}
	joined := tokens[0]
	if len(tokens) > 1 {
		joined = Concatenate(tokens, 1)
	}
	return layers.LayerNormalization(ctx.In("norm"), joined, -1).Done()
}

func resBlock(ctx *context.Context, x *Node, channels int) *Node {
	residual := x
	if x.Shape().Dimensions[3] != channels {
		residual = layers.Dense(ctx.In("residual_projection"), x, true, channels)
	}
	x = layers.LayerNormalization(ctx.In("norm"), x, -1).Done()
	x = layers.Convolution(ctx.In("conv_1"), x).Filters(channels).KernelSize(3).PadSame().Done()
	x = activations.Gelu(x)
	x = layers.Convolution(ctx.In("conv_2"), x).Filters(channels).KernelSize(3).PadSame().Done()
	return Add(x, residual)
}

// timestepBlock modulates the feature map with a scale and shift computed
// from the noise-level embedding.
func timestepBlock(ctx *context.Context, x, condEmbed *Node) *Node {
	channels := x.Shape().Dimensions[3]
	scale := layers.Dense(ctx.In("scale"), condEmbed, true, channels)
	shift := layers.Dense(ctx.In("shift"), condEmbed, true, channels)
	scale = InsertAxes(scale, 1, 1)
	shift = InsertAxes(shift, 1, 1)
	return Add(Mul(x, OnePlus(scale)), shift)
}

// attnBlock attends from the spatial positions to themselves plus the
// conditioning tokens.
func attnBlock(ctx *context.Context, x, condTokens *Node, numHeads int) *Node {
	shape := x.Shape()
	batchSize, height, width := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2]
	channels := shape.Dimensions[3]

	tokens := Reshape(x, batchSize, height*width, channels)
	normed := layers.LayerNormalization(ctx.In("norm"), tokens, -1).Done()
	keysValues := normed
	if condTokens != nil {
		keysValues = Concatenate([]*Node{condTokens, normed}, 1)
	}
	attended := attention.MultiHeadAttention(ctx.In("attention"), normed, keysValues, keysValues,
		numHeads, channels/numHeads).
		WithOutputDim(channels).
		Done()
	tokens = Add(tokens, attended)
	return Reshape(tokens, batchSize, height, width, channels)
}

func feedForwardBlock(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[3]
	residual := x
	x = layers.LayerNormalization(ctx.In("norm"), x, -1).Done()
	x = layers.Dense(ctx.In("ffn_1"), x, true, 4*channels)
	x = activations.Gelu(x)
	x = layers.Dense(ctx.In("ffn_2"), x, true, channels)
	return Add(x, residual)
}

// sinusoidalEmbedding encodes values in [0, 1] with geometrically spaced
// sine/cosine frequencies between 1 and 1000, shaped [batchSize, dim].
func sinusoidalEmbedding(values *Node, dim int) *Node {
	g := values.Graph()
	dtype := values.DType()
	half := dim / 2

	frequencies := IotaFull(g, shapes.Make(dtype, half))
	frequencies = Exp(MulScalar(frequencies, math.Log(1000.0)/float64(half-1)))
	angles := Mul(InsertAxes(values, -1), MulScalar(ExpandLeftToRank(frequencies, 2), 2*math.Pi))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// upSample2x doubles height and width by nearest-neighbor duplication.
func upSample2x(x *Node) *Node {
	shape := x.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	channels := shape.Dimensions[3]
	up := Concatenate([]*Node{x, x}, 3)
	up = Reshape(up, batchSize, height, 2*width, channels)
	up = Concatenate([]*Node{up, up}, 2)
	return Reshape(up, batchSize, 2*height, 2*width, channels)
}
