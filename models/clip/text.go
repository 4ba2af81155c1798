package clip

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// TextConfig describes a CLIP text encoder topology.
type TextConfig struct {
	VocabSize int
	Dim       int
	Layers    int
	Heads     int
	// OutputDim is the width of the pooled projection.
	OutputDim int
}

// DefaultTextConfig returns the production text encoder topology for a
// vocabulary of the given size.
func DefaultTextConfig(vocabSize int) TextConfig {
	return TextConfig{
		VocabSize: vocabSize,
		Dim:       1024,
		Layers:    24,
		Heads:     16,
		OutputDim: 1024,
	}
}

// TextModel is the frozen CLIP text encoder.
type TextModel struct {
	Config TextConfig
}

// NewTextModel returns a text encoder with the given topology.
func NewTextModel(config TextConfig) *TextModel {
	return &TextModel{Config: config}
}

// EncodeText implements conditions.TextEncoder. tokens is shaped
// [batchSize, seqLen] with int token ids. It returns the per-token features
// [batchSize, seqLen, Dim] and the pooled projection [batchSize, OutputDim],
// taken at the end-of-text token, which holds the largest id of the row.
func (m *TextModel) EncodeText(ctx *context.Context, tokens *Node) (sequence, pooled *Node) {
	cfg := m.Config
	g := tokens.Graph()
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	seqLen := tokens.Shape().Dimensions[1]

	x := layers.Embedding(ctx.In("token_embedding"), tokens, dtypes.Float32, cfg.VocabSize, cfg.Dim)
	posVar := ctx.In("positional").VariableWithShape("embeddings",
		shapes.Make(dtypes.Float32, 1, seqLen, cfg.Dim))
	x = Add(x, posVar.ValueGraph(g))

	for i := range cfg.Layers {
		x = transformerBlock(ctx.Inf("block_%d", i), x, cfg.Heads, true)
	}
	sequence = layers.LayerNormalization(ctx.In("norm_final"), x, -1).Done()

	eotMask := ConvertDType(
		Equal(tokens, ReduceAndKeep(tokens, ReduceMax, -1)),
		sequence.DType())
	pooled = maskedPool(sequence, eotMask)
	pooled = layers.Dense(ctx.In("text_projection"), pooled, false, cfg.OutputDim)
	return
}

// maskedPool averages the sequence features at the masked positions. mask is
// [batchSize, seqLen], sequence is [batchSize, seqLen, dim].
func maskedPool(sequence, mask *Node) *Node {
	weighted := ReduceSum(Mul(sequence, InsertAxes(mask, -1)), 1)
	count := InsertAxes(ReduceSum(mask, 1), -1)
	return Div(weighted, count)
}

// transformerBlock is a pre-norm transformer layer: attention and a 4x MLP,
// both with residual connections.
func transformerBlock(ctx *context.Context, x *Node, numHeads int, causal bool) *Node {
	dim := x.Shape().Dimensions[2]

	h := layers.LayerNormalization(ctx.In("norm_1"), x, -1).Done()
	attn := attention.MultiHeadAttention(ctx.In("attention"), h, h, h, numHeads, dim/numHeads).
		WithOutputDim(dim)
	if causal {
		attn = attn.WithCausalMask(true)
	}
	x = Add(x, attn.Done())

	h = layers.LayerNormalization(ctx.In("norm_2"), x, -1).Done()
	h = layers.Dense(ctx.In("mlp_1"), h, true, 4*dim)
	h = activations.Gelu(h)
	h = layers.Dense(ctx.In("mlp_2"), h, true, dim)
	return Add(x, h)
}
