package clip

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// ImageConfig describes a CLIP vision encoder topology.
type ImageConfig struct {
	PatchSize int
	Dim       int
	Layers    int
	Heads     int
	// OutputDim is the width of the pooled projection, matching the text
	// encoder's.
	OutputDim int
}

// DefaultImageConfig returns the production vision encoder topology, for
// 224x224 inputs.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		PatchSize: 14,
		Dim:       1280,
		Layers:    32,
		Heads:     16,
		OutputDim: 1024,
	}
}

// ImageModel is the frozen CLIP vision encoder.
type ImageModel struct {
	Config ImageConfig
}

// NewImageModel returns a vision encoder with the given topology.
func NewImageModel(config ImageConfig) *ImageModel {
	return &ImageModel{Config: config}
}

// EncodeImage implements conditions.ImageEncoder. images must be
// CLIP-preprocessed, shaped [batchSize, size, size, 3] with size a multiple
// of PatchSize. Returns one embedding per image, [batchSize, OutputDim].
func (m *ImageModel) EncodeImage(ctx *context.Context, images *Node) *Node {
	cfg := m.Config
	g := images.Graph()
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	batchSize := images.Shape().Dimensions[0]

	patches := layers.Convolution(ctx.In("patch_embedding"), images).
		Filters(cfg.Dim).KernelSize(cfg.PatchSize).Strides(cfg.PatchSize).NoPadding().Done()
	x := Reshape(patches, batchSize, -1, cfg.Dim)
	numPatches := x.Shape().Dimensions[1]

	classVar := ctx.In("class_token").VariableWithShape("embedding",
		shapes.Make(dtypes.Float32, 1, 1, cfg.Dim))
	classToken := BroadcastToDims(classVar.ValueGraph(g), batchSize, 1, cfg.Dim)
	x = Concatenate([]*Node{classToken, x}, 1)

	posVar := ctx.In("positional").VariableWithShape("embeddings",
		shapes.Make(dtypes.Float32, 1, numPatches+1, cfg.Dim))
	x = Add(x, posVar.ValueGraph(g))

	for i := range cfg.Layers {
		x = transformerBlock(ctx.Inf("block_%d", i), x, cfg.Heads, false)
	}
	x = layers.LayerNormalization(ctx.In("norm_final"), x, -1).Done()

	pooled := Squeeze(Slice(x, AxisRange(), AxisElem(0), AxisRange()), 1)
	return layers.Dense(ctx.In("image_projection"), pooled, false, cfg.OutputDim)
}
