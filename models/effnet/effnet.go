// Package effnet implements the frozen EfficientNet-style image encoder that
// produces the latent space the Stage-C generator is trained on. It is never
// trained here: its weights come from a pytorch checkpoint and stay frozen.
package effnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// LatentChannels of the produced latent space.
const LatentChannels = 16

// Encoder downsamples an image by a factor of 2 per stage and projects the
// result to LatentChannels.
type Encoder struct {
	// Channels per downsampling stage. The spatial reduction factor is
	// 2^len(Channels).
	Channels []int
}

// New returns the encoder with the production topology: a 32x spatial
// reduction.
func New() *Encoder {
	return &Encoder{Channels: []int{24, 48, 64, 128, 160}}
}

// Downscale returns the spatial reduction factor of the encoder.
func (e *Encoder) Downscale() int { return 1 << len(e.Channels) }

// Encode maps preprocessed images [batchSize, height, width, 3] to latents
// [batchSize, height/Downscale, width/Downscale, LatentChannels].
func (e *Encoder) Encode(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	x := images
	for i, channels := range e.Channels {
		stageCtx := ctx.Inf("stage_%d", i)
		x = layers.Convolution(stageCtx, x).
			Filters(channels).KernelSize(3).Strides(2).PadSame().Done()
		x = activations.Gelu(x)
	}
	return layers.Dense(ctx.In("latent_projection"), x, true, LatentChannels)
}
