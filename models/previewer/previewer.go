// Package previewer implements the frozen latent previewer: a small
// convolutional decoder that maps Stage-C latents back to RGB for quick
// visual inspection during training and sampling. Like the encoder, its
// weights are loaded from a pytorch checkpoint and stay frozen.
package previewer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Decoder upsamples latents by a factor of 2 per stage and projects the
// result to RGB.
type Decoder struct {
	// Channels per upsampling stage. The spatial growth factor is
	// 2^len(Channels).
	Channels []int
}

// New returns the decoder with the production topology, the inverse of the
// encoder's 32x reduction.
func New() *Decoder {
	return &Decoder{Channels: []int{128, 96, 64, 48, 24}}
}

// Upscale returns the spatial growth factor of the decoder.
func (d *Decoder) Upscale() int { return 1 << len(d.Channels) }

// Decode maps latents [batchSize, h, w, channels] to images in [0, 1],
// shaped [batchSize, h*Upscale, w*Upscale, 3].
func (d *Decoder) Decode(ctx *context.Context, latents *Node) *Node {
	latents.AssertRank(4)
	x := latents
	for i, channels := range d.Channels {
		stageCtx := ctx.Inf("stage_%d", i)
		x = upSample2x(x)
		x = layers.Convolution(stageCtx, x).
			Filters(channels).KernelSize(3).PadSame().Done()
		x = activations.Gelu(x)
	}
	x = layers.Dense(ctx.In("rgb_projection"), x, true, 3)
	return Sigmoid(x)
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
