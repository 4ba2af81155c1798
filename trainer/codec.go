package trainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/kustomzone/StableCascade/data"
)

// EncodeLatentsGraph maps an image batch [batch, size, size, 3] in [0, 1] to
// the latent space the generator is trained in. The encoder is frozen, so no
// gradient flows through it.
func (t *Trainer) EncodeLatentsGraph(ctx *context.Context, images *Node) *Node {
	latents := t.Models.Effnet.Encode(ctx.In(ScopeEffnet), data.EffnetPreprocess(images))
	return StopGradient(latents)
}

// DecodeLatentsGraph maps latents back to an image batch in [0, 1] through
// the frozen previewer, for visualization only.
func (t *Trainer) DecodeLatentsGraph(ctx *context.Context, latents *Node) *Node {
	return StopGradient(t.Models.Previewer.Decode(ctx.In(ScopePreviewer), latents))
}

// EncodeLatents is the host-side EncodeLatentsGraph.
func (t *Trainer) EncodeLatents(images *tensors.Tensor) (*tensors.Tensor, error) {
	return t.encodeExec.Exec1(images)
}

// DecodeLatents is the host-side DecodeLatentsGraph.
func (t *Trainer) DecodeLatents(latents *tensors.Tensor) (*tensors.Tensor, error) {
	return t.decodeExec.Exec1(latents)
}

// LatentSize returns the spatial side of the latents for the configured
// image size.
func (t *Trainer) LatentSize() int {
	return t.cfg.ImageSize / t.Models.Effnet.Downscale()
}
