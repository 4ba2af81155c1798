// Package data provides the training data pipeline: batches of images and
// captions, the host-side crop/resize transforms, the graph-side
// normalization constants of the frozen encoders, and a synthetic dataset
// for tests and dry runs.
package data

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ClipImageSize is the input resolution of the CLIP vision encoder.
const ClipImageSize = 224

// Channel statistics of the frozen encoders. The EfficientNet encoder was
// trained with ImageNet statistics; CLIP with its own.
var (
	EffnetMean = []float32{0.485, 0.456, 0.406}
	EffnetStd  = []float32{0.229, 0.224, 0.225}

	ClipMean = []float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = []float32{0.26862954, 0.26130258, 0.27577711}
)

// EffnetPreprocess normalizes images in [0, 1], shaped
// [batchSize, height, width, 3], for the EfficientNet encoder.
func EffnetPreprocess(x *Node) *Node {
	return normalize(x, EffnetMean, EffnetStd)
}

// ClipPreprocess normalizes images in [0, 1], already resized to
// ClipImageSize host-side, for the CLIP vision encoder.
func ClipPreprocess(x *Node) *Node {
	return normalize(x, ClipMean, ClipStd)
}

func normalize(x *Node, mean, std []float32) *Node {
	g := x.Graph()
	meanNode := ExpandLeftToRank(Const(g, mean), x.Rank())
	stdNode := ExpandLeftToRank(Const(g, std), x.Rank())
	x = ConvertDType(x, meanNode.DType())
	return Div(Sub(x, meanNode), stdNode)
}
