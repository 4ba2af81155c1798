package previewer_test

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustomzone/StableCascade/models/previewer"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDecodeShapeAndRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	decoder := &previewer.Decoder{Channels: []int{8, 4}}
	require.Equal(t, 4, decoder.Upscale())

	out, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		latents := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 2, 2, 16))
		return decoder.Decode(ctx.In("previewer"), latents)
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 8, 8, 3}, out.Shape().Dimensions)

	// Sigmoid readout keeps the image in [0, 1].
	for _, row := range out.Value().([][][][]float32) {
		for _, col := range row {
			for _, pixel := range col {
				for _, v := range pixel {
					assert.GreaterOrEqual(t, v, float32(0))
					assert.LessOrEqual(t, v, float32(1))
				}
			}
		}
	}
}

func TestDefaultUpscale(t *testing.T) {
	assert.Equal(t, 32, previewer.New().Upscale())
}
