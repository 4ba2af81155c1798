package data_test

import (
	"image"
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustomzone/StableCascade/data"
	"github.com/kustomzone/StableCascade/models/clip"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSmartCropSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := image.NewNRGBA(image.Rect(0, 0, 100, 60))
	crop := data.DefaultSmartCrop()
	for range 20 {
		out := crop.Crop(src, 32, rng)
		bounds := out.Bounds()
		require.Equal(t, 32, bounds.Dx())
		require.Equal(t, 32, bounds.Dy())
	}
}

func TestCenterFit(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 37, 91))
	out := data.CenterFit(src, 24)
	assert.Equal(t, 24, out.Bounds().Dx())
	assert.Equal(t, 24, out.Bounds().Dy())
}

func TestSyntheticYield(t *testing.T) {
	tok := clip.NewTokenizer(clip.NewVocabulary(nil))
	ds := data.NewSynthetic(3, 16, 8, tok, 42)
	assert.Equal(t, "synthetic", ds.Name())

	for range 2 {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Nil(t, labels)
		require.Len(t, inputs, 3)
		assert.Equal(t, []int{3, 16, 16, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{3, 8, 8, 3}, inputs[1].Shape().Dimensions)
		assert.Equal(t, []int{3, clip.ContextLen}, inputs[2].Shape().Dimensions)
	}
}

func TestPreprocessNormalization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)

	// An input equal to the channel means normalizes to zero.
	out, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		means := Const(g, [][][][]float32{{{data.EffnetMean, data.EffnetMean}}})
		return data.EffnetPreprocess(means)
	})
	require.NoError(t, err)
	for _, row := range out.Value().([][][][]float32) {
		for _, col := range row {
			for _, pixel := range col {
				for _, v := range pixel {
					assert.InDelta(t, 0, v, 1e-6)
				}
			}
		}
	}
}

func TestClipPreprocessRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)

	out, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ones := Ones(g, shapes.Make(dtypes.Float32, 1, 2, 2, 3))
		return data.ClipPreprocess(ones)
	})
	require.NoError(t, err)
	// (1 - mean) / std per channel.
	want := [3]float32{}
	for c := range 3 {
		want[c] = (1 - data.ClipMean[c]) / data.ClipStd[c]
	}
	for _, row := range out.Value().([][][][]float32) {
		for _, col := range row {
			for _, pixel := range col {
				for c, v := range pixel {
					assert.InDelta(t, want[c], v, 1e-5)
				}
			}
		}
	}
}
