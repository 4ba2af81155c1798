package stagec_test

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustomzone/StableCascade/conditions"
	"github.com/kustomzone/StableCascade/models/stagec"

	_ "github.com/gomlx/gomlx/backends/default"
)

// tinyVariant keeps the test graphs small.
func tinyVariant() stagec.Variant {
	return stagec.Variant{
		Name:    "tiny",
		CCond:   8,
		CHidden: [2]int{8, 8},
		NHead:   [2]int{2, 2},
		Blocks:  [2][2]int{{1, 1}, {1, 1}},
	}
}

func TestVariantByName(t *testing.T) {
	v, err := stagec.VariantByName("3.6B")
	require.NoError(t, err)
	assert.Equal(t, 2048, v.CCond)
	assert.Equal(t, [2][2]int{{8, 24}, {24, 8}}, v.Blocks)

	v, err = stagec.VariantByName("1B")
	require.NoError(t, err)
	assert.Equal(t, 1536, v.CCond)
	assert.Equal(t, [2]int{24, 24}, v.NHead)
	assert.Equal(t, [2][2]int{{4, 12}, {12, 4}}, v.Blocks)

	_, err = stagec.VariantByName("7B")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "7B")
}

func TestForwardShapeAndZeroInit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	model := stagec.New(tinyVariant())

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		latents := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 4, 4, stagec.LatentChannels))
		noiseCond := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2))
		cond := conditions.Set{
			ClipText:       ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 3, 6)),
			ClipTextPooled: ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 6)),
			ClipImg:        ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 5)),
		}
		return model.Forward(ctx.In("generator"), latents, noiseCond, cond)
	})
	require.NoError(t, err)
	out, err := exec.Exec1()
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 4, stagec.LatentChannels}, out.Shape().Dimensions)

	// The readout projection starts at zero, so the untrained generator
	// predicts exactly zero noise.
	for _, row := range out.Value().([][][][]float32) {
		for _, col := range row {
			for _, pixel := range col {
				for _, v := range pixel {
					require.Equal(t, float32(0), v)
				}
			}
		}
	}
}

func TestForwardWithoutConditioning(t *testing.T) {
	// Attention blocks fall back to self-attention when no conditioning
	// fields are present.
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	model := stagec.New(tinyVariant())

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		latents := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 1, 4, 4, stagec.LatentChannels))
		noiseCond := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 1))
		return model.Forward(ctx.In("generator"), latents, noiseCond, conditions.Set{})
	})
	require.NoError(t, err)
	out, err := exec.Exec1()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4, stagec.LatentChannels}, out.Shape().Dimensions)
}

func TestBlockKindScopes(t *testing.T) {
	// Variables of each block kind live under a scope carrying the kind
	// name, which the distributed wrapping relies on.
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	model := stagec.New(tinyVariant())

	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		latents := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 1, 4, 4, stagec.LatentChannels))
		noiseCond := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 1))
		return model.Forward(ctx.In("generator"), latents, noiseCond, conditions.Set{})
	})
	require.NoError(t, err)
	_, err = exec.Exec1()
	require.NoError(t, err)

	found := make(map[string]bool)
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		for _, kind := range []string{
			stagec.ResBlockScope, stagec.TimestepBlockScope,
			stagec.AttnBlockScope, stagec.FeedForwardBlockScope,
		} {
			if strings.Contains(v.Scope(), "/"+kind) {
				found[kind] = true
			}
		}
	})
	for _, kind := range []string{
		stagec.ResBlockScope, stagec.TimestepBlockScope,
		stagec.AttnBlockScope, stagec.FeedForwardBlockScope,
	} {
		assert.Truef(t, found[kind], "no variables found for block kind %q", kind)
	}
}
