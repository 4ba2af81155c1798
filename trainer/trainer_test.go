package trainer

import (
	"math"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustomzone/StableCascade/conditions"
	"github.com/kustomzone/StableCascade/config"
	"github.com/kustomzone/StableCascade/data"
	"github.com/kustomzone/StableCascade/dist"
	"github.com/kustomzone/StableCascade/models/clip"
	"github.com/kustomzone/StableCascade/models/effnet"
	"github.com/kustomzone/StableCascade/models/previewer"
	"github.com/kustomzone/StableCascade/models/stagec"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testConfig() config.Config {
	cfg := config.Base()
	cfg.LR = 1e-3
	cfg.WarmupUpdates = 4
	cfg.ModelVersion = config.ModelVersion1B
	// Unused by NewWithModels, required by validation.
	cfg.EffnetCheckpointPath = "unused"
	cfg.PreviewerCheckpointPath = "unused"
	cfg.BatchSize = 2
	cfg.ImageSize = 16
	cfg.GradAccumSteps = 3
	cfg.SampleTimesteps = 2
	return cfg
}

func testModels(t *testing.T) *Models {
	vocab := clip.NewVocabulary(nil)
	conditioner, err := conditions.NewAssembler([]string{
		conditions.FieldClipText,
		conditions.FieldClipTextPooled,
		conditions.FieldClipImg,
	}, 0.1)
	require.NoError(t, err)

	return &Models{
		Generator: stagec.New(stagec.Variant{
			Name:    "tiny",
			CCond:   8,
			CHidden: [2]int{8, 8},
			NHead:   [2]int{2, 2},
			Blocks:  [2][2]int{{1, 1}, {1, 1}},
		}),
		Effnet:    &effnet.Encoder{Channels: []int{4, 8}},
		Previewer: &previewer.Decoder{Channels: []int{8, 4}},
		Tokenizer: clip.NewTokenizer(vocab),
		Text: clip.NewTextModel(clip.TextConfig{
			VocabSize: vocab.Size(),
			Dim:       8,
			Layers:    1,
			Heads:     2,
			OutputDim: 4,
		}),
		Image: clip.NewImageModel(clip.ImageConfig{
			PatchSize: 56,
			Dim:       8,
			Layers:    1,
			Heads:     2,
			OutputDim: 4,
		}),
		Conditioner: conditioner,
	}
}

func newTestTrainer(t *testing.T, cfg config.Config, coll dist.Collective) *Trainer {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	trainer, err := NewWithModels(backend, ctx, cfg, coll, testModels(t))
	require.NoError(t, err)
	return trainer
}

func testBatch(t *testing.T, cfg config.Config, models *Models) (images, clipImages, tokens *tensors.Tensor) {
	ds := data.NewSynthetic(cfg.BatchSize, cfg.ImageSize, data.ClipImageSize, models.Tokenizer, 1)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	return inputs[0], inputs[1], inputs[2]
}

func TestStepCadence(t *testing.T) {
	cfg := testConfig()
	rec := &dist.Recorder{Inner: dist.Loopback{}}
	trainer := newTestTrainer(t, cfg, rec)
	images, clipImages, tokens := testBatch(t, cfg, trainer.Models)

	require.EqualValues(t, 0, trainer.GlobalStep())
	for logical := range 2 {
		for micro := range cfg.GradAccumSteps {
			loss, updated, err := trainer.Step(images, clipImages, tokens)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(loss))
			wantUpdate := micro == cfg.GradAccumSteps-1
			assert.Equal(t, wantUpdate, updated, "logical step %d, micro-batch %d", logical, micro)
		}
		assert.EqualValues(t, logical+1, trainer.GlobalStep())
		assert.Equal(t, logical+1, rec.Reduces())
	}

	// The accumulators must be cleared for the next window.
	for _, acc := range trainer.accumulators() {
		for _, v := range tensors.MustCopyFlatData[float32](acc.MustValue()) {
			require.Zero(t, v)
		}
	}
}

func TestMicroBatchLossScaling(t *testing.T) {
	images, clipImages, tokens := func() (a, b, c *tensors.Tensor) {
		cfg := testConfig()
		models := testModels(t)
		return testBatch(t, cfg, models)
	}()

	// Two trainers with identical seeds and topologies, differing only in
	// the accumulation factor: with the random state reset before each
	// micro-batch, the accumulated losses must sum to the unaccumulated one.
	cfgFull := testConfig()
	cfgFull.GradAccumSteps = 1
	full := newTestTrainer(t, cfgFull, nil)

	cfgAccum := testConfig()
	cfgAccum.GradAccumSteps = 2
	accum := newTestTrainer(t, cfgAccum, nil)

	full.Context().RngStateFromSeed(7)
	lossFull, err := full.Accumulate(images, clipImages, tokens)
	require.NoError(t, err)

	accum.Context().RngStateFromSeed(7)
	loss1, err := accum.Accumulate(images, clipImages, tokens)
	require.NoError(t, err)
	accum.Context().RngStateFromSeed(7)
	loss2, err := accum.Accumulate(images, clipImages, tokens)
	require.NoError(t, err)

	assert.InDelta(t, lossFull/2, loss1, 1e-6)
	assert.InDelta(t, lossFull, loss1+loss2, 1e-6)
}

func TestEMAThreshold(t *testing.T) {
	cfg := testConfig()
	start := int64(1)
	cfg.EMAStartIters = &start
	cfg.EMADecay = 0.5
	cfg.GradAccumSteps = 1
	trainer := newTestTrainer(t, cfg, nil)
	images, clipImages, tokens := testBatch(t, cfg, trainer.Models)

	_, updated, err := trainer.Step(images, clipImages, tokens)
	require.NoError(t, err)
	require.True(t, updated)

	// Below the threshold the shadow is untouched, still zero-initialized.
	v := trainer.trainableVars()[0]
	shadow := trainer.Context().GetVariableByScopeAndName("/"+ScopeEMA+v.Scope(), v.Name())
	require.NotNil(t, shadow)
	for _, x := range tensors.MustCopyFlatData[float32](shadow.MustValue()) {
		require.Zero(t, x)
	}

	// The first update at or past the threshold copies the weights.
	_, updated, err = trainer.Step(images, clipImages, tokens)
	require.NoError(t, err)
	require.True(t, updated)
	assert.Equal(t, v.MustValue().Value(), shadow.MustValue().Value())
}

func TestLatentCodecRoundTrip(t *testing.T) {
	cfg := testConfig()
	trainer := newTestTrainer(t, cfg, nil)
	images, _, _ := testBatch(t, cfg, trainer.Models)

	latents, err := trainer.EncodeLatents(images)
	require.NoError(t, err)
	assert.Equal(t, []int{cfg.BatchSize, 4, 4, effnet.LatentChannels}, latents.Shape().Dimensions)

	decoded, err := trainer.DecodeLatents(latents)
	require.NoError(t, err)
	assert.Equal(t, images.Shape().Dimensions, decoded.Shape().Dimensions)
	for _, x := range tensors.MustCopyFlatData[float32](decoded) {
		require.False(t, math.IsNaN(float64(x)) || math.IsInf(float64(x), 0))
	}
}

func TestSampleShape(t *testing.T) {
	cfg := testConfig()
	trainer := newTestTrainer(t, cfg, nil)
	images, clipImages, tokens := testBatch(t, cfg, trainer.Models)

	// One step creates the generator variables the sampler reuses.
	_, _, err := trainer.Step(images, clipImages, tokens)
	require.NoError(t, err)

	samples, err := trainer.Sample(tokens, false)
	require.NoError(t, err)
	assert.Equal(t, []int{cfg.BatchSize, cfg.ImageSize, cfg.ImageSize, 3}, samples.Shape().Dimensions)
}

func TestTwoWorkerLogicalStep(t *testing.T) {
	cfg := testConfig()
	group := dist.NewGroup(2)
	recorders := make([]*dist.Recorder, 2)
	trainers := make([]*Trainer, 2)
	for rank := range trainers {
		recorders[rank] = &dist.Recorder{Inner: group[rank]}
		trainers[rank] = newTestTrainer(t, cfg, recorders[rank])
	}

	// One logical step of 3 micro-batches per worker. Only the final
	// micro-batch synchronizes, so the collective blocks until both workers
	// reach it.
	var wg sync.WaitGroup
	for rank := range trainers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trainer := trainers[rank]
			images, clipImages, tokens := testBatch(t, cfg, trainer.Models)
			for range cfg.GradAccumSteps {
				_, _, err := trainer.Step(images, clipImages, tokens)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for rank, trainer := range trainers {
		assert.EqualValues(t, 1, trainer.GlobalStep(), "rank %d", rank)
		assert.Equal(t, 1, recorders[rank].Reduces(), "rank %d", rank)
	}

	// Both workers started from the same seed and applied the same averaged
	// gradients, so their weights stay identical.
	v0 := trainers[0].trainableVars()[0]
	v1 := trainers[1].Context().GetVariableByScopeAndName(v0.Scope(), v0.Name())
	require.NotNil(t, v1)
	assert.Equal(t, v0.MustValue().Value(), v1.MustValue().Value())
}
