// Package trainer orchestrates Stage-C training: it assembles the diffusion
// math, the trainable generator, the frozen auxiliary models, the optimizer
// and the warmup schedule, and drives the gradient-accumulated training step.
//
// One logical optimizer step spans GradAccumSteps micro-batches: each
// Accumulate call adds the micro-batch gradients to per-variable accumulator
// variables, and Update applies them once, synchronizing across workers
// exactly then. Step drives both and enforces the cadence.
package trainer

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/kustomzone/StableCascade/conditions"
	"github.com/kustomzone/StableCascade/config"
	"github.com/kustomzone/StableCascade/data"
	"github.com/kustomzone/StableCascade/dist"
	"github.com/kustomzone/StableCascade/gdf"
	"github.com/kustomzone/StableCascade/models/clip"
	"github.com/kustomzone/StableCascade/models/effnet"
	"github.com/kustomzone/StableCascade/models/previewer"
	"github.com/kustomzone/StableCascade/models/stagec"
	"github.com/kustomzone/StableCascade/weights"
)

// Context scopes of the model families. The generator scope holds every
// trainable variable; everything else is frozen or optimizer state.
const (
	ScopeGenerator = "generator"
	ScopeEffnet    = "effnet"
	ScopePreviewer = "previewer"
	ScopeClip      = "clip"
	ScopeEMA       = "ema"

	// accumScope holds the gradient accumulator variables, mirroring the
	// trainable variables' scopes the way the optimizer moments do.
	accumScope = "grad_accum"
)

// GradClipNorm is the global gradient norm every update is clipped to.
const GradClipNorm = 1.0

// Extras bundles the diffusion math of a run: the forward-diffusion setup
// shared between training and sampling, and the sampling parameters.
type Extras struct {
	GDF     *gdf.GDF
	Sampler gdf.Sampler

	GuidanceScale   float64
	SampleTimesteps int
	SampleShift     float64

	Crop data.SmartCropConfig
}

// SetupExtras builds the diffusion components. The sampler shares the
// training schedule so generation stays consistent with training.
func SetupExtras(cfg config.Config) *Extras {
	schedule := gdf.NewCosineSchedule(0.008)
	scaler := gdf.VPScaler{}
	return &Extras{
		GDF: &gdf.GDF{
			Schedule:    schedule,
			InputScaler: scaler,
			Target:      gdf.EpsilonTarget{},
			NoiseCond:   gdf.NewCosineTNoiseCond(0.008),
			LossWeight:  gdf.NewP2LossWeight(),
		},
		Sampler:         gdf.NewDDPMSampler(scaler),
		GuidanceScale:   cfg.GuidanceScale,
		SampleTimesteps: cfg.SampleTimesteps,
		SampleShift:     cfg.SampleShift,
		Crop:            data.DefaultSmartCrop(),
	}
}

// Models bundles the networks of a run: the trainable generator plus the
// frozen latent codec and CLIP encoders, and the conditioning assembler.
type Models struct {
	Generator *stagec.Model
	Effnet    *effnet.Encoder
	Previewer *previewer.Decoder

	Tokenizer *clip.Tokenizer
	Text      *clip.TextModel
	Image     *clip.ImageModel

	Conditioner *conditions.Assembler
}

// SetupModels selects the generator variant, builds the frozen auxiliary
// models and loads their weights into ctx. Frozen weights are assigned
// non-trainable; the generator resume checkpoint, if any, stays trainable.
func SetupModels(ctx *context.Context, cfg config.Config) (*Models, error) {
	variant, err := stagec.VariantByName(cfg.ModelVersion)
	if err != nil {
		return nil, err
	}

	var merges [][2]string
	if cfg.ClipMergesPath != "" {
		merges, err = clip.LoadMerges(cfg.ClipMergesPath)
		if err != nil {
			return nil, err
		}
	}
	vocab := clip.NewVocabulary(merges)

	conditioner, err := conditions.NewAssembler([]string{
		conditions.FieldClipText,
		conditions.FieldClipTextPooled,
		conditions.FieldClipImg,
	}, cfg.CondDropoutRate)
	if err != nil {
		return nil, err
	}

	m := &Models{
		Generator:   stagec.New(variant),
		Effnet:      effnet.New(),
		Previewer:   previewer.New(),
		Tokenizer:   clip.NewTokenizer(vocab),
		Text:        clip.NewTextModel(clip.DefaultTextConfig(vocab.Size())),
		Image:       clip.NewImageModel(clip.DefaultImageConfig()),
		Conditioner: conditioner,
	}

	frozen := []struct {
		path  string
		scope string
	}{
		{cfg.EffnetCheckpointPath, ScopeEffnet},
		{cfg.PreviewerCheckpointPath, ScopePreviewer},
		{cfg.ClipTextModelPath, ScopeClip + "/text"},
		{cfg.ClipImageModelPath, ScopeClip + "/image"},
	}
	for _, f := range frozen {
		if f.path == "" {
			continue
		}
		sd, err := weights.LoadTorch(f.path)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading frozen weights for %q", f.scope)
		}
		if err := sd.AssignTo(ctx.InAbsPath("/"+f.scope), true); err != nil {
			return nil, errors.WithMessagef(err, "assigning frozen weights to %q", f.scope)
		}
	}
	if cfg.GeneratorCheckpointPath != "" {
		sd, err := weights.LoadTorch(cfg.GeneratorCheckpointPath)
		if err != nil {
			return nil, errors.WithMessage(err, "loading generator resume checkpoint")
		}
		if err := sd.AssignTo(ctx.InAbsPath("/"+ScopeGenerator), false); err != nil {
			return nil, errors.WithMessage(err, "assigning generator resume checkpoint")
		}
	}
	return m, nil
}

// SetupOptimizers builds the generator optimizer. The learning rate variable
// it reads is overwritten by the warmup schedule every update.
func SetupOptimizers(cfg config.Config) optimizers.Interface {
	return optimizers.Adam().LearningRate(cfg.LR).Done()
}

// Schedulers bundles the learning-rate schedules applied before each
// optimizer update.
type Schedulers struct {
	WarmupUpdates int
	LearningRate  float64
}

// SetupSchedulers reads the schedule parameters from the configuration. The
// warmup itself is a pure function of the restored global step, so resuming
// from a checkpoint needs no fast-forwarding.
func SetupSchedulers(cfg config.Config) Schedulers {
	return Schedulers{
		WarmupUpdates: cfg.WarmupUpdates,
		LearningRate:  cfg.LR,
	}
}

// Trainer owns the training state of one worker: the execution graphs, the
// optimizer, the position inside the accumulation window and the collective
// used to synchronize gradients.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     config.Config
	coll    dist.Collective

	Extras *Extras
	Models *Models

	optimizer  optimizers.Interface
	schedulers Schedulers
	modelDType dtypes.DType

	accumExec  *context.Exec
	updateExec *context.Exec
	encodeExec *context.Exec
	decodeExec *context.Exec

	microStep int
}

// New assembles a trainer: models per the configuration, frozen weights
// loaded from their checkpoint paths. coll may be nil for single-worker runs.
func New(backend backends.Backend, ctx *context.Context, cfg config.Config, coll dist.Collective) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	models, err := SetupModels(ctx.Checked(false), cfg)
	if err != nil {
		return nil, err
	}
	return NewWithModels(backend, ctx, cfg, coll, models)
}

// NewWithModels is New with the model bundle supplied by the caller, skipping
// SetupModels. Used by tests and experiments with non-released topologies.
// The context is used unchecked: variables are created by whichever graph
// runs first and shared by the rest.
func NewWithModels(backend backends.Backend, ctx *context.Context, cfg config.Config, coll dist.Collective, models *Models) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if coll == nil {
		coll = dist.Loopback{}
	}
	ctx = ctx.Checked(false)

	modelDType := dtypes.Float32
	if cfg.DType == "bfloat16" {
		modelDType = dtypes.BFloat16
	}

	t := &Trainer{
		backend:    backend,
		ctx:        ctx,
		cfg:        cfg,
		coll:       coll,
		Extras:     SetupExtras(cfg),
		Models:     models,
		optimizer:  SetupOptimizers(cfg),
		schedulers: SetupSchedulers(cfg),
		modelDType: modelDType,
	}

	var err error
	t.accumExec, err = context.NewExec(backend, ctx, t.buildAccumulate)
	if err != nil {
		return nil, errors.WithMessage(err, "building the accumulation step")
	}
	t.encodeExec, err = context.NewExec(backend, ctx, t.EncodeLatentsGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "building the latent encoder")
	}
	t.decodeExec, err = context.NewExec(backend, ctx, t.DecodeLatentsGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "building the latent decoder")
	}
	return t, nil
}

// Context returns the variable context holding all model and optimizer state.
func (t *Trainer) Context() *context.Context { return t.ctx }

// GlobalStep returns the number of completed optimizer updates.
func (t *Trainer) GlobalStep() int64 {
	v := optimizers.GetGlobalStepVar(t.ctx)
	return tensors.ToScalar[int64](v.MustValue())
}

// ModelsToSave lists the logical model names eligible for checkpoint saving.
func ModelsToSave() []string {
	return []string{"generator", "generator_ema"}
}

// blockKinds are the generator block scopes used as the sharding granularity.
func blockKinds() []string {
	return []string{
		stagec.ResBlockScope,
		stagec.TimestepBlockScope,
		stagec.AttnBlockScope,
		stagec.FeedForwardBlockScope,
	}
}

// trainableVars returns every trainable variable, in the stable enumeration
// order the optimizer uses.
func (t *Trainer) trainableVars() []*context.Variable {
	var vars []*context.Variable
	for v := range t.ctx.IterVariables() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	return vars
}

// accumulatorVar returns the gradient accumulator of a trainable variable,
// creating it zero-initialized on first use. Accumulators mirror the
// trainable variables' scope under accumScope, like the optimizer moments.
func (t *Trainer) accumulatorVar(v *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, accumScope, v.Scope())
	return t.ctx.InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name()+"_accum", v.Shape()).
		SetTrainable(false)
}

// accumulators returns the gradient accumulators in the order they are
// synchronized across workers. Under sharding the order groups variables by
// generator block kind, matching the wrapping granularity.
func (t *Trainer) accumulators() []*context.Variable {
	var vars []*context.Variable
	if t.cfg.UseSharding {
		groups := dist.GroupByBlockKind(t.ctx, "/"+ScopeGenerator, blockKinds())
		for _, group := range groups {
			vars = append(vars, group.Variables...)
		}
	} else {
		vars = t.trainableVars()
	}
	accs := make([]*context.Variable, len(vars))
	for i, v := range vars {
		accs[i] = t.accumulatorVar(v)
	}
	return accs
}

// freezeAuxiliaryModels marks every variable outside the generator scope
// non-trainable. Loading already freezes assigned weights, but models left at
// their random initialization create trainable variables on first use; this
// runs after every graph build so they never reach the optimizer.
func (t *Trainer) freezeAuxiliaryModels() {
	for _, scope := range []string{ScopeEffnet, ScopePreviewer, ScopeClip} {
		t.ctx.InAbsPath("/" + scope).EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})
	}
}

// Step runs one micro-batch and, on the last micro-batch of the accumulation
// window, applies the accumulated update with gradient synchronization. It
// returns the micro-batch loss and whether an update was applied.
func (t *Trainer) Step(images, clipImages, tokens *tensors.Tensor) (loss float64, updated bool, err error) {
	loss, err = t.Accumulate(images, clipImages, tokens)
	if err != nil {
		return loss, false, err
	}
	if t.microStep < t.cfg.GradAccumSteps {
		return loss, false, nil
	}
	if err = t.Update(true); err != nil {
		return loss, false, err
	}
	return loss, true, nil
}

// Accumulate runs forward and backward for one micro-batch and adds its
// gradients to the accumulators, without synchronizing across workers and
// without touching the weights. images is the training image batch
// [batch, size, size, 3] in [0, 1]; clipImages the CLIP-sized crop batch;
// tokens the tokenized captions [batch, 77].
func (t *Trainer) Accumulate(images, clipImages, tokens *tensors.Tensor) (float64, error) {
	loss, err := t.accumExec.Exec1(images, clipImages, tokens)
	if err != nil {
		return 0, err
	}
	t.microStep++
	return float64(tensors.ToScalar[float32](loss)), nil
}

// Update applies the accumulated gradients: clip to the global norm, set the
// warmup learning rate, step the optimizer, update the EMA shadow, zero the
// accumulators and advance the global step by exactly one. If sync is true
// the accumulated gradients are first averaged across the worker group; a
// logical step synchronizes exactly once, on its last micro-batch.
func (t *Trainer) Update(sync bool) error {
	if sync && t.coll != nil {
		accs := t.accumulators()
		values := make([]*tensors.Tensor, len(accs))
		for i, acc := range accs {
			v, err := acc.Value()
			if err != nil {
				return errors.WithMessagef(err, "reading accumulated gradient %q", acc.Name())
			}
			values[i] = v
		}
		reduced, err := t.coll.AllReduceMean(values)
		if err != nil {
			return errors.WithMessage(err, "synchronizing gradients across workers")
		}
		for i, acc := range accs {
			acc.MustSetValue(reduced[i])
		}
	}
	// The update graph is built on first use, once the trainable variables
	// exist: its variable set must match what the accumulation graph created.
	if t.updateExec == nil {
		var err error
		t.updateExec, err = context.NewExec(t.backend, t.ctx, t.buildUpdate)
		if err != nil {
			return errors.WithMessage(err, "building the update step")
		}
	}
	if _, err := t.updateExec.Exec(); err != nil {
		return err
	}
	t.microStep = 0
	return nil
}

// buildAccumulate is the graph of one forward/backward micro-batch.
func (t *Trainer) buildAccumulate(ctx *context.Context, images, clipImages, tokens *Node) *Node {
	g := images.Graph()
	ctx.SetTraining(g, true)

	latents := t.EncodeLatentsGraph(ctx, images)
	cond := t.Models.Conditioner.Assemble(
		ctx.In(ScopeClip), tokens, data.ClipPreprocess(clipImages),
		t.Models.Text, t.Models.Image, conditions.Options{})

	diffusion := t.Extras.GDF.Diffuse(ctx, latents, 1, 1)

	noised, noiseCond := diffusion.Noised, diffusion.NoiseCond
	if t.modelDType != dtypes.Float32 {
		noised = ConvertDType(noised, t.modelDType)
		noiseCond = ConvertDType(noiseCond, t.modelDType)
		cond = convertSet(cond, t.modelDType)
	}
	pred := t.Models.Generator.Forward(ctx.In(ScopeGenerator), noised, noiseCond, cond)
	pred = ConvertDType(pred, dtypes.Float32)

	// Per-example MSE over the latent axes, P2-weighted, averaged over the
	// batch. The division spreads the logical batch over the accumulation
	// window so accumulated gradients average rather than sum.
	mse := ReduceMean(Square(Sub(pred, diffusion.Target)), 1, 2, 3)
	loss := ReduceAllMean(Mul(mse, diffusion.LossWeight))
	loss = DivScalar(loss, float64(t.cfg.GradAccumSteps))

	t.freezeAuxiliaryModels()
	var vars []*context.Variable
	var wrt []*Node
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
			wrt = append(wrt, v.ValueGraph(g))
		}
	}
	grads := Gradient(loss, wrt...)
	for i, v := range vars {
		acc := t.accumulatorVar(v)
		acc.SetValueGraph(Add(acc.ValueGraph(g), grads[i]))
	}
	return loss
}

// convertSet casts every present conditioning field to dtype.
func convertSet(set conditions.Set, dtype dtypes.DType) conditions.Set {
	convert := func(x *Node) *Node {
		if x == nil {
			return nil
		}
		return ConvertDType(x, dtype)
	}
	return conditions.Set{
		ClipText:       convert(set.ClipText),
		ClipTextPooled: convert(set.ClipTextPooled),
		ClipImg:        convert(set.ClipImg),
	}
}
