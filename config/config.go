// Package config holds the training configuration for the Stage-C diffusion
// model. A configuration is assembled from three tiers -- built-in base
// defaults, runtime overrides (environment), and an experiment file (YAML,
// given as the first command-line argument) -- merged field by field with the
// experiment file taking the highest precedence.
//
// Required fields (learning rate, warmup updates, model version and the
// frozen-model checkpoint paths) have no defaults: if no tier supplies them,
// Validate fails and no model is ever constructed.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Model size variants for the Stage-C generator. See models/stagec.
const (
	ModelVersion3_6B = "3.6B"
	ModelVersion1B   = "1B"
)

// Config for one training run. The zero value of a field means "not set" for
// merging purposes; optional fields receive their defaults from Base.
type Config struct {
	// Training parameters. LR and WarmupUpdates are required.
	LR            float64 `yaml:"lr"`
	WarmupUpdates int     `yaml:"warmup_updates"`

	// ModelVersion selects the generator topology, one of "3.6B" or "1B".
	// Required.
	ModelVersion string `yaml:"model_version"`

	// Checkpoint paths for the frozen auxiliary models. Required.
	EffnetCheckpointPath    string `yaml:"effnet_checkpoint_path"`
	PreviewerCheckpointPath string `yaml:"previewer_checkpoint_path"`

	// GeneratorCheckpointPath optionally resumes the generator weights from a
	// previous run before any distributed wrapping happens.
	GeneratorCheckpointPath string `yaml:"generator_checkpoint_path"`

	// Frozen CLIP sub-model checkpoints. If empty the sub-models keep their
	// (frozen) random initialization -- only useful for tests and dry runs.
	ClipTextModelPath  string `yaml:"clip_text_model_path"`
	ClipImageModelPath string `yaml:"clip_image_model_path"`

	// ClipMergesPath is the BPE merges file of the CLIP tokenizer. If empty
	// the tokenizer falls back to byte-level encoding without merges.
	ClipMergesPath string `yaml:"clip_merges_path"`

	// EMAStartIters enables an exponential-moving-average shadow of the
	// generator once the global step reaches the given value. Nil disables
	// EMA tracking altogether.
	EMAStartIters *int64 `yaml:"ema_start_iters"`

	// EMADecay is the per-update decay of the EMA shadow weights.
	EMADecay float64 `yaml:"ema_decay"`

	// GradAccumSteps is the number of micro-batches accumulated per logical
	// optimizer step.
	GradAccumSteps int `yaml:"grad_accum_steps"`

	// UseSharding wraps the generator (and its EMA shadow) for sharded
	// data-parallel execution, at the granularity of the named block types.
	UseSharding bool `yaml:"use_sharding"`

	BatchSize int `yaml:"batch_size"`
	ImageSize int `yaml:"image_size"`

	// DType is the compute dtype of the generator forward pass, "float32" or
	// "bfloat16". The loss is always reduced in float32.
	DType string `yaml:"dtype"`

	// CondDropoutRate is the training-time probability of dropping the
	// conditioning of an example (classifier-free guidance training).
	CondDropoutRate float64 `yaml:"cond_dropout_rate"`

	// Sampling parameters, used by the previewer/sampling path only.
	GuidanceScale    float64 `yaml:"guidance_scale"`
	SampleTimesteps  int     `yaml:"sample_timesteps"`
	SampleShift      float64 `yaml:"sample_shift"`
	SampleBatchSize  int     `yaml:"sample_batch_size"`
	SampleOutputPath string  `yaml:"sample_output_path"`

	// Checkpointing of the trainable state (generator, EMA, optimizer moments
	// and the global step).
	CheckpointDir   string        `yaml:"checkpoint_dir"`
	CheckpointKeep  int           `yaml:"checkpoint_keep"`
	CheckpointEvery time.Duration `yaml:"checkpoint_every"`

	TrainSteps int   `yaml:"train_steps"`
	Seed       int64 `yaml:"seed"`
}

// Base returns the built-in defaults tier. Required fields are deliberately
// left at their zero values.
func Base() Config {
	return Config{
		EMADecay:        0.9999,
		GradAccumSteps:  1,
		BatchSize:       32,
		ImageSize:       256,
		DType:           "float32",
		CondDropoutRate: 0.1,
		GuidanceScale:   5,
		SampleTimesteps: 20,
		SampleShift:     1,
		SampleBatchSize: 4,
		CheckpointKeep:  5,
		CheckpointEvery: 3 * time.Minute,
		Seed:            42,
	}
}

// FromEnv returns the runtime overrides tier, read from the process
// environment. Only a small set of knobs can be overridden this way; the
// experiment file remains the authoritative source.
func FromEnv() Config {
	var c Config
	if v := os.Getenv("CASCADE_CHECKPOINT_DIR"); v != "" {
		c.CheckpointDir = v
	}
	if v := os.Getenv("CASCADE_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Seed = seed
		}
	}
	if v := os.Getenv("CASCADE_TRAIN_STEPS"); v != "" {
		if steps, err := strconv.Atoi(v); err == nil {
			c.TrainSteps = steps
		}
	}
	return c
}

// FromFile parses the experiment tier from a YAML file.
func FromFile(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "reading config file %q", path)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "parsing config file %q", path)
	}
	return c, nil
}

// Merge combines the three tiers into one Config. Precedence is
// experiment > runtime > base, decided field by field: a tier wins a field
// only if it sets the field to a non-zero value. EMAStartIters, being a
// pointer, is taken from the highest tier that sets it.
func Merge(base, runtime, experiment Config) Config {
	merged := base
	for _, tier := range []Config{runtime, experiment} {
		mergeFloat(&merged.LR, tier.LR)
		mergeInt(&merged.WarmupUpdates, tier.WarmupUpdates)
		mergeString(&merged.ModelVersion, tier.ModelVersion)
		mergeString(&merged.EffnetCheckpointPath, tier.EffnetCheckpointPath)
		mergeString(&merged.PreviewerCheckpointPath, tier.PreviewerCheckpointPath)
		mergeString(&merged.GeneratorCheckpointPath, tier.GeneratorCheckpointPath)
		mergeString(&merged.ClipTextModelPath, tier.ClipTextModelPath)
		mergeString(&merged.ClipImageModelPath, tier.ClipImageModelPath)
		mergeString(&merged.ClipMergesPath, tier.ClipMergesPath)
		if tier.EMAStartIters != nil {
			v := *tier.EMAStartIters
			merged.EMAStartIters = &v
		}
		mergeFloat(&merged.EMADecay, tier.EMADecay)
		mergeInt(&merged.GradAccumSteps, tier.GradAccumSteps)
		if tier.UseSharding {
			merged.UseSharding = true
		}
		mergeInt(&merged.BatchSize, tier.BatchSize)
		mergeInt(&merged.ImageSize, tier.ImageSize)
		mergeString(&merged.DType, tier.DType)
		mergeFloat(&merged.CondDropoutRate, tier.CondDropoutRate)
		mergeFloat(&merged.GuidanceScale, tier.GuidanceScale)
		mergeInt(&merged.SampleTimesteps, tier.SampleTimesteps)
		mergeFloat(&merged.SampleShift, tier.SampleShift)
		mergeInt(&merged.SampleBatchSize, tier.SampleBatchSize)
		mergeString(&merged.SampleOutputPath, tier.SampleOutputPath)
		mergeString(&merged.CheckpointDir, tier.CheckpointDir)
		mergeInt(&merged.CheckpointKeep, tier.CheckpointKeep)
		if tier.CheckpointEvery != 0 {
			merged.CheckpointEvery = tier.CheckpointEvery
		}
		mergeInt(&merged.TrainSteps, tier.TrainSteps)
		if tier.Seed != 0 {
			merged.Seed = tier.Seed
		}
	}
	return merged
}

func mergeFloat(dst *float64, src float64) {
	if src != 0 {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Validate checks the merged configuration. It returns an error for any
// missing required field or out-of-range value; callers must treat this as
// fatal before constructing any model.
func (c *Config) Validate() error {
	if c.LR <= 0 {
		return errors.New("config: \"lr\" is required and must be > 0")
	}
	if c.WarmupUpdates <= 0 {
		return errors.New("config: \"warmup_updates\" is required and must be > 0")
	}
	switch c.ModelVersion {
	case ModelVersion3_6B, ModelVersion1B:
	case "":
		return errors.New("config: \"model_version\" is required")
	default:
		return errors.Errorf("config: unknown model version %q, valid values are %q and %q",
			c.ModelVersion, ModelVersion3_6B, ModelVersion1B)
	}
	if c.EffnetCheckpointPath == "" {
		return errors.New("config: \"effnet_checkpoint_path\" is required")
	}
	if c.PreviewerCheckpointPath == "" {
		return errors.New("config: \"previewer_checkpoint_path\" is required")
	}
	if c.GradAccumSteps < 1 {
		return errors.Errorf("config: \"grad_accum_steps\" must be >= 1, got %d", c.GradAccumSteps)
	}
	if c.EMAStartIters != nil && *c.EMAStartIters < 0 {
		return errors.Errorf("config: \"ema_start_iters\" must be >= 0, got %d", *c.EMAStartIters)
	}
	if c.EMADecay <= 0 || c.EMADecay >= 1 {
		return errors.Errorf("config: \"ema_decay\" must be in (0, 1), got %g", c.EMADecay)
	}
	switch c.DType {
	case "float32", "bfloat16":
	default:
		return errors.Errorf("config: \"dtype\" must be \"float32\" or \"bfloat16\", got %q", c.DType)
	}
	if c.CondDropoutRate < 0 || c.CondDropoutRate >= 1 {
		return errors.Errorf("config: \"cond_dropout_rate\" must be in [0, 1), got %g", c.CondDropoutRate)
	}
	return nil
}

// Load assembles the final configuration: base defaults, environment
// overrides and the experiment file at path, merged and validated.
func Load(path string) (Config, error) {
	experiment, err := FromFile(path)
	if err != nil {
		return Config{}, err
	}
	merged := Merge(Base(), FromEnv(), experiment)
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	return merged, nil
}
