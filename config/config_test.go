package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kustomzone/StableCascade/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validExperiment() config.Config {
	return config.Config{
		LR:                      1e-4,
		WarmupUpdates:           10000,
		ModelVersion:            config.ModelVersion3_6B,
		EffnetCheckpointPath:    "models/effnet.pt",
		PreviewerCheckpointPath: "models/previewer.pt",
	}
}

func TestMergePrecedence(t *testing.T) {
	base := config.Base()
	runtime := config.Config{Seed: 7, CheckpointDir: "/tmp/runtime"}
	experiment := validExperiment()
	experiment.CheckpointDir = "/tmp/experiment"
	experiment.BatchSize = 8

	merged := config.Merge(base, runtime, experiment)

	// Experiment wins over runtime, runtime wins over base.
	assert.Equal(t, "/tmp/experiment", merged.CheckpointDir)
	assert.Equal(t, int64(7), merged.Seed)
	assert.Equal(t, 8, merged.BatchSize)

	// Unset fields fall through to base defaults.
	assert.Equal(t, 256, merged.ImageSize)
	assert.Equal(t, 1, merged.GradAccumSteps)
	assert.Equal(t, 0.9999, merged.EMADecay)
	assert.Equal(t, 0.1, merged.CondDropoutRate)
	assert.Equal(t, 3*time.Minute, merged.CheckpointEvery)
	assert.Nil(t, merged.EMAStartIters)

	require.NoError(t, merged.Validate())
}

func TestMergeEMAStartIters(t *testing.T) {
	zero := int64(0)
	experiment := validExperiment()
	experiment.EMAStartIters = &zero
	merged := config.Merge(config.Base(), config.Config{}, experiment)

	// A pointer field set to 0 still counts as set.
	require.NotNil(t, merged.EMAStartIters)
	assert.Equal(t, int64(0), *merged.EMAStartIters)
}

func TestValidateRequiredFields(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing lr", func(c *config.Config) { c.LR = 0 }, "lr"},
		{"missing warmup", func(c *config.Config) { c.WarmupUpdates = 0 }, "warmup_updates"},
		{"missing model version", func(c *config.Config) { c.ModelVersion = "" }, "model_version"},
		{"unknown model version", func(c *config.Config) { c.ModelVersion = "7B" }, "unknown model version"},
		{"missing effnet", func(c *config.Config) { c.EffnetCheckpointPath = "" }, "effnet_checkpoint_path"},
		{"missing previewer", func(c *config.Config) { c.PreviewerCheckpointPath = "" }, "previewer_checkpoint_path"},
		{"bad dtype", func(c *config.Config) { c.DType = "float64" }, "dtype"},
		{"bad ema decay", func(c *config.Config) { c.EMADecay = 1.5 }, "ema_decay"},
		{"bad dropout", func(c *config.Config) { c.CondDropoutRate = 1.0 }, "cond_dropout_rate"},
	} {
		t.Run(test.name, func(t *testing.T) {
			merged := config.Merge(config.Base(), config.Config{}, validExperiment())
			test.mutate(&merged)
			err := merged.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.want)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiment.yaml")
	yaml := `
lr: 1.0e-4
warmup_updates: 10000
model_version: "1B"
effnet_checkpoint_path: models/effnet.pt
previewer_checkpoint_path: models/previewer.pt
grad_accum_steps: 4
dtype: bfloat16
ema_start_iters: 5000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1e-4, cfg.LR)
	assert.Equal(t, config.ModelVersion1B, cfg.ModelVersion)
	assert.Equal(t, 4, cfg.GradAccumSteps)
	assert.Equal(t, "bfloat16", cfg.DType)
	require.NotNil(t, cfg.EMAStartIters)
	assert.Equal(t, int64(5000), *cfg.EMAStartIters)
	// Defaults from the base tier survive.
	assert.Equal(t, 32, cfg.BatchSize)
}

func TestLoadRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lr: 1.0e-4\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}
