// cascade-sample generates images from text prompts with a trained Stage-C
// checkpoint. The first positional argument is the experiment configuration
// file; the remaining ones are the prompts.
package main

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"

	"github.com/kustomzone/StableCascade/config"
	"github.com/kustomzone/StableCascade/dist"
	"github.com/kustomzone/StableCascade/trainer"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagUseEMA = flag.Bool("ema", true, "Sample with the EMA shadow weights when available.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) < 2 {
		klog.Exitf("usage: cascade-sample <config.yaml> <prompt> [<prompt>...]")
	}
	cfgPath, prompts := flag.Args()[0], flag.Args()[1:]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		klog.Exitf("Configuration error: %+v", err)
	}
	if cfg.CheckpointDir == "" {
		klog.Exitf("Configuration error: \"checkpoint_dir\" is required for sampling")
	}
	outDir := cfg.SampleOutputPath
	if outDir == "" {
		outDir = "."
	}

	backend, err := backends.New()
	if err != nil {
		klog.Exitf("Failed to create backend: %+v", err)
	}
	defer backend.Finalize()

	ctx := context.New()
	ctx.RngStateFromSeed(cfg.Seed)
	t, err := trainer.New(backend, ctx, cfg, dist.Loopback{})
	if err != nil {
		klog.Exitf("Failed to set up the models: %+v", err)
	}
	checkpoint, err := t.SetupCheckpoint()
	if err != nil {
		klog.Exitf("Failed to load checkpoint: %+v", err)
	}
	if checkpoint == nil {
		klog.Exitf("No checkpoint found in %q", cfg.CheckpointDir)
	}
	klog.Infof("Sampling at global step %d, %d timesteps, guidance %.1f",
		t.GlobalStep(), cfg.SampleTimesteps, cfg.GuidanceScale)

	tokenBatch := make([][]int32, len(prompts))
	for i, prompt := range prompts {
		tokenBatch[i] = t.Models.Tokenizer.Tokenize(prompt)
	}
	useEMA := *flagUseEMA && cfg.EMAStartIters != nil

	samples, err := t.Sample(tensors.FromValue(tokenBatch), useEMA)
	if err != nil {
		klog.Exitf("Sampling failed: %+v", err)
	}

	for i, img := range images.ToImage().MaxValue(1.0).Batch(samples) {
		path := filepath.Join(outDir, fmt.Sprintf("sample-%03d.png", i))
		if err := imaging.Save(img, path); err != nil {
			klog.Exitf("Failed to save %q: %+v", path, err)
		}
		klog.Infof("%s: %q", path, prompts[i])
	}
}
