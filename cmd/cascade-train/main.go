// cascade-train runs Stage-C diffusion training. It takes the experiment
// configuration file as its only positional argument; the worker rank comes
// from the environment (LOCAL_RANK or SLURM_LOCALID).
package main

import (
	"flag"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/kustomzone/StableCascade/config"
	"github.com/kustomzone/StableCascade/data"
	"github.com/kustomzone/StableCascade/dist"
	"github.com/kustomzone/StableCascade/trainer"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) != 1 {
		klog.Exitf("usage: cascade-train <config.yaml>")
	}

	cfg, err := config.Load(flag.Args()[0])
	if err != nil {
		klog.Exitf("Configuration error: %+v", err)
	}
	rank, err := dist.LocalRankFromEnv()
	if err != nil {
		klog.Exitf("%+v", err)
	}
	klog.Infof("Worker rank %d, model version %s", rank, cfg.ModelVersion)

	backend, err := backends.New()
	if err != nil {
		klog.Exitf("Failed to create backend: %+v", err)
	}
	defer backend.Finalize()

	ctx := context.New()
	// Workers must initialize identical weights; batches differ by rank.
	ctx.RngStateFromSeed(cfg.Seed)

	t, err := trainer.New(backend, ctx, cfg, dist.Loopback{})
	if err != nil {
		klog.Exitf("Failed to set up the trainer: %+v", err)
	}
	checkpoint := must.M1(t.SetupCheckpoint())
	if checkpoint != nil {
		klog.Infof("Checkpointing to %s every %s", checkpoint.Dir(), cfg.CheckpointEvery)
	}
	klog.Infof("Resuming at global step %d", t.GlobalStep())

	ds := data.NewSynthetic(cfg.BatchSize, cfg.ImageSize, data.ClipImageSize,
		t.Models.Tokenizer, cfg.Seed+int64(rank))

	bar := progressbar.Default(int64(cfg.TrainSteps), "training")
	_ = bar.Set64(t.GlobalStep())
	lastSave := time.Now()
	reportedParams := false

	for t.GlobalStep() < int64(cfg.TrainSteps) {
		_, inputs, _, err := ds.Yield()
		if err != nil {
			klog.Exitf("Data loader failed: %+v", err)
		}
		loss, updated, err := t.Step(inputs[0], inputs[1], inputs[2])
		if err != nil {
			klog.Exitf("Training step failed at global step %d: %+v", t.GlobalStep(), err)
		}
		if !reportedParams {
			klog.Infof("Model has %s parameters, %s of memory",
				humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))
			reportedParams = true
		}
		if !updated {
			continue
		}
		_ = bar.Add(1)
		if t.GlobalStep()%100 == 0 {
			klog.Infof("Step %d: loss=%.5f", t.GlobalStep(), loss)
		}
		if checkpoint != nil && time.Since(lastSave) >= cfg.CheckpointEvery {
			t.ExcludeFrozenFromSaving(checkpoint)
			if err := checkpoint.Save(); err != nil {
				klog.Exitf("Failed to save checkpoint: %+v", err)
			}
			lastSave = time.Now()
		}
	}

	if checkpoint != nil {
		t.ExcludeFrozenFromSaving(checkpoint)
		must.M(checkpoint.Save())
	}
	_ = bar.Finish()
	klog.Infof("Done: %d optimizer updates", t.GlobalStep())
	os.Exit(0)
}
