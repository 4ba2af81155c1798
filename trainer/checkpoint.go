package trainer

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// SetupCheckpoint attaches a checkpoint handler to the trainer's context and
// loads the latest checkpoint if one exists, restoring the generator, its EMA
// shadow, the optimizer moments and the global step. Returns nil if no
// checkpoint directory is configured.
func (t *Trainer) SetupCheckpoint() (*checkpoints.Handler, error) {
	if t.cfg.CheckpointDir == "" {
		return nil, nil
	}
	handler, err := checkpoints.Build(t.ctx).
		Dir(t.cfg.CheckpointDir).
		Keep(t.cfg.CheckpointKeep).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "attaching checkpoints at %q", t.cfg.CheckpointDir)
	}
	return handler, nil
}

// ExcludeFrozenFromSaving removes the frozen auxiliary model weights from
// what the handler saves: they are restored from their original checkpoint
// files, not from training checkpoints. Call after the first training step,
// once every variable exists.
func (t *Trainer) ExcludeFrozenFromSaving(handler *checkpoints.Handler) {
	for _, scope := range []string{ScopeEffnet, ScopePreviewer, ScopeClip} {
		t.ctx.InAbsPath("/" + scope).EnumerateVariablesInScope(func(v *context.Variable) {
			handler.ExcludeVarsFromSaving(v)
		})
	}
}
