package training

import (
	"fmt"
	"time"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
	"github.com/tsawler/go-trainer/optimizer"
)

// CheckpointWriter persists snapshots. checkpoints.Store implements it.
type CheckpointWriter interface {
	Save(checkpoint *checkpoints.Checkpoint, isBest bool) error
}

// snapshot builds a checkpoint of the model and optimizer at step.
func snapshot(step int, minLoss float64, model engine.Model, opt optimizer.Optimizer, runID string) (*checkpoints.Checkpoint, error) {
	state, err := opt.GetState()
	if err != nil {
		return nil, collaboratorError(CollaboratorOptimizer, "get state", err)
	}
	return &checkpoints.Checkpoint{
		Step:       step,
		Arch:       model.Arch(),
		Parameters: model.StateDict(),
		Optimizer:  state,
		MinLoss:    minLoss,
		Metadata: checkpoints.Metadata{
			RunID:       runID,
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("step %d", step),
		},
	}, nil
}

// LoadResume reads the checkpoint at path and loads it into model and opt.
// It touches nothing on disk, so callers can run it before creating any
// output.
func LoadResume(path string, model engine.Model, opt optimizer.Optimizer) (*checkpoints.Checkpoint, error) {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	if err := restore(cp, model, opt); err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	return cp, nil
}

// restore loads a checkpoint into the model and optimizer. The checkpoint
// must have been written for the same architecture.
func restore(cp *checkpoints.Checkpoint, model engine.Model, opt optimizer.Optimizer) error {
	if cp.Arch != model.Arch() {
		return fmt.Errorf("%w: architecture %s, model is %s", ErrCheckpointMismatch, cp.Arch, model.Arch())
	}
	if err := model.LoadStateDict(cp.Parameters); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointMismatch, collaboratorError(CollaboratorModel, "load state", err))
	}
	if err := opt.LoadState(cp.Optimizer); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpointMismatch, collaboratorError(CollaboratorOptimizer, "load state", err))
	}
	return nil
}
