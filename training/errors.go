package training

import (
	"errors"
	"fmt"
)

var (
	// ErrNumericDivergence reports a non-finite training loss. The step loop
	// never produces it; callers that watch losses do.
	ErrNumericDivergence = errors.New("numeric divergence")

	// ErrNoTestPartition is returned by Evaluate when the sampler has no test
	// partition.
	ErrNoTestPartition = errors.New("sampler has no test partition")

	// ErrCheckpointMismatch reports a resume checkpoint that does not fit
	// the model or optimizer it is loaded into.
	ErrCheckpointMismatch = errors.New("checkpoint does not match model")
)

// Collaborator names used in CollaboratorError.
const (
	CollaboratorModel     = "model"
	CollaboratorOptimizer = "optimizer"
	CollaboratorLoss      = "loss"
	CollaboratorSampler   = "sampler"
	CollaboratorScorer    = "scorer"
	CollaboratorStore     = "checkpoint store"
)

// CollaboratorError wraps a failure raised by a collaborator during an
// orchestrator operation. The original error is preserved for errors.Is/As.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func collaboratorError(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

var errEmptySet = errors.New("evaluation set has no batches")

func errRowCount(batch, rows, want int) error {
	return fmt.Errorf("batch %d brings predictions to %d rows, evaluation set has %d", batch, rows, want)
}
