package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// ZeroGrad clears the gradients of every parameter the optimizer owns
	ZeroGrad()

	// Step applies exactly one update using the accumulated gradients
	Step() error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the learning rate used by the next Step
	LearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// New builds an optimizer over params from a configuration mapping. The
// "type" key selects the algorithm (sgd, adam, rmsprop, adagrad; default
// sgd); the remaining keys are algorithm hyperparameters.
func New(params []*engine.Parameter, config map[string]interface{}) (Optimizer, error) {
	kind := "sgd"
	if v, ok := config["type"].(string); ok && v != "" {
		kind = strings.ToLower(v)
	}

	switch kind {
	case "sgd":
		return NewSGD(params, sgdConfigFromMap(config))
	case "adam":
		return NewAdam(params, adamConfigFromMap(config))
	case "rmsprop":
		return NewRMSProp(params, rmspropConfigFromMap(config))
	case "adagrad":
		return NewAdaGrad(params, adaGradConfigFromMap(config))
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", kind)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
