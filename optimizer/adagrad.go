package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// AdaGradOptimizerState accumulates squared gradients per parameter
type AdaGradOptimizerState struct {
	config      AdaGradConfig
	params      []*engine.Parameter
	squaredGrad []*mat.Dense
	stepCount   uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64 // Learning rate
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

func adaGradConfigFromMap(m map[string]interface{}) AdaGradConfig {
	def := DefaultAdaGradConfig()
	return AdaGradConfig{
		LearningRate: extractFloatParam(m, "lr", def.LearningRate),
		Epsilon:      extractFloatParam(m, "epsilon", def.Epsilon),
		WeightDecay:  extractFloatParam(m, "weight_decay", def.WeightDecay),
	}
}

// NewAdaGrad creates a new AdaGrad optimizer over params
func NewAdaGrad(params []*engine.Parameter, config AdaGradConfig) (*AdaGradOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	return &AdaGradOptimizerState{
		config:      config,
		params:      params,
		squaredGrad: newBuffers(params),
	}, nil
}

func (ada *AdaGradOptimizerState) ZeroGrad() { zeroGrads(ada.params) }

// Step performs a single AdaGrad optimization step
func (ada *AdaGradOptimizerState) Step() error {
	for i, p := range ada.params {
		w, g, err := parameterSlices(p)
		if err != nil {
			return err
		}
		acc, err := raw(ada.squaredGrad[i])
		if err != nil {
			return err
		}
		for j := range w {
			grad := g[j] + ada.config.WeightDecay*w[j]
			acc[j] += grad * grad
			w[j] -= ada.config.LearningRate * grad / (math.Sqrt(acc[j]) + ada.config.Epsilon)
		}
	}
	ada.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGradOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "AdaGrad",
		Hyperparameters: map[string]interface{}{
			"epsilon":      ada.config.Epsilon,
			"weight_decay": ada.config.WeightDecay,
		},
		StepCount:    ada.stepCount,
		LearningRate: ada.config.LearningRate,
	}
	for i, buf := range ada.squaredGrad {
		state.State = append(state.State, extractBufferState(buf, fmt.Sprintf("squared_grad_%d", i), "squared_grad"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaGradOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	ada.config.LearningRate = state.LearningRate
	ada.config.Epsilon = extractFloatParam(state.Hyperparameters, "epsilon", ada.config.Epsilon)
	ada.config.WeightDecay = extractFloatParam(state.Hyperparameters, "weight_decay", ada.config.WeightDecay)
	if err := restoreBuffers(state, "squared_grad", ada.squaredGrad); err != nil {
		return err
	}
	ada.stepCount = state.StepCount
	return nil
}

func (ada *AdaGradOptimizerState) GetStepCount() uint64 { return ada.stepCount }

func (ada *AdaGradOptimizerState) LearningRate() float64 { return ada.config.LearningRate }

// UpdateLearningRate updates the learning rate
func (ada *AdaGradOptimizerState) UpdateLearningRate(lr float64) {
	ada.config.LearningRate = lr
}
