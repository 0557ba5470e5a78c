package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// AdamOptimizerState holds the Adam moment estimates for each parameter
type AdamOptimizerState struct {
	config AdamConfig
	params []*engine.Parameter

	// First and second moment estimates, one per parameter
	momentumBuffers []*mat.Dense
	varianceBuffers []*mat.Dense

	stepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func adamConfigFromMap(m map[string]interface{}) AdamConfig {
	def := DefaultAdamConfig()
	return AdamConfig{
		LearningRate: extractFloatParam(m, "lr", def.LearningRate),
		Beta1:        extractFloatParam(m, "beta1", def.Beta1),
		Beta2:        extractFloatParam(m, "beta2", def.Beta2),
		Epsilon:      extractFloatParam(m, "epsilon", def.Epsilon),
		WeightDecay:  extractFloatParam(m, "weight_decay", def.WeightDecay),
	}
}

// NewAdam creates a new Adam optimizer over params
func NewAdam(params []*engine.Parameter, config AdamConfig) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		config:          config,
		params:          params,
		momentumBuffers: newBuffers(params),
		varianceBuffers: newBuffers(params),
	}, nil
}

func (adam *AdamOptimizerState) ZeroGrad() { zeroGrads(adam.params) }

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.stepCount++
	t := float64(adam.stepCount)
	b1, b2 := adam.config.Beta1, adam.config.Beta2
	biasCorrection1 := 1 - math.Pow(b1, t)
	biasCorrection2 := 1 - math.Pow(b2, t)
	stepSize := adam.config.LearningRate / biasCorrection1

	for i, p := range adam.params {
		w, g, err := parameterSlices(p)
		if err != nil {
			return err
		}
		m, err := raw(adam.momentumBuffers[i])
		if err != nil {
			return err
		}
		v, err := raw(adam.varianceBuffers[i])
		if err != nil {
			return err
		}

		for j := range w {
			grad := g[j] + adam.config.WeightDecay*w[j]
			m[j] = b1*m[j] + (1-b1)*grad
			v[j] = b2*v[j] + (1-b2)*grad*grad
			denom := math.Sqrt(v[j])/math.Sqrt(biasCorrection2) + adam.config.Epsilon
			w[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Hyperparameters: map[string]interface{}{
			"beta1":        adam.config.Beta1,
			"beta2":        adam.config.Beta2,
			"epsilon":      adam.config.Epsilon,
			"weight_decay": adam.config.WeightDecay,
		},
		StepCount:    adam.stepCount,
		LearningRate: adam.config.LearningRate,
	}
	for i := range adam.params {
		state.State = append(state.State,
			extractBufferState(adam.momentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.varianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.config.LearningRate = state.LearningRate
	adam.config.Beta1 = extractFloatParam(state.Hyperparameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloatParam(state.Hyperparameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloatParam(state.Hyperparameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloatParam(state.Hyperparameters, "weight_decay", adam.config.WeightDecay)

	if err := restoreBuffers(state, "momentum", adam.momentumBuffers); err != nil {
		return err
	}
	if err := restoreBuffers(state, "variance", adam.varianceBuffers); err != nil {
		return err
	}
	adam.stepCount = state.StepCount
	return nil
}

func (adam *AdamOptimizerState) GetStepCount() uint64 { return adam.stepCount }

func (adam *AdamOptimizerState) LearningRate() float64 { return adam.config.LearningRate }

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}
