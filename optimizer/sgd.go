package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// SGDOptimizer implements stochastic gradient descent with optional
// momentum, Nesterov momentum and L2 weight decay.
type SGDOptimizer struct {
	config    SGDConfig
	params    []*engine.Parameter
	momentum  []*mat.Dense // nil when Momentum == 0
	stepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func sgdConfigFromMap(m map[string]interface{}) SGDConfig {
	def := DefaultSGDConfig()
	return SGDConfig{
		LearningRate: extractFloatParam(m, "lr", def.LearningRate),
		Momentum:     extractFloatParam(m, "momentum", def.Momentum),
		WeightDecay:  extractFloatParam(m, "weight_decay", def.WeightDecay),
		Nesterov:     extractBoolParam(m, "nesterov", def.Nesterov),
	}
}

// NewSGD creates a new SGD optimizer over params
func NewSGD(params []*engine.Parameter, config SGDConfig) (*SGDOptimizer, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizer{
		config: config,
		params: params,
	}
	if config.Momentum > 0 {
		sgd.momentum = newBuffers(params)
	}
	return sgd, nil
}

func (sgd *SGDOptimizer) ZeroGrad() { zeroGrads(sgd.params) }

// Step performs a single SGD update
func (sgd *SGDOptimizer) Step() error {
	lr := sgd.config.LearningRate
	mu := sgd.config.Momentum
	wd := sgd.config.WeightDecay

	for i, p := range sgd.params {
		w, g, err := parameterSlices(p)
		if err != nil {
			return err
		}
		var buf []float64
		if sgd.momentum != nil {
			if buf, err = raw(sgd.momentum[i]); err != nil {
				return err
			}
		}

		for j := range w {
			d := g[j] + wd*w[j]
			if buf != nil {
				if sgd.stepCount == 0 {
					buf[j] = d
				} else {
					buf[j] = mu*buf[j] + d
				}
				if sgd.config.Nesterov {
					d += mu * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= lr * d
		}
	}

	sgd.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Hyperparameters: map[string]interface{}{
			"momentum":     sgd.config.Momentum,
			"weight_decay": sgd.config.WeightDecay,
			"nesterov":     sgd.config.Nesterov,
		},
		StepCount:    sgd.stepCount,
		LearningRate: sgd.config.LearningRate,
	}
	for i, buf := range sgd.momentum {
		state.State = append(state.State, extractBufferState(buf, fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.config.LearningRate = state.LearningRate
	sgd.config.WeightDecay = extractFloatParam(state.Hyperparameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(state.Hyperparameters, "nesterov", sgd.config.Nesterov)
	momentum := extractFloatParam(state.Hyperparameters, "momentum", sgd.config.Momentum)
	if (momentum > 0) != (sgd.momentum != nil) {
		return fmt.Errorf("momentum mismatch: optimizer has %f, checkpoint has %f", sgd.config.Momentum, momentum)
	}
	sgd.config.Momentum = momentum

	if sgd.momentum != nil {
		if err := restoreBuffers(state, "momentum", sgd.momentum); err != nil {
			return err
		}
	}
	sgd.stepCount = state.StepCount
	return nil
}

func (sgd *SGDOptimizer) GetStepCount() uint64 { return sgd.stepCount }

func (sgd *SGDOptimizer) LearningRate() float64 { return sgd.config.LearningRate }

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizer) UpdateLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}
