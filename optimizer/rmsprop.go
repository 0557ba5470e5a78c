package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// RMSPropOptimizerState holds the running averages used by RMSProp
type RMSPropOptimizerState struct {
	config RMSPropConfig
	params []*engine.Parameter

	squaredGradAvg []*mat.Dense
	momentum       []*mat.Dense // only if Momentum > 0
	gradientAvg    []*mat.Dense // only if Centered

	stepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

func rmspropConfigFromMap(m map[string]interface{}) RMSPropConfig {
	def := DefaultRMSPropConfig()
	return RMSPropConfig{
		LearningRate: extractFloatParam(m, "lr", def.LearningRate),
		Alpha:        extractFloatParam(m, "alpha", def.Alpha),
		Epsilon:      extractFloatParam(m, "epsilon", def.Epsilon),
		WeightDecay:  extractFloatParam(m, "weight_decay", def.WeightDecay),
		Momentum:     extractFloatParam(m, "momentum", def.Momentum),
		Centered:     extractBoolParam(m, "centered", def.Centered),
	}
}

// NewRMSProp creates a new RMSProp optimizer over params
func NewRMSProp(params []*engine.Parameter, config RMSPropConfig) (*RMSPropOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}

	rms := &RMSPropOptimizerState{
		config:         config,
		params:         params,
		squaredGradAvg: newBuffers(params),
	}
	if config.Momentum > 0 {
		rms.momentum = newBuffers(params)
	}
	if config.Centered {
		rms.gradientAvg = newBuffers(params)
	}
	return rms, nil
}

func (rms *RMSPropOptimizerState) ZeroGrad() { zeroGrads(rms.params) }

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step() error {
	cfg := rms.config
	for i, p := range rms.params {
		w, g, err := parameterSlices(p)
		if err != nil {
			return err
		}
		sq, err := raw(rms.squaredGradAvg[i])
		if err != nil {
			return err
		}
		var buf, avg []float64
		if rms.momentum != nil {
			if buf, err = raw(rms.momentum[i]); err != nil {
				return err
			}
		}
		if rms.gradientAvg != nil {
			if avg, err = raw(rms.gradientAvg[i]); err != nil {
				return err
			}
		}

		for j := range w {
			grad := g[j] + cfg.WeightDecay*w[j]
			sq[j] = cfg.Alpha*sq[j] + (1-cfg.Alpha)*grad*grad
			variance := sq[j]
			if avg != nil {
				avg[j] = cfg.Alpha*avg[j] + (1-cfg.Alpha)*grad
				variance -= avg[j] * avg[j]
			}
			if variance < 0 {
				variance = 0
			}
			update := grad / (math.Sqrt(variance) + cfg.Epsilon)
			if buf != nil {
				buf[j] = cfg.Momentum*buf[j] + update
				update = buf[j]
			}
			w[j] -= cfg.LearningRate * update
		}
	}
	rms.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "RMSProp",
		Hyperparameters: map[string]interface{}{
			"alpha":        rms.config.Alpha,
			"epsilon":      rms.config.Epsilon,
			"weight_decay": rms.config.WeightDecay,
			"momentum":     rms.config.Momentum,
			"centered":     rms.config.Centered,
		},
		StepCount:    rms.stepCount,
		LearningRate: rms.config.LearningRate,
	}
	for i, buf := range rms.squaredGradAvg {
		state.State = append(state.State, extractBufferState(buf, fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
	}
	for i, buf := range rms.momentum {
		state.State = append(state.State, extractBufferState(buf, fmt.Sprintf("momentum_%d", i), "momentum"))
	}
	for i, buf := range rms.gradientAvg {
		state.State = append(state.State, extractBufferState(buf, fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	momentum := extractFloatParam(state.Hyperparameters, "momentum", rms.config.Momentum)
	if (momentum > 0) != (rms.momentum != nil) {
		return fmt.Errorf("momentum mismatch: optimizer has %f, checkpoint has %f", rms.config.Momentum, momentum)
	}
	centered := extractBoolParam(state.Hyperparameters, "centered", rms.config.Centered)
	if centered != rms.config.Centered {
		return fmt.Errorf("centered mismatch: optimizer has %v, checkpoint has %v", rms.config.Centered, centered)
	}

	rms.config.LearningRate = state.LearningRate
	rms.config.Momentum = momentum
	rms.config.Alpha = extractFloatParam(state.Hyperparameters, "alpha", rms.config.Alpha)
	rms.config.Epsilon = extractFloatParam(state.Hyperparameters, "epsilon", rms.config.Epsilon)
	rms.config.WeightDecay = extractFloatParam(state.Hyperparameters, "weight_decay", rms.config.WeightDecay)

	if err := restoreBuffers(state, "squared_grad_avg", rms.squaredGradAvg); err != nil {
		return err
	}
	if rms.momentum != nil {
		if err := restoreBuffers(state, "momentum", rms.momentum); err != nil {
			return err
		}
	}
	if rms.gradientAvg != nil {
		if err := restoreBuffers(state, "gradient_avg", rms.gradientAvg); err != nil {
			return err
		}
	}
	rms.stepCount = state.StepCount
	return nil
}

func (rms *RMSPropOptimizerState) GetStepCount() uint64 { return rms.stepCount }

func (rms *RMSPropOptimizerState) LearningRate() float64 { return rms.config.LearningRate }

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(lr float64) {
	rms.config.LearningRate = lr
}
