package optimizer

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// newTestParams returns a 2x2 weight and 1x2 bias with fixed gradients
func newTestParams() []*engine.Parameter {
	w := engine.NewParameter("w", "weight", mat.NewDense(2, 2, []float64{1, -1, 0.5, 2}))
	b := engine.NewParameter("b", "bias", mat.NewDense(1, 2, []float64{0, 0.1}))
	w.Grad.Copy(mat.NewDense(2, 2, []float64{0.1, -0.2, 0.3, 0.0}))
	b.Grad.Copy(mat.NewDense(1, 2, []float64{1, -1}))
	return []*engine.Parameter{w, b}
}

func setGrads(params []*engine.Parameter, scale float64) {
	for _, p := range params {
		p.Grad.Apply(func(i, j int, _ float64) float64 {
			return scale * float64(i+j+1)
		}, p.Grad)
	}
}

func TestNewSelectsOptimizer(t *testing.T) {
	tests := []struct {
		name     string
		config   map[string]interface{}
		wantType string
		wantLR   float64
		wantErr  bool
	}{
		{"default", map[string]interface{}{}, "SGD", 0.01, false},
		{"sgd with lr", map[string]interface{}{"type": "sgd", "lr": 0.5}, "SGD", 0.5, false},
		{"adam", map[string]interface{}{"type": "Adam", "lr": 0.002}, "Adam", 0.002, false},
		{"rmsprop", map[string]interface{}{"type": "rmsprop"}, "RMSProp", 0.01, false},
		{"adagrad", map[string]interface{}{"type": "adagrad", "lr": 0.1}, "AdaGrad", 0.1, false},
		{"unknown", map[string]interface{}{"type": "lion"}, "", 0, true},
		{"negative lr", map[string]interface{}{"lr": -1.0}, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := New(newTestParams(), tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			state, err := opt.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			if state.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, state.Type)
			}
			if opt.LearningRate() != tt.wantLR {
				t.Errorf("expected learning rate %v, got %v", tt.wantLR, opt.LearningRate())
			}
		})
	}
}

func TestSGDStep(t *testing.T) {
	params := newTestParams()
	sgd, err := NewSGD(params, SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	expected := []float64{1 - 0.01, -1 + 0.02, 0.5 - 0.03, 2}
	for i, v := range params[0].Value.RawMatrix().Data {
		if math.Abs(v-expected[i]) > 1e-12 {
			t.Errorf("weight %d: expected %v, got %v", i, expected[i], v)
		}
	}
	if sgd.GetStepCount() != 1 {
		t.Errorf("expected step count 1, got %d", sgd.GetStepCount())
	}

	sgd.ZeroGrad()
	if mat.Sum(params[0].Grad) != 0 || mat.Sum(params[1].Grad) != 0 {
		t.Error("expected gradients to be zero after ZeroGrad")
	}
}

func TestSGDMomentum(t *testing.T) {
	p := engine.NewParameter("w", "weight", mat.NewDense(1, 1, []float64{0}))
	sgd, err := NewSGD([]*engine.Parameter{p}, SGDConfig{LearningRate: 1, Momentum: 0.5})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}

	// constant gradient 1: buffer goes 1, 1.5, 1.75
	want := []float64{-1, -2.5, -4.25}
	for i, w := range want {
		p.Grad.Set(0, 0, 1)
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if got := p.Value.At(0, 0); math.Abs(got-w) > 1e-12 {
			t.Errorf("step %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestSGDConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative lr", SGDConfig{LearningRate: -0.1}},
		{"negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		if _, err := NewSGD(newTestParams(), tt.config); err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
		}
	}
	if _, err := NewSGD(nil, DefaultSGDConfig()); err == nil {
		t.Error("expected error for empty parameter list")
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	params := newTestParams()
	before := mat.DenseCopyOf(params[1].Value)
	adam, err := NewAdam(params, DefaultAdamConfig())
	if err != nil {
		t.Fatalf("Failed to create Adam: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// bias-corrected first step is lr * sign(grad)
	for j := 0; j < 2; j++ {
		delta := params[1].Value.At(0, j) - before.At(0, j)
		want := -0.001 * math.Copysign(1, params[1].Grad.At(0, j))
		if math.Abs(delta-want) > 1e-9 {
			t.Errorf("bias %d: expected delta %v, got %v", j, want, delta)
		}
	}
}

func TestRMSPropAndAdaGradDecreaseAlongGradient(t *testing.T) {
	builders := map[string]func([]*engine.Parameter) (Optimizer, error){
		"rmsprop": func(p []*engine.Parameter) (Optimizer, error) {
			return NewRMSProp(p, RMSPropConfig{LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8, Momentum: 0.9, Centered: true})
		},
		"adagrad": func(p []*engine.Parameter) (Optimizer, error) {
			return NewAdaGrad(p, DefaultAdaGradConfig())
		},
	}
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			p := engine.NewParameter("w", "weight", mat.NewDense(1, 1, []float64{1}))
			opt, err := build([]*engine.Parameter{p})
			if err != nil {
				t.Fatalf("Failed to create optimizer: %v", err)
			}
			for i := 0; i < 3; i++ {
				p.Grad.Set(0, 0, 2)
				if err := opt.Step(); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
				opt.ZeroGrad()
			}
			if got := p.Value.At(0, 0); got >= 1 || math.IsNaN(got) {
				t.Errorf("expected weight to decrease from 1, got %v", got)
			}
		})
	}
}

// Two optimizers fed identical gradients must stay identical after one of
// them is rebuilt from the other's state.
func TestStateRoundTripContinuesIdentically(t *testing.T) {
	configs := []map[string]interface{}{
		{"type": "sgd", "lr": 0.1, "momentum": 0.9, "nesterov": true},
		{"type": "adam", "lr": 0.01},
		{"type": "rmsprop", "momentum": 0.5, "centered": true},
		{"type": "adagrad"},
	}

	for _, cfg := range configs {
		name := cfg["type"].(string)
		t.Run(name, func(t *testing.T) {
			srcParams := newTestParams()
			src, err := New(srcParams, cfg)
			if err != nil {
				t.Fatalf("Failed to create optimizer: %v", err)
			}
			for i := 0; i < 3; i++ {
				setGrads(srcParams, float64(i+1))
				if err := src.Step(); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}

			state, err := src.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			dstParams := newTestParams()
			for i, p := range srcParams {
				dstParams[i].Value.Copy(p.Value)
			}
			dst, err := New(dstParams, cfg)
			if err != nil {
				t.Fatalf("Failed to create optimizer: %v", err)
			}
			dst.UpdateLearningRate(123)
			if err := dst.LoadState(state); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if dst.GetStepCount() != src.GetStepCount() {
				t.Errorf("expected step count %d, got %d", src.GetStepCount(), dst.GetStepCount())
			}
			if dst.LearningRate() != src.LearningRate() {
				t.Errorf("expected learning rate %v, got %v", src.LearningRate(), dst.LearningRate())
			}

			setGrads(srcParams, 4)
			setGrads(dstParams, 4)
			if err := src.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if err := dst.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			for i := range srcParams {
				if !mat.Equal(srcParams[i].Value, dstParams[i].Value) {
					t.Errorf("parameter %s diverged after restore", srcParams[i].Name)
				}
			}
		})
	}
}

func TestLoadStateRejectsMismatches(t *testing.T) {
	sgd, err := NewSGD(newTestParams(), SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}

	if err := sgd.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
	if err := sgd.LoadState(&checkpoints.OptimizerState{Type: "Adam"}); err == nil {
		t.Error("expected error for mismatched optimizer type")
	}

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	state.State = state.State[:1]
	if err := sgd.LoadState(state); err == nil {
		t.Error("expected error for missing momentum buffer")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"momentum", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.expected {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", tt.name, got, tt.expected)
		}
	}
}

func TestExtractParams(t *testing.T) {
	params := map[string]interface{}{
		"lr":       float64(0.01),
		"f32":      float32(0.5),
		"int":      3,
		"str":      "0.01",
		"nesterov": true,
	}
	if got := extractFloatParam(params, "lr", 1); got != 0.01 {
		t.Errorf("expected 0.01, got %v", got)
	}
	if got := extractFloatParam(params, "f32", 1); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if got := extractFloatParam(params, "int", 1); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
	if got := extractFloatParam(params, "str", 1); got != 1 {
		t.Errorf("expected default for wrong type, got %v", got)
	}
	if got := extractFloatParam(params, "missing", 7); got != 7 {
		t.Errorf("expected default for missing key, got %v", got)
	}
	if !extractBoolParam(params, "nesterov", false) {
		t.Error("expected nesterov to be true")
	}
	if extractBoolParam(params, "lr", false) {
		t.Error("expected default for wrong type")
	}
}
