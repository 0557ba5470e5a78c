package training

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestNewLoss(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"bce", false},
		{"binary_cross_entropy", false},
		{"mse", false},
		{"hinge", true},
	}
	for _, tt := range tests {
		_, err := NewLoss(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewLoss(%q): expected error=%v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestMSELoss(t *testing.T) {
	pred := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	target := mat.NewDense(2, 2, []float64{1, 1, 1, 1})

	loss := NewMSELoss("mean")
	value, err := loss.Forward(pred, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// (0 + 1 + 4 + 9) / 4
	if math.Abs(value-3.5) > 1e-12 {
		t.Errorf("expected 3.5, got %v", value)
	}

	grad, err := loss.Backward(pred, target)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	want := mat.NewDense(2, 2, []float64{0, 0.5, 1, 1.5})
	if !mat.EqualApprox(grad, want, 1e-12) {
		t.Errorf("expected gradient %v, got %v", mat.Formatted(want), mat.Formatted(grad))
	}

	sum, _ := NewMSELoss("sum").Forward(pred, target)
	if math.Abs(sum-14) > 1e-12 {
		t.Errorf("expected summed loss 14, got %v", sum)
	}
}

func TestBCELoss(t *testing.T) {
	pred := mat.NewDense(1, 2, []float64{0.8, 0.4})
	target := mat.NewDense(1, 2, []float64{1, 0})

	loss := NewBCELoss("mean")
	value, err := loss.Forward(pred, target)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := -(math.Log(0.8) + math.Log(0.6)) / 2
	if math.Abs(value-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, value)
	}

	saturated, _ := loss.Forward(mat.NewDense(1, 1, []float64{0}), mat.NewDense(1, 1, []float64{1}))
	if math.IsInf(saturated, 0) || math.IsNaN(saturated) {
		t.Errorf("expected a finite loss at a saturated output, got %v", saturated)
	}
}

func TestBCELossGradientMatchesFiniteDifference(t *testing.T) {
	pred := mat.NewDense(2, 2, []float64{0.2, 0.7, 0.55, 0.9})
	target := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	loss := NewBCELoss("mean")

	grad, err := loss.Backward(pred, target)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const h = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			plus := mat.DenseCopyOf(pred)
			plus.Set(i, j, pred.At(i, j)+h)
			minus := mat.DenseCopyOf(pred)
			minus.Set(i, j, pred.At(i, j)-h)

			lp, _ := loss.Forward(plus, target)
			lm, _ := loss.Forward(minus, target)
			numeric := (lp - lm) / (2 * h)
			if math.Abs(numeric-grad.At(i, j)) > 1e-5 {
				t.Errorf("[%d,%d]: expected gradient %v, got %v", i, j, numeric, grad.At(i, j))
			}
		}
	}
}

func TestLossShapeMismatch(t *testing.T) {
	pred := mat.NewDense(2, 2, nil)
	target := mat.NewDense(2, 3, nil)
	for _, loss := range []Loss{NewMSELoss(""), NewBCELoss("")} {
		if _, err := loss.Forward(pred, target); err == nil {
			t.Errorf("%T: expected a shape error from Forward", loss)
		}
		if _, err := loss.Backward(pred, target); err == nil {
			t.Errorf("%T: expected a shape error from Backward", loss)
		}
	}
}
