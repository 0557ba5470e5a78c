package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns the scalar loss of predicted against target.
	Forward(predicted, target *mat.Dense) (float64, error)
	// Backward returns dLoss/dPredicted, shaped like predicted.
	Backward(predicted, target *mat.Dense) (*mat.Dense, error)
}

// NewLoss returns the loss function registered under name.
func NewLoss(name string) (Loss, error) {
	switch name {
	case "", "bce", "binary_cross_entropy":
		return NewBCELoss("mean"), nil
	case "mse":
		return NewMSELoss("mean"), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}

func checkShapes(predicted, target *mat.Dense) (rows, cols int, err error) {
	rows, cols = predicted.Dims()
	tr, tc := target.Dims()
	if rows != tr || cols != tc {
		return 0, 0, fmt.Errorf("predicted and target must have the same shape: [%d %d] vs [%d %d]", rows, cols, tr, tc)
	}
	return rows, cols, nil
}

// scale returns the reduction divisor
func scale(reduction string, n int) float64 {
	if reduction == "sum" {
		return 1
	}
	return float64(n)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *mat.Dense) (float64, error) {
	rows, cols, err := checkShapes(predicted, target)
	if err != nil {
		return 0, err
	}
	var diff mat.Dense
	diff.Sub(predicted, target)
	diff.MulElem(&diff, &diff)
	return mat.Sum(&diff) / scale(mse.reduction, rows*cols), nil
}

// Backward computes dL/dy_pred = 2 * (y_pred - y_true) / N
func (mse *MSELoss) Backward(predicted, target *mat.Dense) (*mat.Dense, error) {
	rows, cols, err := checkShapes(predicted, target)
	if err != nil {
		return nil, err
	}
	grad := mat.NewDense(rows, cols, nil)
	grad.Sub(predicted, target)
	grad.Scale(2/scale(mse.reduction, rows*cols), grad)
	return grad, nil
}

// BCELoss is binary cross entropy over independent sigmoid outputs, one per
// target column.
type BCELoss struct {
	reduction string
	eps       float64
}

// NewBCELoss creates a binary cross entropy loss. Predictions are clamped to
// [eps, 1-eps] so the loss stays finite at saturated outputs.
func NewBCELoss(reduction string) *BCELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &BCELoss{reduction: reduction, eps: 1e-12}
}

func (bce *BCELoss) clamp(p float64) float64 {
	return math.Min(math.Max(p, bce.eps), 1-bce.eps)
}

// Forward computes L = -(1/N) * sum(y*log(p) + (1-y)*log(1-p))
func (bce *BCELoss) Forward(predicted, target *mat.Dense) (float64, error) {
	rows, cols, err := checkShapes(predicted, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			p := bce.clamp(predicted.At(i, j))
			y := target.At(i, j)
			sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
		}
	}
	return sum / scale(bce.reduction, rows*cols), nil
}

// Backward computes dL/dp = (p - y) / (p * (1 - p) * N)
func (bce *BCELoss) Backward(predicted, target *mat.Dense) (*mat.Dense, error) {
	rows, cols, err := checkShapes(predicted, target)
	if err != nil {
		return nil, err
	}
	n := scale(bce.reduction, rows*cols)
	grad := mat.NewDense(rows, cols, nil)
	grad.Apply(func(i, j int, p float64) float64 {
		p = bce.clamp(p)
		return (p - target.At(i, j)) / (p * (1 - p) * n)
	}, predicted)
	return grad, nil
}
