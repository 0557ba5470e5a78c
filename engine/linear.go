package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
)

// Linear is a multi-label logistic model: y = sigmoid(xW + b). It stands in
// for a real network when wiring the orchestrator and in tests.
type Linear struct {
	weight   *Parameter // [inputSize, outputSize]
	bias     *Parameter // [1, outputSize]
	training bool
	workers  int

	// cached by Forward in training mode
	lastInput  *mat.Dense
	lastOutput *mat.Dense
}

// NewLinear creates a Linear model with Xavier/Glorot uniform weights drawn
// from a source seeded with seed, and zero bias.
func NewLinear(inputSize, outputSize int, exec ExecutionContext, seed int64) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear layer size %dx%d", inputSize, outputSize)
	}

	rng := rand.New(rand.NewSource(seed))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weights := make([]float64, inputSize*outputSize)
	for i := range weights {
		weights[i] = (rng.Float64()*2.0 - 1.0) * bound
	}

	l := &Linear{
		weight:   NewParameter("linear.weight", "weight", mat.NewDense(inputSize, outputSize, weights)),
		bias:     NewParameter("linear.bias", "bias", mat.NewDense(1, outputSize, nil)),
		training: true,
		workers:  1,
	}
	if err := l.Place(exec); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Linear) Arch() string { return "Linear" }

func (l *Linear) Train() { l.training = true }

func (l *Linear) Eval() {
	l.training = false
	l.lastInput, l.lastOutput = nil, nil
}

func (l *Linear) IsTraining() bool { return l.training }

// Capabilities: the forward pass splits rows across goroutines; only the
// CPU is supported.
func (l *Linear) Capabilities() Capabilities {
	return Capabilities{SupportsParallel: true, SupportsDeviceTransfer: false}
}

// Place applies an execution context.
func (l *Linear) Place(exec ExecutionContext) error {
	if err := exec.Validate(); err != nil {
		return err
	}
	if err := l.Capabilities().Check(exec); err != nil {
		return err
	}
	l.workers = exec.Workers()
	return nil
}

// Forward computes sigmoid(xW + b) for each row of inputs.
func (l *Linear) Forward(inputs *mat.Dense) (*mat.Dense, error) {
	rows, cols := inputs.Dims()
	inputSize, outputSize := l.weight.Value.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("empty input batch")
	}
	if cols != inputSize {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", inputSize, cols)
	}

	output := mat.NewDense(rows, outputSize, nil)
	workers := l.workers
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		l.forwardRows(inputs, output, 0, rows)
	} else {
		chunk := (rows + workers - 1) / workers
		var wg sync.WaitGroup
		for start := 0; start < rows; start += chunk {
			end := start + chunk
			if end > rows {
				end = rows
			}
			wg.Add(1)
			go func(start, end int) {
				defer wg.Done()
				l.forwardRows(inputs, output, start, end)
			}(start, end)
		}
		wg.Wait()
	}

	if l.training {
		l.lastInput = inputs
		l.lastOutput = output
	}
	return output, nil
}

// forwardRows fills output rows [start, end). Different calls never touch
// the same rows.
func (l *Linear) forwardRows(inputs, output *mat.Dense, start, end int) {
	if start >= end {
		return
	}
	inputSize, outputSize := l.weight.Value.Dims()
	in := inputs.Slice(start, end, 0, inputSize)
	out := output.Slice(start, end, 0, outputSize).(*mat.Dense)
	out.Mul(in, l.weight.Value)
	bias := l.bias.Value.RawRowView(0)
	out.Apply(func(_, j int, v float64) float64 {
		return sigmoid(v + bias[j])
	}, out)
}

// Backward accumulates dL/dW and dL/db given dL/dy for the last Forward.
func (l *Linear) Backward(gradOutput *mat.Dense) error {
	if !l.training {
		return fmt.Errorf("backward called in inference mode")
	}
	if l.lastInput == nil {
		return fmt.Errorf("backward called before forward")
	}
	rows, cols := gradOutput.Dims()
	outRows, outCols := l.lastOutput.Dims()
	if rows != outRows || cols != outCols {
		return fmt.Errorf("gradient shape mismatch: expected [%d %d], got [%d %d]", outRows, outCols, rows, cols)
	}

	// dz = dy * y * (1 - y)
	dz := mat.NewDense(rows, cols, nil)
	dz.Apply(func(i, j int, v float64) float64 {
		y := l.lastOutput.At(i, j)
		return v * y * (1 - y)
	}, gradOutput)

	var dw mat.Dense
	dw.Mul(l.lastInput.T(), dz)
	l.weight.Grad.Add(l.weight.Grad, &dw)

	db := l.bias.Grad.RawRowView(0)
	for j := 0; j < cols; j++ {
		db[j] += mat.Sum(dz.ColView(j))
	}
	return nil
}

func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

func (l *Linear) StateDict() []checkpoints.Tensor {
	return StateDict(l.Parameters())
}

func (l *Linear) LoadStateDict(tensors []checkpoints.Tensor) error {
	return LoadStateDict(l.Parameters(), tensors)
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
