// Package engine defines the model boundary used by the training
// orchestrator: the Model interface, trainable parameters, the execution
// context that carries device and thread settings, and a reference model.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
)

// ErrUnsupportedPlacement is returned when an execution context asks for a
// device or parallel mode the model cannot honour.
var ErrUnsupportedPlacement = errors.New("unsupported model placement")

// Device identifies where model computation runs.
type Device string

const (
	CPU   Device = "cpu"
	CUDA  Device = "cuda"
	Metal Device = "metal"
)

// ParseDevice maps a device name to a Device.
func ParseDevice(name string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(name))) {
	case "", CPU:
		return CPU, nil
	case CUDA:
		return CUDA, nil
	case Metal:
		return Metal, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// ExecutionContext carries device placement and numeric parallelism. It is
// decided once, at construction, and handed to models explicitly.
type ExecutionContext struct {
	Device       Device `json:"device"`
	Threads      int    `json:"threads"` // 0 = one per logical core
	DataParallel bool   `json:"data_parallel"`
}

// DefaultExecutionContext returns a CPU context using every logical core.
func DefaultExecutionContext() ExecutionContext {
	return ExecutionContext{
		Device:  CPU,
		Threads: logicalCores(),
	}
}

func logicalCores() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Validate checks the context for values no model could accept.
func (e ExecutionContext) Validate() error {
	if e.Threads < 0 {
		return fmt.Errorf("threads cannot be negative: %d", e.Threads)
	}
	if _, err := ParseDevice(string(e.Device)); err != nil {
		return err
	}
	return nil
}

// Workers is the number of goroutines numeric code may use.
func (e ExecutionContext) Workers() int {
	if e.Threads > 0 {
		return e.Threads
	}
	return logicalCores()
}

// Capabilities describes what placement a model supports.
type Capabilities struct {
	SupportsParallel       bool
	SupportsDeviceTransfer bool
}

// Check reports whether the model can run in the given context.
func (c Capabilities) Check(exec ExecutionContext) error {
	if exec.Device != "" && exec.Device != CPU && !c.SupportsDeviceTransfer {
		return fmt.Errorf("%w: model cannot be moved to device %s", ErrUnsupportedPlacement, exec.Device)
	}
	if exec.DataParallel && !c.SupportsParallel {
		return fmt.Errorf("%w: model does not support data parallel execution", ErrUnsupportedPlacement)
	}
	return nil
}

// Model is the unit the orchestrator trains. Forward in training mode keeps
// whatever Backward needs; in inference mode it keeps nothing.
type Model interface {
	// Arch names the architecture; it is stored in checkpoints.
	Arch() string

	Train()
	Eval()
	IsTraining() bool

	// Forward maps a batch of inputs (one example per row) to predictions.
	Forward(inputs *mat.Dense) (*mat.Dense, error)
	// Backward accumulates parameter gradients from the gradient of the
	// loss with respect to the last Forward output.
	Backward(gradOutput *mat.Dense) error

	Parameters() []*Parameter
	StateDict() []checkpoints.Tensor
	LoadStateDict(tensors []checkpoints.Tensor) error

	Capabilities() Capabilities
	Place(exec ExecutionContext) error
}

// Parameter is a trainable matrix and its accumulated gradient.
type Parameter struct {
	Name  string
	Kind  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter wraps value with a zeroed gradient of the same shape.
func NewParameter(name, kind string, value *mat.Dense) *Parameter {
	r, c := value.Dims()
	return &Parameter{
		Name:  name,
		Kind:  kind,
		Value: value,
		Grad:  mat.NewDense(r, c, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Tensor copies the parameter value into a checkpoint tensor.
func (p *Parameter) Tensor() checkpoints.Tensor {
	r, c := p.Value.Dims()
	return checkpoints.Tensor{
		Name:  p.Name,
		Shape: []int{r, c},
		Data:  append([]float64(nil), p.Value.RawMatrix().Data...),
		Kind:  p.Kind,
	}
}

// Load copies a checkpoint tensor into the parameter value.
func (p *Parameter) Load(t checkpoints.Tensor) error {
	r, c := p.Value.Dims()
	if len(t.Shape) != 2 || t.Shape[0] != r || t.Shape[1] != c {
		return fmt.Errorf("shape mismatch for parameter %s: model [%d %d] vs checkpoint %v", p.Name, r, c, t.Shape)
	}
	if len(t.Data) != r*c {
		return fmt.Errorf("data size mismatch for parameter %s: expected %d values, got %d", p.Name, r*c, len(t.Data))
	}
	p.Value.Copy(mat.NewDense(r, c, append([]float64(nil), t.Data...)))
	return nil
}

// StateDict snapshots a parameter list.
func StateDict(params []*Parameter) []checkpoints.Tensor {
	tensors := make([]checkpoints.Tensor, 0, len(params))
	for _, p := range params {
		tensors = append(tensors, p.Tensor())
	}
	return tensors
}

// LoadStateDict restores a parameter list from tensors in the same order
// and with the same names as StateDict produced them.
func LoadStateDict(params []*Parameter, tensors []checkpoints.Tensor) error {
	if len(params) != len(tensors) {
		return fmt.Errorf("parameter count mismatch: %d parameters, %d tensors", len(params), len(tensors))
	}
	for i, p := range params {
		if tensors[i].Name != p.Name {
			return fmt.Errorf("parameter %d name mismatch: model %s vs checkpoint %s", i, p.Name, tensors[i].Name)
		}
		if err := p.Load(tensors[i]); err != nil {
			return err
		}
	}
	return nil
}
