package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
)

// Common helper functions for optimizer state management

// newBuffers allocates one zeroed buffer per parameter, shaped like it.
func newBuffers(params []*engine.Parameter) []*mat.Dense {
	buffers := make([]*mat.Dense, len(params))
	for i, p := range params {
		r, c := p.Value.Dims()
		buffers[i] = mat.NewDense(r, c, nil)
	}
	return buffers
}

// raw returns the backing slice of a contiguous matrix.
func raw(m *mat.Dense) ([]float64, error) {
	rm := m.RawMatrix()
	if rm.Stride != rm.Cols {
		return nil, fmt.Errorf("matrix is not contiguous (stride %d, cols %d)", rm.Stride, rm.Cols)
	}
	return rm.Data[:rm.Rows*rm.Cols], nil
}

// parameterSlices returns value and gradient slices for a parameter.
func parameterSlices(p *engine.Parameter) (value, grad []float64, err error) {
	if value, err = raw(p.Value); err != nil {
		return nil, nil, fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	if grad, err = raw(p.Grad); err != nil {
		return nil, nil, fmt.Errorf("gradient of %s: %w", p.Name, err)
	}
	return value, grad, nil
}

// extractBufferState copies a single buffer's state into a checkpoint tensor
func extractBufferState(buffer *mat.Dense, name string, stateType string) checkpoints.Tensor {
	r, c := buffer.Dims()
	return checkpoints.Tensor{
		Name:  name,
		Shape: []int{r, c},
		Data:  append([]float64(nil), buffer.RawMatrix().Data...),
		Kind:  stateType,
	}
}

// restoreBufferState restores a single buffer's state from a checkpoint tensor
func restoreBufferState(buffer *mat.Dense, tensor checkpoints.Tensor) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", tensor.Name)
	}

	r, c := buffer.Dims()
	if len(tensor.Data) != r*c {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			tensor.Name, r*c, len(tensor.Data))
	}
	buffer.Copy(mat.NewDense(r, c, append([]float64(nil), tensor.Data...)))
	return nil
}

// restoreBuffers routes every state tensor of the given kind to the buffer
// named by its index suffix.
func restoreBuffers(state *checkpoints.OptimizerState, kind string, buffers []*mat.Dense) error {
	restored := 0
	for _, tensor := range state.State {
		if tensor.Kind != kind {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in state tensor %s", tensor.Name)
		}
		if err := restoreBufferState(buffers[idx], tensor); err != nil {
			return err
		}
		restored++
	}
	if restored != len(buffers) {
		return fmt.Errorf("expected %d %s buffers, found %d", len(buffers), kind, restored)
	}
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// zeroGrads clears every parameter gradient.
func zeroGrads(params []*engine.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
