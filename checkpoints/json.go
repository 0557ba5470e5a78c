package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// jsonCheckpoint mirrors Checkpoint with pointer fields so that absent
// required fields can be told apart from zero values.
type jsonCheckpoint struct {
	Step       *int            `json:"step"`
	Arch       *string         `json:"arch"`
	Parameters *[]Tensor       `json:"parameters"`
	Optimizer  *OptimizerState `json:"optimizer"`
	MinLoss    *jsonFloat      `json:"min_loss"`
	Metadata   Metadata        `json:"metadata"`
}

// jsonFloat encodes non-finite values as strings since JSON has no literal for them.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	text := string(data)
	if len(data) > 0 && data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return err
		}
		text = unquoted
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid float %s: %w", string(data), err)
	}
	*f = jsonFloat(v)
	return nil
}

func marshalJSON(checkpoint *Checkpoint) ([]byte, error) {
	step := checkpoint.Step
	arch := checkpoint.Arch
	parameters := checkpoint.Parameters
	if parameters == nil {
		parameters = []Tensor{}
	}
	minLoss := jsonFloat(checkpoint.MinLoss)

	wire := jsonCheckpoint{
		Step:       &step,
		Arch:       &arch,
		Parameters: &parameters,
		Optimizer:  checkpoint.Optimizer,
		MinLoss:    &minLoss,
		Metadata:   checkpoint.Metadata,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&wire); err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalJSON(data []byte) (*Checkpoint, error) {
	var wire jsonCheckpoint
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&wire); err != nil {
		return nil, malformed("", err)
	}

	switch {
	case wire.Step == nil:
		return nil, missingField("step")
	case wire.Arch == nil:
		return nil, missingField("arch")
	case wire.Parameters == nil:
		return nil, missingField("parameters")
	case wire.Optimizer == nil:
		return nil, missingField("optimizer")
	case wire.MinLoss == nil:
		return nil, missingField("min_loss")
	}
	if *wire.Step < 0 {
		return nil, malformed("step", fmt.Errorf("negative step %d", *wire.Step))
	}
	if wire.Optimizer.Type == "" {
		return nil, malformed("optimizer", fmt.Errorf("optimizer type is missing"))
	}

	return &Checkpoint{
		Step:       *wire.Step,
		Arch:       *wire.Arch,
		Parameters: *wire.Parameters,
		Optimizer:  wire.Optimizer,
		MinLoss:    float64(*wire.MinLoss),
		Metadata:   wire.Metadata,
	}, nil
}
