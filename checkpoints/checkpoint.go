package checkpoints

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// Version of the checkpoint layout written by this package.
	Version = "1.0.0"
	// Framework is stamped into every checkpoint's metadata.
	Framework = "go-trainer"
)

// Format defines the serialization format
type Format int

const (
	FormatProto Format = iota
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for checkpoint slots in this format.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "json"
	default:
		return "pb"
	}
}

// ParseFormat maps a user supplied format name ("proto", "pb", "json") to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "proto", "pb", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatProto, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// DetectFormat guesses the format of an encoded checkpoint. JSON documents
// always start with an object; the protobuf encoding never starts with '{'.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a snapshot of the orchestrator, model and optimizer state at
// one step. It is never mutated after it has been written.
type Checkpoint struct {
	Step       int             `json:"step"`
	Arch       string          `json:"arch"`
	Parameters []Tensor        `json:"parameters"`
	Optimizer  *OptimizerState `json:"optimizer"`
	// MinLoss is the lowest validation loss observed up to Step. +Inf means
	// no validation has run yet.
	MinLoss  float64  `json:"min_loss"`
	Metadata Metadata `json:"metadata"`
}

// Tensor is a named, shaped, row-major block of float64 values. It is used
// both for model parameters and for optimizer state buffers.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Kind  string    `json:"kind,omitempty"` // "weight", "bias", "momentum", "m", "v", ...
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type            string                 `json:"type"` // "SGD", "Adam", etc.
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	StepCount       uint64                 `json:"step_count"`
	LearningRate    float64                `json:"learning_rate"`
	State           []Tensor               `json:"state"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Saver encodes and decodes checkpoints in one format.
type Saver struct {
	format Format
}

// NewSaver creates a new checkpoint saver for the specified format
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Format reports the encoding used by the saver.
func (s *Saver) Format() Format {
	return s.format
}

// Encode serializes a checkpoint. Metadata defaults are filled in on a copy;
// the caller's checkpoint is left as it is.
func (s *Saver) Encode(original *Checkpoint) ([]byte, error) {
	if original == nil {
		return nil, fmt.Errorf("cannot encode nil checkpoint")
	}
	copied := *original
	checkpoint := &copied
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch s.format {
	case FormatProto:
		return marshalProto(checkpoint)
	case FormatJSON:
		return marshalJSON(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format.String())
	}
}

// Decode parses an encoded checkpoint. Missing required fields are reported
// as a *CorruptCheckpointError.
func (s *Saver) Decode(data []byte) (*Checkpoint, error) {
	switch s.format {
	case FormatProto:
		return unmarshalProto(data)
	case FormatJSON:
		return unmarshalJSON(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format.String())
	}
}

// SaveCheckpoint writes a checkpoint to path. The file only becomes visible
// at path once it has been written completely.
func (s *Saver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := s.Encode(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeFile(path, data)
}

// LoadCheckpoint reads and decodes the checkpoint stored at path.
func (s *Saver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	checkpoint, err := s.Decode(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	return checkpoint, nil
}

// Load reads a checkpoint written in either format.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	checkpoint, err := NewSaver(DetectFormat(data)).Decode(data)
	if err != nil {
		return nil, withPath(err, path)
	}
	return checkpoint, nil
}

func writeFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file %s: %w", path, err)
	}
	return nil
}
