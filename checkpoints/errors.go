package checkpoints

import (
	"errors"
	"fmt"
)

// ErrCorruptCheckpoint is matched by every error describing a malformed or
// incomplete checkpoint.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// CorruptCheckpointError reports which part of a checkpoint could not be read.
type CorruptCheckpointError struct {
	Path  string
	Field string
	Err   error
}

func (e *CorruptCheckpointError) Error() string {
	msg := "corrupt checkpoint"
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Field != "" {
		msg += " is missing"
	}
	return msg
}

func (e *CorruptCheckpointError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCorruptCheckpoint) hold for every CorruptCheckpointError.
func (e *CorruptCheckpointError) Is(target error) bool {
	return target == ErrCorruptCheckpoint
}

func missingField(field string) error {
	return &CorruptCheckpointError{Field: field}
}

func malformed(field string, err error) error {
	return &CorruptCheckpointError{Field: field, Err: err}
}

func withPath(err error, path string) error {
	var corrupt *CorruptCheckpointError
	if errors.As(err, &corrupt) && corrupt.Path == "" {
		corrupt.Path = path
		return corrupt
	}
	return fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
}
