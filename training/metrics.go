package training

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tsawler/go-trainer/scoring"
)

// MetricsRecorder appends one line per reporting interval to a training
// log and a validation log. Each sink starts with a header line.
type MetricsRecorder struct {
	train      *bufio.Writer
	validation *bufio.Writer
	closers    []io.Closer
}

// NewMetricsRecorder writes headers to both sinks. secondary names the
// validation score column.
func NewMetricsRecorder(train, validation io.Writer, secondary string) (*MetricsRecorder, error) {
	r := &MetricsRecorder{
		train:      bufio.NewWriter(train),
		validation: bufio.NewWriter(validation),
	}
	if _, err := r.train.WriteString("loss\n"); err != nil {
		return nil, fmt.Errorf("failed to write train log header: %w", err)
	}
	if _, err := fmt.Fprintf(r.validation, "loss\t%s\n", secondary); err != nil {
		return nil, fmt.Errorf("failed to write validation log header: %w", err)
	}
	if err := r.Flush(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenMetricsRecorder creates <prefix>.train.txt and
// <prefix>.validation.txt in dir, truncating existing logs.
func OpenMetricsRecorder(dir, prefix, secondary string) (*MetricsRecorder, error) {
	train, err := os.Create(filepath.Join(dir, prefix+".train.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to create train log: %w", err)
	}
	validation, err := os.Create(filepath.Join(dir, prefix+".validation.txt"))
	if err != nil {
		train.Close()
		return nil, fmt.Errorf("failed to create validation log: %w", err)
	}

	r, err := NewMetricsRecorder(train, validation, secondary)
	if err != nil {
		train.Close()
		validation.Close()
		return nil, err
	}
	r.closers = []io.Closer{train, validation}
	return r, nil
}

// RecordTrain appends the training loss of a reporting step.
func (r *MetricsRecorder) RecordTrain(loss float64) error {
	if _, err := fmt.Fprintf(r.train, "%s\n", formatFloat(loss)); err != nil {
		return fmt.Errorf("failed to write train log: %w", err)
	}
	return r.train.Flush()
}

// RecordValidation appends the validation loss and secondary score, or NA
// when the report has no secondary metric.
func (r *MetricsRecorder) RecordValidation(report scoring.Report) error {
	score := "NA"
	if _, v, ok := scoring.Secondary(report); ok {
		score = formatFloat(v)
	}
	if _, err := fmt.Fprintf(r.validation, "%s\t%s\n", formatFloat(report.Loss()), score); err != nil {
		return fmt.Errorf("failed to write validation log: %w", err)
	}
	return r.validation.Flush()
}

// Flush writes any buffered lines.
func (r *MetricsRecorder) Flush() error {
	if err := r.train.Flush(); err != nil {
		return fmt.Errorf("failed to flush train log: %w", err)
	}
	if err := r.validation.Flush(); err != nil {
		return fmt.Errorf("failed to flush validation log: %w", err)
	}
	return nil
}

// Close flushes both sinks and closes the files it opened.
func (r *MetricsRecorder) Close() error {
	err := r.Flush()
	for _, c := range r.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	r.closers = nil
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
