package training

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
	"github.com/tsawler/go-trainer/scoring"
)

// ErrConfiguration is returned when an orchestrator cannot be built from its
// configuration. Nothing has been written to disk when it is returned.
var ErrConfiguration = errors.New("invalid training configuration")

// Config holds the construction-time parameters of a training run.
type Config struct {
	BatchSize int `json:"batch_size"`
	MaxSteps  int `json:"max_steps"`

	// ReportEvery is the validation cadence in steps.
	ReportEvery int `json:"report_every"`
	// CheckpointEvery is the periodic checkpoint cadence in steps; 0 means
	// the reporting cadence.
	CheckpointEvery int `json:"checkpoint_every"`

	// Sample counts for the evaluation sets; 0 uses the whole partition.
	NValidationSamples int `json:"n_validation_samples"`
	NTestSamples       int `json:"n_test_samples"`

	// ReportFeaturePositives is passed to the scorer factory: only features
	// with more positives than this are scored.
	ReportFeaturePositives int `json:"report_feature_positives"`

	OutputDir        string                  `json:"output_dir"`
	Exec             engine.ExecutionContext `json:"exec"`
	CheckpointFormat string                  `json:"checkpoint_format"`

	// SecondaryMetric is the score that drives learning rate decay.
	SecondaryMetric string `json:"secondary_metric"`

	// ResumeFrom is a checkpoint path; empty starts a fresh run.
	ResumeFrom string `json:"resume_from"`

	// MetricsPrefix names the train/validation log files.
	MetricsPrefix string `json:"metrics_prefix"`
}

// DefaultConfig returns a configuration with the stock cadences.
func DefaultConfig() Config {
	return Config{
		BatchSize:              64,
		MaxSteps:               10000,
		ReportEvery:            1000,
		CheckpointEvery:        0,
		ReportFeaturePositives: 10,
		OutputDir:              "./output",
		Exec:                   engine.DefaultExecutionContext(),
		CheckpointFormat:       checkpoints.FormatProto.Extension(),
		SecondaryMetric:        scoring.ROCAUC,
		MetricsPrefix:          "model",
	}
}

// Validate checks the configuration. Every failure wraps ErrConfiguration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, c.BatchSize)
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("%w: max steps cannot be negative, got %d", ErrConfiguration, c.MaxSteps)
	}
	if c.ReportEvery <= 0 {
		return fmt.Errorf("%w: reporting cadence must be positive, got %d", ErrConfiguration, c.ReportEvery)
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("%w: checkpoint cadence must be positive, got %d", ErrConfiguration, c.CheckpointEvery)
	}
	if c.NValidationSamples < 0 || c.NTestSamples < 0 {
		return fmt.Errorf("%w: sample counts cannot be negative", ErrConfiguration)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output directory is required", ErrConfiguration)
	}
	if err := c.Exec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

// checkpointEvery resolves the checkpoint cadence.
func (c Config) checkpointEvery() int {
	if c.CheckpointEvery == 0 {
		return c.ReportEvery
	}
	return c.CheckpointEvery
}

func (c Config) format() checkpoints.Format {
	f, _ := checkpoints.ParseFormat(c.CheckpointFormat)
	return f
}

func (c Config) metricsPrefix() string {
	if c.MetricsPrefix == "" {
		return "model"
	}
	return c.MetricsPrefix
}
