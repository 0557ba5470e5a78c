package training

import (
	"errors"
	"testing"

	"github.com/tsawler/go-trainer/engine"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
	if config.checkpointEvery() != config.ReportEvery {
		t.Errorf("expected checkpoint cadence %d, got %d", config.ReportEvery, config.checkpointEvery())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero max steps", func(c *Config) { c.MaxSteps = 0 }, false},
		{"json checkpoints", func(c *Config) { c.CheckpointFormat = "json" }, false},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, true},
		{"negative max steps", func(c *Config) { c.MaxSteps = -1 }, true},
		{"zero report cadence", func(c *Config) { c.ReportEvery = 0 }, true},
		{"negative checkpoint cadence", func(c *Config) { c.CheckpointEvery = -1 }, true},
		{"negative validation samples", func(c *Config) { c.NValidationSamples = -1 }, true},
		{"negative test samples", func(c *Config) { c.NTestSamples = -1 }, true},
		{"empty output dir", func(c *Config) { c.OutputDir = "" }, true},
		{"unknown device", func(c *Config) { c.Exec.Device = engine.Device("tpu") }, true},
		{"unknown format", func(c *Config) { c.CheckpointFormat = "yaml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestConfigCheckpointCadence(t *testing.T) {
	config := DefaultConfig()
	config.CheckpointEvery = 250
	if config.checkpointEvery() != 250 {
		t.Errorf("expected 250, got %d", config.checkpointEvery())
	}
	config.MetricsPrefix = ""
	if config.metricsPrefix() != "model" {
		t.Errorf("expected model prefix, got %q", config.metricsPrefix())
	}
}
