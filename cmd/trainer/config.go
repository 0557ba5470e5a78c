package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/tsawler/go-trainer/sampler"
	"github.com/tsawler/go-trainer/training"
)

// RunConfig is the JSON document describing a trainer run.
type RunConfig struct {
	Training  training.Config        `json:"training"`
	Optimizer map[string]interface{} `json:"optimizer"`
	Loss      string                 `json:"loss"`
	Data      DataConfig             `json:"data"`
	Model     struct {
		Seed int64 `json:"seed"`
	} `json:"model"`
	Sampler struct {
		Seed         int64    `json:"seed"`
		SaveDatasets []string `json:"save_datasets"`
		// Prefetch is the number of training batches drawn ahead on a
		// background goroutine; 0 samples on the training goroutine.
		Prefetch int `json:"prefetch"`
	} `json:"sampler"`
	Status struct {
		Addr string `json:"addr"`
	} `json:"status"`
	Verbosity int `json:"verbosity"`
}

// DataConfig sizes the generated dataset.
type DataConfig struct {
	InputSize   int     `json:"input_size"`
	NumFeatures int     `json:"num_features"`
	TrainSize   int     `json:"train_size"`
	ValidSize   int     `json:"valid_size"`
	TestSize    int     `json:"test_size"`
	Noise       float64 `json:"noise"`
	Seed        uint64  `json:"seed"`
}

func (d DataConfig) synthetic() sampler.SyntheticConfig {
	return sampler.SyntheticConfig{
		InputSize:   d.InputSize,
		NumFeatures: d.NumFeatures,
		TrainSize:   d.TrainSize,
		ValidSize:   d.ValidSize,
		TestSize:    d.TestSize,
		Noise:       d.Noise,
		Seed:        d.Seed,
	}
}

func DefaultRunConfig() RunConfig {
	var cfg RunConfig
	cfg.Training = training.DefaultConfig()
	cfg.Optimizer = map[string]interface{}{"type": "adam", "lr": 0.01}
	cfg.Loss = "bce"

	synth := sampler.DefaultSyntheticConfig()
	cfg.Data = DataConfig{
		InputSize:   synth.InputSize,
		NumFeatures: synth.NumFeatures,
		TrainSize:   synth.TrainSize,
		ValidSize:   synth.ValidSize,
		TestSize:    synth.TestSize,
		Noise:       synth.Noise,
		Seed:        synth.Seed,
	}
	cfg.Model.Seed = 1
	cfg.Sampler.Seed = 1
	cfg.Verbosity = 1
	return cfg
}

// LoadRunConfig reads path over the defaults. Keys absent from the file keep
// their default values.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return cfg, fmt.Errorf("config file not found: %s", path)
	}
	if info.IsDir() {
		return cfg, fmt.Errorf("config path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %s: %w", path, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %s: %w", path, err)
	}
	return cfg, nil
}

// SaveRunConfig writes the effective configuration next to the run's
// artifacts.
func SaveRunConfig(path string, cfg RunConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg RunConfig) saveDatasets() ([]sampler.Partition, error) {
	var out []sampler.Partition
	for _, name := range cfg.Sampler.SaveDatasets {
		p, err := sampler.ParsePartition(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
