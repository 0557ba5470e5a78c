package sampler

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SyntheticConfig describes a generated multi-label dataset. Each label is
// a noisy logistic function of a hidden linear projection of the inputs.
type SyntheticConfig struct {
	InputSize   int
	NumFeatures int
	TrainSize   int
	ValidSize   int
	TestSize    int // 0 omits the test partition
	Noise       float64
	Seed        uint64
}

// DefaultSyntheticConfig returns a small dataset suitable for smoke runs.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		InputSize:   16,
		NumFeatures: 4,
		TrainSize:   2048,
		ValidSize:   256,
		TestSize:    256,
		Noise:       0.5,
		Seed:        42,
	}
}

// Synthetic generates the partitions and feature names described by config.
func Synthetic(config SyntheticConfig) (map[Partition]Dataset, []string, error) {
	if config.InputSize <= 0 || config.NumFeatures <= 0 {
		return nil, nil, fmt.Errorf("invalid synthetic shape %dx%d", config.InputSize, config.NumFeatures)
	}
	if config.TrainSize <= 0 || config.ValidSize <= 0 || config.TestSize < 0 {
		return nil, nil, fmt.Errorf("invalid synthetic sizes train=%d validation=%d test=%d",
			config.TrainSize, config.ValidSize, config.TestSize)
	}

	src := rand.NewSource(config.Seed)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	hidden := mat.NewDense(config.InputSize, config.NumFeatures, nil)
	hidden.Apply(func(_, _ int, _ float64) float64 { return normal.Rand() }, hidden)

	noise := distuv.Normal{Mu: 0, Sigma: math.Max(config.Noise, 1e-12), Src: src}
	generate := func(n int) Dataset {
		inputs := mat.NewDense(n, config.InputSize, nil)
		inputs.Apply(func(_, _ int, _ float64) float64 { return normal.Rand() }, inputs)

		var logits mat.Dense
		logits.Mul(inputs, hidden)
		logits.Scale(1/math.Sqrt(float64(config.InputSize)), &logits)

		targets := mat.NewDense(n, config.NumFeatures, nil)
		targets.Apply(func(i, j int, _ float64) float64 {
			p := 1 / (1 + math.Exp(-(logits.At(i, j) + noise.Rand())))
			return distuv.Bernoulli{P: p, Src: src}.Rand()
		}, targets)
		return Dataset{Inputs: inputs, Targets: targets}
	}

	datasets := map[Partition]Dataset{
		Train:      generate(config.TrainSize),
		Validation: generate(config.ValidSize),
	}
	if config.TestSize > 0 {
		datasets[Test] = generate(config.TestSize)
	}

	features := make([]string, config.NumFeatures)
	for i := range features {
		features[i] = fmt.Sprintf("feature_%d", i)
	}
	return datasets, features, nil
}
