package training

import (
	"math"

	"github.com/hashicorp/go-hclog"
)

// LearningRateSetter is the part of an optimizer the plateau controller
// drives.
type LearningRateSetter interface {
	LearningRate() float64
	UpdateLearningRate(lr float64)
}

// PlateauConfig configures a PlateauController.
type PlateauConfig struct {
	Mode      string  // "max" or "min"
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of bad intervals tolerated before a reduction
	Threshold float64 // Relative improvement needed to count as a new best
	MinLR     float64
	Eps       float64 // Reductions smaller than this are skipped
}

// DefaultPlateauConfig maximises the secondary metric, multiplying the
// learning rate by 0.8 after more than 16 intervals without relative
// improvement of 1e-4.
func DefaultPlateauConfig() PlateauConfig {
	return PlateauConfig{
		Mode:      "max",
		Factor:    0.8,
		Patience:  16,
		Threshold: 1e-4,
		MinLR:     0,
		Eps:       1e-8,
	}
}

// PlateauController reduces the learning rate when a metric has stopped
// improving. It is stepped once per reporting interval.
type PlateauController struct {
	config    PlateauConfig
	optimizer LearningRateSetter
	logger    hclog.Logger

	best       float64
	badEpochs  int
	reductions int
}

// NewPlateauController creates a controller for optimizer. Invalid config
// values fall back to the defaults.
func NewPlateauController(optimizer LearningRateSetter, config PlateauConfig, logger hclog.Logger) *PlateauController {
	def := DefaultPlateauConfig()
	if config.Factor <= 0 || config.Factor >= 1 {
		config.Factor = def.Factor
	}
	if config.Patience < 0 {
		config.Patience = def.Patience
	}
	if config.Threshold < 0 {
		config.Threshold = def.Threshold
	}
	if config.Mode != "min" && config.Mode != "max" {
		config.Mode = def.Mode
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	best := math.Inf(-1)
	if config.Mode == "min" {
		best = math.Inf(1)
	}
	return &PlateauController{
		config:    config,
		optimizer: optimizer,
		logger:    logger,
		best:      best,
	}
}

// Quantize rounds a score up to three decimals before it reaches the
// controller, so noise below 1e-3 never counts as improvement.
func Quantize(score float64) float64 {
	return math.Ceil(score*1000) / 1000
}

// Step records one interval's metric and reduces the learning rate when the
// number of consecutive bad intervals exceeds the patience. It reports
// whether a reduction happened.
func (c *PlateauController) Step(metric float64) bool {
	if c.isBetter(metric) {
		c.best = metric
		c.badEpochs = 0
	} else {
		c.badEpochs++
	}

	if c.badEpochs <= c.config.Patience {
		return false
	}
	c.badEpochs = 0

	oldLR := c.optimizer.LearningRate()
	newLR := math.Max(oldLR*c.config.Factor, c.config.MinLR)
	if oldLR-newLR <= c.config.Eps {
		return false
	}
	c.optimizer.UpdateLearningRate(newLR)
	c.reductions++
	c.logger.Info("reducing learning rate", "from", oldLR, "to", newLR)
	return true
}

// isBetter applies the relative threshold. NaN never improves.
func (c *PlateauController) isBetter(metric float64) bool {
	if c.config.Mode == "min" {
		return metric < c.best*(1-c.config.Threshold)
	}
	if math.IsInf(c.best, -1) {
		return metric > c.best
	}
	return metric > c.best*(1+c.config.Threshold)
}

// Best returns the best metric seen so far
func (c *PlateauController) Best() float64 { return c.best }

// BadIntervals returns the current count of intervals without improvement
func (c *PlateauController) BadIntervals() int { return c.badEpochs }

// Reductions returns how many times the learning rate was reduced
func (c *PlateauController) Reductions() int { return c.reductions }
