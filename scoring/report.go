// Package scoring evaluates predictions against multi-label targets and
// summarises evaluation passes for the trainer.
package scoring

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Report is the outcome of one evaluation pass. It is either LossOnly or
// LossWithSecondary; the secondary variant exists only when the configured
// metric produced a value.
type Report interface {
	// Loss is the average loss over the evaluated batches.
	Loss() float64
	// Averages holds every metric's average over scored features.
	Averages() map[string]float64

	isReport()
}

// LossOnly is a report without a usable secondary metric.
type LossOnly struct {
	AverageLoss float64
	Scores      map[string]float64
}

func (r LossOnly) Loss() float64                { return r.AverageLoss }
func (r LossOnly) Averages() map[string]float64 { return r.Scores }
func (LossOnly) isReport()                      {}

// LossWithSecondary carries the secondary metric that drives learning rate
// decay next to the loss.
type LossWithSecondary struct {
	AverageLoss float64
	Scores      map[string]float64
	Name        string
	Score       float64
}

func (r LossWithSecondary) Loss() float64                { return r.AverageLoss }
func (r LossWithSecondary) Averages() map[string]float64 { return r.Scores }
func (LossWithSecondary) isReport()                      {}

// NewReport picks the report variant: LossWithSecondary when averages holds
// a non-NaN value for secondary, LossOnly otherwise.
func NewReport(loss float64, averages map[string]float64, secondary string) Report {
	if v, ok := averages[secondary]; ok && secondary != "" && !math.IsNaN(v) {
		return LossWithSecondary{AverageLoss: loss, Scores: averages, Name: secondary, Score: v}
	}
	return LossOnly{AverageLoss: loss, Scores: averages}
}

// Secondary returns the secondary metric of r, if it has one.
func Secondary(r Report) (name string, score float64, ok bool) {
	if s, isSecondary := r.(LossWithSecondary); isSecondary {
		return s.Name, s.Score, true
	}
	return "", 0, false
}

// Scorer accumulates per-feature metrics for prediction tables.
type Scorer interface {
	// Update scores predictions against targets (aligned row by row) and
	// returns each metric's average over scored features.
	Update(predictions, targets *mat.Dense) (map[string]float64, error)
	// WriteFeatureScoresToFile writes the per-feature scores of the last
	// Update to path and returns them keyed by feature then metric.
	WriteFeatureScoresToFile(path string) (map[string]map[string]float64, error)
	// Visualize writes plot documents for predictions into outputDir.
	Visualize(predictions, targets *mat.Dense, outputDir string) error
}

// Factory builds a Scorer. lookup maps a target column to its feature
// label; only features with more than nPositives positive examples are
// scored.
type Factory func(lookup func(int) string, nPositives int) Scorer
