package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"gonum.org/v1/gonum/mat"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	ROCCurve        PlotType = "roc_curve"
	PrecisionRecall PlotType = "precision_recall"
)

// Plot document file names written by Visualize.
const (
	ROCCurvesFile       = "roc_curves.json"
	PrecisionRecallFile = "precision_recall_curves.json"
)

// PlotData is a self-describing plot document that an external plotting
// tool can render.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter"
	Data []DataPoint `json:"data"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
}

// ToJSON converts plot data to JSON
func (pd PlotData) ToJSON() ([]byte, error) {
	return json.MarshalIndent(pd, "", "  ")
}

// Visualize writes ROC and precision-recall curves for every scored feature
// into outputDir.
func (pm *PerformanceMetrics) Visualize(predictions, targets *mat.Dense, outputDir string) error {
	if err := checkAligned(predictions, targets); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	now := time.Now()
	roc := PlotData{
		PlotType:  ROCCurve,
		Title:     "ROC Curves",
		Timestamp: now,
		Config:    PlotConfig{XAxisLabel: "False Positive Rate", YAxisLabel: "True Positive Rate", ShowLegend: true},
		Metrics:   map[string]interface{}{},
	}
	pr := PlotData{
		PlotType:  PrecisionRecall,
		Title:     "Precision-Recall Curves",
		Timestamp: now,
		Config:    PlotConfig{XAxisLabel: "Recall", YAxisLabel: "Precision", ShowLegend: true},
		Metrics:   map[string]interface{}{},
	}

	_, cols := targets.Dims()
	scored := pm.scoredFeatures(targets)
	for j := 0; j < cols; j++ {
		if !scored[j] {
			continue
		}
		scores, labels := column(predictions, targets, j)
		tpr, fpr, pos, neg := rocCurve(scores, labels)
		if tpr == nil {
			continue
		}
		name := pm.lookup(j)

		rocSeries := SeriesData{Name: name, Type: "line"}
		prSeries := SeriesData{Name: name, Type: "line"}
		for k := range tpr {
			rocSeries.Data = append(rocSeries.Data, DataPoint{X: fpr[k], Y: tpr[k]})
			tp, fp := tpr[k]*pos, fpr[k]*neg
			if tp+fp > 0 {
				prSeries.Data = append(prSeries.Data, DataPoint{X: tpr[k], Y: tp / (tp + fp)})
			}
		}
		roc.Series = append(roc.Series, rocSeries)
		pr.Series = append(pr.Series, prSeries)

		if v := pm.lastScore(ROCAUC, j); !math.IsNaN(v) {
			roc.Metrics[name] = v
		}
		if v := pm.lastScore(AveragePrecision, j); !math.IsNaN(v) {
			pr.Metrics[name] = v
		}
	}

	for file, doc := range map[string]PlotData{ROCCurvesFile: roc, PrecisionRecallFile: pr} {
		data, err := doc.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", file, err)
		}
		if err := renameio.WriteFile(filepath.Join(outputDir, file), data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return nil
}

func (pm *PerformanceMetrics) lastScore(metric string, j int) float64 {
	scores, ok := pm.featureScores[metric]
	if !ok || j >= len(scores) {
		return math.NaN()
	}
	return scores[j]
}
