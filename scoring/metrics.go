package scoring

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/renameio/v2"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Metric names understood by PerformanceMetrics.
const (
	ROCAUC           = "roc_auc"
	AveragePrecision = "average_precision"
)

// MetricFunc scores one feature column. It returns NaN when the column
// cannot be scored.
type MetricFunc func(scores []float64, labels []bool) float64

var metricFuncs = map[string]MetricFunc{
	ROCAUC:           ROCAUCScore,
	AveragePrecision: AveragePrecisionScore,
}

// PerformanceMetrics scores every target column of a prediction table with
// each configured metric and averages over the columns it could score.
type PerformanceMetrics struct {
	lookup     func(int) string
	nPositives int
	metrics    []string

	// per-feature scores of the most recent Update, keyed by metric
	featureScores map[string][]float64
}

// NewPerformanceMetrics creates a scorer for the named metrics. With no
// metrics given it reports roc_auc and average_precision.
func NewPerformanceMetrics(lookup func(int) string, nPositives int, metrics ...string) (*PerformanceMetrics, error) {
	if len(metrics) == 0 {
		metrics = []string{ROCAUC, AveragePrecision}
	}
	for _, m := range metrics {
		if _, ok := metricFuncs[m]; !ok {
			return nil, fmt.Errorf("unknown metric %q", m)
		}
	}
	if lookup == nil {
		lookup = strconv.Itoa
	}
	return &PerformanceMetrics{
		lookup:     lookup,
		nPositives: nPositives,
		metrics:    metrics,
	}, nil
}

// DefaultFactory builds PerformanceMetrics with the default metrics.
func DefaultFactory(lookup func(int) string, nPositives int) Scorer {
	pm, _ := NewPerformanceMetrics(lookup, nPositives)
	return pm
}

// Metrics returns the configured metric names in order
func (pm *PerformanceMetrics) Metrics() []string { return pm.metrics }

// Update scores predictions against targets.
func (pm *PerformanceMetrics) Update(predictions, targets *mat.Dense) (map[string]float64, error) {
	if err := checkAligned(predictions, targets); err != nil {
		return nil, err
	}
	_, cols := targets.Dims()

	scored := pm.scoredFeatures(targets)
	pm.featureScores = make(map[string][]float64, len(pm.metrics))
	averages := make(map[string]float64, len(pm.metrics))
	for _, name := range pm.metrics {
		fn := metricFuncs[name]
		scores := make([]float64, cols)
		var sum float64
		var n int
		for j := 0; j < cols; j++ {
			scores[j] = math.NaN()
			if !scored[j] {
				continue
			}
			s, labels := column(predictions, targets, j)
			scores[j] = fn(s, labels)
			if !math.IsNaN(scores[j]) {
				sum += scores[j]
				n++
			}
		}
		pm.featureScores[name] = scores
		if n == 0 {
			averages[name] = math.NaN()
		} else {
			averages[name] = sum / float64(n)
		}
	}
	return averages, nil
}

// scoredFeatures marks the columns with more than nPositives positives.
func (pm *PerformanceMetrics) scoredFeatures(targets *mat.Dense) []bool {
	rows, cols := targets.Dims()
	scored := make([]bool, cols)
	for j := 0; j < cols; j++ {
		var positives int
		for i := 0; i < rows; i++ {
			if targets.At(i, j) > 0.5 {
				positives++
			}
		}
		scored[j] = positives > pm.nPositives
	}
	return scored
}

// WriteFeatureScoresToFile writes one row per scored feature, ordered by the
// first metric from best to worst: metric columns, then the feature label.
func (pm *PerformanceMetrics) WriteFeatureScoresToFile(path string) (map[string]map[string]float64, error) {
	if pm.featureScores == nil {
		return nil, fmt.Errorf("no scores to write: Update has not been called")
	}

	byFeature := make(map[string]map[string]float64)
	var order []int
	first := pm.featureScores[pm.metrics[0]]
	for j := range first {
		row := make(map[string]float64)
		for _, name := range pm.metrics {
			if v := pm.featureScores[name][j]; !math.IsNaN(v) {
				row[name] = v
			}
		}
		if len(row) == 0 {
			continue
		}
		byFeature[pm.lookup(j)] = row
		order = append(order, j)
	}
	sort.SliceStable(order, func(a, b int) bool {
		va, vb := first[order[a]], first[order[b]]
		if math.IsNaN(vb) {
			return !math.IsNaN(va)
		}
		return va > vb
	})

	var buf bytes.Buffer
	for _, name := range pm.metrics {
		buf.WriteString(name)
		buf.WriteByte('\t')
	}
	buf.WriteString("class\n")
	for _, j := range order {
		for _, name := range pm.metrics {
			v := pm.featureScores[name][j]
			if math.IsNaN(v) {
				buf.WriteString("NA")
			} else {
				fmt.Fprintf(&buf, "%.4f", v)
			}
			buf.WriteByte('\t')
		}
		buf.WriteString(pm.lookup(j))
		buf.WriteByte('\n')
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write feature scores: %w", err)
	}
	return byFeature, nil
}

func checkAligned(predictions, targets *mat.Dense) error {
	if predictions == nil || targets == nil {
		return fmt.Errorf("predictions and targets are required")
	}
	pr, pc := predictions.Dims()
	tr, tc := targets.Dims()
	if pr != tr || pc != tc {
		return fmt.Errorf("predictions [%d %d] do not match targets [%d %d]", pr, pc, tr, tc)
	}
	return nil
}

// column copies feature j out of the prediction table.
func column(predictions, targets *mat.Dense, j int) ([]float64, []bool) {
	rows, _ := predictions.Dims()
	scores := make([]float64, rows)
	labels := make([]bool, rows)
	for i := 0; i < rows; i++ {
		scores[i] = predictions.At(i, j)
		labels[i] = targets.At(i, j) > 0.5
	}
	return scores, labels
}

// rocCurve returns the ROC curve ordered by increasing false positive rate
// and the class totals. It sorts scores and labels in place.
func rocCurve(scores []float64, labels []bool) (tpr, fpr []float64, pos, neg float64) {
	for _, l := range labels {
		if l {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, nil, pos, neg
	}
	stat.SortWeightedLabeled(scores, labels, nil)
	tpr, fpr, _ = stat.ROC(nil, scores, labels, nil)
	return tpr, fpr, pos, neg
}

// ROCAUCScore is the area under the ROC curve, NaN unless both classes are
// present.
func ROCAUCScore(scores []float64, labels []bool) float64 {
	tpr, fpr, _, _ := rocCurve(scores, labels)
	if tpr == nil {
		return math.NaN()
	}
	return integrate.Trapezoidal(fpr, tpr)
}

// AveragePrecisionScore sums precision weighted by the recall gained at each
// threshold. NaN unless both classes are present.
func AveragePrecisionScore(scores []float64, labels []bool) float64 {
	tpr, fpr, pos, neg := rocCurve(scores, labels)
	if tpr == nil {
		return math.NaN()
	}
	var ap float64
	for k := 1; k < len(tpr); k++ {
		tp := tpr[k] * pos
		fp := fpr[k] * neg
		if tp+fp == 0 {
			continue
		}
		ap += (tpr[k] - tpr[k-1]) * tp / (tp + fp)
	}
	return ap
}
