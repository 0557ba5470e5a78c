// Package sampler defines how the trainer obtains example batches: the
// Sampler interface the orchestrator drives, the batch types it returns, and
// an in-memory implementation backed by gonum matrices.
package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Partition names a data split.
type Partition string

const (
	Train      Partition = "train"
	Validation Partition = "validation"
	Test       Partition = "test"
)

// String returns the partition name
func (p Partition) String() string { return string(p) }

// ParsePartition maps a name to a Partition.
func ParsePartition(name string) (Partition, error) {
	switch Partition(name) {
	case Train, Validation, Test:
		return Partition(name), nil
	default:
		return "", fmt.Errorf("unknown partition %q", name)
	}
}

// Batch is one set of examples, one per row, with aligned targets.
type Batch struct {
	Inputs  *mat.Dense
	Targets *mat.Dense
}

// Len returns the number of examples in the batch
func (b Batch) Len() int {
	if b.Inputs == nil {
		return 0
	}
	r, _ := b.Inputs.Dims()
	return r
}

// BatchSet is a fixed, ordered evaluation set. Targets stacks the targets of
// every batch in order, so row i of Targets belongs to the i-th example.
// A BatchSet is not modified after it is built.
type BatchSet struct {
	Batches []Batch
	Targets *mat.Dense
}

// Len returns the total number of examples across all batches
func (bs *BatchSet) Len() int {
	if bs == nil || bs.Targets == nil {
		return 0
	}
	r, _ := bs.Targets.Dims()
	return r
}

// NewBatchSet splits inputs and targets into consecutive batches of at most
// batchSize rows. The stacked targets share storage with the given matrix.
func NewBatchSet(inputs, targets *mat.Dense, batchSize int) (*BatchSet, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", batchSize)
	}
	rows, inCols := inputs.Dims()
	tRows, tCols := targets.Dims()
	if rows != tRows {
		return nil, fmt.Errorf("inputs have %d rows but targets have %d", rows, tRows)
	}

	set := &BatchSet{Targets: targets}
	for start := 0; start < rows; start += batchSize {
		end := start + batchSize
		if end > rows {
			end = rows
		}
		set.Batches = append(set.Batches, Batch{
			Inputs:  inputs.Slice(start, end, 0, inCols).(*mat.Dense),
			Targets: targets.Slice(start, end, 0, tCols).(*mat.Dense),
		})
	}
	return set, nil
}

// Sampler supplies batches to the trainer.
type Sampler interface {
	// Sample draws the next batch from the active partition.
	Sample(batchSize int) (Batch, error)
	// SetMode switches the active partition.
	SetMode(p Partition) error
	// ValidationSet returns the fixed validation set. nSamples <= 0 means
	// the whole partition.
	ValidationSet(batchSize, nSamples int) (*BatchSet, error)
	// TestSet returns the fixed test set. nSamples <= 0 means the whole
	// partition.
	TestSet(batchSize, nSamples int) (*BatchSet, error)
	// FeatureFromIndex returns the label of target column i.
	FeatureFromIndex(i int) string
	// Modes lists the partitions this sampler can serve.
	Modes() []Partition
	// SaveDatasetToFile flushes the records sampled from p, closing the
	// underlying file when closeFile is set.
	SaveDatasetToFile(p Partition, closeFile bool) error
}

// HasMode reports whether s serves partition p.
func HasMode(s Sampler, p Partition) bool {
	for _, m := range s.Modes() {
		if m == p {
			return true
		}
	}
	return false
}
