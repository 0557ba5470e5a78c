package sampler

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gonum.org/v1/gonum/mat"
)

// Dataset is one partition held in memory: one example per row.
type Dataset struct {
	Inputs  *mat.Dense
	Targets *mat.Dense
}

// Len returns the number of examples
func (d Dataset) Len() int {
	if d.Inputs == nil {
		return 0
	}
	r, _ := d.Inputs.Dims()
	return r
}

func (d Dataset) validate() error {
	if d.Inputs == nil || d.Targets == nil {
		return fmt.Errorf("dataset has nil inputs or targets")
	}
	r, _ := d.Inputs.Dims()
	tr, _ := d.Targets.Dims()
	if r != tr {
		return fmt.Errorf("inputs have %d rows but targets have %d", r, tr)
	}
	return nil
}

// MemoryConfig configures a Memory sampler.
type MemoryConfig struct {
	Seed int64
	// OutputDir receives <partition>_data.tsv for every partition in
	// SaveDatasets.
	OutputDir    string
	SaveDatasets []Partition
}

// DefaultMemoryConfig returns a config that records nothing.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{Seed: 1}
}

// Memory serves batches from in-memory datasets. Training batches walk a
// shuffled permutation of the partition and reshuffle when it is used up.
type Memory struct {
	datasets map[Partition]Dataset
	features []string
	mode     Partition
	rng      *rand.Rand
	logger   hclog.Logger

	indices  map[Partition][]int
	position map[Partition]int

	outputDir string
	records   map[Partition]*recordFile
}

type recordFile struct {
	file *os.File
	w    *bufio.Writer
}

// NewMemory creates a sampler over the given partitions. features labels the
// target columns and must match their count.
func NewMemory(datasets map[Partition]Dataset, features []string, config MemoryConfig, logger hclog.Logger) (*Memory, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("no datasets provided")
	}
	if _, ok := datasets[Train]; !ok {
		return nil, fmt.Errorf("a %s partition is required", Train)
	}
	for p, d := range datasets {
		if _, err := ParsePartition(string(p)); err != nil {
			return nil, err
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("%s partition: %w", p, err)
		}
		if _, cols := d.Targets.Dims(); cols != len(features) {
			return nil, fmt.Errorf("%s partition has %d target columns but %d feature names", p, cols, len(features))
		}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	m := &Memory{
		datasets:  datasets,
		features:  features,
		mode:      Train,
		rng:       rand.New(rand.NewSource(config.Seed)),
		logger:    logger.Named("sampler"),
		indices:   make(map[Partition][]int),
		position:  make(map[Partition]int),
		outputDir: config.OutputDir,
		records:   make(map[Partition]*recordFile),
	}
	// fixed partition order so a seed always yields the same permutations
	for _, p := range m.Modes() {
		m.indices[p] = m.rng.Perm(datasets[p].Len())
	}
	for _, p := range config.SaveDatasets {
		if _, ok := datasets[p]; !ok {
			return nil, fmt.Errorf("cannot record unknown partition %s", p)
		}
		m.records[p] = nil
	}
	return m, nil
}

// Modes lists the partitions in train, validation, test order.
func (m *Memory) Modes() []Partition {
	var modes []Partition
	for _, p := range []Partition{Train, Validation, Test} {
		if _, ok := m.datasets[p]; ok {
			modes = append(modes, p)
		}
	}
	return modes
}

// SetMode switches the partition Sample draws from
func (m *Memory) SetMode(p Partition) error {
	if _, ok := m.datasets[p]; !ok {
		return fmt.Errorf("partition %s is not available", p)
	}
	m.mode = p
	return nil
}

// Mode returns the active partition
func (m *Memory) Mode() Partition { return m.mode }

// Sample returns the next batchSize examples of the active partition.
func (m *Memory) Sample(batchSize int) (Batch, error) {
	if batchSize <= 0 {
		return Batch{}, fmt.Errorf("batch size must be positive: %d", batchSize)
	}
	d := m.datasets[m.mode]
	n := d.Len()
	if n == 0 {
		return Batch{}, fmt.Errorf("partition %s is empty", m.mode)
	}

	_, inCols := d.Inputs.Dims()
	_, tCols := d.Targets.Dims()
	inputs := mat.NewDense(batchSize, inCols, nil)
	targets := mat.NewDense(batchSize, tCols, nil)
	rows := make([]int, batchSize)

	for i := 0; i < batchSize; i++ {
		if m.position[m.mode] >= n {
			m.rng.Shuffle(n, func(a, b int) {
				m.indices[m.mode][a], m.indices[m.mode][b] = m.indices[m.mode][b], m.indices[m.mode][a]
			})
			m.position[m.mode] = 0
		}
		row := m.indices[m.mode][m.position[m.mode]]
		m.position[m.mode]++
		rows[i] = row
		inputs.SetRow(i, d.Inputs.RawRowView(row))
		targets.SetRow(i, d.Targets.RawRowView(row))
	}

	if err := m.record(m.mode, rows, targets); err != nil {
		return Batch{}, err
	}
	return Batch{Inputs: inputs, Targets: targets}, nil
}

// ValidationSet returns the first nSamples validation examples in batches.
func (m *Memory) ValidationSet(batchSize, nSamples int) (*BatchSet, error) {
	return m.fixedSet(Validation, batchSize, nSamples)
}

// TestSet returns the first nSamples test examples in batches.
func (m *Memory) TestSet(batchSize, nSamples int) (*BatchSet, error) {
	return m.fixedSet(Test, batchSize, nSamples)
}

func (m *Memory) fixedSet(p Partition, batchSize, nSamples int) (*BatchSet, error) {
	d, ok := m.datasets[p]
	if !ok {
		return nil, fmt.Errorf("partition %s is not available", p)
	}
	n := d.Len()
	if nSamples > 0 && nSamples < n {
		n = nSamples
	}
	if n == 0 {
		return nil, fmt.Errorf("partition %s is empty", p)
	}
	_, inCols := d.Inputs.Dims()
	_, tCols := d.Targets.Dims()
	inputs := mat.DenseCopyOf(d.Inputs.Slice(0, n, 0, inCols))
	targets := mat.DenseCopyOf(d.Targets.Slice(0, n, 0, tCols))
	return NewBatchSet(inputs, targets, batchSize)
}

// FeatureFromIndex returns the label of target column i
func (m *Memory) FeatureFromIndex(i int) string {
	if i < 0 || i >= len(m.features) {
		return strconv.Itoa(i)
	}
	return m.features[i]
}

// record appends sampled rows to the partition's record file, opening it
// on first use.
func (m *Memory) record(p Partition, rows []int, targets *mat.Dense) error {
	rf, tracked := m.records[p]
	if !tracked {
		return nil
	}
	if rf == nil {
		if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create record directory: %w", err)
		}
		path := filepath.Join(m.outputDir, fmt.Sprintf("%s_data.tsv", p))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open record file: %w", err)
		}
		rf = &recordFile{file: f, w: bufio.NewWriter(f)}
		m.records[p] = rf
		m.logger.Debug("recording sampled examples", "partition", p, "path", path)
	}

	for i, row := range rows {
		labels := make([]string, 0, len(m.features))
		for j, v := range targets.RawRowView(i) {
			if v > 0.5 {
				labels = append(labels, m.FeatureFromIndex(j))
			}
		}
		if _, err := fmt.Fprintf(rf.w, "%d\t%s\n", row, strings.Join(labels, ",")); err != nil {
			return fmt.Errorf("failed to write %s record: %w", p, err)
		}
	}
	return nil
}

// SaveDatasetToFile flushes buffered records for p. With closeFile set the
// file is closed; a later Sample reopens it in append mode.
func (m *Memory) SaveDatasetToFile(p Partition, closeFile bool) error {
	rf := m.records[p]
	if rf == nil {
		return nil
	}
	if err := rf.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s records: %w", p, err)
	}
	if closeFile {
		m.records[p] = nil
		if err := rf.file.Close(); err != nil {
			return fmt.Errorf("failed to close %s records: %w", p, err)
		}
		m.logger.Debug("closed record file", "partition", p)
	}
	return nil
}
