package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
)

const (
	latestSlot = "checkpoint"
	bestSlot   = "best_model"
)

// Store keeps the two checkpoint slots of a run: the latest snapshot, which
// is replaced on every save, and the best snapshot, which is replaced only
// when the caller reports a new best validation loss.
type Store struct {
	dir    string
	saver  *Saver
	logger hclog.Logger
}

// NewStore creates a store writing into dir with the given format.
func NewStore(dir string, format Format, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		dir:    dir,
		saver:  NewSaver(format),
		logger: logger.Named("checkpoints"),
	}
}

// LatestPath is the location of the latest-checkpoint slot.
func (s *Store) LatestPath() string {
	return filepath.Join(s.dir, latestSlot+"."+s.saver.Format().Extension())
}

// BestPath is the location of the best-checkpoint slot.
func (s *Store) BestPath() string {
	return filepath.Join(s.dir, bestSlot+"."+s.saver.Format().Extension())
}

// Save overwrites the latest slot and, when isBest is set, copies the same
// snapshot into the best slot.
func (s *Store) Save(checkpoint *Checkpoint, isBest bool) error {
	s.logger.Info("saving model state to file", "step", checkpoint.Step, "best", isBest)

	data, err := s.saver.Encode(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint at step %d: %w", checkpoint.Step, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := writeFile(s.LatestPath(), data); err != nil {
		return err
	}
	if isBest {
		if err := writeFile(s.BestPath(), data); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a checkpoint in either supported format.
func (s *Store) Load(path string) (*Checkpoint, error) {
	return Load(path)
}

// LoadLatest reads the latest slot.
func (s *Store) LoadLatest() (*Checkpoint, error) {
	return Load(s.LatestPath())
}

// LoadBest reads the best slot.
func (s *Store) LoadBest() (*Checkpoint, error) {
	return Load(s.BestPath())
}
