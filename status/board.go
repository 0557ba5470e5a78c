// Package status exposes the progress of a training run over HTTP.
package status

import (
	"math"
	"sync"
	"time"

	"github.com/tsawler/go-trainer/training"
)

// Snapshot is the JSON view of the latest step. Non-finite values are
// reported as null.
type Snapshot struct {
	RunID        string    `json:"run_id"`
	Step         int       `json:"step"`
	StartStep    int       `json:"start_step"`
	MaxSteps     int       `json:"max_steps"`
	TrainLoss    *float64  `json:"train_loss"`
	LearningRate float64   `json:"learning_rate"`
	MinLoss      *float64  `json:"min_loss"`
	StepsPerSec  float64   `json:"steps_per_sec"`
	UpdatedAt    time.Time `json:"updated_at"`
	Done         bool      `json:"done"`
}

// Validation is one reporting interval's averaged scores.
type Validation struct {
	Step   int                 `json:"step"`
	Scores map[string]*float64 `json:"scores"`
}

// Board keeps the latest progress and the validation history of a run. It
// is written by the training goroutine and read by HTTP handlers.
type Board struct {
	mu          sync.RWMutex
	latest      *training.Progress
	started     time.Time
	firstStep   int
	validations []Validation
	done        bool
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{}
}

// OnStep records p.
func (b *Board) OnStep(p training.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latest == nil {
		b.started = p.Time
		b.firstStep = p.Step
	}
	b.latest = &p
	if p.Validated {
		scores := make(map[string]*float64, len(p.Validation))
		for k, v := range p.Validation {
			scores[k] = finite(v)
		}
		b.validations = append(b.validations, Validation{Step: p.Step, Scores: scores})
	}
}

// MarkDone flags the run as finished.
func (b *Board) MarkDone() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
}

// Snapshot returns the latest step, or false before the first step.
func (b *Board) Snapshot() (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.latest == nil {
		return Snapshot{Done: b.done}, false
	}
	p := b.latest
	s := Snapshot{
		RunID:        p.RunID,
		Step:         p.Step,
		StartStep:    p.StartStep,
		MaxSteps:     p.MaxSteps,
		TrainLoss:    finite(p.TrainLoss),
		LearningRate: p.LearningRate,
		MinLoss:      finite(p.MinLoss),
		UpdatedAt:    p.Time,
		Done:         b.done,
	}
	if elapsed := p.Time.Sub(b.started).Seconds(); elapsed > 0 {
		s.StepsPerSec = float64(p.Step-b.firstStep) / elapsed
	}
	return s, true
}

// Validations returns a copy of the validation history in step order.
func (b *Board) Validations() []Validation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Validation, len(b.validations))
	copy(out, b.validations)
	return out
}

// ValidationAt returns the validation recorded at step.
func (b *Board) ValidationAt(step int) (Validation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, v := range b.validations {
		if v.Step == step {
			return v, true
		}
	}
	return Validation{}, false
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
