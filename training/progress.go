package training

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Progress is a snapshot of the run taken after a training step.
type Progress struct {
	RunID        string             `json:"run_id"`
	Step         int                `json:"step"`
	StartStep    int                `json:"start_step"`
	MaxSteps     int                `json:"max_steps"`
	TrainLoss    float64            `json:"train_loss"`
	LearningRate float64            `json:"learning_rate"`
	MinLoss      float64            `json:"min_loss"`
	Validation   map[string]float64 `json:"validation,omitempty"`
	Validated    bool               `json:"validated"`
	Time         time.Time          `json:"time"`
}

// Observer is notified after every training step. Observers run on the
// training goroutine and must not block.
type Observer interface {
	OnStep(p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p Progress)

func (f ObserverFunc) OnStep(p Progress) { f(p) }

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	mu          sync.Mutex
	out         io.Writer
	description string
	start       int
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		metrics:     make(map[string]float64),
	}
}

// OnStep advances the bar to the step that just finished.
func (pb *ProgressBar) OnStep(p Progress) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.current == 0 {
		pb.start = p.StartStep
	}
	pb.total = p.MaxSteps
	pb.current = p.Step + 1
	pb.metrics["loss"] = p.TrainLoss
	pb.metrics["lr"] = p.LearningRate
	for k, v := range p.Validation {
		pb.metrics["val_"+k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out) // New line after completion
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	var percentage float64
	if pb.total > 0 {
		percentage = math.Min(float64(pb.current)/float64(pb.total), 1.0)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	// rate and ETA count only the steps run by this process
	elapsed := time.Since(pb.startTime)
	done := pb.current - pb.start
	var rate float64
	var eta time.Duration
	if done > 0 && elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
		eta = time.Duration(float64(pb.total-pb.current) / rate * float64(time.Second))
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fstep/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4g", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
