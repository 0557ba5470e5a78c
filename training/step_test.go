package training

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/sampler"
)

// echoModel returns its first input columns and records mode switches.
type echoModel struct {
	engine.Model
	cols     int
	training bool
	forwards int
	failAt   int
}

func (m *echoModel) Train() { m.training = true }
func (m *echoModel) Eval()  { m.training = false }

func (m *echoModel) Forward(inputs *mat.Dense) (*mat.Dense, error) {
	m.forwards++
	if m.failAt > 0 && m.forwards == m.failAt {
		return nil, errors.New("forward exploded")
	}
	rows, _ := inputs.Dims()
	return mat.DenseCopyOf(inputs.Slice(0, rows, 0, m.cols)), nil
}

func TestStepExecutorAppliesOneUpdate(t *testing.T) {
	s := newTestSampler(t, false, sampler.DefaultMemoryConfig())
	model, err := engine.NewLinear(4, 2, engine.ExecutionContext{Device: engine.CPU, Threads: 1}, 3)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	opt, err := optimizer.NewSGD(model.Parameters(), optimizer.SGDConfig{LearningRate: 0.5})
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}
	before := mat.DenseCopyOf(model.Parameters()[0].Value)

	model.Eval()
	executor := NewStepExecutor(model, opt, NewBCELoss("mean"), s, 8)
	loss, err := executor.Step()
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if math.IsNaN(loss) || loss <= 0 {
		t.Errorf("expected a positive loss, got %v", loss)
	}
	if !model.IsTraining() {
		t.Error("expected the model in training mode after a step")
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("expected one update, got %d", opt.GetStepCount())
	}
	if mat.Equal(before, model.Parameters()[0].Value) {
		t.Error("expected weights to change")
	}
}

func TestStepExecutorWrapsFailures(t *testing.T) {
	s := newTestSampler(t, false, sampler.DefaultMemoryConfig())
	model := &echoModel{cols: 2, failAt: 1}
	param := engine.NewParameter("w", "weight", mat.NewDense(1, 1, []float64{1}))
	opt, err := optimizer.NewSGD([]*engine.Parameter{param}, optimizer.DefaultSGDConfig())
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	_, err = NewStepExecutor(model, opt, NewMSELoss("mean"), s, 4).Step()
	var collabErr *CollaboratorError
	if !errors.As(err, &collabErr) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if collabErr.Collaborator != CollaboratorModel || collabErr.Op != "forward" {
		t.Errorf("expected model forward failure, got %s %s", collabErr.Collaborator, collabErr.Op)
	}
	if opt.GetStepCount() != 0 {
		t.Error("expected no update after a failed forward")
	}
}

func TestEvaluationRunnerKeepsOrder(t *testing.T) {
	inputs := mat.NewDense(5, 2, []float64{
		0.1, 0.9,
		0.2, 0.8,
		0.3, 0.7,
		0.4, 0.6,
		0.5, 0.5,
	})
	targets := mat.NewDense(5, 2, []float64{0, 1, 0, 1, 1, 0, 1, 0, 1, 1})
	set, err := sampler.NewBatchSet(inputs, targets, 2)
	if err != nil {
		t.Fatalf("Failed to build batch set: %v", err)
	}

	model := &echoModel{cols: 2, training: true}
	loss, predictions, err := NewEvaluationRunner(model, NewMSELoss("mean")).Evaluate(set)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if model.training {
		t.Error("expected the model in inference mode")
	}
	if model.forwards != 3 {
		t.Errorf("expected 3 batches, got %d", model.forwards)
	}
	if !mat.Equal(predictions, inputs) {
		t.Errorf("expected predictions in input order, got %v", mat.Formatted(predictions))
	}

	// mean of per-batch losses, not per-example
	var sum float64
	mse := NewMSELoss("mean")
	for _, b := range set.Batches {
		l, _ := mse.Forward(b.Inputs, b.Targets)
		sum += l
	}
	if math.Abs(loss-sum/3) > 1e-12 {
		t.Errorf("expected loss %v, got %v", sum/3, loss)
	}
}

func TestEvaluationRunnerEmptySet(t *testing.T) {
	_, _, err := NewEvaluationRunner(&echoModel{cols: 1}, NewMSELoss("")).Evaluate(&sampler.BatchSet{})
	if !errors.Is(err, errEmptySet) {
		t.Errorf("expected empty set error, got %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	exec := engine.ExecutionContext{Device: engine.CPU, Threads: 1}
	model, _ := engine.NewLinear(3, 2, exec, 1)
	opt, _ := optimizer.NewAdam(model.Parameters(), optimizer.DefaultAdamConfig())

	cp, err := snapshot(7, 0.25, model, opt, "run-1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if cp.Step != 7 || cp.MinLoss != 0.25 || cp.Arch != "Linear" || cp.Metadata.RunID != "run-1" {
		t.Errorf("unexpected checkpoint header %+v", cp)
	}

	other, _ := engine.NewLinear(3, 2, exec, 2)
	otherOpt, _ := optimizer.NewAdam(other.Parameters(), optimizer.DefaultAdamConfig())
	if err := restore(cp, other, otherOpt); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !mat.Equal(model.Parameters()[0].Value, other.Parameters()[0].Value) {
		t.Error("expected restored weights to match")
	}

	cp.Arch = "Conv"
	if err := restore(cp, other, otherOpt); !errors.Is(err, ErrCheckpointMismatch) {
		t.Errorf("expected ErrCheckpointMismatch for a mismatched architecture, got %v", err)
	}

	cp.Arch = "Linear"
	cp.Optimizer = &checkpoints.OptimizerState{Type: "SGD"}
	var collabErr *CollaboratorError
	err = restore(cp, other, otherOpt)
	if !errors.As(err, &collabErr) || collabErr.Collaborator != CollaboratorOptimizer {
		t.Errorf("expected optimizer CollaboratorError, got %v", err)
	}
	if !errors.Is(err, ErrCheckpointMismatch) {
		t.Errorf("expected ErrCheckpointMismatch for a mismatched optimizer, got %v", err)
	}
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Training", 10)
	for step := 0; step < 4; step++ {
		p := Progress{Step: step, MaxSteps: 10, TrainLoss: 0.5, LearningRate: 0.1}
		if step == 3 {
			p.Validation = map[string]float64{"roc_auc": 0.75}
		}
		pb.OnStep(p)
	}

	line := out.String()
	if !strings.Contains(line, "4/10") {
		t.Errorf("expected 4/10 in %q", line)
	}
	if !strings.Contains(line, "val_roc_auc=0.75") || !strings.Contains(line, "lr=0.1") {
		t.Errorf("expected metrics in %q", line)
	}

	pb.Finish()
	if !strings.HasSuffix(out.String(), "\n") || !strings.Contains(out.String(), "100%") {
		t.Errorf("expected a completed bar, got %q", out.String())
	}
}

func TestObserverFunc(t *testing.T) {
	var got Progress
	var obs Observer = ObserverFunc(func(p Progress) { got = p })
	obs.OnStep(Progress{Step: 3, RunID: "x"})
	if got.Step != 3 || got.RunID != "x" {
		t.Errorf("expected progress to be forwarded, got %+v", got)
	}
}
