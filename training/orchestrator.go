package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/engine"
	"github.com/tsawler/go-trainer/npz"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/sampler"
	"github.com/tsawler/go-trainer/scoring"
)

// Artifact file names written into the output directory.
const (
	TestTargetsFile     = "test_targets.npz"
	TestPredictionsFile = "test_predictions.npz"
	TestPerformanceFile = "test_performance.txt"
)

// Dependencies are the collaborators an Orchestrator drives. Model,
// Optimizer, Loss, Sampler and NewScorer are required.
type Dependencies struct {
	Model     engine.Model
	Optimizer optimizer.Optimizer
	Loss      Loss
	Sampler   sampler.Sampler
	NewScorer scoring.Factory

	Logger hclog.Logger

	// Checkpoints defaults to a checkpoints.Store in the output directory.
	Checkpoints CheckpointWriter
	// Recorder defaults to <prefix>.train.txt and <prefix>.validation.txt in
	// the output directory.
	Recorder *MetricsRecorder
	// Plateau defaults to DefaultPlateauConfig.
	Plateau *PlateauConfig

	Observers []Observer

	// RunID is stamped into checkpoints; a random one is generated if empty.
	RunID string
}

// State is a read-only view of the training state.
type State struct {
	RunID        string
	Step         int // next step to run
	StartStep    int
	MaxSteps     int
	MinLoss      float64
	LearningRate float64
}

// Orchestrator owns the step loop: training updates, periodic validation,
// learning rate decay, metric logging and checkpointing. It is driven from a
// single goroutine.
type Orchestrator struct {
	config Config
	logger hclog.Logger

	model     engine.Model
	optimizer optimizer.Optimizer
	sampler   sampler.Sampler

	executor  *StepExecutor
	evaluator *EvaluationRunner
	plateau   *PlateauController
	store     CheckpointWriter
	recorder  *MetricsRecorder
	observers []Observer

	validationSet    *sampler.BatchSet
	validationScorer scoring.Scorer
	testSet          *sampler.BatchSet
	testScorer       scoring.Scorer

	runID     string
	startStep int
	maxSteps  int
	step      int
	minLoss   float64
}

// NewOrchestrator validates the configuration, loads the resume checkpoint
// if one is configured, and prepares the evaluation sets, scorers and
// metric sinks. Configuration and checkpoint errors are returned before
// anything is written.
func NewOrchestrator(config Config, deps Dependencies) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Model == nil || deps.Optimizer == nil || deps.Loss == nil || deps.Sampler == nil || deps.NewScorer == nil {
		return nil, fmt.Errorf("%w: model, optimizer, loss, sampler and scorer factory are required", ErrConfiguration)
	}
	if err := deps.Model.Capabilities().Check(config.Exec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	var resume *checkpoints.Checkpoint
	if config.ResumeFrom != "" {
		cp, err := LoadResume(config.ResumeFrom, deps.Model, deps.Optimizer)
		if err != nil {
			return nil, err
		}
		resume = cp
	}

	o := &Orchestrator{
		config:    config,
		logger:    logger.Named("training"),
		model:     deps.Model,
		optimizer: deps.Optimizer,
		sampler:   deps.Sampler,
		executor:  NewStepExecutor(deps.Model, deps.Optimizer, deps.Loss, deps.Sampler, config.BatchSize),
		evaluator: NewEvaluationRunner(deps.Model, deps.Loss),
		observers: deps.Observers,
		runID:     deps.RunID,
		maxSteps:  config.MaxSteps,
		minLoss:   math.Inf(1),
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	if err := o.model.Place(config.Exec); err != nil {
		return nil, collaboratorError(CollaboratorModel, "place", err)
	}
	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := o.buildEvaluationSets(); err != nil {
		return nil, err
	}
	o.validationScorer = deps.NewScorer(o.sampler.FeatureFromIndex, config.ReportFeaturePositives)
	if o.testSet != nil {
		o.testScorer = deps.NewScorer(o.sampler.FeatureFromIndex, config.ReportFeaturePositives)
	}

	if resume != nil {
		o.startStep = resume.Step
		o.minLoss = resume.MinLoss
		// the configured step budget counts from the checkpoint once it is
		// used up
		if o.startStep >= o.maxSteps {
			o.maxSteps += o.startStep
		}
		o.logger.Info("resuming from checkpoint", "path", config.ResumeFrom,
			"step", o.startStep, "min_loss", o.minLoss, "max_steps", o.maxSteps)
	}
	o.step = o.startStep

	plateau := DefaultPlateauConfig()
	if deps.Plateau != nil {
		plateau = *deps.Plateau
	}
	o.plateau = NewPlateauController(o.optimizer, plateau, o.logger.Named("plateau"))

	o.store = deps.Checkpoints
	if o.store == nil {
		o.store = checkpoints.NewStore(config.OutputDir, config.format(), logger)
	}

	o.recorder = deps.Recorder
	if o.recorder == nil {
		r, err := OpenMetricsRecorder(config.OutputDir, config.metricsPrefix(), config.SecondaryMetric)
		if err != nil {
			return nil, err
		}
		o.recorder = r
	}

	o.logger.Info("orchestrator ready", "run_id", o.runID, "arch", o.model.Arch(),
		"start_step", o.startStep, "max_steps", o.maxSteps,
		"report_every", config.ReportEvery, "checkpoint_every", config.checkpointEvery())
	return o, nil
}

func (o *Orchestrator) buildEvaluationSets() error {
	start := time.Now()
	set, err := o.sampler.ValidationSet(o.config.BatchSize, o.config.NValidationSamples)
	if err != nil {
		return collaboratorError(CollaboratorSampler, "validation set", err)
	}
	o.validationSet = set
	o.logger.Info("built validation set", "examples", set.Len(), "batches", len(set.Batches), "elapsed", time.Since(start))

	if !sampler.HasMode(o.sampler, sampler.Test) {
		return nil
	}
	start = time.Now()
	set, err = o.sampler.TestSet(o.config.BatchSize, o.config.NTestSamples)
	if err != nil {
		return collaboratorError(CollaboratorSampler, "test set", err)
	}
	o.testSet = set
	o.logger.Info("built test set", "examples", set.Len(), "batches", len(set.Batches), "elapsed", time.Since(start))

	if err := npz.Write(filepath.Join(o.config.OutputDir, TestTargetsFile), set.Targets); err != nil {
		return fmt.Errorf("failed to save test targets: %w", err)
	}
	return nil
}

// TrainAndValidate runs steps [start, max). Every ReportEvery steps (except
// step 0) it validates, logs, steps the plateau controller and checkpoints
// with the best tag; every CheckpointEvery steps it checkpoints without the
// tag. ctx is checked between steps only.
func (o *Orchestrator) TrainAndValidate(ctx context.Context) error {
	reportEvery := o.config.ReportEvery
	checkpointEvery := o.config.checkpointEvery()

	for step := o.startStep; step < o.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("training interrupted", "step", step, "error", err)
			if ferr := o.finishTrainRecords(); ferr != nil {
				o.logger.Error("failed to finalize training records", "error", ferr)
			}
			return err
		}

		start := time.Now()
		trainLoss, err := o.Train()
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		o.step = step + 1
		o.logger.Debug("training step", "step", step, "loss", trainLoss, "elapsed", time.Since(start))

		var validation map[string]float64
		if step != 0 && step%reportEvery == 0 {
			report, err := o.Validate()
			if err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			validation = report.Averages()

			if err := o.recorder.RecordTrain(trainLoss); err != nil {
				return err
			}
			if err := o.recorder.RecordValidation(report); err != nil {
				return err
			}

			if _, score, ok := scoring.Secondary(report); ok {
				o.plateau.Step(Quantize(score))
			}

			isBest := report.Loss() < o.minLoss
			if isBest {
				o.minLoss = report.Loss()
			}
			o.logger.Info("validation", "step", step, "train_loss", trainLoss,
				"validation_loss", report.Loss(), "min_loss", o.minLoss, "best", isBest)
			if err := o.saveCheckpoint(step, isBest); err != nil {
				return err
			}
		}

		if step%checkpointEvery == 0 {
			if err := o.saveCheckpoint(step, false); err != nil {
				return err
			}
		}

		o.notify(step, trainLoss, validation)
	}

	return o.finishTrainRecords()
}

func (o *Orchestrator) finishTrainRecords() error {
	if err := o.sampler.SaveDatasetToFile(sampler.Train, true); err != nil {
		return collaboratorError(CollaboratorSampler, "save dataset", err)
	}
	return nil
}

func (o *Orchestrator) saveCheckpoint(step int, isBest bool) error {
	cp, err := snapshot(step, o.minLoss, o.model, o.optimizer, o.runID)
	if err != nil {
		return err
	}
	if err := o.store.Save(cp, isBest); err != nil {
		return collaboratorError(CollaboratorStore, "save", err)
	}
	return nil
}

func (o *Orchestrator) notify(step int, trainLoss float64, validation map[string]float64) {
	if len(o.observers) == 0 {
		return
	}
	p := Progress{
		RunID:        o.runID,
		Step:         step,
		StartStep:    o.startStep,
		MaxSteps:     o.maxSteps,
		TrainLoss:    trainLoss,
		LearningRate: o.optimizer.LearningRate(),
		MinLoss:      o.minLoss,
		Validation:   validation,
		Validated:    validation != nil,
		Time:         time.Now(),
	}
	for _, obs := range o.observers {
		obs.OnStep(p)
	}
}

// Train runs one training update and returns its loss.
func (o *Orchestrator) Train() (float64, error) {
	return o.executor.Step()
}

// Validate scores the validation set.
func (o *Orchestrator) Validate() (scoring.Report, error) {
	loss, predictions, err := o.evaluator.Evaluate(o.validationSet)
	if err != nil {
		return nil, err
	}
	averages, err := o.validationScorer.Update(predictions, o.validationSet.Targets)
	if err != nil {
		return nil, collaboratorError(CollaboratorScorer, "update", err)
	}
	o.logScores("[VALIDATE]", loss, averages)
	return scoring.NewReport(loss, averages, o.config.SecondaryMetric), nil
}

// Evaluate scores the test set once and writes the test artifacts: the
// predictions dump, the per-feature performance file and the plots. It
// returns the report and the per-feature scores.
func (o *Orchestrator) Evaluate() (scoring.Report, map[string]map[string]float64, error) {
	if o.testSet == nil {
		return nil, nil, ErrNoTestPartition
	}
	loss, predictions, err := o.evaluator.Evaluate(o.testSet)
	if err != nil {
		return nil, nil, err
	}
	averages, err := o.testScorer.Update(predictions, o.testSet.Targets)
	if err != nil {
		return nil, nil, collaboratorError(CollaboratorScorer, "update", err)
	}
	o.logScores("[TEST]", loss, averages)

	if err := npz.Write(filepath.Join(o.config.OutputDir, TestPredictionsFile), predictions); err != nil {
		return nil, nil, fmt.Errorf("failed to save test predictions: %w", err)
	}
	features, err := o.testScorer.WriteFeatureScoresToFile(filepath.Join(o.config.OutputDir, TestPerformanceFile))
	if err != nil {
		return nil, nil, collaboratorError(CollaboratorScorer, "write feature scores", err)
	}
	if err := o.testScorer.Visualize(predictions, o.testSet.Targets, o.config.OutputDir); err != nil {
		return nil, nil, collaboratorError(CollaboratorScorer, "visualize", err)
	}
	return scoring.NewReport(loss, averages, o.config.SecondaryMetric), features, nil
}

func (o *Orchestrator) logScores(tag string, loss float64, averages map[string]float64) {
	names := make([]string, 0, len(averages))
	for name := range averages {
		names = append(names, name)
	}
	sort.Strings(names)
	o.logger.Info(tag, "metric", "loss", "value", loss)
	for _, name := range names {
		o.logger.Info(tag, "metric", name, "value", averages[name])
	}
}

// TestTargets returns the stacked test targets, or nil without a test set.
func (o *Orchestrator) TestTargets() *mat.Dense {
	if o.testSet == nil {
		return nil
	}
	return o.testSet.Targets
}

// State returns a snapshot of the training state.
func (o *Orchestrator) State() State {
	return State{
		RunID:        o.runID,
		Step:         o.step,
		StartStep:    o.startStep,
		MaxSteps:     o.maxSteps,
		MinLoss:      o.minLoss,
		LearningRate: o.optimizer.LearningRate(),
	}
}

// Plateau exposes the learning rate controller.
func (o *Orchestrator) Plateau() *PlateauController { return o.plateau }

// Close flushes and closes the metric sinks.
func (o *Orchestrator) Close() error {
	if o.recorder == nil {
		return nil
	}
	return o.recorder.Close()
}
