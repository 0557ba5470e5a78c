// Command trainer runs a training job on generated multi-label data: it
// trains a linear model, validates and checkpoints on a cadence, and scores
// the test partition at the end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/tsawler/go-trainer/engine"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/sampler"
	"github.com/tsawler/go-trainer/scoring"
	"github.com/tsawler/go-trainer/status"
	"github.com/tsawler/go-trainer/training"
)

const (
	logFileName    = "trainer.log"
	configFileName = "run_config.json"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if isUsageError(err) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "trainer: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("trainer", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", "", "path to a JSON run config")
	outputDir := flags.String("output", "", "output directory (overrides training.output_dir)")
	maxSteps := flags.Int("max-steps", -1, "number of training steps (overrides training.max_steps)")
	resume := flags.String("resume", "", "checkpoint to resume from (overrides training.resume_from)")
	statusAddr := flags.String("status-addr", "", "address for the status server, e.g. :8080")
	verbosity := flags.Int("v", -1, "log verbosity: 0 warn, 1 info, 2 debug")
	noProgress := flags.Bool("no-progress", false, "disable the progress bar")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadRunConfig(*configPath)
	if err != nil {
		return err
	}
	if *outputDir != "" {
		cfg.Training.OutputDir = *outputDir
	}
	if *maxSteps >= 0 {
		cfg.Training.MaxSteps = *maxSteps
	}
	if *resume != "" {
		cfg.Training.ResumeFrom = *resume
	}
	if *statusAddr != "" {
		cfg.Status.Addr = *statusAddr
	}
	if *verbosity >= 0 {
		cfg.Verbosity = *verbosity
	}

	// nothing is written until the configuration and resume checkpoint check out
	if err := cfg.Training.Validate(); err != nil {
		return err
	}
	saveDatasets, err := cfg.saveDatasets()
	if err != nil {
		return err
	}
	model, err := engine.NewLinear(cfg.Data.InputSize, cfg.Data.NumFeatures, cfg.Training.Exec, cfg.Model.Seed)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	opt, err := optimizer.New(model.Parameters(), cfg.Optimizer)
	if err != nil {
		return fmt.Errorf("failed to create optimizer: %w", err)
	}
	loss, err := training.NewLoss(cfg.Loss)
	if err != nil {
		return err
	}
	if cfg.Training.ResumeFrom != "" {
		if _, err := training.LoadResume(cfg.Training.ResumeFrom, model, opt); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.Training.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.Training.OutputDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "trainer",
		Level:  levelFromVerbosity(cfg.Verbosity),
		Output: io.MultiWriter(stdout, logFile),
	})
	if err := SaveRunConfig(filepath.Join(cfg.Training.OutputDir, configFileName), cfg); err != nil {
		return err
	}

	datasets, features, err := sampler.Synthetic(cfg.Data.synthetic())
	if err != nil {
		return fmt.Errorf("failed to generate data: %w", err)
	}
	memory, err := sampler.NewMemory(datasets, features, sampler.MemoryConfig{
		Seed:         cfg.Sampler.Seed,
		OutputDir:    cfg.Training.OutputDir,
		SaveDatasets: saveDatasets,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}
	var s sampler.Sampler = memory

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Sampler.Prefetch > 0 {
		prefetcher, err := sampler.NewPrefetcher(memory, sampler.PrefetchConfig{
			BatchSize:     cfg.Training.BatchSize,
			PrefetchDepth: cfg.Sampler.Prefetch,
		})
		if err != nil {
			return err
		}
		if err := prefetcher.Start(ctx); err != nil {
			return err
		}
		defer prefetcher.Stop()
		s = prefetcher
	}

	guard := &divergenceGuard{cancel: cancel, logger: logger}
	board := status.NewBoard()
	observers := []training.Observer{guard, board}
	var bar *training.ProgressBar
	if !*noProgress {
		bar = training.NewProgressBar(stdout, "Training", cfg.Training.MaxSteps)
		observers = append(observers, bar)
	}

	o, err := training.NewOrchestrator(cfg.Training, training.Dependencies{
		Model:     model,
		Optimizer: opt,
		Loss:      loss,
		Sampler:   s,
		NewScorer: scoring.DefaultFactory,
		Logger:    logger,
		Observers: observers,
	})
	if err != nil {
		return err
	}
	defer o.Close()

	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	if cfg.Status.Addr != "" {
		listener, err := net.Listen("tcp", cfg.Status.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Status.Addr, err)
		}
		router := status.NewRouter(status.NewHandler(logger.Named("status"), board))
		go func() { serverDone <- status.Serve(serverCtx, logger.Named("status"), listener, router) }()
	} else {
		serverDone <- nil
	}

	err = o.TrainAndValidate(ctx)
	if bar != nil {
		bar.Finish()
	}
	board.MarkDone()
	if guard.err != nil {
		err = guard.err
	}
	if err == nil && sampler.HasMode(s, sampler.Test) {
		var report scoring.Report
		report, _, err = o.Evaluate()
		if err == nil {
			logger.Info("test evaluation finished", "loss", report.Loss(), "artifacts", cfg.Training.OutputDir)
		}
	}

	state := o.State()
	logger.Info("run finished", "run_id", state.RunID, "steps", state.Step-state.StartStep,
		"min_loss", state.MinLoss, "learning_rate", state.LearningRate)

	stopServer()
	if serr := <-serverDone; serr != nil {
		logger.Error("status server failed", "error", serr)
	}
	if cerr := o.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// levelFromVerbosity maps 0, 1 and 2 to WARN, INFO and DEBUG.
func levelFromVerbosity(v int) hclog.Level {
	switch {
	case v <= 0:
		return hclog.Warn
	case v == 1:
		return hclog.Info
	default:
		return hclog.Debug
	}
}

// divergenceGuard stops the run at the first non-finite training loss.
type divergenceGuard struct {
	cancel context.CancelFunc
	logger hclog.Logger
	err    error
}

func (g *divergenceGuard) OnStep(p training.Progress) {
	if g.err != nil || !(math.IsNaN(p.TrainLoss) || math.IsInf(p.TrainLoss, 0)) {
		return
	}
	g.err = fmt.Errorf("%w: training loss %v at step %d", training.ErrNumericDivergence, p.TrainLoss, p.Step)
	g.logger.Error("stopping run", "step", p.Step, "loss", p.TrainLoss)
	g.cancel()
}

var _ training.Observer = (*divergenceGuard)(nil)

func isUsageError(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}
