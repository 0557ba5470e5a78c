package training

import (
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-trainer/engine"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/sampler"
)

// StepExecutor runs single training updates.
type StepExecutor struct {
	model     engine.Model
	optimizer optimizer.Optimizer
	loss      Loss
	sampler   sampler.Sampler
	batchSize int
}

// NewStepExecutor creates a step executor drawing batchSize examples per
// step.
func NewStepExecutor(model engine.Model, opt optimizer.Optimizer, loss Loss, s sampler.Sampler, batchSize int) *StepExecutor {
	return &StepExecutor{
		model:     model,
		optimizer: opt,
		loss:      loss,
		sampler:   s,
		batchSize: batchSize,
	}
}

// Step puts the model in training mode, draws a training batch, and applies
// exactly one optimizer update. It returns the batch loss as computed,
// including NaN or Inf.
func (e *StepExecutor) Step() (float64, error) {
	e.model.Train()
	if err := e.sampler.SetMode(sampler.Train); err != nil {
		return 0, collaboratorError(CollaboratorSampler, "set mode", err)
	}
	batch, err := e.sampler.Sample(e.batchSize)
	if err != nil {
		return 0, collaboratorError(CollaboratorSampler, "sample", err)
	}

	predictions, err := e.model.Forward(batch.Inputs)
	if err != nil {
		return 0, collaboratorError(CollaboratorModel, "forward", err)
	}
	loss, err := e.loss.Forward(predictions, batch.Targets)
	if err != nil {
		return 0, collaboratorError(CollaboratorLoss, "forward", err)
	}
	grad, err := e.loss.Backward(predictions, batch.Targets)
	if err != nil {
		return 0, collaboratorError(CollaboratorLoss, "backward", err)
	}

	e.optimizer.ZeroGrad()
	if err := e.model.Backward(grad); err != nil {
		return 0, collaboratorError(CollaboratorModel, "backward", err)
	}
	if err := e.optimizer.Step(); err != nil {
		return 0, collaboratorError(CollaboratorOptimizer, "step", err)
	}
	return loss, nil
}

// EvaluationRunner scores fixed batch sets without updating the model.
type EvaluationRunner struct {
	model engine.Model
	loss  Loss
}

// NewEvaluationRunner creates an evaluation runner
func NewEvaluationRunner(model engine.Model, loss Loss) *EvaluationRunner {
	return &EvaluationRunner{model: model, loss: loss}
}

// Evaluate runs every batch of set in order on the calling goroutine with the
// model in inference mode. It returns the mean of the per-batch losses and
// the predictions stacked row-wise, so row i matches set.Targets row i.
func (r *EvaluationRunner) Evaluate(set *sampler.BatchSet) (float64, *mat.Dense, error) {
	r.model.Eval()

	var predictions *mat.Dense
	var lossSum float64
	row := 0
	for i, batch := range set.Batches {
		out, err := r.model.Forward(batch.Inputs)
		if err != nil {
			return 0, nil, collaboratorError(CollaboratorModel, "forward", err)
		}
		loss, err := r.loss.Forward(out, batch.Targets)
		if err != nil {
			return 0, nil, collaboratorError(CollaboratorLoss, "forward", err)
		}
		lossSum += loss

		rows, cols := out.Dims()
		if predictions == nil {
			predictions = mat.NewDense(set.Len(), cols, nil)
		}
		if row+rows > set.Len() {
			return 0, nil, collaboratorError(CollaboratorModel, "forward",
				errRowCount(i, row+rows, set.Len()))
		}
		predictions.Slice(row, row+rows, 0, cols).(*mat.Dense).Copy(out)
		row += rows
	}
	if predictions == nil {
		return 0, nil, collaboratorError(CollaboratorSampler, "evaluation set", errEmptySet)
	}
	if row != set.Len() {
		return 0, nil, collaboratorError(CollaboratorModel, "forward", errRowCount(len(set.Batches)-1, row, set.Len()))
	}
	return lossSum / float64(len(set.Batches)), predictions, nil
}
