package gomlx

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pointsgame/oppai-go/internal/ai"
	"github.com/pointsgame/oppai-go/internal/field"
	"github.com/pointsgame/oppai-go/internal/generics"
	"github.com/pointsgame/oppai-go/internal/parameters"
)

// numLabelTensors is fixed for all models: the policy target and the value
// target.
const numLabelTensors = 2

// newPredictor wraps a Model into a Predictor, connecting it to a checkpoint
// directory (if filePath is not empty) and compiling its executors.
func newPredictor(modelType ModelType, filePath string, model Model, params parameters.Params) (*Predictor, error) {
	p := &Predictor{
		Type:  modelType,
		model: model,
	}

	// Help if requested.
	if slices.Index([]string{"help", "--help", "-help", "-h"}, filePath) != -1 {
		p.writeHyperparametersHelp()
		return nil, fmt.Errorf("model type %s help requested", modelType)
	}

	// Number of checkpoints to keep.
	var err error
	p.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}

	// Create checkpoint, and load it if it exists.
	if filePath != "" {
		if err = p.createCheckpoint(filePath); err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s",
				modelType, filePath)
		}
	}

	// Create the backend.
	_ = backend()

	// Overwrite hyperparameters from given params.
	err = extractParams(p.Type.String(), params, p.model.Context())
	if err != nil {
		return nil, err
	}
	ctx := p.model.Context()
	p.batchSize = context.GetParamOr(ctx, "batch_size", 100)

	// Create optimizer to be used in training.
	p.optimizer = optimizers.FromContext(ctx)
	p.createExecutors()

	// Force creating/loading of variables without race conditions first.
	// Fixed-size models carry their size as hyperparameters; the masked tower
	// takes any supported size.
	warmUp := field.MustNew(
		context.GetParamOr(ctx, "width", field.MinSize),
		context.GetParamOr(ctx, "height", field.MinSize))
	_, _ = p.Predict([]*field.Field{warmUp}, field.Red)

	return p, nil
}

// Predictor wraps one of the GoMLX models and implements ai.Predictor and
// ai.Learner for it: batched move-distribution/value prediction, one-step
// training, and checkpointing.
type Predictor struct {
	Type ModelType

	// model being wrapped.
	model Model

	// Executors.
	predictExec, lossExec, trainStepExec *context.Exec

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	// Default to 10.
	checkpointsToKeep int

	// Hyperparameters cached values: they should also be set in the model context.
	batchSize int

	// muLearning "write" for learning, and "read" for predicting.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// muSave makes saving sequential.
	muSave sync.Mutex
}

var (
	// Assert Predictor is an ai.Predictor and an ai.Learner.
	_ ai.Predictor = (*Predictor)(nil)
	_ ai.Learner   = (*Predictor)(nil)
)

func (p *Predictor) createExecutors() {
	muNewExec.Lock()
	defer muNewExec.Unlock()
	ctx := p.model.Context().Checked(false)
	p.predictExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			policy, value := p.model.ForwardGraph(ctx, inputs)
			if p.model.PolicyIsLogProbs() {
				policy = graph.Exp(policy)
			}
			return []*graph.Node{policy, value}
		})
	p.predictExec.SetMaxCache(100)
	p.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-numLabelTensors]
			labels := inputsAndLabels[len(inputsAndLabels)-numLabelTensors:]
			loss := p.model.LossGraph(ctx, inputs, labels)
			if !loss.IsScalar() {
				loss = graph.ReduceAllMean(loss)
			}
			return loss
		})
	p.lossExec.SetMaxCache(100)
	p.trainStepExec = context.NewExec(backend(), p.model.Context(),
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			inputs := inputsAndLabels[:len(inputsAndLabels)-numLabelTensors]
			labels := inputsAndLabels[len(inputsAndLabels)-numLabelTensors:]
			loss := p.model.LossGraph(ctx, inputs, labels)
			p.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	p.trainStepExec.SetMaxCache(100)
}

// String implements fmt.Stringer and ai.Predictor.
func (p *Predictor) String() string {
	if p == nil {
		return "<nil>[GoMLX]"
	}
	gomlxName := fmt.Sprintf("[GoMLX/%s]", backend().Name())
	if p.checkpoint == nil || p.checkpoint.Dir() == "" {
		return fmt.Sprintf("%s%s", p.Type, gomlxName)
	}
	return fmt.Sprintf("%s%s@%s", p.Type, gomlxName, p.checkpoint.Dir())
}

// Predict implements ai.Predictor: it returns one move distribution per
// field -- a probability per cell, in row-major order of the field's own
// size -- and one value estimate per field, from player's point of view.
func (p *Predictor) Predict(fields []*field.Field, player field.Player) (policies [][]float32, values []float32) {
	inputs := p.model.CreateInputs(fields, player)

	p.muLearning.RLock()
	defer p.muLearning.RUnlock()
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})

	results := p.predictExec.Call(donatedInputs...)
	policiesT, valuesT := results[0], results[1]

	// The policy comes out on the batch grid: fields smaller than the grid
	// take their distribution from its top-left corner.
	gridHeight := policiesT.Shape().Dim(1)
	gridWidth := policiesT.Shape().Dim(2)
	gridPolicies := tensors.CopyFlatData[float32](policiesT)
	policies = make([][]float32, len(fields))
	for i, f := range fields {
		policy := make([]float32, f.Width()*f.Height())
		base := i * gridHeight * gridWidth
		for y := range f.Height() {
			row := gridPolicies[base+y*gridWidth:]
			copy(policy[y*f.Width():(y+1)*f.Width()], row[:f.Width()])
		}
		policies[i] = policy
	}
	values = tensors.CopyFlatData[float32](valuesT)
	return
}

// Learn implements ai.Learner: it runs one optimizer step on the given batch
// and returns the loss before the step.
func (p *Predictor) Learn(fields []*field.Field, player field.Player, policyLabels [][]float32, valueLabels []float32) float32 {
	p.muLearning.Lock()
	defer p.muLearning.Unlock()
	lossT := p.trainStepExec.Call(p.createInputsAndLabels(fields, player, policyLabels, valueLabels)...)[0]
	return tensors.ToScalar[float32](lossT)
}

// Loss implements ai.Learner: the current loss on the given batch, without
// updating the model.
func (p *Predictor) Loss(fields []*field.Field, player field.Player, policyLabels [][]float32, valueLabels []float32) float32 {
	p.muLearning.RLock()
	defer p.muLearning.RUnlock()
	lossT := p.lossExec.Call(p.createInputsAndLabels(fields, player, policyLabels, valueLabels)...)[0]
	return tensors.ToScalar[float32](lossT)
}

func (p *Predictor) createInputsAndLabels(fields []*field.Field, player field.Player, policyLabels [][]float32, valueLabels []float32) []any {
	inputs := p.model.CreateInputs(fields, player)
	inputs = append(inputs, p.model.CreateLabels(fields, policyLabels, valueLabels)...)
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
	return donatedInputs
}

// Save saves a checkpoint of the model, if it is associated to a checkpoint
// directory.
func (p *Predictor) Save() error {
	if p.checkpoint == nil {
		klog.Warningf("This %s model is not associated to a checkpoint directory, not saving", p.Type)
		return nil
	}
	p.muSave.Lock()
	defer p.muSave.Unlock()
	return p.checkpoint.Save()
}

// BatchSize returns the recommended batch size for training, and implements
// ai.Learner.
func (p *Predictor) BatchSize() int {
	return p.batchSize
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (p *Predictor) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s parameters:\n", p.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=<path_to_model> to load/save the model at the given directory, or\n", p.Type)
	_, _ = fmt.Fprintf(buf, "\t%s= to use a fresh model without checkpointing, or\n", p.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=-help to show this help message\n", p.Type)
	p.model.Context().EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}

func (p *Predictor) createCheckpoint(filePath string) error {
	checkpoint, err := checkpoints.
		Build(p.model.Context()).
		Immediate().
		Keep(p.checkpointsToKeep).
		Dir(filePath).
		Done()
	if err != nil {
		return err
	}
	p.checkpoint = checkpoint
	return nil
}
