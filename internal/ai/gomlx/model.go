package gomlx

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/pointsgame/oppai-go/internal/field"
)

// Model is a GoMLX supported model, the backend of a Predictor.
type Model interface {
	// Context used by the model: with both its weights and hyperparameters.
	Context() *context.Context

	// CreateInputs for a batch of fields as tensors, viewed from the player
	// to move. It should also do any spatial padding the model needs.
	CreateInputs(fields []*field.Field, player field.Player) []*tensors.Tensor

	// CreateLabels tensors for the batch: the policy targets (one
	// distribution over cells per field, row-major) and the value targets.
	// It receives the same fields as CreateInputs so the labels get the same
	// spatial padding.
	CreateLabels(fields []*field.Field, policyLabels [][]float32, valueLabels []float32) []*tensors.Tensor

	// ForwardGraph is the GoMLX model graph function with the forward path.
	// It returns the policy shaped [batch, height, width] -- as
	// log-probabilities if PolicyIsLogProbs, probabilities otherwise -- and
	// the value shaped [batch], bounded to (-1, 1).
	ForwardGraph(ctx *context.Context, inputs []*graph.Node) (policy, value *graph.Node)

	// LossGraph calculates the training loss given the inputs and the label
	// tensors from CreateLabels. It must return a scalar.
	LossGraph(ctx *context.Context, inputs, labels []*graph.Node) *graph.Node

	// PolicyIsLogProbs reports whether ForwardGraph returns the policy as
	// log-probabilities. The Predictor exponentiates those back to a proper
	// distribution when predicting.
	PolicyIsLogProbs() bool
}
