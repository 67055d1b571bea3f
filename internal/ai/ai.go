// Package ai defines the standard interfaces that the neural network models
// for the points game implement.
package ai

import (
	"github.com/chewxy/math32"

	"github.com/pointsgame/oppai-go/internal/field"
)

// WinValue is the value-head target for a surely won position; a surely lost
// one is -WinValue. The value head ends in tanh(x), so predictions always
// fall strictly inside (-WinValue, WinValue).
const WinValue = float32(1)

// TargetValue squashes a final score difference into a value-head training
// target in (-WinValue, WinValue). Larger captures saturate towards a sure
// win.
func TargetValue(scoreDiff int) float32 {
	return math32.Tanh(float32(scoreDiff)/2) * WinValue
}

// Predictor evaluates field positions: for each field it returns the policy,
// a probability per cell of the field (row-major, length width*height,
// summing to 1), and the position value in (-1, 1) from the point of view of
// the player to move.
type Predictor interface {
	Predict(fields []*field.Field, player field.Player) (policies [][]float32, values []float32)
	String() string
}

// Learner is the interface used to train a Predictor model, based on policy
// and value labels.
type Learner interface {
	Predictor

	// Learn runs one training step on the given batch of fields with their
	// policy labels (one distribution per field, row-major over cells) and
	// value labels. It returns the training loss, averaged over the batch.
	Learn(fields []*field.Field, player field.Player, policyLabels [][]float32, valueLabels []float32) (loss float32)

	// Loss returns the current loss on the given batch, without training.
	Loss(fields []*field.Field, player field.Player, policyLabels [][]float32, valueLabels []float32) (loss float32)

	// Save the model being learned -- or create a new checkpoint.
	Save() error

	// BatchSize returns the batch size used by the learner.
	// It is used only as an optimization hint for callers.
	BatchSize() int
}
