package gomlx

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/pointsgame/oppai-go/internal/field"
	"github.com/pointsgame/oppai-go/internal/generics"
	"github.com/pointsgame/oppai-go/internal/parameters"
)

func newTestSmallTower(t *testing.T) *Predictor {
	t.Helper()
	params := parameters.NewFromConfigString(
		"num_channels=8,hidden_nodes=32,hidden_nodes2=16,batch_size=2,width=16,height=16")
	p, err := newPredictor(ModelSmallTower, "", NewSmallTower(), params)
	require.NoError(t, err)
	return p
}

func TestSmallTower_PredictIsDeterministic(t *testing.T) {
	// Dropout only applies during training: repeated inference must agree.
	p := newTestSmallTower(t)
	f := field.MustNew(16, 16)
	require.NoError(t, f.PutPoint(5, 5, field.Red))
	fields := []*field.Field{f}

	policies0, values0 := p.Predict(fields, field.Red)
	policies1, values1 := p.Predict(fields, field.Red)
	require.Equal(t, values0, values1)
	require.Equal(t, policies0, policies1)

	var sum float32
	for _, prob := range policies0[0] {
		sum += prob
	}
	require.InDelta(t, 1.0, sum, 1e-3)
}

func TestSmallTower_RejectsWrongSize(t *testing.T) {
	p := newTestSmallTower(t)
	f := field.MustNew(20, 20)
	require.Panics(t, func() { p.Predict([]*field.Field{f}, field.Red) })
}

func TestSmallTower_DropoutIsActiveWhileTraining(t *testing.T) {
	p := newTestSmallTower(t)
	model := p.model
	// Loss in training mode, without the optimizer update: each execution draws
	// fresh dropout masks from the context's RNG state.
	trainLossExec := context.NewExec(backend(), model.Context().Checked(false),
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			inputs := inputsAndLabels[:len(inputsAndLabels)-numLabelTensors]
			labels := inputsAndLabels[len(inputsAndLabels)-numLabelTensors:]
			return model.LossGraph(ctx, inputs, labels)
		})

	f := field.MustNew(16, 16)
	require.NoError(t, f.PutPoint(5, 5, field.Red))
	fields := []*field.Field{f}
	labels := make([]float32, 16*16)
	labels[17] = 1
	trainLoss := func() float32 {
		inputs := model.CreateInputs(fields, field.Red)
		inputs = append(inputs, model.CreateLabels(fields, [][]float32{labels}, []float32{0.3})...)
		args := generics.SliceMap(inputs, func(t *tensors.Tensor) any { return t })
		return tensors.ToScalar[float32](trainLossExec.Call(args...)[0])
	}
	require.NotEqual(t, trainLoss(), trainLoss())

	// Inference-mode loss stays deterministic.
	require.Equal(t,
		p.Loss(fields, field.Red, [][]float32{labels}, []float32{0.3}),
		p.Loss(fields, field.Red, [][]float32{labels}, []float32{0.3}))
}

func TestSmallTower_Learn(t *testing.T) {
	p := newTestSmallTower(t)
	f := field.MustNew(16, 16)
	require.NoError(t, f.PutPoint(5, 5, field.Red))
	fields := []*field.Field{f}

	labels := make([]float32, 16*16)
	labels[17] = 1
	lossBefore := p.Loss(fields, field.Red, [][]float32{labels}, []float32{0.7})
	for range 30 {
		loss := p.Learn(fields, field.Red, [][]float32{labels}, []float32{0.7})
		require.False(t, math32.IsNaN(loss), "loss is NaN")
	}
	lossAfter := p.Loss(fields, field.Red, [][]float32{labels}, []float32{0.7})
	require.Less(t, lossAfter, lossBefore)
}
