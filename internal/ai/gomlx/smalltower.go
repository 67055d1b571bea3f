package gomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/pointsgame/oppai-go/internal/features"
	"github.com/pointsgame/oppai-go/internal/field"
)

// SmallTower implements the legacy shallow network: four convolutions (the
// last two unpadded) followed by two dropout-regularized fully-connected
// layers feeding the policy and value outputs. It runs on a fixed field size
// and is kept as a capacity baseline; the "num_channels" hyperparameter
// selects between its historical narrow and wide declarations.
type SmallTower struct {
	ctx *context.Context
}

// Compile-time assert that SmallTower implements Model.
var _ Model = &SmallTower{}

// NewSmallTower creates a SmallTower model with a fresh context, initialized
// with hyperparameters set to their defaults.
func NewSmallTower() *SmallTower {
	t := &SmallTower{ctx: context.New()}
	t.ctx.RngStateReset()
	t.ctx.SetParams(map[string]any{
		"batch_size": 128,

		// The fixed field size this network is built for.
		"width":  20,
		"height": 20,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		layers.ParamDropoutRate:      0.3,

		"num_channels":  32,
		"hidden_nodes":  1024,
		"hidden_nodes2": 512,
	})
	t.ctx = t.ctx.Checked(false)
	return t
}

func (t *SmallTower) Context() *context.Context {
	return t.ctx
}

func (t *SmallTower) PolicyIsLogProbs() bool { return true }

func (t *SmallTower) fieldSize() (width, height int) {
	width = context.GetParamOr(t.ctx, "width", 20)
	height = context.GetParamOr(t.ctx, "height", 20)
	return
}

// CreateInputs implements Model.CreateInputs. All fields must match the
// network's fixed size.
func (t *SmallTower) CreateInputs(fields []*field.Field, player field.Player) []*tensors.Tensor {
	width, height := t.fieldSize()
	inputs := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields), height, width, features.PlaneChannels))
	stride := height * width * features.PlaneChannels
	tensors.MutableFlatData(inputs, func(flat []float32) {
		for i, f := range fields {
			if f.Width() != width || f.Height() != height {
				exceptions.Panicf("small tower model is built for %dx%d fields, got %dx%d",
					width, height, f.Width(), f.Height())
			}
			features.ForField(f, player, 0, flat[i*stride:(i+1)*stride])
		}
	})
	return []*tensors.Tensor{inputs}
}

// CreateLabels implements Model.CreateLabels.
func (t *SmallTower) CreateLabels(fields []*field.Field, policyLabels [][]float32, valueLabels []float32) []*tensors.Tensor {
	width, height := t.fieldSize()
	policy := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields), height, width))
	tensors.MutableFlatData(policy, func(flat []float32) {
		for i := range fields {
			copy(flat[i*height*width:], policyLabels[i])
		}
	})
	value := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields)))
	tensors.MutableFlatData(value, func(flat []float32) {
		copy(flat, valueLabels)
	})
	return []*tensors.Tensor{policy, value}
}

// ForwardGraph implements Model.ForwardGraph. The policy comes out as
// log-probabilities.
func (t *SmallTower) ForwardGraph(ctx *context.Context, inputs []*Node) (policy, value *Node) {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)

	channels := context.GetParamOr(ctx, "num_channels", 32)
	hidden := context.GetParamOr(ctx, "hidden_nodes", 1024)
	hidden2 := context.GetParamOr(ctx, "hidden_nodes2", 512)

	convBlock := func(ctx *context.Context, x *Node, padded bool) *Node {
		conv := layers.Convolution(ctx.In("conv"), x).Filters(channels).KernelSize(3)
		if padded {
			conv = conv.PadSame()
		}
		x = conv.Done()
		x = batchnorm.New(ctx.In("norm"), x, -1).Done()
		return activations.Relu(x)
	}

	// The last two convolutions are unpadded, shrinking each spatial side
	// by 4 in total.
	x = convBlock(ctx.In("layer_1"), x, true)
	x = convBlock(ctx.In("layer_2"), x, true)
	x = convBlock(ctx.In("layer_3"), x, false)
	x = convBlock(ctx.In("layer_4"), x, false)
	x.AssertDims(batchSize, height-4, width-4, channels)
	x = Reshape(x, batchSize, -1)

	fcBlock := func(ctx *context.Context, x *Node, nodes int) *Node {
		x = layers.DenseWithBias(ctx.In("linear"), x, nodes)
		x = batchnorm.New(ctx.In("norm"), x, -1).Done()
		x = activations.Relu(x)
		return layers.DropoutFromContext(ctx, x)
	}
	x = fcBlock(ctx.In("fc_1"), x, hidden)
	x = fcBlock(ctx.In("fc_2"), x, hidden2)

	logits := layers.DenseWithBias(ctx.In("policy_linear"), x, height*width)
	policy = Reshape(LogSoftmax(logits, -1), batchSize, height, width)

	v := layers.DenseWithBias(ctx.In("value_linear"), x, 1)
	value = Tanh(Reshape(v, batchSize))
	return
}

// LossGraph implements Model.LossGraph.
func (t *SmallTower) LossGraph(ctx *context.Context, inputs, labels []*Node) *Node {
	policy, value := t.ForwardGraph(ctx, inputs)
	return policyValueLoss(policy, value, labels[0], labels[1])
}
