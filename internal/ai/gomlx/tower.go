package gomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/pointsgame/oppai-go/internal/features"
	"github.com/pointsgame/oppai-go/internal/field"
)

// Tower implements the declarative residual tower: a flat residual trunk with
// standard batch normalization and ReLU, a softmax policy head and a
// fully-connected value head. It runs on a fixed field size set at
// construction, without a validity mask.
type Tower struct {
	ctx *context.Context
}

// Compile-time assert that Tower implements Model.
var _ Model = &Tower{}

// NewTower creates a Tower model with a fresh context, initialized with
// hyperparameters set to their defaults.
func NewTower() *Tower {
	t := &Tower{ctx: context.New()}
	t.ctx.RngStateReset()
	t.ctx.SetParams(map[string]any{
		"batch_size": 128,

		// The fixed field size this tower is built for.
		"width":  39,
		"height": 32,

		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.001,
		regularizers.ParamL2:         0.01,

		"trunk_layers":         19,
		"trunk_channels":       256,
		"policy_conv_channels": 2,
		"value_conv_channels":  1,
		"value_hidden":         256,
	})
	t.ctx = t.ctx.Checked(false)
	return t
}

func (t *Tower) Context() *context.Context {
	return t.ctx
}

func (t *Tower) PolicyIsLogProbs() bool { return false }

func (t *Tower) fieldSize() (width, height int) {
	width = context.GetParamOr(t.ctx, "width", 39)
	height = context.GetParamOr(t.ctx, "height", 32)
	return
}

// CreateInputs implements Model.CreateInputs. All fields must match the
// tower's fixed size.
func (t *Tower) CreateInputs(fields []*field.Field, player field.Player) []*tensors.Tensor {
	width, height := t.fieldSize()
	inputs := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields), height, width, features.CompactChannels))
	stride := height * width * features.CompactChannels
	tensors.MutableFlatData(inputs, func(flat []float32) {
		for i, f := range fields {
			if f.Width() != width || f.Height() != height {
				exceptions.Panicf("tower model is built for %dx%d fields, got %dx%d",
					width, height, f.Width(), f.Height())
			}
			features.ForFieldCompact(f, player, 0, flat[i*stride:(i+1)*stride])
		}
	})
	return []*tensors.Tensor{inputs}
}

// CreateLabels implements Model.CreateLabels.
func (t *Tower) CreateLabels(fields []*field.Field, policyLabels [][]float32, valueLabels []float32) []*tensors.Tensor {
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

// batchNorm with the tower's fixed momentum and epsilon, over the feature
// axis.
func (t *Tower) batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).Momentum(0.95).Epsilon(1e-5).Done()
}

// headNorm is the headless batch normalization used by the output heads:
// no learned center or scale.
func (t *Tower) headNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).Momentum(0.95).Epsilon(1e-5).
		Center(false).Scale(false).Done()
}

// forwardLogits builds the trunk and both heads, returning the policy logits
// shaped [batch, height*width] and the value shaped [batch].
func (t *Tower) forwardLogits(ctx *context.Context, inputs []*Node) (logits, value *Node) {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)

	trunkLayers := context.GetParamOr(ctx, "trunk_layers", 19)
	trunkChannels := context.GetParamOr(ctx, "trunk_channels", 256)
	policyChannels := context.GetParamOr(ctx, "policy_conv_channels", 2)
	valueChannels := context.GetParamOr(ctx, "value_conv_channels", 1)
	valueHidden := context.GetParamOr(ctx, "value_hidden", 256)

	conv := func(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
		return layers.Convolution(ctx, x).
			Filters(filters).KernelSize(kernelSize).PadSame().Done()
	}

	x = activations.Relu(t.batchNorm(ctx.In("initial_norm"), conv(ctx.In("initial_conv"), x, trunkChannels, 3)))
	for i := range trunkLayers {
		blockCtx := ctx.Inf("block_%03d", i)
		y := t.batchNorm(blockCtx.In("norm_1"), conv(blockCtx.In("conv_1"), x, trunkChannels, 3))
		y = activations.Relu(y)
		y = t.batchNorm(blockCtx.In("norm_2"), conv(blockCtx.In("conv_2"), y, trunkChannels, 3))
		x = activations.Relu(Add(x, y))
	}

	policy := conv(ctx.In("policy_conv"), x, policyChannels, 1)
	policy = activations.Relu(t.headNorm(ctx.In("policy_norm"), policy))
	policy = Reshape(policy, batchSize, -1)
	logits = layers.DenseWithBias(ctx.In("policy_linear"), policy, height*width)

	v := conv(ctx.In("value_conv"), x, valueChannels, 1)
	v = activations.Relu(t.headNorm(ctx.In("value_norm"), v))
	v = Reshape(v, batchSize, -1)
	v = layers.DenseWithBias(ctx.In("value_hidden"), v, valueHidden)
	v = layers.DenseWithBias(ctx.In("value_linear"), v, 1)
	value = Tanh(Reshape(v, batchSize))
	return
}

// ForwardGraph implements Model.ForwardGraph. The policy comes out as a
// proper probability distribution.
func (t *Tower) ForwardGraph(ctx *context.Context, inputs []*Node) (policy, value *Node) {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)
	var logits *Node
	logits, value = t.forwardLogits(ctx, inputs)
	policy = Reshape(Softmax(logits, -1), batchSize, height, width)
	return
}

// LossGraph implements Model.LossGraph: categorical cross-entropy on the
// policy logits against the soft target plus mean squared error on the value.
func (t *Tower) LossGraph(ctx *context.Context, inputs, labels []*Node) *Node {
	logits, value := t.forwardLogits(ctx, inputs)
	batchSize := logits.Shape().Dim(0)
	targetPolicy := Reshape(labels[0], batchSize, -1)
	targetValue := labels[1]

	policyLoss := losses.CategoricalCrossEntropyLogits(
		[]*Node{targetPolicy}, []*Node{logits})
	if !policyLoss.IsScalar() {
		policyLoss = ReduceAllMean(policyLoss)
	}
	valueLoss := losses.MeanSquaredError(
		[]*Node{ExpandAxes(targetValue, -1)}, []*Node{ExpandAxes(value, -1)})
	if !valueLoss.IsScalar() {
		valueLoss = ReduceAllMean(valueLoss)
	}
	return Add(policyLoss, valueLoss)
}
