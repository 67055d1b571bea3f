package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/pointsgame/oppai-go/internal/features"
	"github.com/pointsgame/oppai-go/internal/field"
)

// MaskedTower implements the masked residual tower: a bottlenecked
// two-level residual trunk with periodic global-pooling bias branches,
// a log-softmax policy head with illegal-move suppression and a value head
// with board-size-corrected pooling.
//
// Channel 0 of the input planes is the cell-validity mask, which the forward
// pass threads through every normalization and pooling so that padding never
// pollutes their statistics. This is what lets a single set of weights serve
// every board size in 16..40.
type MaskedTower struct {
	ctx *context.Context
}

// Compile-time assert that MaskedTower implements Model.
var _ Model = &MaskedTower{}

// NewMaskedTower creates a MaskedTower model with a fresh context, initialized
// with hyperparameters set to their defaults.
func NewMaskedTower() *MaskedTower {
	t := &MaskedTower{ctx: context.New()}
	t.ctx.RngStateReset()
	t.ctx.SetParams(map[string]any{
		"batch_size": 128,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.0001,
		optimizers.ParamAdamEpsilon:  1e-7,

		// Network capacity. The trunk bottlenecks to half its width inside
		// the residual blocks.
		"trunk_channels":  192,
		"residual_blocks": 5,
		"residual_size":   2,

		// Every pool_every-th residual block gets a global-pooling bias
		// branch on its first inner block.
		"pool_every":    2,
		"pool_channels": 32,

		// Head widths.
		"policy_channels":      32,
		"policy_pool_channels": 32,
		"value_channels":       32,
	})
	t.ctx = t.ctx.Checked(false)
	return t
}

func (m *MaskedTower) Context() *context.Context {
	return m.ctx
}

func (m *MaskedTower) PolicyIsLogProbs() bool { return true }

// batchDims returns the spatial size of the batch tensor: the maximum over
// the fields, the smaller ones are padded and masked out.
func batchDims(fields []*field.Field) (width, height int) {
	for _, f := range fields {
		width = max(width, f.Width())
		height = max(height, f.Height())
	}
	return
}

// CreateInputs implements Model.CreateInputs.
//
// It builds a single [batch, height, width, features.MaskedChannels] tensor,
// padding every field to the largest size in the batch. Mask channel 0 marks
// the real cells.
func (m *MaskedTower) CreateInputs(fields []*field.Field, player field.Player) []*tensors.Tensor {
	width, height := batchDims(fields)
	inputs := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields), height, width, features.MaskedChannels))
	stride := height * width * features.MaskedChannels
	tensors.MutableFlatData(inputs, func(flat []float32) {
		for i, f := range fields {
			features.ForFieldMasked(f, player, 0, flat[i*stride:(i+1)*stride], width)
		}
	})
	return []*tensors.Tensor{inputs}
}

// CreateLabels implements Model.CreateLabels. Policy targets land on the
// top-left of the padded grid, mirroring CreateInputs; padding cells keep a
// zero target and contribute nothing to the loss.
func (m *MaskedTower) CreateLabels(fields []*field.Field, policyLabels [][]float32, valueLabels []float32) []*tensors.Tensor {
	width, height := batchDims(fields)
	policy := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields), height, width))
	tensors.MutableFlatData(policy, func(flat []float32) {
		for i, f := range fields {
			base := i * height * width
			for y := 0; y < f.Height(); y++ {
				copy(flat[base+y*width:], policyLabels[i][y*f.Width():(y+1)*f.Width()])
			}
		}
	})
	value := tensors.FromShape(shapes.Make(dtypes.Float32, len(fields)))
	tensors.MutableFlatData(value, func(flat []float32) {
		copy(flat, valueLabels)
	})
	return []*tensors.Tensor{policy, value}
}

// ForwardGraph implements Model.ForwardGraph.
func (m *MaskedTower) ForwardGraph(ctx *context.Context, inputs []*Node) (policy, value *Node) {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)

	trunkChannels := context.GetParamOr(ctx, "trunk_channels", 192)
	bottleneck := trunkChannels / 2
	numBlocks := context.GetParamOr(ctx, "residual_blocks", 5)
	numInner := context.GetParamOr(ctx, "residual_size", 2)
	poolEvery := context.GetParamOr(ctx, "pool_every", 2)
	poolChannels := context.GetParamOr(ctx, "pool_channels", 32)

	// Channel 0 is the cell-validity mask.
	mask := Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisElem(0))
	maskSum := ReduceAndKeep(mask, ReduceSum, 1, 2)

	x = layers.Convolution(ctx.In("initial_conv"), x).
		Filters(trunkChannels).KernelSize(3).PadSame().Done()
	for i := range numBlocks {
		withPool := (i+1)%poolEvery == 0
		x = m.residualBlock(ctx.Inf("block_%03d", i), x, mask, maskSum,
			withPool, trunkChannels, bottleneck, numInner, poolChannels)
	}
	x = normMask(ctx.In("norm_trunk_final"), x, mask, false)
	x = activations.Gelu(x)
	x.AssertDims(batchSize, height, width, trunkChannels)

	policy = m.policyHead(ctx.In("policy_head"), x, mask, maskSum)
	value = m.valueHead(ctx.In("value_head"), x, mask, maskSum)
	return
}

// residualBlock is the outer residual block: a 1x1 projection down to the
// bottleneck width, the inner residual blocks, a 1x1 projection back up with
// a learned final scale, plus the identity skip.
func (m *MaskedTower) residualBlock(ctx *context.Context, x, mask, maskSum *Node,
	withPool bool, trunkChannels, bottleneck, numInner, poolChannels int) *Node {
	out := normActConv(ctx.In("project_down"), x, mask, maskSum, false, false, bottleneck, 1, 0)
	for i := range numInner {
		out = m.innerResidualBlock(ctx.Inf("inner_%03d", i), out, mask, maskSum,
			withPool && i == 0, bottleneck, poolChannels)
	}
	out = normActConv(ctx.In("project_up"), out, mask, maskSum, true, false, trunkChannels, 1, 0)
	return Add(x, out)
}

// innerResidualBlock runs at the bottleneck width: two NormActConv units and
// an identity skip. Only the first unit ever carries the pooling branch.
func (m *MaskedTower) innerResidualBlock(ctx *context.Context, x, mask, maskSum *Node,
	withPool bool, bottleneck, poolChannels int) *Node {
	out := normActConv(ctx.In("nac_1"), x, mask, maskSum, false, withPool, bottleneck, 3, poolChannels)
	out = normActConv(ctx.In("nac_2"), out, mask, maskSum, true, false, bottleneck, 3, 0)
	return Add(x, out)
}

// policyHead maps the trunk output to per-cell move log-probabilities,
// shaped [batch, height, width].
func (m *MaskedTower) policyHead(ctx *context.Context, x, mask, maskSum *Node) *Node {
	batchSize := x.Shape().Dim(0)
	height, width := x.Shape().Dim(1), x.Shape().Dim(2)
	pChannels := context.GetParamOr(ctx, "policy_channels", 32)
	gChannels := context.GetParamOr(ctx, "policy_pool_channels", 32)

	outP := layers.Convolution(ctx.In("conv_p"), x).
		Filters(pChannels).KernelSize(1).PadSame().Done()

	outG := layers.Convolution(ctx.In("conv_g"), x).
		Filters(gChannels).KernelSize(1).PadSame().Done()
	outG = normMask(ctx.In("norm_g"), outG, mask, false)
	outG = activations.Gelu(outG)
	outG = gpool(outG, mask, maskSum)
	outG = Reshape(outG, batchSize, -1)
	outG = layers.DenseWithBias(ctx.In("linear_g"), outG, pChannels)
	outG = ExpandAxes(outG, 1, 2)

	outP = Add(outP, outG)
	outP = normMask(ctx.In("norm_2"), outP, mask, false)
	outP = activations.Gelu(outP)
	outP = layers.Convolution(ctx.In("conv_2"), outP).
		Filters(1).KernelSize(1).PadSame().Done()

	// Suppress moves on masked-out cells: a large negative logit makes their
	// probability mass vanish without producing non-finite values.
	outP = Sub(outP, MulScalar(oneMinus(mask), illegalMoveLogit))

	logits := Reshape(outP, batchSize, height*width)
	logProbs := LogSoftmax(logits, -1)
	return Reshape(logProbs, batchSize, height, width)
}

// valueHead maps the trunk output to a single value in (-1, 1) per sample,
// shaped [batch].
func (m *MaskedTower) valueHead(ctx *context.Context, x, mask, maskSum *Node) *Node {
	batchSize := x.Shape().Dim(0)
	vChannels := context.GetParamOr(ctx, "value_channels", 32)

	out := layers.Convolution(ctx.In("conv_1"), x).
		Filters(vChannels).KernelSize(1).PadSame().Done()
	out = normMask(ctx.In("norm_1"), out, mask, false)
	out = activations.Gelu(out)
	out = gpoolValue(out, maskSum)
	out = Reshape(out, batchSize, -1)
	out = layers.DenseWithBias(ctx.In("linear_2"), out, 1)
	out = Reshape(out, batchSize)
	return Tanh(out)
}

// LossGraph implements Model.LossGraph: cross-entropy of the policy against
// its soft target plus squared error of the value, both averaged over the
// batch and summed unweighted.
func (m *MaskedTower) LossGraph(ctx *context.Context, inputs, labels []*Node) *Node {
	policy, value := m.ForwardGraph(ctx, inputs)
	return policyValueLoss(policy, value, labels[0], labels[1])
}
