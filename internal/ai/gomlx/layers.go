package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Calibration constants of the global-pooling branches. The pooled statistics
// are centered for boards around 28 cells per side, the middle of the
// supported 16..40 range, so that correction terms vanish there. They are
// empirical: change them only together with the supported size range.
const (
	poolSizeCenter     = 28.0
	poolLinearScale    = 10.0
	poolQuadraticScale = 100.0
	// Mean of (s-28)^2/100 over s in 16..40.
	poolQuadraticShift = 0.52

	// illegalMoveLogit is subtracted from the logits of masked-out cells
	// before the softmax: large enough that their probability mass vanishes
	// numerically, small enough to keep every value finite.
	illegalMoveLogit = 5000.0
)

func zerosTensor(dims ...int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
}

func onesTensor(dims ...int) *tensors.Tensor {
	t := zerosTensor(dims...)
	tensors.MutableFlatData(t, func(flat []float32) {
		for i := range flat {
			flat[i] = 1
		}
	})
	return t
}

func oneMinus(x *Node) *Node {
	return AddScalar(Neg(x), 1.0)
}

// normMask is a masked per-channel learned shift, with an optional learned
// scale: (x*gamma + beta) * mask. The trailing multiplication zeroes padding
// cells, so the bias cannot leak into the receptive field of following
// convolutions. No batch statistics are involved.
//
// x is shaped [batch, height, width, channels], mask [batch, height, width, 1].
func normMask(ctx *context.Context, x, mask *Node, withScale bool) *Node {
	g := x.Graph()
	channels := x.Shape().Dim(3)
	beta := ctx.VariableWithValue("beta", zerosTensor(1, 1, 1, channels)).ValueGraph(g)
	if withScale {
		gamma := ctx.VariableWithValue("gamma", onesTensor(1, 1, 1, channels)).ValueGraph(g)
		x = Mul(x, gamma)
	}
	return Mul(Add(x, beta), mask)
}

// gpool computes three pooled scalars per channel over the spatial axes:
// the masked mean, the mean scaled by a board-size correction, and the max.
// Output is shaped [batch, 1, 1, 3*channels].
//
// maskSum is the per-sample spatial sum of the mask, shaped [batch, 1, 1, 1],
// and must be strictly positive.
func gpool(x, mask, maskSum *Node) *Node {
	offset := AddScalar(Sqrt(maskSum), -poolSizeCenter)
	mean := Div(ReduceAndKeep(x, ReduceSum, 1, 2), maskSum)
	// Activations are always greater than -1 and map 0 to 0, so adding
	// mask-1 keeps padding cells from ever winning the max.
	spatialMax := ReduceAndKeep(Add(x, AddScalar(mask, -1.0)), ReduceMax, 1, 2)
	return Concatenate([]*Node{
		mean,
		Mul(mean, DivScalar(offset, poolLinearScale)),
		spatialMax,
	}, -1)
}

// gpoolValue is the value-head variant of gpool: the max term is replaced by
// the mean scaled by a quadratic board-size correction, calibrated so the
// pooled statistic is invariant in expectation across the supported sizes.
func gpoolValue(x, maskSum *Node) *Node {
	offset := AddScalar(Sqrt(maskSum), -poolSizeCenter)
	mean := Div(ReduceAndKeep(x, ReduceSum, 1, 2), maskSum)
	quad := AddScalar(DivScalar(Mul(offset, offset), poolQuadraticScale), -poolQuadraticShift)
	return Concatenate([]*Node{
		mean,
		Mul(mean, DivScalar(offset, poolLinearScale)),
		Mul(mean, quad),
	}, -1)
}

// convWithGPool is a convolution with a parallel global-pooling bias branch:
// a plain convolution, plus the pooled statistics of a narrow context path
// linearly projected and broadcast-added over space. Output has
// outChannels-poolChannels channels.
func convWithGPool(ctx *context.Context, x, mask, maskSum *Node, outChannels, poolChannels int) *Node {
	outR := layers.Convolution(ctx.In("conv_r"), x).
		Filters(outChannels - poolChannels).KernelSize(3).PadSame().Done()

	outG := layers.Convolution(ctx.In("conv_g"), x).
		Filters(poolChannels).KernelSize(3).PadSame().Done()
	outG = normMask(ctx.In("norm_g"), outG, mask, false)
	outG = activations.Gelu(outG)
	outG = gpool(outG, mask, maskSum)
	outG = Reshape(outG, outG.Shape().Dim(0), -1)
	outG = layers.DenseWithBias(ctx.In("linear_g"), outG, outChannels-poolChannels)
	outG = ExpandAxes(outG, 1, 2)

	return Add(outR, outG)
}

// normActConv is the fixed masked-normalize, activate, convolve unit.
// gamma and withPool are construction-time choices: the second unit of a
// paired sequence gets the learned scale, and at most one unit per residual
// block gets the pooling branch.
func normActConv(ctx *context.Context, x, mask, maskSum *Node, gamma, withPool bool, outChannels, kernelSize, poolChannels int) *Node {
	x = normMask(ctx.In("norm"), x, mask, gamma)
	x = activations.Gelu(x)
	if withPool {
		return convWithGPool(ctx.In("conv_gpool"), x, mask, maskSum, outChannels, poolChannels)
	}
	return layers.Convolution(ctx.In("conv"), x).
		Filters(outChannels).KernelSize(kernelSize).PadSame().Done()
}

// policyValueLoss is the combined training loss shared by the models whose
// policy head emits log-probabilities: cross-entropy of the policy against
// its soft target plus squared error of the value, both averaged over the
// batch and summed unweighted. Returns a scalar.
func policyValueLoss(policy, value, targetPolicy, targetValue *Node) *Node {
	batchSize := float64(value.Shape().Dim(0))
	diff := Sub(value, targetValue)
	valueLoss := DivScalar(ReduceAllSum(Mul(diff, diff)), batchSize)
	policyLoss := Neg(DivScalar(ReduceAllSum(Mul(policy, targetPolicy)), batchSize))
	return Add(policyLoss, valueLoss)
}
