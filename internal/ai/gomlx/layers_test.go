package gomlx

import (
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// filledTensor builds a float32 tensor of the given dims with all elements
// set to value.
func filledTensor(value float32, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(flat []float32) {
		for i := range flat {
			flat[i] = value
		}
	})
	return t
}

func TestGPool_SizeCorrectionVanishesAtCenter(t *testing.T) {
	// At 28x28 cells -- the center of the supported size range -- the linear
	// size correction term must vanish.
	backend := graphtest.BuildTestBackend()
	x := filledTensor(0.5, 1, 28, 28, 1)
	mask := filledTensor(1, 1, 28, 28, 1)
	outT := context.ExecOnce(backend, context.New(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x, mask := inputs[0], inputs[1]
		maskSum := graph.ReduceAndKeep(mask, graph.ReduceSum, 1, 2)
		return gpool(x, mask, maskSum)
	}, x, mask)

	outT.Shape().AssertDims(1, 1, 1, 3)
	pooled := tensors.CopyFlatData[float32](outT)
	require.InDelta(t, 0.5, pooled[0], 1e-5) // Mean.
	require.InDelta(t, 0.0, pooled[1], 1e-5) // Size correction.
	require.InDelta(t, 0.5, pooled[2], 1e-5) // Max.
}

func TestGPool_PaddingNeverWinsMax(t *testing.T) {
	// All real activations are negative; the padding cell holds 0 and would
	// win a naive max.
	backend := graphtest.BuildTestBackend()
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 2, 1))
	tensors.MutableFlatData(x, func(flat []float32) {
		copy(flat, []float32{-0.1, -0.2, -0.3, 0})
	})
	mask := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 2, 1))
	tensors.MutableFlatData(mask, func(flat []float32) {
		copy(flat, []float32{1, 1, 1, 0})
	})
	outT := context.ExecOnce(backend, context.New(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x, mask := inputs[0], inputs[1]
		maskSum := graph.ReduceAndKeep(mask, graph.ReduceSum, 1, 2)
		return gpool(x, mask, maskSum)
	}, x, mask)

	pooled := tensors.CopyFlatData[float32](outT)
	require.InDelta(t, -0.2, pooled[0], 1e-5)
	require.InDelta(t, -0.1, pooled[2], 1e-5)
}

func TestGPoolValue_QuadraticCorrection(t *testing.T) {
	// At 16x16: offset = 16-28 = -12, so the linear term is -12/10 of the
	// mean and the quadratic term (144/100 - 0.52) = 0.92 of the mean.
	backend := graphtest.BuildTestBackend()
	x := filledTensor(1, 1, 16, 16, 1)
	mask := filledTensor(1, 1, 16, 16, 1)
	outT := context.ExecOnce(backend, context.New(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x, mask := inputs[0], inputs[1]
		maskSum := graph.ReduceAndKeep(mask, graph.ReduceSum, 1, 2)
		return gpoolValue(x, maskSum)
	}, x, mask)

	outT.Shape().AssertDims(1, 1, 1, 3)
	pooled := tensors.CopyFlatData[float32](outT)
	require.InDelta(t, 1.0, pooled[0], 1e-5)
	require.InDelta(t, -1.2, pooled[1], 1e-4)
	require.InDelta(t, 0.92, pooled[2], 1e-4)
}

func TestNormMask_FreshParametersPassThrough(t *testing.T) {
	// With beta at zero and gamma at one, normMask reduces to masking.
	backend := graphtest.BuildTestBackend()
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 1, 4, 1))
	tensors.MutableFlatData(x, func(flat []float32) {
		copy(flat, []float32{0.5, -1.5, 2, 3})
	})
	mask := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 1, 4, 1))
	tensors.MutableFlatData(mask, func(flat []float32) {
		copy(flat, []float32{1, 1, 0, 0})
	})
	for _, withScale := range []bool{false, true} {
		outT := context.ExecOnce(backend, context.New(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return normMask(ctx, inputs[0], inputs[1], withScale)
		}, x, mask)
		require.Equal(t, []float32{0.5, -1.5, 0, 0}, tensors.CopyFlatData[float32](outT))
	}
}
