package gomlx

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"

	"github.com/pointsgame/oppai-go/internal/field"
	"github.com/pointsgame/oppai-go/internal/parameters"
)

// newTestMaskedTower builds a small-capacity masked tower, enough to exercise
// every branch of the architecture without slowing the tests down.
func newTestMaskedTower(t *testing.T) *Predictor {
	t.Helper()
	params := parameters.NewFromConfigString(
		"trunk_channels=16,residual_blocks=2,pool_channels=4," +
			"policy_channels=8,policy_pool_channels=8,value_channels=8," +
			"batch_size=4,learning_rate=0.01")
	p, err := newPredictor(ModelMaskedTower, "", NewMaskedTower(), params)
	require.NoError(t, err)
	return p
}

// testFields builds a mixed-size batch: moves are placed so that red owns a
// capture on the larger field.
func testFields(t *testing.T) []*field.Field {
	t.Helper()
	small := field.MustNew(16, 16)
	require.NoError(t, small.PutPoint(3, 3, field.Red))
	require.NoError(t, small.PutPoint(4, 3, field.Black))

	large := field.MustNew(20, 20)
	require.NoError(t, large.PutPoint(10, 10, field.Black))
	for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		require.NoError(t, large.PutPoint(10+d[0], 10+d[1], field.Red))
	}
	return []*field.Field{small, large}
}

func TestMaskedTower_PredictMixedSizes(t *testing.T) {
	p := newTestMaskedTower(t)
	fields := testFields(t)
	policies, values := p.Predict(fields, field.Red)

	require.Len(t, policies, len(fields))
	require.Len(t, values, len(fields))
	for i, f := range fields {
		require.Len(t, policies[i], f.Width()*f.Height())
		var sum float32
		for _, prob := range policies[i] {
			require.GreaterOrEqual(t, prob, float32(0))
			sum += prob
		}
		// No probability mass may leak into the padding cells of the batch
		// grid.
		require.InDeltaf(t, 1.0, sum, 1e-3, "policy for field %d sums to %f", i, sum)
		require.Greater(t, values[i], float32(-1))
		require.Less(t, values[i], float32(1))
	}
}

func TestMaskedTower_PaddingInvariance(t *testing.T) {
	// The masked architecture must score a field identically whether it is
	// alone in the batch or padded up to a larger batch grid.
	p := newTestMaskedTower(t)
	fields := testFields(t)
	small := fields[0]

	alonePolicies, aloneValues := p.Predict([]*field.Field{small}, field.Red)
	paddedPolicies, paddedValues := p.Predict(fields, field.Red)

	require.InDelta(t, aloneValues[0], paddedValues[0], 1e-3)
	require.InDeltaSlice(t, alonePolicies[0], paddedPolicies[0], 1e-3)
}

func TestMaskedTower_Learn(t *testing.T) {
	p := newTestMaskedTower(t)
	fields := testFields(t)

	policyLabels := make([][]float32, len(fields))
	valueLabels := []float32{0.5, -0.5}
	for i, f := range fields {
		labels := make([]float32, f.Width()*f.Height())
		labels[f.Width()+1] = 1 // Move at (1, 1).
		policyLabels[i] = labels
	}

	lossBefore := p.Loss(fields, field.Red, policyLabels, valueLabels)
	for range 30 {
		loss := p.Learn(fields, field.Red, policyLabels, valueLabels)
		require.False(t, math32.IsNaN(loss), "loss is NaN")
	}
	lossAfter := p.Loss(fields, field.Red, policyLabels, valueLabels)
	require.Less(t, lossAfter, lossBefore)
}
