package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SizeBounds(t *testing.T) {
	_, err := New(MinSize-1, MinSize)
	require.Error(t, err)
	_, err = New(MinSize, MaxSize+1)
	require.Error(t, err)
	f, err := New(MinSize, MaxSize)
	require.NoError(t, err)
	assert.Equal(t, MinSize, f.Width())
	assert.Equal(t, MaxSize, f.Height())
}

func TestPutPoint(t *testing.T) {
	f := MustNew(20, 20)
	require.True(t, f.IsPuttingAllowed(3, 3))
	require.NoError(t, f.PutPoint(3, 3, Red))
	assert.False(t, f.IsPuttingAllowed(3, 3))
	assert.True(t, f.HasPoint(3, 3, Red))
	assert.True(t, f.IsOwnedBy(3, 3, Red))
	assert.Error(t, f.PutPoint(3, 3, Black), "cell is already occupied")
	assert.Error(t, f.PutPoint(-1, 3, Red), "position is off the field")
	assert.Equal(t, 1, f.MoveCount())
}

// surround places red points around (x, y) in the four diagonal and four
// orthogonal neighbors minus the corners, i.e. the minimal enclosing diamond.
func surround(t *testing.T, f *Field, x, y int, p Player) {
	t.Helper()
	for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		require.NoError(t, f.PutPoint(x+d[0], y+d[1], p))
	}
}

func TestCapture(t *testing.T) {
	f := MustNew(20, 20)
	require.NoError(t, f.PutPoint(10, 10, Black))
	surround(t, f, 10, 10, Red)

	// The black point is captured: still a black point, but no longer live,
	// and inside red territory.
	assert.True(t, f.HasPoint(10, 10, Black))
	assert.False(t, f.IsOwnedBy(10, 10, Black))
	assert.True(t, f.IsTerritoryOf(10, 10, Red))
	assert.Equal(t, 1, f.Score(Red))
	assert.Equal(t, -1, f.Score(Black))

	// No new point can go into owned territory.
	assert.False(t, f.IsPuttingAllowed(10, 10))
}

func TestCapture_EmptyRegion(t *testing.T) {
	f := MustNew(20, 20)
	surround(t, f, 5, 5, Red)

	// An enclosed empty cell becomes territory but scores nothing.
	assert.True(t, f.IsTerritoryOf(5, 5, Red))
	assert.False(t, f.IsPuttingAllowed(5, 5))
	assert.Equal(t, 0, f.Score(Red))
}

func TestCapture_BorderRegionStaysOpen(t *testing.T) {
	f := MustNew(20, 20)
	// A black point next to the border cannot be enclosed from three sides.
	require.NoError(t, f.PutPoint(0, 10, Black))
	require.NoError(t, f.PutPoint(1, 10, Red))
	require.NoError(t, f.PutPoint(0, 9, Red))
	require.NoError(t, f.PutPoint(0, 11, Red))
	assert.True(t, f.IsOwnedBy(0, 10, Black))
	assert.Equal(t, 0, f.Score(Red))
}

func TestClone(t *testing.T) {
	f := MustNew(16, 16)
	require.NoError(t, f.PutPoint(2, 2, Red))
	clone := f.Clone()
	require.NoError(t, clone.PutPoint(3, 3, Black))

	assert.True(t, clone.HasPoint(2, 2, Red))
	assert.False(t, f.HasPoint(3, 3, Black))
	assert.Equal(t, 1, f.MoveCount())
	assert.Equal(t, 2, clone.MoveCount())
}

func TestPlayer(t *testing.T) {
	assert.Equal(t, Black, Red.Next())
	assert.Equal(t, Red, Black.Next())
	assert.Equal(t, "red", Red.String())
	assert.Equal(t, "black", Black.String())
}
