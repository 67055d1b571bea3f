// Package field implements a minimal points-game field: a rectangular grid of
// cells on which two players alternate placing points, with a simplified
// enclosure rule. It exists to feed the neural network models; full game rules
// (scoring subtleties, suicide moves, grounded chains) are out of scope.
package field

import (
	"slices"

	"github.com/pkg/errors"
)

// Player is one of the two sides.
type Player uint8

const (
	Red Player = iota
	Black
)

// Next returns the opponent of p.
func (p Player) Next() Player {
	return 1 - p
}

// String implements fmt.Stringer.
func (p Player) String() string {
	if p == Red {
		return "red"
	}
	return "black"
}

// noOwner marks a cell without a point or without surrounding territory.
const noOwner = Player(0xff)

// cell holds the point placed on it (if any) and the player whose territory
// it belongs to (if any). A point whose territory owner differs from its
// point owner has been captured.
type cell struct {
	point     Player
	territory Player
}

// MinSize and MaxSize bound the supported field sizes per side. The
// network's pooling layers are calibrated for this range.
const (
	MinSize = 16
	MaxSize = 40
)

// Field is a rectangular points-game position.
type Field struct {
	width, height int
	cells         []cell
	moveCount     int
}

// New returns an empty field of the given size.
// Width and height must be within [MinSize, MaxSize].
func New(width, height int) (*Field, error) {
	if width < MinSize || width > MaxSize || height < MinSize || height > MaxSize {
		return nil, errors.Errorf("field size %dx%d outside supported range %d..%d",
			width, height, MinSize, MaxSize)
	}
	f := &Field{
		width:  width,
		height: height,
		cells:  make([]cell, width*height),
	}
	for i := range f.cells {
		f.cells[i] = cell{point: noOwner, territory: noOwner}
	}
	return f, nil
}

// MustNew is New, panicking on invalid sizes. Handy for tests and fixtures.
func MustNew(width, height int) *Field {
	f, err := New(width, height)
	if err != nil {
		panic(err)
	}
	return f
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() *Field {
	return &Field{
		width:     f.width,
		height:    f.height,
		cells:     slices.Clone(f.cells),
		moveCount: f.moveCount,
	}
}

func (f *Field) Width() int  { return f.width }
func (f *Field) Height() int { return f.height }

// MoveCount returns the number of points placed so far.
func (f *Field) MoveCount() int { return f.moveCount }

func (f *Field) index(x, y int) int { return y*f.width + x }

// Contains reports whether (x, y) is on the field.
func (f *Field) Contains(x, y int) bool {
	return x >= 0 && x < f.width && y >= 0 && y < f.height
}

// HasPoint reports whether a point of p sits at (x, y), captured or not.
func (f *Field) HasPoint(x, y int, p Player) bool {
	return f.cells[f.index(x, y)].point == p
}

// IsOwnedBy reports whether (x, y) holds a live (uncaptured) point of p.
func (f *Field) IsOwnedBy(x, y int, p Player) bool {
	c := f.cells[f.index(x, y)]
	return c.point == p && (c.territory == noOwner || c.territory == p)
}

// IsTerritoryOf reports whether (x, y) lies inside p's territory.
func (f *Field) IsTerritoryOf(x, y int, p Player) bool {
	return f.cells[f.index(x, y)].territory == p
}

// IsPuttingAllowed reports whether p may place a point at (x, y): the cell
// must be on the field, empty and not inside anyone's territory.
func (f *Field) IsPuttingAllowed(x, y int) bool {
	if !f.Contains(x, y) {
		return false
	}
	c := f.cells[f.index(x, y)]
	return c.point == noOwner && c.territory == noOwner
}

// PutPoint places a point of p at (x, y) and resolves captures.
func (f *Field) PutPoint(x, y int, p Player) error {
	if !f.Contains(x, y) {
		return errors.Errorf("position (%d, %d) outside %dx%d field", x, y, f.width, f.height)
	}
	if !f.IsPuttingAllowed(x, y) {
		return errors.Errorf("position (%d, %d) is occupied", x, y)
	}
	f.cells[f.index(x, y)].point = p
	f.moveCount++
	f.capture(p)
	return nil
}

// capture marks as p's territory every region of cells without a live p point
// that cannot reach the field border. This is a simplified enclosure rule:
// points of the opponent inside such a region become captured.
func (f *Field) capture(p Player) {
	visited := make([]bool, len(f.cells))
	region := make([]int, 0, len(f.cells))
	queue := make([]int, 0, len(f.cells))

	blocked := func(i int) bool {
		c := f.cells[i]
		return c.point == p && (c.territory == noOwner || c.territory == p)
	}

	for start := range f.cells {
		if visited[start] || blocked(start) {
			continue
		}
		region = region[:0]
		queue = append(queue[:0], start)
		visited[start] = true
		open := false
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			region = append(region, i)
			x, y := i%f.width, i/f.width
			if x == 0 || x == f.width-1 || y == 0 || y == f.height-1 {
				open = true
			}
			for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
				nx, ny := x+d[0], y+d[1]
				if !f.Contains(nx, ny) {
					continue
				}
				ni := f.index(nx, ny)
				if visited[ni] || blocked(ni) {
					continue
				}
				visited[ni] = true
				queue = append(queue, ni)
			}
		}
		if !open {
			for _, i := range region {
				f.cells[i].territory = p
			}
		}
	}
}

// Score returns p's captured points minus the opponent's.
func (f *Field) Score(p Player) int {
	enemy := p.Next()
	score := 0
	for _, c := range f.cells {
		if c.point == enemy && c.territory == p {
			score++
		}
		if c.point == p && c.territory == enemy {
			score--
		}
	}
	return score
}
