// Package features encodes a field position into the dense feature planes the
// models consume. Planes are laid out channels-last: [height, width, channels].
package features

import (
	"github.com/pointsgame/oppai-go/internal/field"
)

const (
	// PlaneChannels is the number of feature planes encoding a position:
	// own points, enemy points, own live points, enemy live points.
	PlaneChannels = 4

	// MaskedChannels is PlaneChannels plus the leading validity-mask plane
	// consumed by the masked tower. The mask is 1 on real cells and 0 on
	// padding, and is always channel 0.
	MaskedChannels = PlaneChannels + 1

	// CompactChannels encodes only the two live-point planes, the layout of
	// the fixed-size declarative tower.
	CompactChannels = 2

	// NumRotations is the number of symmetries of a rectangular field:
	// 4 axis flips times an optional transposition.
	NumRotations = 8
)

// Rotate maps a rotated-grid position (x, y) back to the source field
// position, for one of the NumRotations symmetries. Rotations 4..7 transpose
// the field, so the rotated grid has width and height swapped (see
// RotatedSize).
func Rotate(width, height, x, y int, rotation uint8) (int, int) {
	if rotation&4 != 0 {
		x, y = y, x
	}
	if rotation&1 != 0 {
		x = width - 1 - x
	}
	if rotation&2 != 0 {
		y = height - 1 - y
	}
	return x, y
}

// RotatedSize returns the grid size after applying the given rotation.
func RotatedSize(width, height int, rotation uint8) (int, int) {
	if rotation&4 != 0 {
		return height, width
	}
	return width, height
}

// ForFieldMasked writes the MaskedChannels planes (mask first) for f, viewed
// from player under the given rotation, into dst: a row-major
// [...][bufWidth][MaskedChannels] buffer. The buffer may be larger than the
// rotated field; padding cells are left zero, mask included.
func ForFieldMasked(f *field.Field, player field.Player, rotation uint8, dst []float32, bufWidth int) {
	enemy := player.Next()
	outWidth, outHeight := RotatedSize(f.Width(), f.Height(), rotation)
	for outY := 0; outY < outHeight; outY++ {
		for outX := 0; outX < outWidth; outX++ {
			x, y := Rotate(f.Width(), f.Height(), outX, outY, rotation)
			base := (outY*bufWidth + outX) * MaskedChannels
			dst[base] = 1
			if f.HasPoint(x, y, player) {
				dst[base+1] = 1
			}
			if f.HasPoint(x, y, enemy) {
				dst[base+2] = 1
			}
			if f.IsOwnedBy(x, y, player) {
				dst[base+3] = 1
			}
			if f.IsOwnedBy(x, y, enemy) {
				dst[base+4] = 1
			}
		}
	}
}

// ForField writes the PlaneChannels planes for f into dst, a row-major
// [outHeight][outWidth][PlaneChannels] buffer matching the rotated field size.
func ForField(f *field.Field, player field.Player, rotation uint8, dst []float32) {
	enemy := player.Next()
	outWidth, outHeight := RotatedSize(f.Width(), f.Height(), rotation)
	for outY := 0; outY < outHeight; outY++ {
		for outX := 0; outX < outWidth; outX++ {
			x, y := Rotate(f.Width(), f.Height(), outX, outY, rotation)
			base := (outY*outWidth + outX) * PlaneChannels
			if f.HasPoint(x, y, player) {
				dst[base] = 1
			}
			if f.HasPoint(x, y, enemy) {
				dst[base+1] = 1
			}
			if f.IsOwnedBy(x, y, player) {
				dst[base+2] = 1
			}
			if f.IsOwnedBy(x, y, enemy) {
				dst[base+3] = 1
			}
		}
	}
}

// ForFieldCompact writes the CompactChannels planes for f into dst, a
// row-major [outHeight][outWidth][CompactChannels] buffer matching the
// rotated field size.
func ForFieldCompact(f *field.Field, player field.Player, rotation uint8, dst []float32) {
	enemy := player.Next()
	outWidth, outHeight := RotatedSize(f.Width(), f.Height(), rotation)
	for outY := 0; outY < outHeight; outY++ {
		for outX := 0; outX < outWidth; outX++ {
			x, y := Rotate(f.Width(), f.Height(), outX, outY, rotation)
			base := (outY*outWidth + outX) * CompactChannels
			if f.IsOwnedBy(x, y, player) {
				dst[base] = 1
			}
			if f.IsOwnedBy(x, y, enemy) {
				dst[base+1] = 1
			}
		}
	}
}
