package voxel

import (
	"fmt"

	"voxelgrid.dev/internal/sim/mathx"
)

const (
	keyBits = 21
	keyMask = 1<<keyBits - 1

	// PosLimit bounds every coordinate of a packable position: -PosLimit <= c < PosLimit.
	PosLimit = 1 << (keyBits - 1)
)

// Pos identifies a block in block coordinates.
type Pos struct {
	X, Y, Z int32
}

func (p Pos) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

// Valid reports whether p fits the packed key range.
func (p Pos) Valid() bool {
	in := func(v int32) bool { return v >= -PosLimit && v < PosLimit }
	return in(p.X) && in(p.Y) && in(p.Z)
}

// Key packs p into a deterministic integer used as the persistence key.
// Only meaningful for valid positions.
func (p Pos) Key() int64 {
	ux := uint64(p.X) & keyMask
	uy := uint64(p.Y) & keyMask
	uz := uint64(p.Z) & keyMask
	return int64(ux<<(2*keyBits) | uy<<keyBits | uz)
}

// PosFromKey inverts Key.
func PosFromKey(k int64) Pos {
	u := uint64(k)
	sext := func(v uint64) int32 {
		v &= keyMask
		if v&(1<<(keyBits-1)) != 0 {
			return int32(int64(v) - (1 << keyBits))
		}
		return int32(v)
	}
	return Pos{X: sext(u >> (2 * keyBits)), Y: sext(u >> keyBits), Z: sext(u)}
}

// Add offsets p by d.
func (p Pos) Add(d Pos) Pos {
	return Pos{X: p.X + d.X, Y: p.Y + d.Y, Z: p.Z + d.Z}
}

// Origin returns the world voxel coordinate of the block's (0,0,0) corner.
func (p Pos) Origin() (x, y, z int) {
	return int(p.X) * Size, int(p.Y) * Size, int(p.Z) * Size
}

// BlockOf returns the block containing the world voxel (x,y,z) and the local coordinates inside it.
func BlockOf(x, y, z int) (Pos, [3]int) {
	p := Pos{
		X: int32(mathx.FloorDiv(x, Size)),
		Y: int32(mathx.FloorDiv(y, Size)),
		Z: int32(mathx.FloorDiv(z, Size)),
	}
	return p, [3]int{mathx.Mod(x, Size), mathx.Mod(y, Size), mathx.Mod(z, Size)}
}
