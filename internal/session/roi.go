package session

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"voxelgrid.dev/internal/sim/voxel"
)

func vec(p voxel.Pos) mgl64.Vec3 {
	return mgl64.Vec3{float64(p.X), float64(p.Y), float64(p.Z)}
}

// regionBlocks lists the valid block positions within radius (block units) of center.
func regionBlocks(center voxel.Pos, radius float64) []voxel.Pos {
	c := vec(center)
	r := int32(math.Floor(radius))
	var out []voxel.Pos
	for dy := -r; dy <= r; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				p := voxel.Pos{X: center.X + dx, Y: center.Y + dy, Z: center.Z + dz}
				if !p.Valid() {
					continue
				}
				if vec(p).Sub(c).Len() <= radius {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// byDistance orders positions nearest to center first, ties by packed key.
func byDistance(center voxel.Pos, ps []voxel.Pos) {
	c := vec(center)
	sort.Slice(ps, func(i, j int) bool {
		di, dj := vec(ps[i]).Sub(c).Len(), vec(ps[j]).Sub(c).Len()
		if di != dj {
			return di < dj
		}
		return ps[i].Key() < ps[j].Key()
	})
}
