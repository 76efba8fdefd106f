package gen

import (
	"voxelgrid.dev/internal/sim/mathx"
	"voxelgrid.dev/internal/sim/voxel"
)

type schematicItem struct {
	dx, dy, dz int
	v          voxel.Voxel
}

// Schematic is a small structure stamped onto the terrain relative to a root voxel.
type Schematic struct {
	items []schematicItem
}

var treeSchematic = func() Schematic {
	var s Schematic
	for dx := -1; dx <= 1; dx++ {
		for dz := -1; dz <= 1; dz++ {
			for dy := 3; dy <= 5; dy++ {
				if dx == 0 && dz == 0 && dy == 3 {
					continue
				}
				s.items = append(s.items, schematicItem{dx, dy, dz, voxel.Voxel{Type: voxel.Leaves}})
			}
		}
	}
	for dy := 0; dy < 4; dy++ {
		s.items = append(s.items, schematicItem{0, dy, 0, voxel.Voxel{Type: voxel.Tree}})
	}
	return s
}()

// maxFeatureMargin is the largest horizontal reach of any schematic from its root.
const maxFeatureMargin = 1

// placeFeatures stamps trees and cacti whose roots lie in or next to b.
// Roots are visited in world order and only air is overwritten, so the
// result for a voxel does not depend on which block is being generated.
func (g *Generator) placeFeatures(b *voxel.Block) {
	ox, oy, oz := b.Pos.Origin()
	for wz := oz - maxFeatureMargin; wz < oz+voxel.Size+maxFeatureMargin; wz++ {
		for wx := ox - maxFeatureMargin; wx < ox+voxel.Size+maxFeatureMargin; wx++ {
			col := g.ColumnAt(wx, wz)
			root := col.Elevation
			// Features reach at most 6 voxels up from the root.
			if root+6 < oy || root >= oy+voxel.Size {
				continue
			}
			if s, ok := g.featureAt(wx, wz, col); ok {
				stamp(b, s, wx, root, wz)
			}
		}
	}
}

// featureAt decides which schematic, if any, is rooted on top of column (wx, wz).
func (g *Generator) featureAt(wx, wz int, col Column) (Schematic, bool) {
	if col.Elevation <= SeaLevel+1 {
		return Schematic{}, false
	}
	switch col.Biome {
	case Forest, Plains:
		const tf = 0.018971
		density := g.trees.Eval2(float64(wx)*tf, float64(wz)*tf)
		threshold, chance := 0.1, uint64(100)
		if col.Biome == Plains {
			threshold, chance = 0.5, 30
		}
		if density <= threshold {
			return Schematic{}, false
		}
		if mathx.Hash2(g.treeSeed, wx, wz)%1000 >= chance {
			return Schematic{}, false
		}
		return treeSchematic, true
	case Desert:
		h := mathx.Hash2(g.cactusSeed, wx, wz)
		if h%1000 >= 8 {
			return Schematic{}, false
		}
		return cactusSchematic(1 + int((h>>16)%3)), true
	}
	return Schematic{}, false
}

func cactusSchematic(height int) Schematic {
	s := Schematic{}
	for dy := 0; dy < height; dy++ {
		s.items = append(s.items, schematicItem{0, dy, 0, voxel.Voxel{Type: voxel.Cactus}})
	}
	return s
}

func stamp(b *voxel.Block, s Schematic, rx, ry, rz int) {
	ox, oy, oz := b.Pos.Origin()
	for _, it := range s.items {
		lx, ly, lz := rx+it.dx-ox, ry+it.dy-oy, rz+it.dz-oz
		if !voxel.InLocalBounds(lx, ly, lz) {
			continue
		}
		i := voxel.Index(lx, ly, lz)
		if b.Voxels[i].Type != voxel.Air {
			continue
		}
		b.Voxels[i] = it.v
	}
}
