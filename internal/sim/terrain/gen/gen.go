// Package gen produces the initial contents of world blocks.
//
// Generation is a pure function of (seed, position): every noise field is sampled in world
// coordinates and every random choice is a hash of world coordinates, so a block generated
// twice, or generated next to a neighbour, always lines up.
package gen

import (
	"github.com/ojrac/opensimplex-go"

	"voxelgrid.dev/internal/sim/mathx"
	"voxelgrid.dev/internal/sim/voxel"
)

const (
	// SeaLevel is the first world y that is not covered by sea water.
	SeaLevel = 0

	// MaxElevation bounds the terrain height field in voxels.
	MaxElevation = 4096

	surfaceDepth = 3
	caveRoof     = 2
)

// Feature salts. Changing one changes every world generated with it.
const (
	saltDetail uint64 = iota + 1
	saltMacro
	saltSuperMacro
	saltCaves
	saltBiome
	saltTrees
	saltCoal
	saltTreeRoll
	saltCactusRoll
)

type Biome uint8

const (
	Plains Biome = iota
	Forest
	Desert
)

func (b Biome) String() string {
	switch b {
	case Forest:
		return "FOREST"
	case Desert:
		return "DESERT"
	default:
		return "PLAINS"
	}
}

// Generator is immutable after New and safe for concurrent use.
type Generator struct {
	seed int64

	detail     opensimplex.Noise
	macro      opensimplex.Noise
	superMacro opensimplex.Noise
	caves      opensimplex.Noise
	biome      opensimplex.Noise
	trees      opensimplex.Noise

	coalSeed   int64
	treeSeed   int64
	cactusSeed int64
}

func New(seed int64) *Generator {
	return &Generator{
		seed:       seed,
		detail:     opensimplex.New(mathx.SubSeed(seed, saltDetail)),
		macro:      opensimplex.New(mathx.SubSeed(seed, saltMacro)),
		superMacro: opensimplex.New(mathx.SubSeed(seed, saltSuperMacro)),
		caves:      opensimplex.New(mathx.SubSeed(seed, saltCaves)),
		biome:      opensimplex.New(mathx.SubSeed(seed, saltBiome)),
		trees:      opensimplex.New(mathx.SubSeed(seed, saltTrees)),
		coalSeed:   mathx.SubSeed(seed, saltCoal),
		treeSeed:   mathx.SubSeed(seed, saltTreeRoll),
		cactusSeed: mathx.SubSeed(seed, saltCactusRoll),
	}
}

func (g *Generator) Seed() int64 { return g.seed }

// Column describes the terrain of one (x, z) world column.
type Column struct {
	Elevation int // first world y above the solid ground
	Biome     Biome
}

// ColumnAt samples the 2D fields for world column (wx, wz).
func (g *Generator) ColumnAt(wx, wz int) Column {
	const (
		f   = 0.02356
		mf  = 0.0018671
		smf = 0.00043571
	)
	x, z := float64(wx), float64(wz)
	elev := g.detail.Eval2(x*f, z*f)*8.3 +
		g.macro.Eval2(x*mf, z*mf)*23.27713 +
		g.superMacro.Eval2(x*smf, z*smf)*137.479131
	return Column{
		Elevation: mathx.ClampFloor(elev, -MaxElevation, MaxElevation),
		Biome:     g.BiomeAt(wx, wz),
	}
}

func (g *Generator) BiomeAt(wx, wz int) Biome {
	const bf = 0.0031
	v := g.biome.Eval2(float64(wx)*bf, float64(wz)*bf)
	switch {
	case v < -0.35:
		return Desert
	case v > 0.25:
		return Forest
	default:
		return Plains
	}
}

// Generate returns the initial contents of the block at pos. It never fails.
func (g *Generator) Generate(pos voxel.Pos) *voxel.Block {
	b := voxel.NewBlock(pos)
	ox, oy, oz := pos.Origin()

	for z := 0; z < voxel.Size; z++ {
		for x := 0; x < voxel.Size; x++ {
			wx, wz := ox+x, oz+z
			col := g.ColumnAt(wx, wz)
			if oy >= col.Elevation && oy >= SeaLevel {
				// Entire column slice is above ground and sea.
				continue
			}
			for y := 0; y < voxel.Size; y++ {
				b.Voxels[voxel.Index(x, y, z)] = g.terrainAt(wx, oy+y, wz, col)
			}
		}
	}

	g.placeFeatures(b)
	return b
}

func (g *Generator) terrainAt(wx, wy, wz int, col Column) voxel.Voxel {
	if wy < col.Elevation {
		depth := col.Elevation - wy
		if depth > caveRoof && g.isCave(wx, wy, wz) {
			return voxel.Voxel{Type: voxel.Air}
		}
		if depth <= surfaceDepth {
			if col.Biome == Desert || col.Elevation <= SeaLevel+1 {
				return voxel.Voxel{Type: voxel.Sand}
			}
			return voxel.Voxel{Type: voxel.Ground}
		}
		if mathx.Hash3(g.coalSeed, wx, wy, wz)%1000 < 15 {
			return voxel.Voxel{Type: voxel.Coal}
		}
		return voxel.Voxel{Type: voxel.Stone}
	}
	if wy < SeaLevel {
		// Param carries the water depth below the sea surface.
		return voxel.Voxel{Type: voxel.Water, Param: uint8(mathx.Clamp(SeaLevel-wy, 1, 255))}
	}
	return voxel.Voxel{Type: voxel.Air}
}

func (g *Generator) isCave(wx, wy, wz int) bool {
	const (
		hf = 0.045
		vf = 0.07
	)
	return g.caves.Eval3(float64(wx)*hf, float64(wy)*vf, float64(wz)*hf) > 0.62
}
