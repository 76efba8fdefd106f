package voxel

import (
	"bytes"
	"fmt"
	"sort"
)

// Size is the edge length of a block in voxels.
const Size = 16

// Count is the number of voxels in a block.
const Count = Size * Size * Size

// Block types. The numbering is part of the persisted format.
const (
	Air uint16 = iota
	Water
	Sand
	Ground
	Wood
	Stone
	Leaves
	Tree
	Cactus
	Coal

	typeCount
)

var typeNames = [...]string{"AIR", "WATER", "SAND", "GROUND", "WOOD", "STONE", "LEAVES", "TREE", "CACTUS", "COAL"}

// TypeName returns the palette name of t, or "UNKNOWN".
func TypeName(t uint16) string {
	if t < typeCount {
		return typeNames[t]
	}
	return "UNKNOWN"
}

// KnownType reports whether t is a block type this server understands.
func KnownType(t uint16) bool { return t < typeCount }

type State uint8

const (
	Clean State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// Voxel is one grid cell. Param 0 means the voxel carries no parameter.
type Voxel struct {
	Type  uint16
	Param uint8
}

// Entity is an object attached to a block.
type Entity struct {
	ID   uint64     `json:"id"`
	Kind string     `json:"kind"`
	Pos  [3]float32 `json:"pos"`
}

// KV is a per-block extra data entry.
type KV struct {
	Key   string
	Value []byte
}

// Meta holds everything about a block that is not part of the voxel grid.
// Extra is kept sorted by key.
type Meta struct {
	Entities []Entity
	Extra    []KV
}

// SetExtra inserts or replaces the value stored under key.
func (m *Meta) SetExtra(key string, value []byte) {
	i := sort.Search(len(m.Extra), func(i int) bool { return m.Extra[i].Key >= key })
	v := append([]byte(nil), value...)
	if i < len(m.Extra) && m.Extra[i].Key == key {
		m.Extra[i].Value = v
		return
	}
	m.Extra = append(m.Extra, KV{})
	copy(m.Extra[i+1:], m.Extra[i:])
	m.Extra[i] = KV{Key: key, Value: v}
}

// GetExtra returns the value stored under key.
func (m *Meta) GetExtra(key string) ([]byte, bool) {
	i := sort.Search(len(m.Extra), func(i int) bool { return m.Extra[i].Key >= key })
	if i < len(m.Extra) && m.Extra[i].Key == key {
		return m.Extra[i].Value, true
	}
	return nil, false
}

func (m Meta) clone() Meta {
	var out Meta
	if len(m.Entities) > 0 {
		out.Entities = append([]Entity(nil), m.Entities...)
	}
	if len(m.Extra) > 0 {
		out.Extra = make([]KV, len(m.Extra))
		for i, kv := range m.Extra {
			out.Extra[i] = KV{Key: kv.Key, Value: append([]byte(nil), kv.Value...)}
		}
	}
	return out
}

func (m Meta) equal(o Meta) bool {
	if len(m.Entities) != len(o.Entities) || len(m.Extra) != len(o.Extra) {
		return false
	}
	for i := range m.Entities {
		if m.Entities[i] != o.Entities[i] {
			return false
		}
	}
	for i := range m.Extra {
		if m.Extra[i].Key != o.Extra[i].Key || !bytes.Equal(m.Extra[i].Value, o.Extra[i].Value) {
			return false
		}
	}
	return true
}

// Block is the unit of generation, storage, caching and transfer.
type Block struct {
	Pos      Pos
	Revision uint64
	Voxels   [Count]Voxel
	Meta     Meta
}

// NewBlock returns an all-air block at pos.
func NewBlock(pos Pos) *Block {
	return &Block{Pos: pos}
}

// Index returns the scan-order index of local coordinates (x fastest, then z, then y).
func Index(x, y, z int) int {
	return x + z*Size + y*Size*Size
}

// Local is the inverse of Index.
func Local(i int) (x, y, z int) {
	return i % Size, i / (Size * Size), (i / Size) % Size
}

func InLocalBounds(x, y, z int) bool {
	return x >= 0 && x < Size && y >= 0 && y < Size && z >= 0 && z < Size
}

func (b *Block) Get(x, y, z int) Voxel {
	return b.Voxels[Index(x, y, z)]
}

func (b *Block) Set(x, y, z int, v Voxel) {
	b.Voxels[Index(x, y, z)] = v
}

// Clone returns a deep copy of b.
func (b *Block) Clone() *Block {
	out := &Block{
		Pos:      b.Pos,
		Revision: b.Revision,
		Voxels:   b.Voxels,
	}
	out.Meta = b.Meta.clone()
	return out
}

// Equal compares position, revision, grid and metadata.
func (b *Block) Equal(o *Block) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Pos == o.Pos && b.Revision == o.Revision && b.Voxels == o.Voxels && b.Meta.equal(o.Meta)
}

func (b *Block) String() string {
	return fmt.Sprintf("block%s@r%d", b.Pos, b.Revision)
}
