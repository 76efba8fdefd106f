package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zeebo/xxh3"

	"voxelgrid.dev/internal/sim/terrain/gen"
	"voxelgrid.dev/internal/sim/voxel"
)

func sampleBlock() *voxel.Block {
	b := voxel.NewBlock(voxel.Pos{X: -3, Y: 7, Z: 1 << 19})
	b.Revision = 41
	b.Set(0, 0, 0, voxel.Voxel{Type: voxel.Stone})
	b.Set(15, 15, 15, voxel.Voxel{Type: voxel.Water, Param: 200})
	b.Set(3, 4, 5, voxel.Voxel{Type: voxel.Water, Param: 1})
	b.Set(9, 1, 2, voxel.Voxel{Type: 4000})
	b.Meta.Entities = []voxel.Entity{
		{ID: 1, Kind: "sheep", Pos: [3]float32{1.5, -2, 3.25}},
		{ID: 1 << 40, Kind: "", Pos: [3]float32{}},
	}
	b.Meta.SetExtra("sign", []byte("hello"))
	b.Meta.SetExtra("chest", []byte{0, 1, 2})
	return b
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, b := range []*voxel.Block{
		voxel.NewBlock(voxel.Pos{}),
		sampleBlock(),
		gen.New(42).Generate(voxel.Pos{X: 0, Y: -1, Z: 0}),
	} {
		data, err := Encode(b)
		if err != nil {
			t.Fatalf("Encode(%s): %v", b, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", b, err)
		}
		if !got.Equal(b) {
			t.Fatalf("round trip mismatch for %s", b)
		}
		again, err := Encode(got)
		if err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		if !bytes.Equal(again, data) {
			t.Fatalf("re-encoding %s is not byte-identical", b)
		}
	}
}

func TestCodec_GeneratedBlockIsStable(t *testing.T) {
	pos := voxel.Pos{X: 0, Y: 0, Z: 0}
	a, err := Encode(gen.New(42).Generate(pos))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(gen.New(42).Generate(pos))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encodings differ: %d vs %d bytes", len(a), len(b))
	}
}

func TestCodec_RejectsDamage(t *testing.T) {
	data, err := Encode(sampleBlock())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not zstd"),
		"truncated": data[:len(data)/2],
	}
	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0xFF
	cases["flipped"] = flipped

	for name, in := range cases {
		if _, err := Decode(in); !errors.Is(err, ErrCorruptData) {
			t.Fatalf("%s: got %v want ErrCorruptData", name, err)
		}
	}
}

// rewrap rebuilds a compressed payload around a modified raw body with a valid checksum.
func rewrap(body []byte) []byte {
	raw := binary.LittleEndian.AppendUint64(append([]byte(nil), body...), xxh3.Hash(body))
	return zenc.EncodeAll(raw, nil)
}

func TestCodec_RejectsStructuralErrors(t *testing.T) {
	raw, err := encodeRaw(sampleBlock())
	if err != nil {
		t.Fatalf("encodeRaw: %v", err)
	}
	body := raw[:len(raw)-sumLen]

	trailing := append(append([]byte(nil), body...), 0)
	if _, err := Decode(rewrap(trailing)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("trailing bytes: got %v want ErrCorruptData", err)
	}

	badMagic := append([]byte(nil), body...)
	copy(badMagic, "XXXX")
	if _, err := Decode(rewrap(badMagic)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("bad magic: got %v want ErrCorruptData", err)
	}

	short := body[:headerLen+typesLen]
	if _, err := Decode(rewrap(short)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("short: got %v want ErrCorruptData", err)
	}

	// Drop the last meta byte so the final extra value is cut short.
	cut := body[:len(body)-1]
	if _, err := Decode(rewrap(cut)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("truncated meta: got %v want ErrCorruptData", err)
	}

	badSum := append([]byte(nil), raw...)
	badSum[len(badSum)-1] ^= 1
	if _, err := Decode(zenc.EncodeAll(badSum, nil)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("checksum: got %v want ErrCorruptData", err)
	}
}

func TestCodec_RejectsUnsortedExtras(t *testing.T) {
	b := voxel.NewBlock(voxel.Pos{})
	b.Meta.Extra = []voxel.KV{{Key: "b"}, {Key: "a"}}
	if _, err := Encode(b); err == nil {
		t.Fatalf("expected error for unsorted extras")
	}
}

func TestCodec_ParamsOnlyForMarkedVoxels(t *testing.T) {
	b := voxel.NewBlock(voxel.Pos{})
	b.Set(1, 2, 3, voxel.Voxel{Type: voxel.Water, Param: 9})
	raw, err := encodeRaw(b)
	if err != nil {
		t.Fatalf("encodeRaw: %v", err)
	}
	// header, types, mask, one param byte, two empty meta counts, checksum.
	want := headerLen + typesLen + maskLen + 1 + 2 + sumLen
	if len(raw) != want {
		t.Fatalf("raw length: got %d want %d", len(raw), want)
	}
}
