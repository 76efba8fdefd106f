// Package encoding turns blocks into the byte form used by the block store and the wire.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/willf/bitset"
	"github.com/zeebo/xxh3"

	"voxelgrid.dev/internal/sim/voxel"
)

var ErrCorruptData = errors.New("corrupt block data")

const (
	magic = "VXB1"

	headerLen = len(magic) + 3*4 + 8
	typesLen  = voxel.Count * 2
	maskWords = voxel.Count / 64
	maskLen   = maskWords * 8
	sumLen    = 8

	// Bounds for untrusted metadata lengths.
	maxEntities = 1 << 16
	maxExtras   = 1 << 12
	maxString   = 1 << 16
	maxValue    = 1 << 20

	maxDecoded = 8 << 20
)

var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	zdec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecoded))
	if err != nil {
		panic(err)
	}
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptData, fmt.Sprintf(format, args...))
}

// Encode serializes b. Equal blocks always encode to identical bytes.
func Encode(b *voxel.Block) ([]byte, error) {
	if b == nil {
		return nil, errors.New("encode: nil block")
	}
	raw, err := encodeRaw(b)
	if err != nil {
		return nil, err
	}
	return zenc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// Decode parses data produced by Encode. Any damage is reported as ErrCorruptData.
func Decode(data []byte) (*voxel.Block, error) {
	raw, err := zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, corrupt("decompress: %v", err)
	}
	return decodeRaw(raw)
}

func encodeRaw(b *voxel.Block) ([]byte, error) {
	mask := bitset.New(voxel.Count)
	nparams := 0
	for i, v := range b.Voxels {
		if v.Param != 0 {
			mask.Set(uint(i))
			nparams++
		}
	}

	buf := make([]byte, 0, headerLen+typesLen+maskLen+nparams+64+sumLen)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Pos.X))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Pos.Y))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Pos.Z))
	buf = binary.LittleEndian.AppendUint64(buf, b.Revision)

	for _, v := range b.Voxels {
		buf = binary.LittleEndian.AppendUint16(buf, v.Type)
	}

	words := mask.Bytes()
	for i := 0; i < maskWords; i++ {
		var w uint64
		if i < len(words) {
			w = words[i]
		}
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	for _, v := range b.Voxels {
		if v.Param != 0 {
			buf = append(buf, v.Param)
		}
	}

	buf, err := appendMeta(buf, b.Meta)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint64(buf, xxh3.Hash(buf)), nil
}

func appendMeta(buf []byte, m voxel.Meta) ([]byte, error) {
	if len(m.Entities) > maxEntities {
		return nil, fmt.Errorf("encode: %d entities exceeds %d", len(m.Entities), maxEntities)
	}
	if len(m.Extra) > maxExtras {
		return nil, fmt.Errorf("encode: %d extras exceeds %d", len(m.Extra), maxExtras)
	}
	buf = binary.AppendUvarint(buf, uint64(len(m.Entities)))
	for _, e := range m.Entities {
		if len(e.Kind) > maxString {
			return nil, fmt.Errorf("encode: entity %d kind too long", e.ID)
		}
		buf = binary.AppendUvarint(buf, e.ID)
		buf = binary.AppendUvarint(buf, uint64(len(e.Kind)))
		buf = append(buf, e.Kind...)
		for _, f := range e.Pos {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	buf = binary.AppendUvarint(buf, uint64(len(m.Extra)))
	for i, kv := range m.Extra {
		if len(kv.Key) > maxString || len(kv.Value) > maxValue {
			return nil, fmt.Errorf("encode: extra %q too large", kv.Key)
		}
		if i > 0 && kv.Key <= m.Extra[i-1].Key {
			return nil, fmt.Errorf("encode: extras not sorted at %q", kv.Key)
		}
		buf = binary.AppendUvarint(buf, uint64(len(kv.Key)))
		buf = append(buf, kv.Key...)
		buf = binary.AppendUvarint(buf, uint64(len(kv.Value)))
		buf = append(buf, kv.Value...)
	}
	return buf, nil
}

func decodeRaw(raw []byte) (*voxel.Block, error) {
	fixed := headerLen + typesLen + maskLen
	if len(raw) < fixed+sumLen {
		return nil, corrupt("short data: %d bytes", len(raw))
	}
	body, sum := raw[:len(raw)-sumLen], binary.LittleEndian.Uint64(raw[len(raw)-sumLen:])
	if got := xxh3.Hash(body); got != sum {
		return nil, corrupt("checksum mismatch: got %016x want %016x", got, sum)
	}
	if string(body[:len(magic)]) != magic {
		return nil, corrupt("bad magic %q", body[:len(magic)])
	}

	r := reader{buf: body, off: len(magic)}
	pos := voxel.Pos{
		X: int32(r.u32()),
		Y: int32(r.u32()),
		Z: int32(r.u32()),
	}
	b := voxel.NewBlock(pos)
	b.Revision = r.u64()
	for i := range b.Voxels {
		b.Voxels[i].Type = r.u16()
	}

	words := make([]uint64, maskWords)
	for i := range words {
		words[i] = r.u64()
	}
	mask := bitset.From(words)
	if n := int(mask.Count()); len(body)-r.off < n {
		return nil, corrupt("short params: want %d bytes", n)
	}
	for i, ok := mask.NextSet(0); ok; i, ok = mask.NextSet(i + 1) {
		p := r.buf[r.off]
		r.off++
		if p == 0 {
			return nil, corrupt("zero param at voxel %d", i)
		}
		b.Voxels[i].Param = p
	}

	meta, err := r.meta()
	if err != nil {
		return nil, err
	}
	b.Meta = meta
	if r.off != len(body) {
		return nil, corrupt("%d trailing bytes", len(body)-r.off)
	}
	return b, nil
}

// reader reads the fixed section, which decodeRaw has already length-checked.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) uvarint(limit uint64, what string) (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, corrupt("bad %s varint at %d", what, r.off)
	}
	if v > limit {
		return 0, corrupt("%s %d exceeds %d", what, v, limit)
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes(n uint64, what string) ([]byte, error) {
	if uint64(len(r.buf)-r.off) < n {
		return nil, corrupt("short %s at %d", what, r.off)
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *reader) meta() (voxel.Meta, error) {
	var m voxel.Meta
	ne, err := r.uvarint(maxEntities, "entity count")
	if err != nil {
		return m, err
	}
	if ne > 0 {
		m.Entities = make([]voxel.Entity, 0, ne)
	}
	for i := uint64(0); i < ne; i++ {
		var e voxel.Entity
		if e.ID, err = r.uvarint(math.MaxUint64, "entity id"); err != nil {
			return m, err
		}
		kl, err := r.uvarint(maxString, "kind length")
		if err != nil {
			return m, err
		}
		kind, err := r.bytes(kl, "kind")
		if err != nil {
			return m, err
		}
		e.Kind = string(kind)
		fs, err := r.bytes(12, "entity position")
		if err != nil {
			return m, err
		}
		for j := range e.Pos {
			e.Pos[j] = math.Float32frombits(binary.LittleEndian.Uint32(fs[j*4:]))
		}
		m.Entities = append(m.Entities, e)
	}

	nx, err := r.uvarint(maxExtras, "extra count")
	if err != nil {
		return m, err
	}
	if nx > 0 {
		m.Extra = make([]voxel.KV, 0, nx)
	}
	for i := uint64(0); i < nx; i++ {
		kl, err := r.uvarint(maxString, "key length")
		if err != nil {
			return m, err
		}
		key, err := r.bytes(kl, "key")
		if err != nil {
			return m, err
		}
		vl, err := r.uvarint(maxValue, "value length")
		if err != nil {
			return m, err
		}
		val, err := r.bytes(vl, "value")
		if err != nil {
			return m, err
		}
		if i > 0 && string(key) <= m.Extra[i-1].Key {
			return m, corrupt("extras out of order at %q", key)
		}
		m.Extra = append(m.Extra, voxel.KV{Key: string(key), Value: append([]byte(nil), val...)})
	}
	return m, nil
}
