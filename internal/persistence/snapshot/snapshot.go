// Package snapshot exports a world database to a single portable file and restores it.
//
// File layout: zstd( JSON header line, then one gob-encoded Record per stored block ).
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelgrid.dev/internal/sim/encoding"
	"voxelgrid.dev/internal/sim/voxel"
)

const Version = 1

type Header struct {
	Version int       `json:"version"`
	Seed    int64     `json:"seed"`
	HasSeed bool      `json:"has_seed"`
	Blocks  int       `json:"blocks"`
	Created time.Time `json:"created"`
}

// Record is one stored block: its packed key and codec bytes.
type Record struct {
	Key  int64
	Data []byte
}

// Source is what Write reads from; *blockdb.DB satisfies it.
type Source interface {
	Seed(ctx context.Context) (int64, bool, error)
	Count(ctx context.Context) (int, error)
	Scan(ctx context.Context, fn func(pos voxel.Pos, data []byte) error) error
}

// Sink is what Restore writes to; *blockdb.DB satisfies it.
type Sink interface {
	WorldSeed(ctx context.Context, want int64) (int64, bool, error)
	Put(ctx context.Context, pos voxel.Pos, data []byte) error
}

// Write exports every block of src to path. The file is written next to path and renamed
// into place once complete.
func Write(ctx context.Context, path string, src Source) (Header, error) {
	h := Header{Version: Version, Created: time.Now().UTC()}
	var err error
	if h.Seed, h.HasSeed, err = src.Seed(ctx); err != nil {
		return h, err
	}
	if h.Blocks, err = src.Count(ctx); err != nil {
		return h, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return h, err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return h, err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(h)
	if _, err := bw.Write(hb); err != nil {
		return h, err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return h, err
	}

	n := 0
	ge := gob.NewEncoder(bw)
	err = src.Scan(ctx, func(pos voxel.Pos, data []byte) error {
		n++
		if err := ge.Encode(Record{Key: pos.Key(), Data: data}); err != nil {
			return fmt.Errorf("gob encode %s: %w", pos, err)
		}
		return nil
	})
	if err != nil {
		return h, err
	}
	if n != h.Blocks {
		return h, fmt.Errorf("snapshot: store changed during export (%d blocks, counted %d)", n, h.Blocks)
	}
	if err := bw.Flush(); err != nil {
		return h, err
	}
	if err := enc.Close(); err != nil {
		return h, err
	}
	if err := f.Sync(); err != nil {
		return h, err
	}
	if err := f.Close(); err != nil {
		return h, err
	}
	return h, os.Rename(tmp, path)
}

// Read streams the snapshot at path: the header first, then every record.
func Read(path string, onHeader func(Header) error, onRecord func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("snapshot header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return fmt.Errorf("snapshot header: %w", err)
	}
	if h.Version != Version {
		return fmt.Errorf("snapshot version %d not supported", h.Version)
	}
	if onHeader != nil {
		if err := onHeader(h); err != nil {
			return err
		}
	}

	gd := gob.NewDecoder(br)
	for i := 0; ; i++ {
		var r Record
		if err := gd.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				if i != h.Blocks {
					return fmt.Errorf("snapshot truncated: %d of %d blocks", i, h.Blocks)
				}
				return nil
			}
			return fmt.Errorf("gob decode: %w", err)
		}
		if onRecord != nil {
			if err := onRecord(r); err != nil {
				return err
			}
		}
	}
}

// Restore loads the snapshot at path into dst. Each block is decoded before it is stored and
// the first damaged record stops the restore. A destination with a different world seed is
// refused.
func Restore(ctx context.Context, path string, dst Sink) (Header, error) {
	var h Header
	err := Read(path, func(got Header) error {
		h = got
		if !h.HasSeed {
			return nil
		}
		seed, _, err := dst.WorldSeed(ctx, h.Seed)
		if err != nil {
			return err
		}
		if seed != h.Seed {
			return fmt.Errorf("snapshot seed %d does not match destination seed %d", h.Seed, seed)
		}
		return nil
	}, func(r Record) error {
		pos := voxel.PosFromKey(r.Key)
		b, err := encoding.Decode(r.Data)
		if err != nil {
			return fmt.Errorf("block %s: %w", pos, err)
		}
		if b.Pos != pos {
			return fmt.Errorf("block %s: %w: stored under %s", b.Pos, encoding.ErrCorruptData, pos)
		}
		return dst.Put(ctx, pos, r.Data)
	})
	return h, err
}
