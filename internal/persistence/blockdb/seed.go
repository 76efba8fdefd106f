package blockdb

import (
	"context"
	"encoding/binary"
	"fmt"
)

const seedKey = "world_seed"

// Seed returns the seed recorded in the database, if any.
func (d *DB) Seed(ctx context.Context) (int64, bool, error) {
	raw, ok, err := d.GetKV(ctx, seedKey)
	if err != nil || !ok {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("world seed: bad length %d", len(raw))
	}
	return int64(binary.LittleEndian.Uint64(raw)), true, nil
}

// WorldSeed returns the seed recorded in the database. On a database without one it records
// want and returns it; created reports whether that happened.
func (d *DB) WorldSeed(ctx context.Context, want int64) (seed int64, created bool, err error) {
	seed, ok, err := d.Seed(ctx)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return seed, false, nil
	}
	if err := d.PutKV(ctx, seedKey, binary.LittleEndian.AppendUint64(nil, uint64(want))); err != nil {
		return 0, false, err
	}
	return want, true, nil
}
