// Package blockdb is the durable key/value store for encoded blocks.
package blockdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"voxelgrid.dev/internal/sim/voxel"
)

// ErrStoreUnavailable wraps every failure of the underlying database.
var ErrStoreUnavailable = errors.New("block store unavailable")

const (
	// ApplicationID identifies world databases (PRAGMA application_id).
	ApplicationID int32 = -2064732612 // 0x84eeae3c
	UserVersion         = 1
)

type DB struct {
	db   *sql.DB
	path string

	closed atomic.Bool

	gets    atomic.Uint64
	puts    atomic.Uint64
	deletes atomic.Uint64
	errs    atomic.Uint64
}

type Stats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
	Errors  uint64
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := checkStamp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &DB{db: db, path: path}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// checkStamp stamps a fresh database and refuses one that belongs to something else.
func checkStamp(db *sql.DB) error {
	var appID int32
	var version int
	var tables int
	if err := db.QueryRow("PRAGMA application_id;").Scan(&appID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table';").Scan(&tables); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if appID == 0 && version == 0 && tables == 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA application_id = %d;", ApplicationID)); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", UserVersion)); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	}
	if appID != ApplicationID {
		return fmt.Errorf("not a world database: application_id %d", appID)
	}
	if version != UserVersion {
		return fmt.Errorf("unsupported world database version %d (want %d)", version, UserVersion)
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			key INTEGER PRIMARY KEY,
			content BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kvstore (
			key TEXT PRIMARY KEY,
			content BLOB
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Path() string { return d.path }

func (d *DB) fail(op string, err error) error {
	d.errs.Add(1)
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (d *DB) check(pos voxel.Pos) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	if !pos.Valid() {
		return fmt.Errorf("block position %s out of range", pos)
	}
	return nil
}

// Get returns the stored bytes for pos; ok is false when nothing was ever stored.
func (d *DB) Get(ctx context.Context, pos voxel.Pos) (data []byte, ok bool, err error) {
	if err := d.check(pos); err != nil {
		return nil, false, err
	}
	d.gets.Add(1)
	err = d.db.QueryRowContext(ctx, `SELECT content FROM blocks WHERE key=?`, pos.Key()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.fail("get "+pos.String(), err)
	}
	return data, true, nil
}

// Put replaces the entry for pos. It is durable once it returns.
func (d *DB) Put(ctx context.Context, pos voxel.Pos, data []byte) error {
	if err := d.check(pos); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	d.puts.Add(1)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return d.fail("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocks(key, content) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET content=excluded.content`, pos.Key(), data); err != nil {
		return d.fail("put "+pos.String(), err)
	}
	if err := tx.Commit(); err != nil {
		return d.fail("commit", err)
	}
	return nil
}

func (d *DB) Delete(ctx context.Context, pos voxel.Pos) error {
	if err := d.check(pos); err != nil {
		return err
	}
	d.deletes.Add(1)
	if _, err := d.db.ExecContext(ctx, `DELETE FROM blocks WHERE key=?`, pos.Key()); err != nil {
		return d.fail("delete "+pos.String(), err)
	}
	return nil
}

func (d *DB) Count(ctx context.Context) (int, error) {
	if d.closed.Load() {
		return 0, fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, d.fail("count", err)
	}
	return n, nil
}

// Keys lists stored positions in key order. limit <= 0 means no limit.
func (d *DB) Keys(ctx context.Context, limit int) ([]voxel.Pos, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx, `SELECT key FROM blocks ORDER BY key LIMIT ?`, limit)
	if err != nil {
		return nil, d.fail("keys", err)
	}
	defer rows.Close()
	var out []voxel.Pos
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, d.fail("keys", err)
		}
		out = append(out, voxel.PosFromKey(k))
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail("keys", err)
	}
	return out, nil
}

const scanPage = 256

// Scan calls fn for every stored block in key order. Rows are read a page at a time and fn
// runs with no query open, so it may use the store itself.
func (d *DB) Scan(ctx context.Context, fn func(pos voxel.Pos, data []byte) error) error {
	type row struct {
		key  int64
		data []byte
	}
	after := int64(math.MinInt64)
	for {
		if d.closed.Load() {
			return fmt.Errorf("%w: closed", ErrStoreUnavailable)
		}
		rows, err := d.db.QueryContext(ctx,
			`SELECT key, content FROM blocks WHERE key > ? ORDER BY key LIMIT ?`, after, scanPage)
		if err != nil {
			return d.fail("scan", err)
		}
		page := make([]row, 0, scanPage)
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.key, &r.data); err != nil {
				rows.Close()
				return d.fail("scan", err)
			}
			page = append(page, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return d.fail("scan", err)
		}
		for _, r := range page {
			if err := fn(voxel.PosFromKey(r.key), r.data); err != nil {
				return err
			}
		}
		if len(page) < scanPage {
			return nil
		}
		after = page[len(page)-1].key
	}
}

func (d *DB) GetKV(ctx context.Context, key string) (value []byte, ok bool, err error) {
	if d.closed.Load() {
		return nil, false, fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	err = d.db.QueryRowContext(ctx, `SELECT content FROM kvstore WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, d.fail("get kv "+key, err)
	}
	return value, true, nil
}

func (d *DB) PutKV(ctx context.Context, key string, value []byte) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: closed", ErrStoreUnavailable)
	}
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO kvstore(key, content) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET content=excluded.content`, key, value); err != nil {
		return d.fail("put kv "+key, err)
	}
	return nil
}

func (d *DB) Stats() Stats {
	return Stats{
		Gets:    d.gets.Load(),
		Puts:    d.puts.Load(),
		Deletes: d.deletes.Load(),
		Errors:  d.errs.Load(),
	}
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}
