// Package cache keeps the resident set of world blocks.
//
// Every block position has at most one resident entry. Loads consult the block store first and
// fall back to the terrain generator; mutations mark entries Dirty and Dirty entries are written
// back before they leave memory. Lock order is entry.wmu, then entry.mu, then Cache.mu.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"voxelgrid.dev/internal/sim/encoding"
	"voxelgrid.dev/internal/sim/voxel"
)

var (
	// ErrReadOnly is returned by Mutate after a write-back failed for good.
	ErrReadOnly = errors.New("world cache is read-only")
	ErrClosed   = errors.New("world cache is closed")
)

// Generator produces the initial contents of a block that was never stored.
type Generator interface {
	Generate(pos voxel.Pos) *voxel.Block
}

// Store is the durable backing of the cache.
type Store interface {
	Get(ctx context.Context, pos voxel.Pos) ([]byte, bool, error)
	Put(ctx context.Context, pos voxel.Pos, data []byte) error
}

// Listener is told about every committed mutation.
type Listener func(pos voxel.Pos, revision uint64)

type Config struct {
	MaxResident  int
	Workers      int
	FlushRetries int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxResident <= 0 {
		c.MaxResident = 4096
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FlushRetries < 0 {
		c.FlushRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	return c
}

// Handle is a snapshot of a resident block. Block is a private copy.
type Handle struct {
	Pos      voxel.Pos
	Revision uint64
	State    voxel.State
	Block    *voxel.Block
}

type entry struct {
	pos voxel.Pos

	// wmu orders store writes of this entry, so an older revision never lands after a newer one.
	wmu sync.Mutex

	mu         sync.Mutex
	block      *voxel.Block
	encoded    []byte
	encodedRev uint64
	gone       bool

	dirty atomic.Bool

	// Guarded by Cache.mu. done is non-nil while the entry is being evicted.
	done chan struct{}
}

func (e *entry) state() voxel.State {
	if e.dirty.Load() {
		return voxel.Dirty
	}
	return voxel.Clean
}

type Cache struct {
	cfg    Config
	gen    Generator
	store  Store
	logger *log.Logger

	mu      sync.Mutex
	entries map[voxel.Pos]*entry
	lru     *orderedmap.OrderedMap[voxel.Pos, struct{}]
	// floor keeps the revision of evicted blocks that ever changed; resident entries carry their own.
	floor    map[voxel.Pos]uint64
	evicting int
	listener Listener

	loads   singleflight.Group
	workers *semaphore.Weighted

	// life is held shared by every withEntry call and exclusively by Close.
	life     sync.RWMutex
	readOnly atomic.Bool
	closed   atomic.Bool

	hits        atomic.Uint64
	misses      atomic.Uint64
	loaded      atomic.Uint64
	generated   atomic.Uint64
	evictions   atomic.Uint64
	flushes     atomic.Uint64
	flushFails  atomic.Uint64
	regenerated atomic.Uint64
}

func New(cfg Config, gen Generator, store Store, logger *log.Logger) *Cache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.New(log.Writer(), "[cache] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Cache{
		cfg:     cfg,
		gen:     gen,
		store:   store,
		logger:  logger,
		entries: map[voxel.Pos]*entry{},
		lru:     orderedmap.NewOrderedMap[voxel.Pos, struct{}](),
		floor:   map[voxel.Pos]uint64{},
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// SetListener installs the mutation listener. It is called outside of all cache locks.
func (c *Cache) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Cache) ReadOnly() bool { return c.readOnly.Load() }

// Acquire returns a copy of the block at pos, loading it if needed.
func (c *Cache) Acquire(ctx context.Context, pos voxel.Pos) (Handle, error) {
	var h Handle
	err := c.withEntry(ctx, pos, func(e *entry) error {
		h = Handle{
			Pos:      pos,
			Revision: e.block.Revision,
			State:    e.state(),
			Block:    e.block.Clone(),
		}
		return nil
	})
	return h, err
}

// Encoded returns the codec bytes of the resident block at its current revision.
// The encoding is memoised until the next mutation.
func (c *Cache) Encoded(ctx context.Context, pos voxel.Pos) ([]byte, uint64, error) {
	var (
		data []byte
		rev  uint64
	)
	err := c.withEntry(ctx, pos, func(e *entry) error {
		b, err := e.encode()
		if err != nil {
			return err
		}
		data, rev = b, e.block.Revision
		return nil
	})
	return data, rev, err
}

// encode must be called with e.mu held.
func (e *entry) encode() ([]byte, error) {
	if e.encoded != nil && e.encodedRev == e.block.Revision {
		return e.encoded, nil
	}
	data, err := encoding.Encode(e.block)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.pos, err)
	}
	e.encoded, e.encodedRev = data, e.block.Revision
	return data, nil
}

// Mutate applies fn to a copy of the block at pos and commits it with the next revision.
// The block is untouched when fn fails.
func (c *Cache) Mutate(ctx context.Context, pos voxel.Pos, fn func(*voxel.Block) error) (uint64, error) {
	if c.readOnly.Load() {
		return 0, ErrReadOnly
	}
	var rev uint64
	err := c.withEntry(ctx, pos, func(e *entry) error {
		if c.readOnly.Load() {
			return ErrReadOnly
		}
		next := e.block.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.Pos = pos
		next.Revision = e.block.Revision + 1
		e.block = next
		e.dirty.Store(true)
		rev = next.Revision
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(pos, rev)
	}
	return rev, nil
}

// withEntry runs fn with the resident entry for pos locked.
func (c *Cache) withEntry(ctx context.Context, pos voxel.Pos, fn func(*entry) error) error {
	if !pos.Valid() {
		return fmt.Errorf("block position %s out of range", pos)
	}
	c.life.RLock()
	defer c.life.RUnlock()
	if c.closed.Load() {
		return ErrClosed
	}
	for {
		e, err := c.resident(ctx, pos)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.gone {
			// Evicted between lookup and lock.
			e.mu.Unlock()
			continue
		}
		err = fn(e)
		e.mu.Unlock()
		return err
	}
}

// resident returns the entry for pos, waiting out evictions and loading on a miss.
func (c *Cache) resident(ctx context.Context, pos voxel.Pos) (*entry, error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[pos]
		if ok && e.done == nil {
			c.touch(pos)
			c.mu.Unlock()
			c.hits.Add(1)
			return e, nil
		}
		var done chan struct{}
		if ok {
			done = e.done
		}
		c.mu.Unlock()

		if done != nil {
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		c.misses.Add(1)
		ch := c.loads.DoChan(pos.String(), func() (any, error) {
			return c.load(pos)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			e := res.Val.(*entry)
			c.mu.Lock()
			if cur, ok := c.entries[pos]; ok && cur == e && e.done == nil {
				c.touch(pos)
				c.mu.Unlock()
				return e, nil
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// touch must be called with c.mu held.
func (c *Cache) touch(pos voxel.Pos) {
	c.lru.Delete(pos)
	c.lru.Set(pos, struct{}{})
}

// load runs on the worker pool with its own context, so a caller giving up does not abandon
// a half-finished load for the callers sharing it.
func (c *Cache) load(pos voxel.Pos) (e *entry, err error) {
	ctx := context.Background()
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.workers.Release(1)
	defer func() {
		if r := recover(); r != nil {
			hub := sentry.CurrentHub().Clone()
			hub.Recover(r)
			hub.Flush(5 * time.Second)
			err = fmt.Errorf("load %s: panic: %v", pos, r)
		}
	}()

	var floor uint64
	for {
		c.mu.Lock()
		cur, ok := c.entries[pos]
		if ok && cur.done == nil {
			c.mu.Unlock()
			return cur, nil
		}
		if ok {
			// Let a running eviction finish its write-back before reading the store.
			done := cur.done
			c.mu.Unlock()
			<-done
			continue
		}
		floor = c.floor[pos]
		c.mu.Unlock()
		break
	}

	e = &entry{pos: pos}
	data, ok, err := c.store.Get(ctx, pos)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", pos, err)
	}
	if ok {
		b, derr := encoding.Decode(data)
		if derr == nil && b.Pos != pos {
			derr = fmt.Errorf("%w: stored block claims position %s", encoding.ErrCorruptData, b.Pos)
		}
		if derr != nil {
			c.regenerated.Add(1)
			c.logger.Printf("corrupt block %s: %v; regenerating", pos, derr)
			sentry.CaptureException(fmt.Errorf("cache: corrupt block %s: %w", pos, derr))
			e.block = c.gen.Generate(pos)
			e.block.Revision = floor + 1
			e.dirty.Store(true)
			// Overwrite the damaged entry now; on failure the entry stays Dirty.
			if data, err := e.encode(); err == nil && c.put(ctx, pos, data) == nil {
				e.dirty.Store(false)
			}
		} else {
			c.loaded.Add(1)
			e.block = b
			e.encoded, e.encodedRev = data, b.Revision
			if b.Revision < floor {
				e.block.Revision = floor + 1
				e.dirty.Store(true)
			}
		}
	} else {
		c.generated.Add(1)
		e.block = c.gen.Generate(pos)
		if floor > 0 {
			// The stored copy was removed behind our back; never go backwards.
			e.block.Revision = floor + 1
			e.dirty.Store(true)
		}
	}

	c.mu.Lock()
	c.entries[pos] = e
	c.lru.Set(pos, struct{}{})
	delete(c.floor, pos)
	c.mu.Unlock()

	c.evictOverflow(pos)
	return e, nil
}

// put writes data with retries.
func (c *Cache) put(ctx context.Context, pos voxel.Pos, data []byte) error {
	var err error
	for attempt := 0; attempt <= c.cfg.FlushRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.RetryBackoff * time.Duration(attempt))
		}
		if err = c.store.Put(ctx, pos, data); err == nil {
			c.flushes.Add(1)
			return nil
		}
	}
	c.flushFails.Add(1)
	return err
}

func (c *Cache) writeBackFailed(pos voxel.Pos, err error) {
	if !c.readOnly.Swap(true) {
		c.logger.Printf("write-back of %s failed, entering read-only mode: %v", pos, err)
	} else {
		c.logger.Printf("write-back of %s failed: %v", pos, err)
	}
	sentry.CaptureException(fmt.Errorf("cache: write-back %s: %w", pos, err))
}

// evictOverflow evicts least recently used entries, Clean ones first, until the resident set
// fits. keep is never chosen. It stops at the first failed write-back.
func (c *Cache) evictOverflow(keep voxel.Pos) {
	for {
		c.mu.Lock()
		if len(c.entries)-c.evicting <= c.cfg.MaxResident {
			c.mu.Unlock()
			return
		}
		victim := c.pickVictim(keep)
		if victim == nil {
			c.mu.Unlock()
			return
		}
		victim.done = make(chan struct{})
		c.evicting++
		c.mu.Unlock()

		if err := c.evict(victim); err != nil {
			return
		}
	}
}

// pickVictim must be called with c.mu held.
func (c *Cache) pickVictim(keep voxel.Pos) *entry {
	var dirty *entry
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := c.entries[el.Key]
		if e == nil || e.done != nil || el.Key == keep {
			continue
		}
		if !e.dirty.Load() {
			return e
		}
		if dirty == nil {
			dirty = e
		}
	}
	return dirty
}

// evict writes back and removes an entry already marked as evicting. Acquisitions of the
// position wait on e.done until the entry is gone and then reload from the store.
func (c *Cache) evict(e *entry) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dirty.Load() {
		data, err := e.encode()
		if err == nil {
			err = c.put(context.Background(), e.pos, data)
		}
		if err != nil {
			c.writeBackFailed(e.pos, err)
			c.mu.Lock()
			close(e.done)
			e.done = nil
			c.evicting--
			c.mu.Unlock()
			return err
		}
		e.dirty.Store(false)
	}

	e.gone = true
	c.mu.Lock()
	delete(c.entries, e.pos)
	c.lru.Delete(e.pos)
	if e.block.Revision > 0 {
		c.floor[e.pos] = e.block.Revision
	}
	close(e.done)
	e.done = nil
	c.evicting--
	c.mu.Unlock()
	c.evictions.Add(1)
	return nil
}

// Evict removes pos from memory after writing it back. It is a no-op for non-resident positions.
func (c *Cache) Evict(ctx context.Context, pos voxel.Pos) error {
	for {
		c.mu.Lock()
		e, ok := c.entries[pos]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if done := e.done; done != nil {
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		e.done = make(chan struct{})
		c.evicting++
		c.mu.Unlock()
		return c.evict(e)
	}
}

// Resident reports whether pos is in memory and at which revision.
func (c *Cache) Resident(pos voxel.Pos) (uint64, bool) {
	c.mu.Lock()
	e, ok := c.entries[pos]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return 0, false
	}
	return e.block.Revision, true
}
