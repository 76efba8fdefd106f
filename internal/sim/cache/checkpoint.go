package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Checkpoint writes every Dirty block back to the store without evicting it. A fully
// successful checkpoint clears read-only mode.
func (c *Cache) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	dirty := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.dirty.Load() {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()

	// Writes run to completion even when the caller goes away.
	wctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	errs := make([]error, len(dirty))
	for i, e := range dirty {
		i, e := i, e
		g.Go(func() error {
			errs[i] = c.flush(wctx, e)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if c.readOnly.CompareAndSwap(true, false) {
		c.logger.Printf("checkpoint succeeded, leaving read-only mode")
	}
	return nil
}

// flush writes one entry back. Mutations may proceed during the store write, so the entry is
// only marked Clean when none landed in the meantime. Other writers of the entry wait on wmu.
func (c *Cache) flush(ctx context.Context, e *entry) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	e.mu.Lock()
	if e.gone || !e.dirty.Load() {
		e.mu.Unlock()
		return nil
	}
	data, err := e.encode()
	rev := e.block.Revision
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.put(ctx, e.pos, data); err != nil {
		c.writeBackFailed(e.pos, err)
		return fmt.Errorf("flush %s: %w", e.pos, err)
	}

	e.mu.Lock()
	if e.block.Revision == rev {
		e.dirty.Store(false)
	}
	e.mu.Unlock()
	return nil
}

// Close refuses further use, waits for running operations and checkpoints what they left.
func (c *Cache) Close(ctx context.Context) error {
	c.life.Lock()
	c.closed.Store(true)
	c.life.Unlock()
	return c.Checkpoint(ctx)
}

type Stats struct {
	Resident    int
	Dirty       int
	Hits        uint64
	Misses      uint64
	Loads       uint64
	Generated   uint64
	Evictions   uint64
	Flushes     uint64
	FlushFails  uint64
	Regenerated uint64
	ReadOnly    bool
	MaxResident int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Resident: len(c.entries), MaxResident: c.cfg.MaxResident}
	for _, e := range c.entries {
		if e.dirty.Load() {
			s.Dirty++
		}
	}
	c.mu.Unlock()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Loads = c.loaded.Load()
	s.Generated = c.generated.Load()
	s.Evictions = c.evictions.Load()
	s.Flushes = c.flushes.Load()
	s.FlushFails = c.flushFails.Load()
	s.Regenerated = c.regenerated.Load()
	s.ReadOnly = c.readOnly.Load()
	return s
}
