// Package session runs the client protocol: authentication, region streaming and the fan-out
// of block changes to the sessions that watch them.
package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/protocol"
	"voxelgrid.dev/internal/sim/cache"
	"voxelgrid.dev/internal/sim/voxel"
	"voxelgrid.dev/internal/transport"
)

// World is the part of the world cache the manager drives.
type World interface {
	Encoded(ctx context.Context, pos voxel.Pos) ([]byte, uint64, error)
	Mutate(ctx context.Context, pos voxel.Pos, fn func(*voxel.Block) error) (uint64, error)
	SetListener(l cache.Listener)
	Checkpoint(ctx context.Context) error
	Close(ctx context.Context) error
}

// AuditRecord describes one committed mutation.
type AuditRecord struct {
	Time     time.Time `json:"time"`
	Actor    string    `json:"actor"`
	Pos      [3]int32  `json:"pos"`
	Revision uint64    `json:"revision"`
}

type AuditSink interface {
	WriteAudit(rec AuditRecord) error
}

type Config struct {
	Seed                int64
	MaxRegionBlocks     int
	MaxRegionRadius     float64
	AuthTimeout         time.Duration
	FullBlocksPerSecond float64
	FullBlockBurst      int
	// Coalesce delays a resend after a mutation so that bursts go out as one block.
	Coalesce        time.Duration
	CheckpointEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRegionBlocks <= 0 {
		c.MaxRegionBlocks = 1024
	}
	if c.MaxRegionRadius <= 0 {
		c.MaxRegionRadius = 8
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.FullBlockBurst <= 0 {
		c.FullBlockBurst = 64
	}
	if c.Coalesce < 0 {
		c.Coalesce = 0
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 30 * time.Second
	}
	return c
}

type Manager struct {
	world  World
	auth   auth.Authenticator
	cfg    Config
	logger *log.Logger

	audit AuditSink

	mu       sync.Mutex
	sessions map[*Session]struct{}
	subs     map[voxel.Pos]map[*Session]struct{}

	accepted     atomic.Uint64
	authFailures atomic.Uint64
	violations   atomic.Uint64
	blocksSent   atomic.Uint64
	unloads      atomic.Uint64
	entities     atomic.Uint64
	mutations    atomic.Uint64
}

func NewManager(world World, a auth.Authenticator, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Manager{
		world:    world,
		auth:     a,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: map[*Session]struct{}{},
		subs:     map[voxel.Pos]map[*Session]struct{}{},
	}
	world.SetListener(m.onMutation)
	return m
}

// SetAudit installs the sink every Mutate is recorded to.
func (m *Manager) SetAudit(a AuditSink) {
	m.mu.Lock()
	m.audit = a
	m.mu.Unlock()
}

func (m *Manager) onMutation(pos voxel.Pos, _ uint64) {
	m.mu.Lock()
	subs := make([]*Session, 0, len(m.subs[pos]))
	for s := range m.subs[pos] {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.markPending(pos)
	}
}

func (m *Manager) subscribe(s *Session, entered, left []voxel.Pos) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range entered {
		set := m.subs[p]
		if set == nil {
			set = map[*Session]struct{}{}
			m.subs[p] = set
		}
		set[s] = struct{}{}
	}
	for _, p := range left {
		m.unsubscribeLocked(s, p)
	}
}

func (m *Manager) unsubscribeLocked(s *Session, p voxel.Pos) {
	set := m.subs[p]
	delete(set, s)
	if len(set) == 0 {
		delete(m.subs, p)
	}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
	for p, set := range m.subs {
		if _, ok := set[s]; ok {
			m.unsubscribeLocked(s, p)
		}
	}
}

// Serve runs one session until the client leaves, breaks the protocol or ctx ends.
// The connection is closed on return.
func (m *Manager) Serve(ctx context.Context, conn transport.Conn) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(m, conn)
	m.register(s)
	m.accepted.Add(1)
	defer m.unregister(s)
	defer func() {
		if r := recover(); r != nil {
			hub := sentry.CurrentHub().Clone()
			hub.Recover(r)
			hub.Flush(5 * time.Second)
			m.logger.Printf("session %s panic: %v", s.id, r)
			err = errors.New("session panic")
		}
		s.close(err)
		switch {
		case errors.Is(err, ErrAuthFailure):
			m.authFailures.Add(1)
		case errors.Is(err, ErrProtocolViolation):
			m.violations.Add(1)
		}
		if err != nil && !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
			m.logger.Printf("session %s (%s) closed: %v", s.id, conn.RemoteAddr(), err)
		}
	}()

	msgs := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		for {
			b, err := conn.Recv(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	actx, acancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	err = s.handshake(actx, msgs, errc)
	acancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return violate(protocol.ErrAuthTimeout, "no authentication within %s", m.cfg.AuthTimeout)
		}
		return err
	}

	for {
		select {
		case b := <-msgs:
			if err := s.handle(ctx, b); err != nil {
				return err
			}
		case <-s.notify:
			if err := s.flush(ctx); err != nil {
				return err
			}
		case err := <-errc:
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Mutate is the gameplay entry point for changing a block. Committed mutations are recorded
// to the audit sink and fanned out to the sessions watching pos.
func (m *Manager) Mutate(ctx context.Context, actor string, pos voxel.Pos, fn func(*voxel.Block) error) (uint64, error) {
	rev, err := m.world.Mutate(ctx, pos, fn)
	if err != nil {
		return 0, err
	}
	m.mutations.Add(1)
	m.mu.Lock()
	a := m.audit
	m.mu.Unlock()
	if a != nil {
		if err := a.WriteAudit(AuditRecord{
			Time:     time.Now().UTC(),
			Actor:    actor,
			Pos:      [3]int32{pos.X, pos.Y, pos.Z},
			Revision: rev,
		}); err != nil {
			m.logger.Printf("audit %s@%d: %v", pos, rev, err)
		}
	}
	return rev, nil
}

// BroadcastEntity sends e to every streaming session that holds pos. Delivery is best effort.
func (m *Manager) BroadcastEntity(pos voxel.Pos, e voxel.Entity) int {
	m.mu.Lock()
	subs := make([]*Session, 0, len(m.subs[pos]))
	for s := range m.subs[pos] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range subs {
		if sent, _ := s.entity(pos, e); sent {
			n++
		}
	}
	m.entities.Add(uint64(n))
	return n
}

// Run checkpoints the world every CheckpointEvery and flushes it once more when ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.CheckpointEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := m.world.Checkpoint(ctx); err != nil {
				m.logger.Printf("checkpoint: %v", err)
			}
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := m.world.Close(fctx); err != nil {
				m.logger.Printf("final flush: %v", err)
				return err
			}
			return nil
		}
	}
}

func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type Stats struct {
	Active       int
	Streaming    int
	Accepted     uint64
	AuthFailures uint64
	Violations   uint64
	BlocksSent   uint64
	Unloads      uint64
	Entities     uint64
	Mutations    uint64
}

func (m *Manager) Stats() Stats {
	infos := m.Sessions()
	st := Stats{
		Active:       len(infos),
		Accepted:     m.accepted.Load(),
		AuthFailures: m.authFailures.Load(),
		Violations:   m.violations.Load(),
		BlocksSent:   m.blocksSent.Load(),
		Unloads:      m.unloads.Load(),
		Entities:     m.entities.Load(),
		Mutations:    m.mutations.Load(),
	}
	for _, in := range infos {
		if in.State == Streaming.String() {
			st.Streaming++
		}
	}
	return st
}
