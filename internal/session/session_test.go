package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/persistence/blockdb"
	"voxelgrid.dev/internal/protocol"
	"voxelgrid.dev/internal/sim/cache"
	"voxelgrid.dev/internal/sim/encoding"
	"voxelgrid.dev/internal/sim/terrain/gen"
	"voxelgrid.dev/internal/sim/voxel"
	"voxelgrid.dev/internal/transport"
)

var quiet = log.New(io.Discard, "", 0)

type harness struct {
	t     *testing.T
	store *blockdb.DB
	world *cache.Cache
	m     *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := blockdb.Open(filepath.Join(t.TempDir(), "world.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	creds := auth.NewMemCredentials()
	if err := creds.AddUser("alice", "hunter2"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	v, err := auth.NewVerifier(creds, time.Minute)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	world := cache.New(cache.Config{MaxResident: 64}, gen.New(cfg.Seed), store, quiet)
	return &harness{t: t, store: store, world: world, m: NewManager(world, v, cfg, quiet)}
}

type client struct {
	t    *testing.T
	conn *transport.PipeConn
	done chan error
}

// connect starts a session on one end of a pipe and returns the other end.
func (h *harness) connect() *client {
	srv, cli := transport.Pipe()
	c := &client{t: h.t, conn: cli, done: make(chan error, 1)}
	go func() { c.done <- h.m.Serve(context.Background(), srv) }()
	h.t.Cleanup(func() { _ = cli.Close("") })
	return c
}

func (c *client) send(v any) {
	c.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(b)
}

func (c *client) sendRaw(b []byte) {
	c.t.Helper()
	if err := c.conn.Send(context.Background(), b); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *client) recvWithin(d time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.conn.Recv(ctx)
}

// expect reads the next message and decodes it into v after checking its type.
func (c *client) expect(typ string, v any) {
	c.t.Helper()
	b, err := c.recvWithin(5 * time.Second)
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", typ, err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	if base.Type != typ {
		c.t.Fatalf("got %s (%s) want %s", base.Type, b, typ)
	}
	if v != nil {
		if err := json.Unmarshal(b, v); err != nil {
			c.t.Fatalf("unmarshal %s: %v", typ, err)
		}
	}
}

func (c *client) expectError(code string) {
	c.t.Helper()
	var em protocol.ErrorMsg
	c.expect(protocol.TypeError, &em)
	if em.Code != code {
		c.t.Fatalf("error code: got %s want %s (%s)", em.Code, code, em.Message)
	}
	c.expectClosed()
}

func (c *client) expectClosed() {
	c.t.Helper()
	b, err := c.recvWithin(5 * time.Second)
	if !errors.Is(err, transport.ErrClosed) {
		c.t.Fatalf("expected closed connection, got %q %v", b, err)
	}
}

func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	if b, err := c.recvWithin(d); err == nil {
		c.t.Fatalf("unexpected message %s", b)
	}
}

func (c *client) login(identity, password string) protocol.WelcomeMsg {
	c.t.Helper()
	c.send(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Identity: identity})
	var ch protocol.ChallengeMsg
	c.expect(protocol.TypeChallenge, &ch)
	proof, key, err := auth.ClientProof(identity, password, ch.Salt, ch.Nonce)
	if err != nil {
		c.t.Fatalf("proof: %v", err)
	}
	c.send(protocol.AuthMsg{Type: protocol.TypeAuth, ProtocolVersion: protocol.Version, Proof: proof})
	var w protocol.WelcomeMsg
	c.expect(protocol.TypeWelcome, &w)
	if want := auth.KeyID(key); w.KeyID != want {
		c.t.Fatalf("welcome key id: got %q want %q", w.KeyID, want)
	}
	return w
}

func (c *client) region(center voxel.Pos, radius float64) {
	c.send(protocol.RegionMsg{
		Type:            protocol.TypeRegion,
		ProtocolVersion: protocol.Version,
		Center:          protocol.PosOf(center),
		Radius:          radius,
	})
}

func (c *client) expectBlock() protocol.BlockMsg {
	c.t.Helper()
	var bm protocol.BlockMsg
	c.expect(protocol.TypeBlock, &bm)
	return bm
}

func TestSession_SingleBlockRegion(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	w := c.login("alice", "hunter2")
	if w.SessionID == "" || w.BlockSize != voxel.Size || w.Seed != 42 {
		t.Fatalf("welcome: %+v", w)
	}

	p := voxel.Pos{X: 3, Y: -2, Z: 5}
	c.region(p, 0)
	bm := c.expectBlock()
	if protocol.ToPos(bm.Pos) != p || bm.Revision != 0 {
		t.Fatalf("block: pos=%v rev=%d", bm.Pos, bm.Revision)
	}
	blk, err := encoding.Decode(bm.Data)
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}
	if !blk.Equal(gen.New(42).Generate(p)) {
		t.Fatalf("streamed block differs from generated terrain")
	}
	c.expectSilence(150 * time.Millisecond)

	infos := h.m.Sessions()
	if len(infos) != 1 || infos[0].State != Streaming.String() || infos[0].Identity != "alice" {
		t.Fatalf("sessions: %+v", infos)
	}
}

func TestSession_BadProofClosesWithoutWorldData(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	c.send(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Identity: "alice"})
	var ch protocol.ChallengeMsg
	c.expect(protocol.TypeChallenge, &ch)
	proof, _, _ := auth.ClientProof("alice", "wrong password", ch.Salt, ch.Nonce)
	c.send(protocol.AuthMsg{Type: protocol.TypeAuth, ProtocolVersion: protocol.Version, Proof: proof})

	c.expectError(protocol.ErrAuthFailed)
	select {
	case err := <-c.done:
		if !errors.Is(err, ErrAuthFailure) {
			t.Fatalf("serve: got %v want ErrAuthFailure", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	if st := h.m.Stats(); st.AuthFailures != 1 || st.BlocksSent != 0 || st.Active != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestSession_RapidMutationsCoalesce(t *testing.T) {
	h := newHarness(t, Config{Coalesce: 200 * time.Millisecond})
	c := h.connect()
	c.login("alice", "hunter2")

	p := voxel.Pos{X: 1, Y: 0, Z: 0}
	c.region(p, 0)
	if bm := c.expectBlock(); bm.Revision != 0 {
		t.Fatalf("first block revision: got %d want 0", bm.Revision)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.m.Mutate(ctx, "test", p, func(b *voxel.Block) error {
			b.Set(0, 0, 0, voxel.Voxel{Type: voxel.Stone})
			return nil
		}); err != nil {
			t.Fatalf("mutate: %v", err)
		}
	}

	bm := c.expectBlock()
	if bm.Revision != 2 {
		t.Fatalf("coalesced block revision: got %d want 2", bm.Revision)
	}
	blk, err := encoding.Decode(bm.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if blk.Get(0, 0, 0).Type != voxel.Stone {
		t.Fatalf("block does not carry the mutation")
	}
	c.expectSilence(400 * time.Millisecond)
}

func TestSession_MutationOutsideRegionIsNotSent(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	c.login("alice", "hunter2")
	c.region(voxel.Pos{}, 0)
	c.expectBlock()

	if _, err := h.m.Mutate(context.Background(), "test", voxel.Pos{X: 5}, func(b *voxel.Block) error { return nil }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	c.expectSilence(150 * time.Millisecond)
}

func TestSession_RegionChangeUnloadsAndLoads(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	c.login("alice", "hunter2")

	a, b := voxel.Pos{X: 0}, voxel.Pos{X: 10}
	c.region(a, 0)
	c.expectBlock()

	c.region(b, 0)
	var um protocol.UnloadMsg
	c.expect(protocol.TypeUnload, &um)
	if protocol.ToPos(um.Pos) != a {
		t.Fatalf("unload: got %v want %s", um.Pos, a)
	}
	if bm := c.expectBlock(); protocol.ToPos(bm.Pos) != b {
		t.Fatalf("block: got %v want %s", bm.Pos, b)
	}

	// Re-entering a previously unloaded block sends it again.
	c.region(a, 0)
	c.expect(protocol.TypeUnload, nil)
	if bm := c.expectBlock(); protocol.ToPos(bm.Pos) != a {
		t.Fatalf("block: got %v want %s", bm.Pos, a)
	}
}

func TestSession_RetainedBlocksAreNotResent(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	c.login("alice", "hunter2")

	c.region(voxel.Pos{}, 1)
	seen := map[voxel.Pos]bool{}
	for i := 0; i < 7; i++ {
		seen[protocol.ToPos(c.expectBlock().Pos)] = true
	}
	if len(seen) != 7 {
		t.Fatalf("distinct blocks: got %d want 7", len(seen))
	}

	// Shift by one: the overlap stays, one block enters on the far side.
	c.region(voxel.Pos{X: 1}, 1)
	unloads, blocks := 0, 0
	for {
		b, err := c.recvWithin(200 * time.Millisecond)
		if err != nil {
			break
		}
		base, _ := protocol.DecodeBase(b)
		switch base.Type {
		case protocol.TypeUnload:
			unloads++
		case protocol.TypeBlock:
			var bm protocol.BlockMsg
			_ = json.Unmarshal(b, &bm)
			if seen[protocol.ToPos(bm.Pos)] {
				t.Fatalf("retained block %v was resent", bm.Pos)
			}
			blocks++
		default:
			t.Fatalf("unexpected %s", b)
		}
	}
	if unloads != 5 || blocks != 5 {
		t.Fatalf("shift: got %d unloads %d blocks want 5/5", unloads, blocks)
	}
}

func TestSession_AckRules(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	c.login("alice", "hunter2")
	p := voxel.Pos{Y: 1}
	c.region(p, 0)
	bm := c.expectBlock()

	c.send(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Pos: bm.Pos, Revision: bm.Revision})
	c.expectSilence(100 * time.Millisecond)

	c.send(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Pos: bm.Pos, Revision: bm.Revision + 1})
	c.expectError(protocol.ErrUnknownBlock)
}

func TestSession_AckForUndeliveredBlock(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()
	c.login("alice", "hunter2")
	c.region(voxel.Pos{}, 0)
	c.expectBlock()

	c.send(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Pos: [3]int32{7, 7, 7}})
	c.expectError(protocol.ErrUnknownBlock)
}

func TestSession_ProtocolViolations(t *testing.T) {
	cases := []struct {
		name string
		run  func(c *client)
		code string
	}{
		{"malformed json", func(c *client) { c.sendRaw([]byte(`{"type":`)) }, protocol.ErrProtoBadRequest},
		{"wrong version", func(c *client) {
			c.send(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", Identity: "alice"})
		}, protocol.ErrProtoBadRequest},
		{"region before auth", func(c *client) {
			c.region(voxel.Pos{}, 0)
		}, protocol.ErrProtoBadRequest},
		{"hello twice", func(c *client) {
			c.login("alice", "hunter2")
			c.send(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Identity: "alice"})
		}, protocol.ErrProtoBadRequest},
		{"region too many blocks", func(c *client) {
			c.login("alice", "hunter2")
			c.region(voxel.Pos{}, 3)
		}, protocol.ErrRegionTooLarge},
		{"radius too large", func(c *client) {
			c.login("alice", "hunter2")
			c.region(voxel.Pos{}, 100)
		}, protocol.ErrRegionTooLarge},
		{"negative radius", func(c *client) {
			c.login("alice", "hunter2")
			c.region(voxel.Pos{}, -1)
		}, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxRegionBlocks: 100, MaxRegionRadius: 10})
			c := h.connect()
			tc.run(c)
			c.expectError(tc.code)
			if st := h.m.Stats(); st.BlocksSent != 0 {
				t.Fatalf("blocks sent: %d", st.BlocksSent)
			}
		})
	}
}

func TestSession_AuthTimeout(t *testing.T) {
	h := newHarness(t, Config{AuthTimeout: 50 * time.Millisecond})
	c := h.connect()
	c.expectError(protocol.ErrAuthTimeout)
}

func TestSession_EntityBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.connect()

	// Nothing goes out before the session streams.
	p := voxel.Pos{Z: 2}
	if n := h.m.BroadcastEntity(p, voxel.Entity{ID: 1}); n != 0 {
		t.Fatalf("broadcast before login: %d", n)
	}

	c.login("alice", "hunter2")
	c.region(p, 0)
	c.expectBlock()

	e := voxel.Entity{ID: 9, Kind: "sheep", Pos: [3]float32{1, 2, 3}}
	if n := h.m.BroadcastEntity(p, e); n != 1 {
		t.Fatalf("broadcast: reached %d sessions want 1", n)
	}
	var em protocol.EntityMsg
	c.expect(protocol.TypeEntity, &em)
	if em.Entity != e || protocol.ToPos(em.Pos) != p {
		t.Fatalf("entity: %+v", em)
	}
	if n := h.m.BroadcastEntity(voxel.Pos{X: 40}, e); n != 0 {
		t.Fatalf("broadcast outside region reached %d sessions", n)
	}
}

func TestSession_NoWorldDataBeforeStreaming(t *testing.T) {
	h := newHarness(t, Config{})
	srv, _ := transport.Pipe()
	s := newSession(h.m, srv)
	if err := s.sendWorld(context.Background(), protocol.UnloadMsg{Type: protocol.TypeUnload}); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("sendWorld before streaming: got %v want ErrNotStreaming", err)
	}
	if _, err := s.entity(voxel.Pos{}, voxel.Entity{}); !errors.Is(err, ErrNotStreaming) {
		t.Fatalf("entity before streaming: got %v want ErrNotStreaming", err)
	}
}

func TestManager_RunFlushesOnShutdown(t *testing.T) {
	h := newHarness(t, Config{CheckpointEvery: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	p := voxel.Pos{X: 2, Y: 2, Z: 2}
	if _, err := h.m.Mutate(context.Background(), "test", p, func(b *voxel.Block) error {
		b.Set(1, 1, 1, voxel.Voxel{Type: voxel.Wood})
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}

	data, ok, err := h.store.Get(context.Background(), p)
	if err != nil || !ok {
		t.Fatalf("store: ok=%v err=%v", ok, err)
	}
	blk, err := encoding.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if blk.Revision != 1 || blk.Get(1, 1, 1).Type != voxel.Wood {
		t.Fatalf("flushed block: rev=%d", blk.Revision)
	}
}

type recordingAudit struct{ recs []AuditRecord }

func (r *recordingAudit) WriteAudit(rec AuditRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestManager_MutateIsAudited(t *testing.T) {
	h := newHarness(t, Config{})
	a := &recordingAudit{}
	h.m.SetAudit(a)
	p := voxel.Pos{X: -1}
	if _, err := h.m.Mutate(context.Background(), "bob", p, func(b *voxel.Block) error { return nil }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(a.recs) != 1 || a.recs[0].Actor != "bob" || a.recs[0].Revision != 1 || a.recs[0].Pos != protocol.PosOf(p) {
		t.Fatalf("audit: %+v", a.recs)
	}
}
