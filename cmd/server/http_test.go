package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/persistence/blockdb"
	"voxelgrid.dev/internal/protocol"
	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/cache"
	"voxelgrid.dev/internal/sim/encoding"
	"voxelgrid.dev/internal/sim/terrain/gen"
	"voxelgrid.dev/internal/sim/voxel"
	"voxelgrid.dev/internal/transport"
	"voxelgrid.dev/internal/transport/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, engine) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	db, err := blockdb.Open(filepath.Join(t.TempDir(), "world.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	creds := auth.KVCredentials{KV: db}
	if err := creds.AddUser("alice", "hunter2"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	v, err := auth.NewVerifier(creds, 0)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	world := cache.New(cache.Config{MaxResident: 32}, gen.New(7), db, quiet)
	mgr := session.NewManager(world, v, session.Config{Seed: 7}, quiet)
	e := engine{mgr: mgr, world: world, db: db}

	wsSrv := ws.NewServer(func(ctx context.Context, c transport.Conn) { _ = mgr.Serve(ctx, c) }, quiet, ws.Options{})
	srv := httptest.NewServer(newMux(e, wsSrv.Handler(), quiet))
	t.Cleanup(srv.Close)
	return srv, e
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := get(t, srv.URL+"/healthz")
	if code != 200 || body != "ok" {
		t.Fatalf("healthz: got %d %q", code, body)
	}
	code, body = get(t, srv.URL+"/metrics")
	if code != 200 {
		t.Fatalf("metrics: got %d", code)
	}
	for _, want := range []string{
		"voxelgrid_cache_resident_blocks 0",
		"voxelgrid_sessions_active 0",
		"# TYPE voxelgrid_blocks_sent_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestWebSocketStreamsBlock(t *testing.T) {
	srv, e := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))

	if err := c.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Identity: "alice"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	var ch protocol.ChallengeMsg
	if err := c.ReadJSON(&ch); err != nil || ch.Type != protocol.TypeChallenge {
		t.Fatalf("challenge: %+v %v", ch, err)
	}
	proof, key, err := auth.ClientProof("alice", "hunter2", ch.Salt, ch.Nonce)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if err := c.WriteJSON(protocol.AuthMsg{Type: protocol.TypeAuth, ProtocolVersion: protocol.Version, Proof: proof}); err != nil {
		t.Fatalf("auth: %v", err)
	}
	var w protocol.WelcomeMsg
	if err := c.ReadJSON(&w); err != nil || w.Type != protocol.TypeWelcome || w.Seed != 7 || w.KeyID != auth.KeyID(key) {
		t.Fatalf("welcome: %+v %v", w, err)
	}
	if err := c.WriteJSON(protocol.RegionMsg{Type: protocol.TypeRegion, ProtocolVersion: protocol.Version, Center: [3]int32{0, 0, 0}}); err != nil {
		t.Fatalf("region: %v", err)
	}
	var bm protocol.BlockMsg
	if err := c.ReadJSON(&bm); err != nil || bm.Type != protocol.TypeBlock {
		t.Fatalf("block: %+v %v", bm, err)
	}
	if _, err := encoding.Decode(bm.Data); err != nil {
		t.Fatalf("decode: %v", err)
	}

	code, body := get(t, srv.URL+"/admin/v1/state")
	if code != 200 {
		t.Fatalf("state: got %d", code)
	}
	var st struct {
		Session  session.Stats  `json:"session"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("state json: %v", err)
	}
	if st.Session.Streaming != 1 || st.Session.BlocksSent != 1 || len(st.Sessions) != 1 {
		t.Fatalf("state: %+v", st)
	}
	if e.world.Stats().Generated != 1 {
		t.Fatalf("generated: %+v", e.world.Stats())
	}
}

func TestAdminCheckpoint(t *testing.T) {
	srv, e := newTestServer(t)
	p := voxel.Pos{X: 1}
	if _, err := e.mgr.Mutate(context.Background(), "admin", p, func(b *voxel.Block) error {
		b.Set(0, 0, 0, voxel.Voxel{Type: voxel.Stone})
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if d := e.world.Stats().Dirty; d != 1 {
		t.Fatalf("dirty before checkpoint: got %d want 1", d)
	}

	resp, err := http.Get(srv.URL + "/admin/v1/checkpoint")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET checkpoint: got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/admin/v1/checkpoint", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		OK    bool `json:"ok"`
		Dirty int  `json:"dirty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK || out.Dirty != 0 {
		t.Fatalf("checkpoint: %+v", out)
	}
	if _, ok, err := e.db.Get(context.Background(), p); err != nil || !ok {
		t.Fatalf("store after checkpoint: ok=%v err=%v", ok, err)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.2:1":     false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q): got %v want %v", in, got, want)
		}
	}
}
