package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/cache"
)

func TestAdminClient_State(t *testing.T) {
	want := serverState{
		Cache:    cache.Stats{Resident: 3, Dirty: 1, MaxResident: 64, ReadOnly: true},
		Session:  session.Stats{Active: 1, Streaming: 1, BlocksSent: 9},
		Sessions: []session.Info{{ID: "s1", Identity: "alice", State: "STREAMING", Region: 7, Delivered: 7}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/admin/v1/state" {
			http.NotFound(rw, r)
			return
		}
		_ = json.NewEncoder(rw).Encode(want)
	}))
	defer srv.Close()

	got, err := newAdminClient(srv.URL+"/", time.Second).state()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got.Cache != want.Cache || got.Session != want.Session || len(got.Sessions) != 1 || got.Sessions[0] != want.Sessions[0] {
		t.Fatalf("state: got %+v want %+v", got, want)
	}

	var out bytes.Buffer
	writeState(&out, got)
	for _, s := range []string{"3/64 resident", "READ-ONLY", "alice", "STREAMING"} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("output lacks %q:\n%s", s, out.String())
		}
	}
}

func TestAdminClient_CheckpointErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/v1/checkpoint":
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(checkpointResult{Error: "store unavailable"})
		default:
			http.Error(rw, "forbidden", http.StatusForbidden)
		}
	}))
	defer srv.Close()
	c := newAdminClient(srv.URL, time.Second)

	if _, err := c.checkpoint(); err == nil || !strings.Contains(err.Error(), "store unavailable") {
		t.Fatalf("checkpoint: got %v want the server's error", err)
	}
	if _, err := c.state(); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("state: got %v want a 403 error", err)
	}
}
