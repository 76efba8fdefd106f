package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"voxelgrid.dev/internal/persistence/blockdb"
	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/cache"
)

type engine struct {
	mgr   *session.Manager
	world *cache.Cache
	db    *blockdb.DB
}

func newMux(e engine, wsHandler http.Handler, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if e.world.ReadOnly() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write([]byte("read-only"))
			return
		}
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, e)
	})

	if envBool("VG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Cache    cache.Stats    `json:"cache"`
				Store    blockdb.Stats  `json:"store"`
				Session  session.Stats  `json:"session"`
				Sessions []session.Info `json:"sessions"`
			}{
				Cache:    e.world.Stats(),
				Store:    e.db.Stats(),
				Session:  e.mgr.Stats(),
				Sessions: e.mgr.Sessions(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/checkpoint", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			rw.Header().Set("Content-Type", "application/json")
			if err := e.world.Checkpoint(ctx); err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "dirty": e.world.Stats().Dirty})
		})
	} else {
		logger.Printf("admin endpoints disabled (VG_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("VG_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.Handle("/v1/ws", wsHandler)
	return mux
}

// writeMetrics emits a minimal Prometheus exposition.
func writeMetrics(rw http.ResponseWriter, e engine) {
	cs := e.world.Stats()
	ss := e.mgr.Stats()
	ds := e.db.Stats()

	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s %v\n", name, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s %d\n", name, v)
	}

	gauge("voxelgrid_cache_resident_blocks", "Blocks resident in the world cache.", cs.Resident)
	gauge("voxelgrid_cache_dirty_blocks", "Resident blocks not yet written back.", cs.Dirty)
	gauge("voxelgrid_cache_max_resident", "Resident block limit.", cs.MaxResident)
	ro := 0
	if cs.ReadOnly {
		ro = 1
	}
	gauge("voxelgrid_cache_read_only", "1 while mutations are refused after a failed write-back.", ro)
	counter("voxelgrid_cache_hits_total", "Acquisitions served from memory.", cs.Hits)
	counter("voxelgrid_cache_misses_total", "Acquisitions that had to load.", cs.Misses)
	counter("voxelgrid_cache_generated_total", "Blocks produced by the terrain generator.", cs.Generated)
	counter("voxelgrid_cache_evictions_total", "Blocks evicted.", cs.Evictions)
	counter("voxelgrid_cache_flushes_total", "Dirty blocks written back.", cs.Flushes)
	counter("voxelgrid_cache_flush_failures_total", "Write-backs that exhausted their retries.", cs.FlushFails)
	counter("voxelgrid_cache_regenerated_total", "Corrupt stored blocks replaced by regeneration.", cs.Regenerated)

	counter("voxelgrid_store_gets_total", "Block store reads.", ds.Gets)
	counter("voxelgrid_store_puts_total", "Block store writes.", ds.Puts)
	counter("voxelgrid_store_errors_total", "Block store failures.", ds.Errors)

	gauge("voxelgrid_sessions_active", "Connected sessions.", ss.Active)
	gauge("voxelgrid_sessions_streaming", "Sessions streaming a region.", ss.Streaming)
	counter("voxelgrid_sessions_accepted_total", "Sessions accepted.", ss.Accepted)
	counter("voxelgrid_sessions_auth_failures_total", "Sessions closed for failed authentication.", ss.AuthFailures)
	counter("voxelgrid_sessions_violations_total", "Sessions closed for protocol violations.", ss.Violations)
	counter("voxelgrid_blocks_sent_total", "BLOCK messages sent.", ss.BlocksSent)
	counter("voxelgrid_unloads_sent_total", "UNLOAD messages sent.", ss.Unloads)
	counter("voxelgrid_entities_sent_total", "ENTITY datagrams sent.", ss.Entities)
	counter("voxelgrid_mutations_total", "Committed block mutations.", ss.Mutations)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
