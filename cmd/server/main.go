package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/persistence/blockdb"
	persistlog "voxelgrid.dev/internal/persistence/log"
	"voxelgrid.dev/internal/session"
	"voxelgrid.dev/internal/sim/cache"
	"voxelgrid.dev/internal/sim/terrain/gen"
	"voxelgrid.dev/internal/sim/tuning"
	"voxelgrid.dev/internal/transport"
	"voxelgrid.dev/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/engine.yaml", "path to engine.yaml (missing file = defaults)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dbPath     = flag.String("db", "", "world database path (overrides config)")
		seed       = flag.Int64("seed", 0, "world seed for a fresh database (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		tune = tuning.Defaults()
	}
	if v := strings.TrimSpace(*addr); v != "" {
		tune.Listen = v
	}
	if v := strings.TrimSpace(*dbPath); v != "" {
		tune.DBPath = v
	}
	if *seed != 0 {
		tune.Seed = *seed
	}
	if dsn := strings.TrimSpace(os.Getenv("SENTRY_DSN")); dsn != "" {
		tune.SentryDSN = dsn
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	if tune.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: tune.SentryDSN}); err != nil {
			logger.Printf("sentry init: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	db, err := blockdb.Open(tune.DBPath)
	if err != nil {
		logger.Fatalf("open world db: %v", err)
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	worldSeed, created, err := db.WorldSeed(ctx, tune.Seed)
	if err != nil {
		logger.Fatalf("world seed: %v", err)
	}
	switch {
	case created:
		logger.Printf("new world %s seed=%d", db.Path(), worldSeed)
	case worldSeed != tune.Seed:
		logger.Printf("world %s keeps persisted seed=%d (configured %d ignored)", db.Path(), worldSeed, tune.Seed)
	}

	world := cache.New(cache.Config{
		MaxResident:  tune.Cache.MaxResident,
		Workers:      tune.Cache.Workers,
		FlushRetries: tune.Cache.FlushRetries,
		RetryBackoff: tune.Cache.RetryBackoff,
	}, gen.New(worldSeed), db, log.New(os.Stdout, "[cache] ", log.LstdFlags|log.Lmicroseconds))

	verifier, err := auth.NewVerifier(auth.KVCredentials{KV: db, Timeout: 5 * time.Second}, 0)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	mgr := session.NewManager(world, verifier, session.Config{
		Seed:                worldSeed,
		MaxRegionBlocks:     tune.Session.MaxRegionBlocks,
		MaxRegionRadius:     tune.Session.MaxRegionRadius,
		AuthTimeout:         tune.Session.AuthTimeout,
		FullBlocksPerSecond: tune.Session.FullBlocksPerSecond,
		FullBlockBurst:      tune.Session.FullBlockBurst,
		Coalesce:            tune.Session.Coalesce,
		CheckpointEvery:     tune.Cache.CheckpointEvery,
	}, log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmicroseconds))

	if tune.AuditDir != "" {
		auditLog := persistlog.NewAuditLogger(tune.AuditDir)
		defer auditLog.Close()
		mgr.SetAudit(auditLog)
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := mgr.Run(ctx); err != nil {
			logger.Printf("world stopped: %v", err)
		}
	}()

	wsSrv := ws.NewServer(func(ctx context.Context, c transport.Conn) {
		_ = mgr.Serve(ctx, c)
	}, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds), ws.Options{})

	srv := &http.Server{
		Addr:              tune.Listen,
		Handler:           newMux(engine{mgr: mgr, world: world, db: db}, wsSrv.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", tune.Listen)
	if tune.TLSCert != "" {
		err = srv.ListenAndServeTLS(tune.TLSCert, tune.TLSKey)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}
	<-runDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
