// SPDX-License-Identifier: MIT

// batond is the session coordinator daemon: it owns the WebSocket surface,
// the session store and the playback transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ensemble-live/baton/internal/api"
	"github.com/ensemble-live/baton/internal/config"
	"github.com/ensemble-live/baton/internal/coordinator"
	"github.com/ensemble-live/baton/internal/health"
	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("batond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *configPath != "" {
		_ = os.Setenv("BATON_CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "batond: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "batond",
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Str("backend", cfg.Store.Backend).
		Msg("starting session coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The store manager needs its backend-change hook before the coordinator
	// exists, so route it through an atomic reference.
	var coordRef atomic.Pointer[coordinator.Coordinator]

	mgr := store.NewManager(ctx, store.ManagerOptions{
		Backend:              cfg.Store.Backend,
		RedisAddr:            cfg.Store.RedisAddr,
		RedisPassword:        cfg.Store.RedisPassword,
		RedisDB:              cfg.Store.RedisDB,
		TTL:                  cfg.Session.TTL,
		SweepInterval:        cfg.Session.SweepInterval,
		ReconnectInterval:    cfg.Store.ReconnectInterval,
		ReconnectMaxAttempts: cfg.Store.ReconnectMaxAttempts,
		Logger:               log.WithComponent("store"),
		OnBackendChange: func(backend string, degraded bool) {
			if c := coordRef.Load(); c != nil {
				c.OnBackendChange(backend, degraded)
			}
		},
	})

	coord := coordinator.New(cfg, mgr)
	coordRef.Store(coord)

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewStoreChecker(mgr.HealthCheck, mgr.Name, mgr.Degraded))

	srv := api.NewServer(cfg, coord, healthMgr)

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		coord.Run(runCtx)
		return nil
	})

	g.Go(func() error {
		mgr.RunHealthLoop(runCtx, 15*time.Second)
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		logger.Info().Msg("shutting down")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown incomplete")
		}
		coord.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("coordinator exited with error")
		_ = mgr.Close()
		os.Exit(1)
	}

	if err := mgr.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}
	logger.Info().Msg("shutdown complete")
}
