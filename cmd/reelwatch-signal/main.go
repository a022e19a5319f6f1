// Command reelwatch-signal hosts the signaling store that reelwatch peers
// use to exchange session descriptions and ICE candidates.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/webroker/reelwatch/internal/auth"
	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/httpserver"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/signalstore/backend"
	"github.com/webroker/reelwatch/internal/storeserver"
	"github.com/webroker/reelwatch/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load("reelwatch-signal", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if cfg.Store == config.StoreRemote {
		logger.Error("the signal server cannot use the remote store backend", "store", cfg.Store)
		os.Exit(2)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Options{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
			Realm:          cfg.TURNREST.Realm,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.Open(openCtx, cfg, config.StoreMemory, logger, m)
	cancelOpen()
	if err != nil {
		logger.Error("failed to open signaling store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "err", err)
		}
	}()

	storeKind := cfg.Store
	if storeKind == "" {
		storeKind = config.StoreMemory
	}
	logger.Info("starting reelwatch-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"store", storeKind,
		"auth_mode", cfg.AuthMode,
		"session_ttl", cfg.SessionTTL,
		"turn_rest", cfg.TURNREST.Enabled(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	ss := storeserver.New(storeserver.Config{
		Store:             store,
		Verifier:          verifier,
		Metrics:           m,
		Logger:            logger,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:      cfg.SignalingWSPingInterval,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
	})

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Metrics: m,
		TURN:    turn,
	})
	srv.Mount("/v1/", ss.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		ss.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	ss.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
	}
}

// resolveBuildInfo prefers ldflags values and falls back to the VCS stamp
// of `go build`.
func resolveBuildInfo(commit, buildTime string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
