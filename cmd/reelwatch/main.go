// Command reelwatch starts or joins a watch-together session and relays
// reactions typed on stdin to the other viewer.
//
//	reelwatch start [--reel <id>]
//	reelwatch join <session id | share link>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/cowatch"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/peer"
	"github.com/webroker/reelwatch/internal/signalstore/backend"
)

func main() {
	cfg, err := config.Load("reelwatch", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cmd, err := parseCommand(cfg.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration", "err", err)
		os.Exit(2)
	}

	api, err := peer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	m := metrics.New()

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := backend.Open(openCtx, cfg, config.StoreRemote, logger, m)
	cancelOpen()
	if err != nil {
		logger.Error("failed to open signaling store", "err", err)
		os.Exit(1)
	}

	orch := cowatch.New(cowatch.Config{
		Store:                store,
		API:                  api,
		ICEServers:           cfg.PeerConnectionICEServers(),
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
		Label:                cfg.DataChannelLabel,
		Logger:               logger,
		Metrics:              m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cmd, cfg, orch, os.Stdin, os.Stdout)
	stop()

	if cerr := orch.Cleanup(); cerr != nil {
		logger.Warn("session cleanup failed", "err", cerr)
	}
	if cerr := store.Close(); cerr != nil {
		logger.Warn("store close failed", "err", cerr)
	}
	logger.Debug("session counters", "metrics", m.Snapshot())

	if err != nil {
		logger.Error("reelwatch failed", "command", cmd.name, "err", err)
		os.Exit(1)
	}
}
