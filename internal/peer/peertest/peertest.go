// Package peertest builds pion APIs wired to a private virtual network so
// tests can connect peers without real sockets or STUN servers.
package peertest

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/peer"
)

// NewAPIs starts a vnet router on 10.0.0.0/24 and returns one API per peer,
// each with its own static address. The router stops when the test ends.
func NewAPIs(t *testing.T, n int) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	apis := make([]*webrtc.API, 0, n)
	for i := 0; i < n; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(nw); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := peer.NewAPI(config.Config{}, Logger(t), peer.WithNet(nw))
		if err != nil {
			t.Fatalf("new api %s: %v", ip, err)
		}
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})
	return apis
}

// Logger writes warnings to stderr under -v and discards everything
// otherwise. pion goroutines may log after a test ends, so t.Log is unsafe.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
