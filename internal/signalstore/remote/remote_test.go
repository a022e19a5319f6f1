package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webroker/reelwatch/internal/auth"
	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/signalstore"
	"github.com/webroker/reelwatch/internal/signalstore/memstore"
	"github.com/webroker/reelwatch/internal/signalstore/storetest"
	"github.com/webroker/reelwatch/internal/storeserver"
)

// swappableHandler lets tests replace the storeserver behind a live URL.
type swappableHandler struct {
	h atomic.Pointer[http.Handler]
}

func (s *swappableHandler) set(h http.Handler) { s.h.Store(&h) }

func (s *swappableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.h.Load()).ServeHTTP(w, r)
}

func newServer(t *testing.T, store signalstore.Store, verifier auth.Verifier) (*storeserver.Server, string) {
	t.Helper()
	srv := storeserver.New(storeserver.Config{Store: store, Verifier: verifier, MessagesPerSecond: 10_000})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts.URL
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) signalstore.Store {
		_, baseURL := newServer(t, memstore.New(memstore.Options{}), nil)
		c, err := New(Options{BaseURL: baseURL})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	})
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "http://", "://nope"} {
		if _, err := New(Options{BaseURL: raw}); err == nil {
			t.Fatalf("New(%q) succeeded", raw)
		}
	}
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	baseURL := ts.URL
	ts.Close()

	m := metrics.New()
	c := newClient(t, Options{BaseURL: baseURL, Metrics: m})

	ctx := context.Background()
	if _, err := c.CreateSession(ctx); !errors.Is(err, signalstore.ErrStoreUnavailable) {
		t.Fatalf("CreateSession err=%v, want ErrStoreUnavailable", err)
	}
	if _, err := c.WatchSession(ctx, "sess", func(signalstore.Document) {}); !errors.Is(err, signalstore.ErrStoreUnavailable) {
		t.Fatalf("WatchSession err=%v, want ErrStoreUnavailable", err)
	}
	if got := m.Get(metrics.StoreUnavailable); got != 2 {
		t.Fatalf("store_unavailable=%d, want 2", got)
	}
}

func TestAPIKeyIsSent(t *testing.T) {
	verifier, err := auth.NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	_, baseURL := newServer(t, memstore.New(memstore.Options{}), verifier)

	ctx := context.Background()
	anon := newClient(t, Options{BaseURL: baseURL})
	if _, err := anon.CreateSession(ctx); err == nil {
		t.Fatalf("CreateSession without api key succeeded")
	}

	c := newClient(t, Options{BaseURL: baseURL, APIKey: "secret"})
	id, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got := make(chan signalstore.Document, 1)
	sub, err := c.WatchSession(ctx, id, func(doc signalstore.Document) {
		select {
		case got <- doc:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchSession: %v", err)
	}
	defer sub.Unwatch()

	select {
	case doc := <-got:
		if doc.ID != id {
			t.Fatalf("doc.ID=%q, want %q", doc.ID, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
}

func TestCandidateWatchResumesAfterDisconnect(t *testing.T) {
	store := memstore.New(memstore.Options{})
	defer store.Close()

	first := storeserver.New(storeserver.Config{Store: store})
	var h swappableHandler
	h.set(first.Handler())
	ts := httptest.NewServer(&h)
	defer ts.Close()

	m := metrics.New()
	c := newClient(t, Options{
		BaseURL:      ts.URL,
		Metrics:      m,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})

	ctx := context.Background()
	id, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	cand := func(s string) signalstore.Candidate { return signalstore.Candidate{Candidate: s} }

	if err := c.AppendCandidate(ctx, id, signalstore.SideOfferer, cand("candidate:1")); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []signalstore.CandidateRecord
	)
	notify := make(chan struct{}, 16)
	sub, err := c.WatchCandidates(ctx, id, signalstore.SideOfferer, func(rec signalstore.CandidateRecord) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
		notify <- struct{}{}
	})
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer sub.Unwatch()

	waitLen := func(n int) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			mu.Lock()
			l := len(seen)
			mu.Unlock()
			if l >= n {
				return
			}
			select {
			case <-notify:
			case <-deadline:
				t.Fatalf("timed out waiting for %d records (have %d)", n, l)
			}
		}
	}
	waitLen(1)

	h.set(storeserver.New(storeserver.Config{Store: store}).Handler())
	first.Close()

	if err := c.AppendCandidate(ctx, id, signalstore.SideOfferer, cand("candidate:2")); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	waitLen(2)

	// Give a duplicate a chance to show up.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(seen), seen)
	}
	if seen[0].Candidate.Candidate != "candidate:1" || seen[1].Candidate.Candidate != "candidate:2" {
		t.Fatalf("records=%+v, want candidate:1 then candidate:2", seen)
	}
	if got := m.Get(metrics.WatchReconnect); got == 0 {
		t.Fatalf("store_watch_reconnect=0, want at least one reconnect")
	}
}

// silentWatchServer accepts watch upgrades and then sends nothing, like a
// server that vanished without closing the TCP connection. With ping > 0 it
// only sends pings.
func silentWatchServer(t *testing.T, ping time.Duration) (base string, upgrades *atomic.Int32) {
	t.Helper()
	upgrades = new(atomic.Int32)
	done := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		upgrades.Add(1)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		if ping <= 0 {
			<-done
			return
		}
		tick := time.NewTicker(ping)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(func() {
		close(done)
		ts.Close()
	})
	return ts.URL, upgrades
}

func TestSilentWatchReconnects(t *testing.T) {
	base, upgrades := silentWatchServer(t, 0)
	m := metrics.New()
	c := newClient(t, Options{
		BaseURL:      base,
		Metrics:      m,
		ReadTimeout:  100 * time.Millisecond,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	})

	sub, err := c.WatchCandidates(context.Background(), "s1", signalstore.SideOfferer, func(signalstore.CandidateRecord) {})
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer sub.Unwatch()

	deadline := time.Now().Add(5 * time.Second)
	for upgrades.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("upgrades=%d after 5s, want a reconnect", upgrades.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.Get(metrics.WatchReconnect); got == 0 {
		t.Fatalf("store_watch_reconnect=0, want at least one reconnect")
	}
}

func TestPingsKeepWatchOpen(t *testing.T) {
	base, upgrades := silentWatchServer(t, 20*time.Millisecond)
	m := metrics.New()
	c := newClient(t, Options{
		BaseURL:      base,
		Metrics:      m,
		ReadTimeout:  150 * time.Millisecond,
		ReconnectMin: 10 * time.Millisecond,
	})

	sub, err := c.WatchSession(context.Background(), "s1", func(signalstore.Document) {})
	if err != nil {
		t.Fatalf("WatchSession: %v", err)
	}
	defer sub.Unwatch()

	time.Sleep(600 * time.Millisecond)
	if got := upgrades.Load(); got != 1 {
		t.Fatalf("upgrades=%d, want 1", got)
	}
	if got := m.Get(metrics.WatchReconnect); got != 0 {
		t.Fatalf("store_watch_reconnect=%d, want 0", got)
	}
}

func TestErrorForCode(t *testing.T) {
	tests := []struct {
		code    string
		message string
		want    error
	}{
		{storeserver.CodeNotFound, "", signalstore.ErrSessionNotFound},
		{storeserver.CodeOfferAlreadySet, "x", signalstore.ErrOfferAlreadySet},
		{storeserver.CodeBadRequest, "invalid candidate side: \"up\"", signalstore.ErrInvalidSide},
		{storeserver.CodeBadRequest, "missing sdp", signalstore.ErrInvalidDescription},
		{storeserver.CodeStoreUnavailable, "", signalstore.ErrStoreUnavailable},
		{storeserver.CodeRateLimited, "", signalstore.ErrStoreUnavailable},
	}
	for _, tc := range tests {
		if err := errorForCode(tc.code, tc.message); !errors.Is(err, tc.want) {
			t.Fatalf("errorForCode(%q, %q)=%v, want %v", tc.code, tc.message, err, tc.want)
		}
	}
}
