package storeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webroker/reelwatch/internal/auth"
	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/signalstore"
	"github.com/webroker/reelwatch/internal/signalstore/memstore"
)

const testSDPOffer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Store == nil {
		store := memstore.New(memstore.Options{})
		t.Cleanup(func() { _ = store.Close() })
		cfg.Store = store
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any, header http.Header) (*http.Response, ErrorResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var errResp ErrorResponse
	if resp.StatusCode >= 400 {
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
	}
	return resp, errResp
}

func createSession(t *testing.T, baseURL string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var out CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID == "" {
		t.Fatalf("empty session id")
	}
	return out.ID
}

func TestRESTStatusCodes(t *testing.T) {
	_, ts := newTestServer(t, Config{MessagesPerSecond: 1000})
	id := createSession(t, ts.URL)
	offer := signalstore.SessionDescription{Type: "offer", SDP: testSDPOffer}

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"read", http.MethodGet, "/v1/sessions/" + id, nil, http.StatusOK, ""},
		{"read missing", http.MethodGet, "/v1/sessions/nope", nil, http.StatusNotFound, CodeNotFound},
		{"offer", http.MethodPut, "/v1/sessions/" + id + "/offer", offer, http.StatusNoContent, ""},
		{"offer twice", http.MethodPut, "/v1/sessions/" + id + "/offer", offer, http.StatusConflict, CodeOfferAlreadySet},
		{"offer wrong type", http.MethodPut, "/v1/sessions/" + id + "/offer", signalstore.SessionDescription{Type: "answer", SDP: "x"}, http.StatusBadRequest, CodeBadRequest},
		{"offer unknown field", http.MethodPut, "/v1/sessions/" + id + "/offer", `{"type":"offer","sdp":"x","extra":1}`, http.StatusBadRequest, CodeBadRequest},
		{"offer missing session", http.MethodPut, "/v1/sessions/nope/offer", offer, http.StatusNotFound, CodeNotFound},
		{"answer", http.MethodPut, "/v1/sessions/" + id + "/answer", signalstore.SessionDescription{Type: "answer", SDP: "v=0"}, http.StatusNoContent, ""},
		{"candidate", http.MethodPost, "/v1/sessions/" + id + "/candidates/offerer", signalstore.Candidate{Candidate: "candidate:1"}, http.StatusNoContent, ""},
		{"candidate empty", http.MethodPost, "/v1/sessions/" + id + "/candidates/offerer", signalstore.Candidate{}, http.StatusBadRequest, CodeBadRequest},
		{"candidate bad side", http.MethodPost, "/v1/sessions/" + id + "/candidates/sideways", signalstore.Candidate{Candidate: "candidate:1"}, http.StatusBadRequest, CodeBadRequest},
		{"watch bad after", http.MethodGet, "/v1/sessions/" + id + "/watch?side=offerer&after=-1", nil, http.StatusBadRequest, CodeBadRequest},
		{"watch after without side", http.MethodGet, "/v1/sessions/" + id + "/watch?after=1", nil, http.StatusBadRequest, CodeBadRequest},
		{"watch missing", http.MethodGet, "/v1/sessions/nope/watch", nil, http.StatusNotFound, CodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, errResp := doJSON(t, tc.method, ts.URL+tc.path, tc.body, nil)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status=%d, want %d (%+v)", resp.StatusCode, tc.wantStatus, errResp)
			}
			if errResp.Code != tc.wantCode {
				t.Fatalf("code=%q, want %q", errResp.Code, tc.wantCode)
			}
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessageBytes: 64})
	id := createSession(t, ts.URL)

	big := signalstore.SessionDescription{Type: "offer", SDP: strings.Repeat("a", 256)}
	resp, errResp := doJSON(t, http.MethodPut, ts.URL+"/v1/sessions/"+id+"/offer", big, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
	if errResp.Code != CodeBadRequest {
		t.Fatalf("code=%q, want %q", errResp.Code, CodeBadRequest)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	verifier, err := auth.NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	m := metrics.New()
	_, ts := newTestServer(t, Config{Verifier: verifier, Metrics: m})

	resp, errResp := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized || errResp.Code != CodeUnauthorized {
		t.Fatalf("missing key: status=%d code=%q", resp.StatusCode, errResp.Code)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil, http.Header{auth.HeaderAPIKey: {"wrong"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status=%d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil, http.Header{auth.HeaderAPIKey: {"secret"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid key: status=%d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions?apiKey=secret", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("query key: status=%d", resp.StatusCode)
	}

	if got := m.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("auth_failure=%d, want 2", got)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/x/watch"
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("unauthenticated watch dial succeeded")
	}
	if wsResp == nil || wsResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("watch dial response=%v, want 401", wsResp)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := metrics.New()
	_, ts := newTestServer(t, Config{
		MessagesPerSecond: 2,
		Metrics:           m,
		Now:               func() time.Time { return now },
	})

	for i := 0; i < 2; i++ {
		createSession(t, ts.URL)
	}
	resp, errResp := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests || errResp.Code != CodeRateLimited {
		t.Fatalf("status=%d code=%q, want 429 rate_limited", resp.StatusCode, errResp.Code)
	}
	if got := m.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}

	// Reads are not limited.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("read status=%d, want 404", resp.StatusCode)
	}
}

func dialWatch(t *testing.T, ts *httptest.Server, id, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/watch"
	if query != "" {
		wsURL += "?" + query
	}
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame(%s): %v", data, err)
	}
	return f
}

func TestWatchDocumentFrames(t *testing.T) {
	m := metrics.New()
	srv, ts := newTestServer(t, Config{Metrics: m})
	id := createSession(t, ts.URL)

	c := dialWatch(t, ts, id, "")
	f := readFrame(t, c)
	if f.Type != FrameDocument || f.Document.ID != id || f.Document.Offer != nil {
		t.Fatalf("first frame=%+v, want empty document snapshot", f)
	}

	if err := srv.store.WriteOffer(context.Background(), id, signalstore.SessionDescription{Type: "offer", SDP: testSDPOffer}); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}
	f = readFrame(t, c)
	if f.Type != FrameDocument || f.Document.Offer == nil || f.Document.Offer.SDP != testSDPOffer {
		t.Fatalf("second frame=%+v, want document with offer", f)
	}
	if got := m.Get(metrics.StoreWatchOpened); got != 1 {
		t.Fatalf("store_watch_opened=%d, want 1", got)
	}
}

func TestWatchCandidatesAfter(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	id := createSession(t, ts.URL)
	ctx := context.Background()
	for _, s := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		if err := srv.store.AppendCandidate(ctx, id, signalstore.SideAnswerer, signalstore.Candidate{Candidate: s}); err != nil {
			t.Fatalf("AppendCandidate: %v", err)
		}
	}

	c := dialWatch(t, ts, id, "side=answerer&after=2")
	f := readFrame(t, c)
	if f.Type != FrameCandidate || f.Record.Seq != 3 || f.Record.Candidate.Candidate != "candidate:3" {
		t.Fatalf("frame=%+v, want seq 3", f.Record)
	}
	if f.Record.Side != signalstore.SideAnswerer {
		t.Fatalf("side=%q, want answerer", f.Record.Side)
	}
}

func TestWatchRejectsClientMessages(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	id := createSession(t, ts.URL)

	c := dialWatch(t, ts, id, "side=offerer")
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, c)
	if f.Type != FrameError || f.Code != CodeBadRequest {
		t.Fatalf("frame=%+v, want bad_request error", f)
	}
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}

func TestWatchIdleTimeoutClosesWithoutPong(t *testing.T) {
	_, ts := newTestServer(t, Config{
		IdleTimeout:  500 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})
	id := createSession(t, ts.URL)
	c := dialWatch(t, ts, id, "side=offerer")

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestWatchPongKeepsConnectionOpen(t *testing.T) {
	idleTimeout := 300 * time.Millisecond
	_, ts := newTestServer(t, Config{
		IdleTimeout:  idleTimeout,
		PingInterval: 50 * time.Millisecond,
	})
	id := createSession(t, ts.URL)
	c := dialWatch(t, ts, id, "side=offerer")

	// The default ping handler answers with a pong.
	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(3 * idleTimeout):
	}
}

func TestCloseTerminatesWatches(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	id := createSession(t, ts.URL)
	c := dialWatch(t, ts, id, "")
	readFrame(t, c)

	srv.Close()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v, want going away close", err)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{signalstore.ErrSessionNotFound, http.StatusNotFound, CodeNotFound},
		{signalstore.ErrOfferAlreadySet, http.StatusConflict, CodeOfferAlreadySet},
		{signalstore.ErrInvalidSide, http.StatusBadRequest, CodeBadRequest},
		{signalstore.ErrInvalidDescription, http.StatusBadRequest, CodeBadRequest},
		{signalstore.ErrStoreUnavailable, http.StatusServiceUnavailable, CodeStoreUnavailable},
		{context.Canceled, http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range tests {
		status, code := StatusForError(tc.err)
		if status != tc.wantStatus || code != tc.wantCode {
			t.Fatalf("StatusForError(%v)=%d,%q, want %d,%q", tc.err, status, code, tc.wantStatus, tc.wantCode)
		}
	}
}
