// Package remote is a signalstore.Store client for the storeserver HTTP and
// WebSocket API. It is what the reelwatch CLI uses by default.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webroker/reelwatch/internal/auth"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/signalstore"
	"github.com/webroker/reelwatch/internal/storeserver"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReconnectMin   = 100 * time.Millisecond
	defaultReconnectMax   = 5 * time.Second
	// Longer than the server's default idle timeout, so a live server
	// always closes first.
	defaultReadTimeout = 75 * time.Second
	pongWriteWait      = time.Second
)

type Options struct {
	// BaseURL is the storeserver root, e.g. http://127.0.0.1:8080.
	BaseURL string
	APIKey  string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// ReconnectMin and ReconnectMax bound the watch reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// ReadTimeout drops a watch socket that has delivered neither a frame
	// nor a ping for this long, then reconnects. It should exceed the
	// server's ping interval.
	ReadTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	dialer *websocket.Dialer

	reconnectMin time.Duration
	reconnectMax time.Duration
	readTimeout  time.Duration

	metrics *metrics.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ signalstore.Store = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url must use http or https, got %q", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("remote: base url %q has no host", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultRequestTimeout,
		}
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
		if opts.ReconnectMax < opts.ReconnectMin {
			opts.ReconnectMax = opts.ReconnectMin
		}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:         base,
		apiKey:       opts.APIKey,
		http:         opts.HTTPClient,
		dialer:       opts.Dialer,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		readTimeout:  opts.ReadTimeout,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp storeserver.CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, nil, &resp, "v1", "sessions"); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: empty session id", signalstore.ErrStoreUnavailable)
	}
	return resp.ID, nil
}

func (c *Client) ReadSession(ctx context.Context, id string) (signalstore.Document, error) {
	var doc signalstore.Document
	if err := c.do(ctx, http.MethodGet, nil, &doc, "v1", "sessions", id); err != nil {
		return signalstore.Document{}, err
	}
	return doc, nil
}

func (c *Client) WriteOffer(ctx context.Context, id string, offer signalstore.SessionDescription) error {
	if err := offer.Validate("offer"); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, offer, nil, "v1", "sessions", id, "offer")
}

func (c *Client) WriteAnswer(ctx context.Context, id string, answer signalstore.SessionDescription) error {
	if err := answer.Validate("answer"); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, answer, nil, "v1", "sessions", id, "answer")
}

func (c *Client) AppendCandidate(ctx context.Context, id string, side signalstore.Side, cand signalstore.Candidate) error {
	if !side.Valid() {
		return signalstore.ErrInvalidSide
	}
	return c.do(ctx, http.MethodPost, cand, nil, "v1", "sessions", id, "candidates", string(side))
}

func (c *Client) WatchSession(ctx context.Context, id string, fn func(signalstore.Document)) (signalstore.Subscription, error) {
	feed := signalstore.NewFeed(fn)
	w := &watcher{
		client: c,
		id:     id,
		onFrame: func(f storeserver.Frame) {
			if f.Type == storeserver.FrameDocument {
				feed.Push(*f.Document)
			}
		},
	}
	return c.startWatch(ctx, w, feed.Close)
}

func (c *Client) WatchCandidates(ctx context.Context, id string, side signalstore.Side, fn func(signalstore.CandidateRecord)) (signalstore.Subscription, error) {
	if !side.Valid() {
		return nil, signalstore.ErrInvalidSide
	}
	feed := signalstore.NewFeed(fn)
	w := &watcher{client: c, id: id, side: side}
	w.onFrame = func(f storeserver.Frame) {
		if f.Type != storeserver.FrameCandidate || f.Record.Seq <= w.lastSeq {
			return
		}
		w.lastSeq = f.Record.Seq
		feed.Push(*f.Record)
	}
	return c.startWatch(ctx, w, feed.Close)
}

func (c *Client) startWatch(ctx context.Context, w *watcher, closeFeed func()) (signalstore.Subscription, error) {
	conn, err := w.dial(ctx)
	if err != nil {
		closeFeed()
		return nil, err
	}

	wctx, cancel := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run(wctx, conn)
	}()

	return signalstore.NewSubscription(func() {
		closeFeed()
		cancel()
	}), nil
}

// Close stops every watch. Subscriptions stay safe to Unwatch afterwards.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	return c.base.JoinPath(segments...)
}

func (c *Client) setAuth(h http.Header) {
	if c.apiKey != "" {
		h.Set(auth.HeaderAPIKey, c.apiKey)
	}
}

func (c *Client) do(ctx context.Context, method string, body, out any, segments ...string) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(segments...).String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.metrics.Inc(metrics.StoreUnavailable)
		return fmt.Errorf("%w: %v", signalstore.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return c.errorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", signalstore.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	var body storeserver.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(b, &body); err != nil || body.Code == "" {
		body.Code = codeForStatus(resp.StatusCode)
		body.Message = strings.TrimSpace(string(b))
	}
	err := errorForCode(body.Code, body.Message)
	if errors.Is(err, signalstore.ErrStoreUnavailable) {
		c.metrics.Inc(metrics.StoreUnavailable)
	}
	return err
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return storeserver.CodeNotFound
	case http.StatusConflict:
		return storeserver.CodeOfferAlreadySet
	case http.StatusBadRequest:
		return storeserver.CodeBadRequest
	case http.StatusUnauthorized:
		return storeserver.CodeUnauthorized
	case http.StatusTooManyRequests:
		return storeserver.CodeRateLimited
	default:
		return storeserver.CodeStoreUnavailable
	}
}

// errorForCode maps a storeserver error code back onto the signalstore
// sentinel errors.
func errorForCode(code, message string) error {
	var sentinel error
	switch code {
	case storeserver.CodeNotFound:
		sentinel = signalstore.ErrSessionNotFound
	case storeserver.CodeOfferAlreadySet:
		sentinel = signalstore.ErrOfferAlreadySet
	case storeserver.CodeBadRequest:
		sentinel = signalstore.ErrInvalidDescription
		if strings.Contains(message, signalstore.ErrInvalidSide.Error()) {
			sentinel = signalstore.ErrInvalidSide
		}
	default:
		sentinel = signalstore.ErrStoreUnavailable
	}
	if message == "" {
		return fmt.Errorf("%w (%s)", sentinel, code)
	}
	return fmt.Errorf("%w (%s): %s", sentinel, code, message)
}

// watcher owns one watch WebSocket and reconnects it until cancelled.
// Candidate watches resume after the last delivered seq; document watches
// restart from a fresh snapshot.
type watcher struct {
	client  *Client
	id      string
	side    signalstore.Side
	lastSeq int64
	onFrame func(storeserver.Frame)
}

func (w *watcher) url() string {
	u := w.client.endpoint("v1", "sessions", w.id, "watch")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if w.side != "" {
		q := url.Values{}
		q.Set("side", string(w.side))
		if w.lastSeq > 0 {
			q.Set("after", strconv.FormatInt(w.lastSeq, 10))
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (w *watcher) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	w.client.setAuth(h)
	conn, resp, err := w.client.dialer.DialContext(ctx, w.url(), h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, w.client.errorFromResponse(resp)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		w.client.metrics.Inc(metrics.StoreUnavailable)
		return nil, fmt.Errorf("%w: %v", signalstore.ErrStoreUnavailable, err)
	}
	return conn, nil
}

func (w *watcher) run(ctx context.Context, conn *websocket.Conn) {
	log := w.client.log.With("session_id", w.id, "side", string(w.side))
	backoff := w.client.reconnectMin
	for {
		err := w.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, signalstore.ErrSessionNotFound) {
			log.Info("watched session is gone", "err", err)
			return
		}
		log.Warn("store watch disconnected", "err", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.client.reconnectMax)

			w.client.metrics.Inc(metrics.WatchReconnect)
			conn, err = w.dial(ctx)
			if err == nil {
				backoff = w.client.reconnectMin
				break
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, signalstore.ErrSessionNotFound) {
				log.Info("watched session is gone", "err", err)
				return
			}
			log.Warn("store watch reconnect failed", "err", err)
		}
	}
}

// read pumps frames until the connection fails or ctx is cancelled.
func (w *watcher) read(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(w.client.readTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pongWriteWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		f, err := storeserver.ParseFrame(data)
		if err != nil {
			return err
		}
		if f.Type == storeserver.FrameError {
			return errorForCode(f.Code, f.Message)
		}
		w.onFrame(f)
	}
}
