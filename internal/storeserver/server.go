package storeserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webroker/reelwatch/internal/auth"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/signalstore"
)

// Config wires the runtime dependencies of the store server.
type Config struct {
	Store signalstore.Store

	// Verifier authenticates every request. Nil disables auth.
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	MaxMessageBytes   int64
	MessagesPerSecond int

	PingInterval time.Duration
	IdleTimeout  time.Duration

	// Now is used by the rate limiter. Defaults to time.Now.
	Now func() time.Time
}

// Server exposes a signalstore.Store over HTTP and WebSocket.
//
// Endpoints:
//   - POST /v1/sessions                          : create a session
//   - GET  /v1/sessions/{id}                     : read the session document
//   - PUT  /v1/sessions/{id}/offer               : write the offer (once)
//   - PUT  /v1/sessions/{id}/answer              : write the answer
//   - POST /v1/sessions/{id}/candidates/{side}   : append a candidate
//   - GET  /v1/sessions/{id}/watch               : WebSocket watch (?side=&after=)
type Server struct {
	store    signalstore.Store
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	limiter  *clientLimiter

	maxMessageBytes int64
	pingInterval    time.Duration
	idleTimeout     time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	watchers map[*watchSession]struct{}
	closed   bool
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	return &Server{
		store:           cfg.Store,
		verifier:        cfg.Verifier,
		metrics:         cfg.Metrics,
		log:             cfg.Logger,
		limiter:         newClientLimiter(cfg.MessagesPerSecond, cfg.Now),
		maxMessageBytes: cfg.MaxMessageBytes,
		pingInterval:    cfg.PingInterval,
		idleTimeout:     cfg.IdleTimeout,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watchers: make(map[*watchSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.guard(true, s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.guard(false, s.handleReadSession))
	mux.HandleFunc("PUT /v1/sessions/{id}/offer", s.guard(true, s.handleWriteOffer))
	mux.HandleFunc("PUT /v1/sessions/{id}/answer", s.guard(true, s.handleWriteAnswer))
	mux.HandleFunc("POST /v1/sessions/{id}/candidates/{side}", s.guard(true, s.handleAppendCandidate))
	mux.HandleFunc("GET /v1/sessions/{id}/watch", s.guard(false, s.handleWatch))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close terminates every open watch connection. It does not close the
// underlying store.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	watchers := make([]*watchSession, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchers = nil
	s.mu.Unlock()

	for _, w := range watchers {
		w.closeWith(websocket.CloseGoingAway, "server shutting down")
		w.Close()
	}
}

func (s *Server) track(w *watchSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.watchers[w] = struct{}{}
	return true
}

func (s *Server) untrack(w *watchSession) {
	s.mu.Lock()
	if s.watchers != nil {
		delete(s.watchers, w)
	}
	s.mu.Unlock()
}

// guard authenticates the request and, for mutating routes, applies the
// per-client rate limit.
func (s *Server) guard(mutating bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Authorize(s.verifier, r); err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			writeJSONError(w, http.StatusUnauthorized, CodeUnauthorized, unauthorizedMessage(err))
			return
		}
		if mutating && !s.limiter.allow(clientKey(r)) {
			s.metrics.Inc(metrics.RateLimited)
			writeJSONError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		s.metrics.Inc(metrics.StoreRequest)
		next(w, r)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.CreateSession(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{ID: id})
}

func (s *Server) handleReadSession(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.ReadSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleWriteOffer(w http.ResponseWriter, r *http.Request) {
	var desc signalstore.SessionDescription
	if !s.decodeBody(w, r, &desc) {
		return
	}
	if err := s.store.WriteOffer(r.Context(), r.PathValue("id"), desc); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWriteAnswer(w http.ResponseWriter, r *http.Request) {
	var desc signalstore.SessionDescription
	if !s.decodeBody(w, r, &desc) {
		return
	}
	if err := s.store.WriteAnswer(r.Context(), r.PathValue("id"), desc); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppendCandidate(w http.ResponseWriter, r *http.Request) {
	side, err := signalstore.ParseSide(r.PathValue("side"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	var c signalstore.Candidate
	if !s.decodeBody(w, r, &c) {
		return
	}
	if c.Candidate == "" {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "candidate must not be empty")
		return
	}
	if err := s.store.AppendCandidate(r.Context(), r.PathValue("id"), side, c); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	var (
		side  signalstore.Side
		after int64
	)
	if raw := q.Get("side"); raw != "" {
		parsed, err := signalstore.ParseSide(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		side = parsed
	}
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "after must be a non-negative integer")
			return
		}
		if side == "" {
			writeJSONError(w, http.StatusBadRequest, CodeBadRequest, "after requires side")
			return
		}
		after = n
	}

	// Report missing sessions as a plain 404 so clients see it before the
	// upgrade.
	if _, err := s.store.ReadSession(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := &watchSession{
		srv:          s,
		conn:         conn,
		log:          s.log.With("session_id", id, "side", string(side)),
		id:           id,
		side:         side,
		after:        after,
		pingInterval: s.pingInterval,
		idleTimeout:  s.idleTimeout,
		done:         make(chan struct{}),
	}
	if !s.track(ws) {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		ws.Close()
		return
	}
	defer s.untrack(ws)

	s.metrics.Inc(metrics.StoreWatchOpened)
	ws.run()
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return false
	}
	if err := decodeStrictJSON(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusForError(err)
	if status >= http.StatusInternalServerError {
		if code == CodeStoreUnavailable {
			s.metrics.Inc(metrics.StoreUnavailable)
		}
		s.log.Error("store request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSONError(w, status, code, err.Error())
}

// StatusForError maps store errors onto HTTP statuses and error codes.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, signalstore.ErrSessionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, signalstore.ErrOfferAlreadySet):
		return http.StatusConflict, CodeOfferAlreadySet
	case errors.Is(err, signalstore.ErrInvalidSide), errors.Is(err, signalstore.ErrInvalidDescription):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, signalstore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, auth.ErrMissingCredentials) {
		return "missing api key"
	}
	return "invalid api key"
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
