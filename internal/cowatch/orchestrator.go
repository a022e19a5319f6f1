// Package cowatch sequences the offerer and answerer signaling flows of a
// watch-together session over a signalstore.Store and a peer.Manager.
package cowatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/peer"
	"github.com/webroker/reelwatch/internal/signalstore"
)

// ErrInvalidState is returned when signaling steps happen out of order.
var ErrInvalidState = peer.ErrInvalidState

type Config struct {
	Store signalstore.Store
	// API builds peer connections. Nil uses a default pion API.
	API                  *webrtc.API
	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8
	Label                string
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
}

// Orchestrator owns at most one session at a time. Starting or joining a
// session first tears down the previous one.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	// opMu serializes StartSession and JoinSession.
	opMu sync.Mutex

	mu   sync.Mutex
	sess *session
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// StartSession creates a session as the offerer and returns its id once the
// offer is stored and the answer and candidate watches are armed.
func (o *Orchestrator) StartSession(ctx context.Context, onMessage MessageListener, onState StateListener) (string, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.Cleanup(); err != nil {
		o.log.Warn("cleanup of previous session failed", "err", err)
	}

	s, err := o.open(peer.RoleOfferer, onMessage, onState)
	if err != nil {
		return "", err
	}

	id, err := o.startOfferer(ctx, s)
	if err != nil {
		o.metrics.Inc(metrics.SessionFailed)
		_ = o.Cleanup()
		return "", err
	}
	o.metrics.Inc(metrics.SessionStarted)
	s.logger().Info("session started")
	return id, nil
}

func (o *Orchestrator) startOfferer(ctx context.Context, s *session) (string, error) {
	store := o.cfg.Store

	id, err := store.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.setID(id)
	s.startForwarder(signalstore.SideOfferer)

	offer, err := s.conn.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := store.WriteOffer(ctx, id, signalstore.DescriptionFromPion(offer)); err != nil {
		return "", fmt.Errorf("write offer: %w", err)
	}

	sub, err := store.WatchSession(ctx, id, s.applyAnswer)
	if err != nil {
		return "", fmt.Errorf("watch session: %w", err)
	}
	if err := s.addSubscription(sub); err != nil {
		return "", err
	}

	sub, err = store.WatchCandidates(ctx, id, signalstore.SideAnswerer, s.applyCandidate)
	if err != nil {
		return "", fmt.Errorf("watch answerer candidates: %w", err)
	}
	if err := s.addSubscription(sub); err != nil {
		return "", err
	}
	return id, nil
}

// JoinSession answers the offer stored under id. It fails with
// signalstore.ErrSessionNotFound when the session does not exist, leaving
// no connection behind.
func (o *Orchestrator) JoinSession(ctx context.Context, id string, onMessage MessageListener, onState StateListener) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.Cleanup(); err != nil {
		o.log.Warn("cleanup of previous session failed", "err", err)
	}

	s, err := o.open(peer.RoleAnswerer, onMessage, onState)
	if err != nil {
		return err
	}
	s.setID(id)

	if err := o.joinAnswerer(ctx, s, id); err != nil {
		if errors.Is(err, signalstore.ErrSessionNotFound) {
			o.metrics.Inc(metrics.SessionJoinNotFound)
		} else {
			o.metrics.Inc(metrics.SessionFailed)
		}
		_ = o.Cleanup()
		return err
	}
	o.metrics.Inc(metrics.SessionJoined)
	s.logger().Info("session joined")
	return nil
}

func (o *Orchestrator) joinAnswerer(ctx context.Context, s *session, id string) error {
	store := o.cfg.Store
	s.startForwarder(signalstore.SideAnswerer)

	doc, err := store.ReadSession(ctx, id)
	if err != nil {
		return fmt.Errorf("read session %s: %w", id, err)
	}
	if doc.Offer == nil {
		return fmt.Errorf("read session %s: %w: no offer yet", id, signalstore.ErrSessionNotFound)
	}
	offer, err := doc.Offer.ToPion()
	if err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := s.conn.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	o.metrics.Inc(metrics.RemoteDescriptionSet)

	answer, err := s.conn.CreateAnswer(offer)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := store.WriteAnswer(ctx, id, signalstore.DescriptionFromPion(answer)); err != nil {
		return fmt.Errorf("write answer: %w", err)
	}

	sub, err := store.WatchCandidates(ctx, id, signalstore.SideOfferer, s.applyCandidate)
	if err != nil {
		return fmt.Errorf("watch offerer candidates: %w", err)
	}
	return s.addSubscription(sub)
}

// open creates the connection for role and installs it as the current
// session.
func (o *Orchestrator) open(role peer.Role, onMessage MessageListener, onState StateListener) (*session, error) {
	conn, err := peer.New(o.cfg.API, peer.Config{
		Role:                 role,
		ICEServers:           o.cfg.ICEServers,
		ICECandidatePoolSize: o.cfg.ICECandidatePoolSize,
		Label:                o.cfg.Label,
		Logger:               o.log,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		store:     o.cfg.Store,
		metrics:   o.metrics,
		log:       o.log.With("role", string(role)),
		role:      role,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		onMessage: onMessage,
		onState:   onState,
	}
	s.drop = func() { o.drop(s) }
	conn.OnMessage(s.handleMessage)
	conn.OnConnectionStateChange(s.handleStateChange)

	o.mu.Lock()
	o.sess = s
	o.mu.Unlock()
	return s, nil
}

func (o *Orchestrator) current() *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// SendMessage sends payload to the remote peer. It reports false when there
// is no session or the channel is not open; nothing is buffered or retried.
func (o *Orchestrator) SendMessage(payload string) bool {
	s := o.current()
	if s == nil {
		o.metrics.Inc(metrics.MessageSendRejected)
		return false
	}
	if !s.conn.SendMessage(payload) {
		o.metrics.Inc(metrics.MessageSendRejected)
		return false
	}
	o.metrics.Inc(metrics.MessageSent)
	return true
}

// Session returns the active session id and role.
func (o *Orchestrator) Session() (id string, role peer.Role, ok bool) {
	s := o.current()
	if s == nil {
		return "", "", false
	}
	return s.sessionID(), s.role, true
}

// Cleanup closes the connection, cancels every subscription, stops the
// candidate forwarder and drops the listeners. It is idempotent and safe to
// call before any session exists.
func (o *Orchestrator) Cleanup() error {
	o.mu.Lock()
	s := o.sess
	o.sess = nil
	o.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.close()
}

// drop tears s down and forgets it if it is still the current session.
func (o *Orchestrator) drop(s *session) {
	o.mu.Lock()
	if o.sess == s {
		o.sess = nil
	}
	o.mu.Unlock()
	if err := s.close(); err != nil {
		s.log.Warn("session teardown failed", "err", err)
	}
}

// session is the state of one start or join attempt. Callbacks from pion
// and the store capture the session they were registered for, so a late
// callback from a torn-down session finds it closed and does nothing.
type session struct {
	store   signalstore.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	role    peer.Role
	conn    *peer.Manager

	// ctx bounds background store calls; cancelled by close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	id        string
	closed    bool
	subs      []signalstore.Subscription
	forwarder *signalstore.Feed[signalstore.Candidate]
	onMessage MessageListener
	onState   StateListener

	// drop ends the session from inside a callback.
	drop func()

	// lastSeq is only touched from the candidate subscription callback,
	// which never runs concurrently with itself.
	lastSeq int64
}

func (s *session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *session) logger() *slog.Logger {
	return s.log.With("session_id", s.sessionID())
}

func (s *session) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// startForwarder appends every local candidate to the store under side, in
// discovery order, on a worker goroutine so pion callbacks never block on
// the network.
func (s *session) startForwarder(side signalstore.Side) {
	id := s.sessionID()
	fwd := signalstore.NewFeed(func(c signalstore.Candidate) {
		if err := s.store.AppendCandidate(s.ctx, id, side, c); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.metrics.Inc(metrics.LocalCandidateDropped)
			s.logger().Warn("append local candidate failed", "side", string(side), "err", err)
			return
		}
		s.metrics.Inc(metrics.LocalCandidateForwarded)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fwd.Close()
		return
	}
	s.forwarder = fwd
	s.mu.Unlock()

	s.conn.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		fwd.Push(signalstore.CandidateFromPion(c))
	})
}

// addSubscription retains sub for cleanup. If the session was torn down
// meanwhile, sub is cancelled right away.
func (s *session) addSubscription(sub signalstore.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		signalstore.Unwatch(sub)
		return fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// applyAnswer applies the first answer seen in the session document.
// Later notifications, including a different answer from a second joiner,
// are ignored.
func (s *session) applyAnswer(doc signalstore.Document) {
	if doc.Answer == nil || s.isClosed() {
		return
	}
	if s.conn.HasRemoteDescription() {
		s.metrics.Inc(metrics.DuplicateAnswerIgnored)
		return
	}
	answer, err := doc.Answer.ToPion()
	if err != nil {
		s.fail("malformed answer", err)
		return
	}
	if err := s.conn.SetRemoteDescription(answer); err != nil {
		if errors.Is(err, ErrInvalidState) && s.conn.HasRemoteDescription() {
			s.metrics.Inc(metrics.DuplicateAnswerIgnored)
			return
		}
		s.fail("apply answer failed", err)
		return
	}
	s.metrics.Inc(metrics.RemoteDescriptionSet)
	s.logger().Debug("remote answer applied")
}

// fail reports failed to the state listener and tears the session down.
// Teardown runs on its own goroutine because fail is called from store
// callbacks that Unwatch may wait on.
func (s *session) fail(msg string, err error) {
	if s.isClosed() {
		return
	}
	s.logger().Warn(msg, "err", err)
	s.metrics.Inc(metrics.AnswerRejected)
	s.metrics.Inc(metrics.SessionFailed)
	if _, onState := s.listeners(); onState != nil {
		onState.HandleStateChange(webrtc.PeerConnectionStateFailed)
	}
	if s.drop != nil {
		go s.drop()
	}
}

func (s *session) applyCandidate(rec signalstore.CandidateRecord) {
	if s.isClosed() || rec.Seq <= s.lastSeq {
		return
	}
	s.lastSeq = rec.Seq
	if err := s.conn.AddRemoteCandidate(rec.Candidate.ToPion()); err != nil {
		s.logger().Warn("apply remote candidate failed", "seq", rec.Seq, "err", err)
		return
	}
	s.metrics.Inc(metrics.RemoteCandidateApplied)
}

func (s *session) listeners() (MessageListener, StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onMessage, s.onState
}

func (s *session) handleMessage(payload string) {
	onMessage, _ := s.listeners()
	if onMessage == nil {
		return
	}
	s.metrics.Inc(metrics.MessageReceived)
	onMessage.HandleMessage(payload)
}

func (s *session) handleStateChange(state webrtc.PeerConnectionState) {
	_, onState := s.listeners()
	s.logger().Info("connection state changed", "state", state.String())
	if state == webrtc.PeerConnectionStateFailed {
		s.metrics.Inc(metrics.SessionFailed)
	}
	if onState != nil {
		onState.HandleStateChange(state)
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	fwd := s.forwarder
	s.forwarder = nil
	s.onMessage = nil
	s.onState = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Unwatch()
	}
	if fwd != nil {
		fwd.Close()
	}

	return s.conn.Close()
}
