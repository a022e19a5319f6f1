package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidState reports a call made out of signaling order, such as a
// second remote description.
var ErrInvalidState = errors.New("peer: invalid state")

// DefaultLabel is the reactions data channel label.
const DefaultLabel = "reactions"

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

func (r Role) Valid() bool {
	return r == RoleOfferer || r == RoleAnswerer
}

type Config struct {
	Role                 Role
	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8
	// Label names the reactions data channel. Defaults to DefaultLabel.
	Label  string
	Logger *slog.Logger
}

type handlers struct {
	localCandidate func(webrtc.ICECandidateInit)
	state          func(webrtc.PeerConnectionState)
	message        func(string)
	open           func()
	close          func()
}

// Manager exclusively owns one PeerConnection.
type Manager struct {
	role  Role
	label string
	log   *slog.Logger
	pc    *webrtc.PeerConnection

	// mu serializes signaling steps. It is held across pion calls, so pion
	// callbacks never take it.
	mu         sync.Mutex
	localSet   bool
	remote     *webrtc.SessionDescription
	pending    []webrtc.ICECandidateInit
	closedFlag atomic.Bool

	// hmu guards the channel reference and handlers.
	hmu       sync.Mutex
	h         handlers
	dc        *webrtc.DataChannel
	localBuf  []webrtc.ICECandidateInit
	closeOnce sync.Once
	closeErr  error
}

// New creates the connection for role. The offerer creates the data channel
// immediately; the answerer waits for the remote side to open it.
func New(api *webrtc.API, cfg Config) (*Manager, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("peer: invalid role %q", cfg.Role)
	}
	if api == nil {
		api = webrtc.NewAPI()
	}
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           cfg.ICEServers,
		ICECandidatePoolSize: cfg.ICECandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	m := &Manager{
		role:  cfg.Role,
		label: cfg.Label,
		log:   cfg.Logger.With("role", string(cfg.Role)),
		pc:    pc,
	}

	pc.OnICECandidate(m.handleLocalCandidate)
	pc.OnConnectionStateChange(m.handleStateChange)

	switch cfg.Role {
	case RoleOfferer:
		dc, err := pc.CreateDataChannel(cfg.Label, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("peer: create data channel: %w", err)
		}
		m.attachChannel(dc)
	case RoleAnswerer:
		pc.OnDataChannel(m.handleRemoteChannel)
	}

	return m, nil
}

func (m *Manager) Role() Role {
	return m.role
}

// State returns the current connection state.
func (m *Manager) State() webrtc.PeerConnectionState {
	return m.pc.ConnectionState()
}

// CreateOffer generates the offer and commits it as the local description
// in one step. Offerer only, once, before any remote description.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closedFlag.Load():
		return webrtc.SessionDescription{}, fmt.Errorf("%w: connection closed", ErrInvalidState)
	case m.role != RoleOfferer:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: only the offerer creates offers", ErrInvalidState)
	case m.localSet:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer already created", ErrInvalidState)
	case m.remote != nil:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: remote description already set", ErrInvalidState)
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local offer: %w", err)
	}
	m.localSet = true
	return offer, nil
}

// CreateAnswer answers remoteOffer, which must already be the applied
// remote description. Answerer only, once.
func (m *Manager) CreateAnswer(remoteOffer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closedFlag.Load():
		return webrtc.SessionDescription{}, fmt.Errorf("%w: connection closed", ErrInvalidState)
	case m.role != RoleAnswerer:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: only the answerer creates answers", ErrInvalidState)
	case m.localSet:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer already created", ErrInvalidState)
	case m.remote == nil:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: remote offer not set", ErrInvalidState)
	case m.remote.Type != remoteOffer.Type || m.remote.SDP != remoteOffer.SDP:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer does not match the remote description", ErrInvalidState)
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local answer: %w", err)
	}
	m.localSet = true
	return answer, nil
}

// SetRemoteDescription applies desc exactly once and then flushes queued
// remote candidates. A second call fails with ErrInvalidState and leaves
// the first description in place.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closedFlag.Load() {
		return fmt.Errorf("%w: connection closed", ErrInvalidState)
	}
	if m.remote != nil {
		return fmt.Errorf("%w: remote description already set", ErrInvalidState)
	}
	want := webrtc.SDPTypeAnswer
	if m.role == RoleAnswerer {
		want = webrtc.SDPTypeOffer
	}
	if desc.Type != want {
		return fmt.Errorf("%w: %s cannot apply a remote %s", ErrInvalidState, m.role, desc.Type)
	}
	if m.role == RoleOfferer && !m.localSet {
		return fmt.Errorf("%w: answer received before the offer was created", ErrInvalidState)
	}

	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote description: %w", err)
	}
	applied := desc
	m.remote = &applied

	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.log.Warn("dropping queued remote candidate", "err", err)
		}
	}
	return nil
}

// GatheringDone is closed once local ICE candidate gathering has finished.
func (m *Manager) GatheringDone() <-chan struct{} {
	return webrtc.GatheringCompletePromise(m.pc)
}

// HasRemoteDescription reports whether SetRemoteDescription has succeeded.
func (m *Manager) HasRemoteDescription() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote != nil
}

// AddRemoteCandidate applies c, queueing it until the remote description is
// set. Candidates for a closed connection are discarded.
func (m *Manager) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closedFlag.Load() {
		return nil
	}
	if c.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}
	if m.remote == nil {
		m.pending = append(m.pending, c)
		return nil
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("peer: add remote candidate: %w", err)
	}
	return nil
}

// OnLocalCandidate registers cb for every gathered local candidate.
// Candidates gathered before registration are delivered immediately.
func (m *Manager) OnLocalCandidate(cb func(webrtc.ICECandidateInit)) {
	m.hmu.Lock()
	m.h.localCandidate = cb
	buffered := m.localBuf
	m.localBuf = nil
	m.hmu.Unlock()

	if cb == nil {
		return
	}
	for _, c := range buffered {
		cb(c)
	}
}

func (m *Manager) OnConnectionStateChange(cb func(webrtc.PeerConnectionState)) {
	m.hmu.Lock()
	m.h.state = cb
	m.hmu.Unlock()
}

func (m *Manager) OnMessage(cb func(string)) {
	m.hmu.Lock()
	m.h.message = cb
	m.hmu.Unlock()
}

func (m *Manager) OnChannelOpen(cb func()) {
	m.hmu.Lock()
	m.h.open = cb
	m.hmu.Unlock()
}

func (m *Manager) OnChannelClose(cb func()) {
	m.hmu.Lock()
	m.h.close = cb
	m.hmu.Unlock()
}

// SendMessage sends payload as a text message. It returns false when the
// channel is absent, not open, or the send fails.
func (m *Manager) SendMessage(payload string) bool {
	if m == nil || m.closedFlag.Load() {
		return false
	}
	m.hmu.Lock()
	dc := m.dc
	m.hmu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	if err := dc.SendText(payload); err != nil {
		m.log.Debug("send on data channel failed", "err", err)
		return false
	}
	return true
}

// Close tears down the connection and releases the channel. It is safe on a
// nil Manager and may be called repeatedly. No handler runs after Close
// starts.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		m.closedFlag.Store(true)

		m.hmu.Lock()
		m.h = handlers{}
		m.dc = nil
		m.localBuf = nil
		m.hmu.Unlock()

		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()

		m.closeErr = m.pc.Close()
	})
	return m.closeErr
}

func (m *Manager) current() handlers {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	return m.h
}

func (m *Manager) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil || m.closedFlag.Load() {
		return
	}
	init := c.ToJSON()

	m.hmu.Lock()
	cb := m.h.localCandidate
	if cb == nil {
		m.localBuf = append(m.localBuf, init)
	}
	m.hmu.Unlock()

	if cb != nil {
		cb(init)
	}
}

func (m *Manager) handleStateChange(state webrtc.PeerConnectionState) {
	if m.closedFlag.Load() {
		return
	}
	m.log.Debug("connection state changed", "state", state.String())
	if cb := m.current().state; cb != nil {
		cb(state)
	}
}

func (m *Manager) handleRemoteChannel(dc *webrtc.DataChannel) {
	if dc.Label() != m.label {
		m.log.Warn("rejecting data channel", "label", dc.Label(), "want", m.label)
		_ = dc.Close()
		return
	}
	m.attachChannel(dc)
}

// attachChannel installs dc as the reactions channel. Only the first
// channel is kept; later ones, and any channel arriving after Close, are
// closed.
func (m *Manager) attachChannel(dc *webrtc.DataChannel) {
	m.hmu.Lock()
	if m.closedFlag.Load() {
		m.hmu.Unlock()
		_ = dc.Close()
		return
	}
	if m.dc != nil {
		m.hmu.Unlock()
		m.log.Warn("rejecting duplicate data channel", "label", dc.Label())
		_ = dc.Close()
		return
	}
	m.dc = dc
	m.hmu.Unlock()

	dc.OnOpen(func() {
		if m.closedFlag.Load() {
			return
		}
		m.log.Debug("data channel open", "label", dc.Label())
		if cb := m.current().open; cb != nil {
			cb()
		}
	})
	dc.OnClose(func() {
		if m.closedFlag.Load() {
			return
		}
		m.log.Debug("data channel closed", "label", dc.Label())
		if cb := m.current().close; cb != nil {
			cb()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.closedFlag.Load() {
			return
		}
		if cb := m.current().message; cb != nil {
			cb(string(msg.Data))
		}
	})
}
