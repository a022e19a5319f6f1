package peer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/webroker/reelwatch/internal/peer"
	"github.com/webroker/reelwatch/internal/peer/peertest"
)

const waitTimeout = 10 * time.Second

func newPair(t *testing.T) (offerer, answerer *peer.Manager) {
	t.Helper()
	apis := peertest.NewAPIs(t, 2)

	var err error
	offerer, err = peer.New(apis[0], peer.Config{Role: peer.RoleOfferer, Logger: peertest.Logger(t)})
	if err != nil {
		t.Fatalf("new offerer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	answerer, err = peer.New(apis[1], peer.Config{Role: peer.RoleAnswerer, Logger: peertest.Logger(t)})
	if err != nil {
		t.Fatalf("new answerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })
	return offerer, answerer
}

// exchangeCandidates forwards every local candidate of a to b and vice
// versa. Candidates may reach the other side before its remote description
// is set, which exercises the pending queue.
func exchangeCandidates(t *testing.T, a, b *peer.Manager) {
	a.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		if err := b.AddRemoteCandidate(c); err != nil {
			t.Errorf("answerer AddRemoteCandidate: %v", err)
		}
	})
	b.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		if err := a.AddRemoteCandidate(c); err != nil {
			t.Errorf("offerer AddRemoteCandidate: %v", err)
		}
	})
}

func negotiate(t *testing.T, offerer, answerer *peer.Manager) {
	t.Helper()
	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer SetRemoteDescription: %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func signal() (chan struct{}, func()) {
	ch := make(chan struct{})
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func TestReactionDelivered(t *testing.T) {
	offerer, answerer := newPair(t)
	exchangeCandidates(t, offerer, answerer)

	offererOpen, markOffererOpen := signal()
	offerer.OnChannelOpen(markOffererOpen)
	answererOpen, markAnswererOpen := signal()
	answerer.OnChannelOpen(markAnswererOpen)

	offererConnected, markOffererConnected := signal()
	offerer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			markOffererConnected()
		}
	})

	got := make(chan string, 4)
	answerer.OnMessage(func(payload string) { got <- payload })

	negotiate(t, offerer, answerer)

	waitFor(t, offererConnected, "offerer connected")
	waitFor(t, offererOpen, "offerer channel open")
	waitFor(t, answererOpen, "answerer channel open")

	if !offerer.SendMessage("👍") {
		t.Fatalf("SendMessage returned false on an open channel")
	}
	select {
	case payload := <-got:
		if payload != "👍" {
			t.Fatalf("payload=%q, want %q", payload, "👍")
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for reaction")
	}

	reply := make(chan string, 1)
	offerer.OnMessage(func(payload string) { reply <- payload })
	if !answerer.SendMessage("🔥") {
		t.Fatalf("answerer SendMessage returned false")
	}
	select {
	case payload := <-reply:
		if payload != "🔥" {
			t.Fatalf("payload=%q, want %q", payload, "🔥")
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for reply")
	}
}

func TestSetRemoteDescriptionTwice(t *testing.T) {
	offerer, answerer := newPair(t)

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("first SetRemoteDescription: %v", err)
	}
	err = answerer.SetRemoteDescription(offer)
	if !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("second SetRemoteDescription err=%v, want %v", err, peer.ErrInvalidState)
	}
	if !answerer.HasRemoteDescription() {
		t.Fatalf("first remote description lost")
	}
	if _, err := answerer.CreateAnswer(offer); err != nil {
		t.Fatalf("CreateAnswer after rejected duplicate: %v", err)
	}
}

func TestSendMessageBeforeOpen(t *testing.T) {
	offerer, answerer := newPair(t)
	if offerer.SendMessage("👍") {
		t.Fatalf("offerer SendMessage before open returned true")
	}
	if answerer.SendMessage("👍") {
		t.Fatalf("answerer SendMessage without a channel returned true")
	}
}

func TestSignalingOrderGuards(t *testing.T) {
	offerer, answerer := newPair(t)

	if _, err := answerer.CreateOffer(); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("answerer CreateOffer err=%v, want %v", err, peer.ErrInvalidState)
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := offerer.CreateOffer(); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("second CreateOffer err=%v, want %v", err, peer.ErrInvalidState)
	}
	if _, err := offerer.CreateAnswer(offer); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("offerer CreateAnswer err=%v, want %v", err, peer.ErrInvalidState)
	}
	if err := offerer.SetRemoteDescription(offer); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("offerer applying an offer err=%v, want %v", err, peer.ErrInvalidState)
	}

	if _, err := answerer.CreateAnswer(offer); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("CreateAnswer before remote offer err=%v, want %v", err, peer.ErrInvalidState)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	other := offer
	other.SDP += "a=x-mismatch\r\n"
	if _, err := answerer.CreateAnswer(other); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("CreateAnswer with a different offer err=%v, want %v", err, peer.ErrInvalidState)
	}
}

func TestCandidatesQueuedBeforeRemoteDescription(t *testing.T) {
	offerer, answerer := newPair(t)

	var mu sync.Mutex
	var offererCands, answererCands []webrtc.ICECandidateInit
	offerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		mu.Lock()
		offererCands = append(offererCands, c)
		mu.Unlock()
	})
	answerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		mu.Lock()
		answererCands = append(answererCands, c)
		mu.Unlock()
	})

	offererConnected, markOffererConnected := signal()
	offerer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			markOffererConnected()
		}
	})
	answererConnected, markAnswererConnected := signal()
	answerer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			markAnswererConnected()
		}
	})

	offererGathered := offerer.GatheringDone()
	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	waitFor(t, offererGathered, "offerer gathering")

	// Every offerer candidate reaches the answerer before its remote
	// description, so all of them go through the pending queue.
	mu.Lock()
	queued := append([]webrtc.ICECandidateInit(nil), offererCands...)
	mu.Unlock()
	if len(queued) == 0 {
		t.Fatalf("offerer gathered no candidates")
	}
	for _, c := range queued {
		if err := answerer.AddRemoteCandidate(c); err != nil {
			t.Fatalf("answerer AddRemoteCandidate: %v", err)
		}
	}
	if err := answerer.AddRemoteCandidate(webrtc.ICECandidateInit{}); err != nil {
		t.Fatalf("end-of-candidates marker: %v", err)
	}

	answererGathered := answerer.GatheringDone()
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	waitFor(t, answererGathered, "answerer gathering")

	mu.Lock()
	queued = append([]webrtc.ICECandidateInit(nil), answererCands...)
	mu.Unlock()
	for _, c := range queued {
		if err := offerer.AddRemoteCandidate(c); err != nil {
			t.Fatalf("offerer AddRemoteCandidate: %v", err)
		}
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer SetRemoteDescription: %v", err)
	}

	waitFor(t, offererConnected, "offerer connected")
	waitFor(t, answererConnected, "answerer connected")
}

func TestCloseIsIdempotent(t *testing.T) {
	offerer, _ := newPair(t)

	calls := make(chan webrtc.PeerConnectionState, 8)
	offerer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { calls <- s })

	if err := offerer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := offerer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if offerer.SendMessage("👍") {
		t.Fatalf("SendMessage after Close returned true")
	}
	if err := offerer.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 1 typ host"}); err != nil {
		t.Fatalf("AddRemoteCandidate after Close: %v", err)
	}
	if _, err := offerer.CreateOffer(); !errors.Is(err, peer.ErrInvalidState) {
		t.Fatalf("CreateOffer after Close err=%v, want %v", err, peer.ErrInvalidState)
	}

	select {
	case s := <-calls:
		t.Fatalf("state handler ran after Close: %v", s)
	case <-time.After(200 * time.Millisecond):
	}

	var nilManager *peer.Manager
	if err := nilManager.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
	if nilManager.SendMessage("x") {
		t.Fatalf("nil SendMessage returned true")
	}
}

func TestNewRejectsUnknownRole(t *testing.T) {
	if _, err := peer.New(nil, peer.Config{Role: "spectator"}); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestAnswererKeepsFirstReactionsChannel(t *testing.T) {
	apis := peertest.NewAPIs(t, 2)

	remote, err := apis[0].NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = remote.Close() })

	answerer, err := peer.New(apis[1], peer.Config{Role: peer.RoleAnswerer, Logger: peertest.Logger(t)})
	if err != nil {
		t.Fatalf("new answerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	closed, markClosed := signal()
	received := make(chan string, 4)
	for i := 0; i < 2; i++ {
		dc, err := remote.CreateDataChannel(peer.DefaultLabel, nil)
		if err != nil {
			t.Fatalf("CreateDataChannel %d: %v", i, err)
		}
		dc.OnClose(markClosed)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { received <- string(msg.Data) })
	}

	var mu sync.Mutex
	var openCount int
	opened, markOpened := signal()
	answerer.OnChannelOpen(func() {
		mu.Lock()
		openCount++
		mu.Unlock()
		markOpened()
	})

	remote.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := answerer.AddRemoteCandidate(c.ToJSON()); err != nil {
			t.Errorf("answerer AddRemoteCandidate: %v", err)
		}
	})
	answerer.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		if err := remote.AddICECandidate(c); err != nil {
			t.Errorf("remote AddICECandidate: %v", err)
		}
	})

	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := remote.SetRemoteDescription(answer); err != nil {
		t.Fatalf("remote SetRemoteDescription: %v", err)
	}

	waitFor(t, opened, "answerer channel open")
	waitFor(t, closed, "duplicate channel closed")

	if !answerer.SendMessage("👍") {
		t.Fatalf("SendMessage on the kept channel returned false")
	}
	select {
	case got := <-received:
		if got != "👍" {
			t.Fatalf("received %q, want 👍", got)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for the reaction")
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if openCount != 1 {
		t.Fatalf("channel open callbacks=%d, want 1", openCount)
	}
}
