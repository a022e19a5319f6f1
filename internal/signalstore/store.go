package signalstore

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStoreUnavailable wraps failures to reach the backing service.
	ErrStoreUnavailable = errors.New("signaling store unavailable")
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOfferAlreadySet is returned when an offer is written twice.
	ErrOfferAlreadySet    = errors.New("session offer already set")
	ErrInvalidSide        = errors.New("invalid candidate side")
	ErrInvalidDescription = errors.New("invalid session description")
)

// Store relays session descriptions and candidates between peers.
//
// Every method may block on the network. Watch callbacks receive the state
// that existed before the watch was registered followed by every later
// change, in order; delivery is at-least-once, so consumers must tolerate
// duplicates. Callbacks of a single subscription never run concurrently.
type Store interface {
	// CreateSession allocates an empty session document and returns its id.
	CreateSession(ctx context.Context) (string, error)
	ReadSession(ctx context.Context, id string) (Document, error)
	// WriteOffer sets the offer. It fails with ErrOfferAlreadySet once an
	// offer exists.
	WriteOffer(ctx context.Context, id string, offer SessionDescription) error
	// WriteAnswer sets the answer, replacing any previous one.
	WriteAnswer(ctx context.Context, id string, answer SessionDescription) error
	AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error
	WatchSession(ctx context.Context, id string, fn func(Document)) (Subscription, error)
	WatchCandidates(ctx context.Context, id string, side Side, fn func(CandidateRecord)) (Subscription, error)
	Close() error
}

// Subscription is a live watch registration. Unwatch may be called any
// number of times; once it returns no new callback starts.
type Subscription interface {
	Unwatch()
}

// Unwatch cancels sub if it is non-nil.
func Unwatch(sub Subscription) {
	if sub != nil {
		sub.Unwatch()
	}
}

type funcSubscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription returns a Subscription that runs cancel exactly once.
func NewSubscription(cancel func()) Subscription {
	return &funcSubscription{cancel: cancel}
}

func (s *funcSubscription) Unwatch() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
