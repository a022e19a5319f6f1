// Package memstore is an in-process signalstore.Store. It backs the store
// server by default and is the reference backend for tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webroker/reelwatch/internal/signalstore"
)

type Options struct {
	// TTL expires sessions this long after creation. Zero keeps sessions
	// until the store is closed.
	TTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type session struct {
	doc        signalstore.Document
	createdAt  time.Time
	candidates map[signalstore.Side][]signalstore.CandidateRecord
	nextSeq    map[signalstore.Side]int64

	docWatchers  map[*signalstore.Feed[signalstore.Document]]struct{}
	candWatchers map[signalstore.Side]map[*signalstore.Feed[signalstore.CandidateRecord]]struct{}
}

type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	stopSweep chan struct{}
	closeOnce sync.Once
}

var _ signalstore.Store = (*Store)(nil)

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		ttl:       opts.TTL,
		now:       opts.Now,
		sessions:  make(map[string]*session),
		stopSweep: make(chan struct{}),
	}
	if s.ttl > 0 {
		go s.sweepLoop()
	}
	return s
}

func (s *Store) CreateSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", signalstore.ErrStoreUnavailable
	}
	s.sessions[id] = &session{
		doc:       signalstore.Document{ID: id},
		createdAt: s.now(),
		candidates: map[signalstore.Side][]signalstore.CandidateRecord{
			signalstore.SideOfferer:  nil,
			signalstore.SideAnswerer: nil,
		},
		nextSeq:     map[signalstore.Side]int64{signalstore.SideOfferer: 1, signalstore.SideAnswerer: 1},
		docWatchers: make(map[*signalstore.Feed[signalstore.Document]]struct{}),
		candWatchers: map[signalstore.Side]map[*signalstore.Feed[signalstore.CandidateRecord]]struct{}{
			signalstore.SideOfferer:  {},
			signalstore.SideAnswerer: {},
		},
	}
	return id, nil
}

// lookupLocked returns the live session for id. s.mu must be held.
func (s *Store) lookupLocked(id string) (*session, error) {
	if s.closed {
		return nil, signalstore.ErrStoreUnavailable
	}
	sess, ok := s.sessions[id]
	if !ok || s.expiredLocked(sess) {
		return nil, signalstore.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) expiredLocked(sess *session) bool {
	return s.ttl > 0 && s.now().Sub(sess.createdAt) >= s.ttl
}

func (s *Store) ReadSession(ctx context.Context, id string) (signalstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return signalstore.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return signalstore.Document{}, err
	}
	return sess.doc.Clone(), nil
}

func (s *Store) WriteOffer(ctx context.Context, id string, offer signalstore.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := offer.Validate("offer"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if sess.doc.Offer != nil {
		return signalstore.ErrOfferAlreadySet
	}
	sess.doc.Offer = &offer
	s.publishDocLocked(sess)
	return nil
}

func (s *Store) WriteAnswer(ctx context.Context, id string, answer signalstore.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := answer.Validate("answer"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	sess.doc.Answer = &answer
	s.publishDocLocked(sess)
	return nil
}

func (s *Store) publishDocLocked(sess *session) {
	for f := range sess.docWatchers {
		f.Push(sess.doc.Clone())
	}
}

func (s *Store) AppendCandidate(ctx context.Context, id string, side signalstore.Side, c signalstore.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !side.Valid() {
		return signalstore.ErrInvalidSide
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	rec := signalstore.CandidateRecord{Seq: sess.nextSeq[side], Side: side, Candidate: c}
	sess.nextSeq[side]++
	sess.candidates[side] = append(sess.candidates[side], rec)
	for f := range sess.candWatchers[side] {
		f.Push(rec)
	}
	return nil
}

func (s *Store) WatchSession(ctx context.Context, id string, fn func(signalstore.Document)) (signalstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	f := signalstore.NewFeed(fn)
	f.Push(sess.doc.Clone())
	sess.docWatchers[f] = struct{}{}

	return signalstore.NewSubscription(func() {
		f.Close()
		s.mu.Lock()
		delete(sess.docWatchers, f)
		s.mu.Unlock()
	}), nil
}

func (s *Store) WatchCandidates(ctx context.Context, id string, side signalstore.Side, fn func(signalstore.CandidateRecord)) (signalstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, signalstore.ErrInvalidSide
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	f := signalstore.NewFeed(fn)
	for _, rec := range sess.candidates[side] {
		f.Push(rec)
	}
	sess.candWatchers[side][f] = struct{}{}

	return signalstore.NewSubscription(func() {
		f.Close()
		s.mu.Lock()
		delete(sess.candWatchers[side], f)
		s.mu.Unlock()
	}), nil
}

// Sweep drops expired sessions and stops their watchers. It returns the
// number of sessions removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if !s.expiredLocked(sess) {
			continue
		}
		closeWatchersLocked(sess)
		delete(s.sessions, id)
		removed++
	}
	return removed
}

func (s *Store) sweepLoop() {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

func closeWatchersLocked(sess *session) {
	for f := range sess.docWatchers {
		f.Close()
	}
	for _, watchers := range sess.candWatchers {
		for f := range watchers {
			f.Close()
		}
	}
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
		s.mu.Lock()
		s.closed = true
		for _, sess := range s.sessions {
			closeWatchersLocked(sess)
		}
		s.sessions = nil
		s.mu.Unlock()
	})
	return nil
}
