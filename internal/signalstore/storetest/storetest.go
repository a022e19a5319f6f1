// Package storetest is the conformance suite for signalstore backends.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/webroker/reelwatch/internal/signalstore"
)

const waitTimeout = 5 * time.Second

// quietPeriod is how long tests wait before concluding that nothing else
// will be delivered.
const quietPeriod = 200 * time.Millisecond

// Run exercises newStore against the Store contract. newStore must return a
// fresh, empty store; the suite closes it.
func Run(t *testing.T, newStore func(t *testing.T) signalstore.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s signalstore.Store)
	}{
		{"CreateAndRead", testCreateAndRead},
		{"ReadMissing", testReadMissing},
		{"OfferIsImmutable", testOfferIsImmutable},
		{"AnswerLastWriteWins", testAnswerLastWriteWins},
		{"RejectsInvalidDescriptions", testRejectsInvalidDescriptions},
		{"WritesToMissingSession", testWritesToMissingSession},
		{"CandidateOrderAcrossSubscription", testCandidateOrderAcrossSubscription},
		{"CandidateSidesAreIndependent", testCandidateSidesAreIndependent},
		{"InvalidSide", testInvalidSide},
		{"WatchSessionSnapshotThenChanges", testWatchSessionSnapshotThenChanges},
		{"WatchMissingSession", testWatchMissingSession},
		{"UnwatchStopsDelivery", testUnwatchStopsDelivery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testOffer(n int) signalstore.SessionDescription {
	return signalstore.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0\r\no=- %d 1 IN IP4 127.0.0.1\r\n", n)}
}

func testAnswer(n int) signalstore.SessionDescription {
	return signalstore.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0\r\no=- %d 2 IN IP4 127.0.0.1\r\n", n)}
}

func testCandidate(n int) signalstore.Candidate {
	mid := "0"
	idx := uint16(0)
	return signalstore.Candidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", n, n%250+1, n%10),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func mustCreate(t *testing.T, s signalstore.Store) string {
	t.Helper()
	id, err := s.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id == "" {
		t.Fatalf("CreateSession returned empty id")
	}
	return id
}

func testCreateAndRead(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)

	other := mustCreate(t, s)
	if other == id {
		t.Fatalf("CreateSession returned duplicate id %q", id)
	}

	doc, err := s.ReadSession(ctx, id)
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if doc.ID != id {
		t.Fatalf("doc.ID=%q, want %q", doc.ID, id)
	}
	if doc.Offer != nil || doc.Answer != nil {
		t.Fatalf("new session has descriptions: %+v", doc)
	}
}

func testReadMissing(t *testing.T, s signalstore.Store) {
	_, err := s.ReadSession(context.Background(), "sess-does-not-exist")
	if !errors.Is(err, signalstore.ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
}

func testOfferIsImmutable(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)

	if err := s.WriteOffer(ctx, id, testOffer(1)); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}
	if err := s.WriteOffer(ctx, id, testOffer(2)); !errors.Is(err, signalstore.ErrOfferAlreadySet) {
		t.Fatalf("second WriteOffer err=%v, want ErrOfferAlreadySet", err)
	}

	doc, err := s.ReadSession(ctx, id)
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if doc.Offer == nil || *doc.Offer != testOffer(1) {
		t.Fatalf("offer=%+v, want first offer", doc.Offer)
	}
}

func testAnswerLastWriteWins(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)
	if err := s.WriteOffer(ctx, id, testOffer(1)); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}
	if err := s.WriteAnswer(ctx, id, testAnswer(1)); err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}
	if err := s.WriteAnswer(ctx, id, testAnswer(2)); err != nil {
		t.Fatalf("second WriteAnswer: %v", err)
	}

	doc, err := s.ReadSession(ctx, id)
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if doc.Answer == nil || *doc.Answer != testAnswer(2) {
		t.Fatalf("answer=%+v, want second answer", doc.Answer)
	}
	if doc.Offer == nil || *doc.Offer != testOffer(1) {
		t.Fatalf("offer changed by answer write: %+v", doc.Offer)
	}
}

func testRejectsInvalidDescriptions(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)

	if err := s.WriteOffer(ctx, id, testAnswer(1)); err == nil {
		t.Fatalf("WriteOffer accepted an answer-typed description")
	}
	if err := s.WriteAnswer(ctx, id, signalstore.SessionDescription{Type: "answer"}); err == nil {
		t.Fatalf("WriteAnswer accepted an empty sdp")
	}
}

func testWritesToMissingSession(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	const id = "sess-does-not-exist"

	if err := s.WriteOffer(ctx, id, testOffer(1)); !errors.Is(err, signalstore.ErrSessionNotFound) {
		t.Fatalf("WriteOffer err=%v, want ErrSessionNotFound", err)
	}
	if err := s.WriteAnswer(ctx, id, testAnswer(1)); !errors.Is(err, signalstore.ErrSessionNotFound) {
		t.Fatalf("WriteAnswer err=%v, want ErrSessionNotFound", err)
	}
	if err := s.AppendCandidate(ctx, id, signalstore.SideOfferer, testCandidate(1)); !errors.Is(err, signalstore.ErrSessionNotFound) {
		t.Fatalf("AppendCandidate err=%v, want ErrSessionNotFound", err)
	}
}

// recorder collects callback values and lets tests wait for a condition.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
	notify chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{notify: make(chan struct{}, 1)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) waitFor(t *testing.T, what string, cond func([]T) bool) []T {
	t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	for {
		vals := r.snapshot()
		if cond(vals) {
			return vals
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %s (have %d values)", what, len(vals))
		}
	}
}

// distinctBySeq drops redelivered records, keeping first occurrences.
func distinctBySeq(recs []signalstore.CandidateRecord) []signalstore.CandidateRecord {
	seen := make(map[int64]bool, len(recs))
	out := make([]signalstore.CandidateRecord, 0, len(recs))
	for _, r := range recs {
		if seen[r.Seq] {
			continue
		}
		seen[r.Seq] = true
		out = append(out, r)
	}
	return out
}

func testCandidateOrderAcrossSubscription(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)

	const before, after = 3, 4
	for i := 0; i < before; i++ {
		if err := s.AppendCandidate(ctx, id, signalstore.SideAnswerer, testCandidate(i)); err != nil {
			t.Fatalf("AppendCandidate %d: %v", i, err)
		}
	}

	rec := newRecorder[signalstore.CandidateRecord]()
	sub, err := s.WatchCandidates(ctx, id, signalstore.SideAnswerer, rec.add)
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer sub.Unwatch()

	for i := before; i < before+after; i++ {
		if err := s.AppendCandidate(ctx, id, signalstore.SideAnswerer, testCandidate(i)); err != nil {
			t.Fatalf("AppendCandidate %d: %v", i, err)
		}
	}

	got := rec.waitFor(t, "all candidates", func(v []signalstore.CandidateRecord) bool {
		return len(distinctBySeq(v)) >= before+after
	})
	got = distinctBySeq(got)

	var lastSeq int64
	for i, r := range got {
		if r.Side != signalstore.SideAnswerer {
			t.Fatalf("record %d side=%q, want answerer", i, r.Side)
		}
		if r.Seq <= lastSeq {
			t.Fatalf("record %d seq=%d not after %d", i, r.Seq, lastSeq)
		}
		lastSeq = r.Seq
		if r.Candidate.Candidate != testCandidate(i).Candidate {
			t.Fatalf("record %d candidate=%q, want %q", i, r.Candidate.Candidate, testCandidate(i).Candidate)
		}
	}
}

func testCandidateSidesAreIndependent(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)

	offerer := newRecorder[signalstore.CandidateRecord]()
	answerer := newRecorder[signalstore.CandidateRecord]()
	subO, err := s.WatchCandidates(ctx, id, signalstore.SideOfferer, offerer.add)
	if err != nil {
		t.Fatalf("WatchCandidates offerer: %v", err)
	}
	defer subO.Unwatch()
	subA, err := s.WatchCandidates(ctx, id, signalstore.SideAnswerer, answerer.add)
	if err != nil {
		t.Fatalf("WatchCandidates answerer: %v", err)
	}
	defer subA.Unwatch()

	if err := s.AppendCandidate(ctx, id, signalstore.SideOfferer, testCandidate(7)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	offerer.waitFor(t, "offerer candidate", func(v []signalstore.CandidateRecord) bool { return len(v) >= 1 })

	time.Sleep(quietPeriod)
	if got := answerer.snapshot(); len(got) != 0 {
		t.Fatalf("answerer watcher received %d offerer candidates", len(got))
	}
}

func testInvalidSide(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)
	if err := s.AppendCandidate(ctx, id, signalstore.Side("sideways"), testCandidate(1)); err == nil {
		t.Fatalf("AppendCandidate accepted an invalid side")
	}
	if _, err := s.WatchCandidates(ctx, id, signalstore.Side("sideways"), func(signalstore.CandidateRecord) {}); err == nil {
		t.Fatalf("WatchCandidates accepted an invalid side")
	}
}

func testWatchSessionSnapshotThenChanges(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)
	if err := s.WriteOffer(ctx, id, testOffer(1)); err != nil {
		t.Fatalf("WriteOffer: %v", err)
	}

	rec := newRecorder[signalstore.Document]()
	sub, err := s.WatchSession(ctx, id, rec.add)
	if err != nil {
		t.Fatalf("WatchSession: %v", err)
	}
	defer sub.Unwatch()

	rec.waitFor(t, "initial snapshot", func(v []signalstore.Document) bool {
		return len(v) >= 1 && v[0].Offer != nil && v[0].ID == id
	})

	if err := s.WriteAnswer(ctx, id, testAnswer(1)); err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}
	rec.waitFor(t, "answer change", func(v []signalstore.Document) bool {
		last := v[len(v)-1]
		return last.Answer != nil && *last.Answer == testAnswer(1) && last.Offer != nil
	})
}

func testWatchMissingSession(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	_, err := s.WatchSession(ctx, "sess-does-not-exist", func(signalstore.Document) {})
	if !errors.Is(err, signalstore.ErrSessionNotFound) {
		t.Fatalf("WatchSession err=%v, want ErrSessionNotFound", err)
	}
	_, err = s.WatchCandidates(ctx, "sess-does-not-exist", signalstore.SideOfferer, func(signalstore.CandidateRecord) {})
	if !errors.Is(err, signalstore.ErrSessionNotFound) {
		t.Fatalf("WatchCandidates err=%v, want ErrSessionNotFound", err)
	}
}

func testUnwatchStopsDelivery(t *testing.T, s signalstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, s)
	if err := s.AppendCandidate(ctx, id, signalstore.SideOfferer, testCandidate(1)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}

	rec := newRecorder[signalstore.CandidateRecord]()
	sub, err := s.WatchCandidates(ctx, id, signalstore.SideOfferer, rec.add)
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	rec.waitFor(t, "existing candidate", func(v []signalstore.CandidateRecord) bool { return len(v) >= 1 })

	sub.Unwatch()
	sub.Unwatch()
	signalstore.Unwatch(nil)

	delivered := len(rec.snapshot())
	for i := 2; i < 5; i++ {
		if err := s.AppendCandidate(ctx, id, signalstore.SideOfferer, testCandidate(i)); err != nil {
			t.Fatalf("AppendCandidate %d: %v", i, err)
		}
	}
	time.Sleep(quietPeriod)
	if got := len(rec.snapshot()); got != delivered {
		t.Fatalf("received %d callbacks after Unwatch", got-delivered)
	}
}
