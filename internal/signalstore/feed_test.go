package signalstore

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFeedDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	f := NewFeed(func(v int) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})
	defer f.Close()

	for i := 0; i < 100; i++ {
		f.Push(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d]=%d, want %d", i, v, i)
		}
	}
}

func TestFeedPushDoesNotBlockOnSlowCallback(t *testing.T) {
	release := make(chan struct{})
	f := NewFeed(func(int) { <-release })
	defer f.Close()
	defer close(release)

	pushed := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			f.Push(i)
		}
		close(pushed)
	}()

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Push blocked behind a slow callback")
	}
}

func TestFeedCloseStopsDelivery(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	f := NewFeed(func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	f.Push(1)
	f.Push(2)
	f.Push(3)
	<-entered

	f.Close()
	f.Close()
	close(release)

	select {
	case <-f.Done():
	default:
		t.Fatalf("Done not closed after Close")
	}

	time.Sleep(50 * time.Millisecond)
	f.Push(4)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestSubscriptionUnwatchRunsOnce(t *testing.T) {
	n := 0
	sub := NewSubscription(func() { n++ })
	sub.Unwatch()
	sub.Unwatch()
	Unwatch(sub)
	Unwatch(nil)
	if n != 1 {
		t.Fatalf("cancel ran %d times, want 1", n)
	}
}

func TestParseSide(t *testing.T) {
	for _, raw := range []string{"offerer", "answerer"} {
		s, err := ParseSide(raw)
		if err != nil {
			t.Fatalf("ParseSide(%q): %v", raw, err)
		}
		if string(s) != raw {
			t.Fatalf("ParseSide(%q)=%q", raw, s)
		}
	}
	if _, err := ParseSide("caller"); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("ParseSide(caller) err=%v, want ErrInvalidSide", err)
	}
	if SideOfferer.Opposite() != SideAnswerer || SideAnswerer.Opposite() != SideOfferer {
		t.Fatalf("Opposite is not symmetric")
	}
}

func TestDescriptionValidate(t *testing.T) {
	ok := SessionDescription{Type: "offer", SDP: "v=0\r\n"}
	if err := ok.Validate("offer"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := ok.Validate("answer"); !errors.Is(err, ErrInvalidDescription) {
		t.Fatalf("type mismatch err=%v, want ErrInvalidDescription", err)
	}
	empty := SessionDescription{Type: "offer"}
	if err := empty.Validate("offer"); !errors.Is(err, ErrInvalidDescription) {
		t.Fatalf("empty sdp err=%v, want ErrInvalidDescription", err)
	}

	pd, err := ok.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if back := DescriptionFromPion(pd); back != ok {
		t.Fatalf("round trip=%+v, want %+v", back, ok)
	}
	if _, err := (SessionDescription{Type: "pranswer", SDP: "x"}).ToPion(); err == nil {
		t.Fatalf("ToPion accepted pranswer")
	}
}
