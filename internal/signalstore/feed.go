package signalstore

import (
	"sync"
	"sync/atomic"
)

// Feed hands pushed values to a callback on a dedicated goroutine, in push
// order. Push never blocks on the callback, so backends may push while
// holding their own locks.
type Feed[T any] struct {
	fn func(T)

	mu    sync.Mutex
	queue []T

	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func NewFeed[T any](fn func(T)) *Feed[T] {
	f := &Feed[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Feed[T]) Push(v T) {
	if f.closed.Load() {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Values still queued are dropped.
func (f *Feed[T]) Close() {
	f.once.Do(func() {
		f.closed.Store(true)
		close(f.done)
	})
}

// Done is closed once the feed is closed.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Feed[T]) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			batch := f.queue
			f.queue = nil
			f.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				if f.closed.Load() {
					return
				}
				f.fn(v)
			}
		}
	}
}
