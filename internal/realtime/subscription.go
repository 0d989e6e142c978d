package realtime

import (
	"context"
	"sync"

	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Subscription is a live stream of full-replacement snapshots.
//
// C carries at most one undelivered value: when the consumer falls behind,
// an unread snapshot is replaced by the newer one. C is closed when the
// feed ends; Err then reports why (nil after Unsubscribe).
type Subscription[T any] struct {
	C <-chan T

	c      chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Start runs run on its own goroutine and returns a subscription fed by
// the emit function run receives. run must return once ctx is done. A
// non-nil return value becomes the subscription's Err.
func Start[T any](ctx context.Context, feed string, run func(ctx context.Context, emit func(T)) error) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	return start(ctx, cancel, feed, run)
}

func start[T any](ctx context.Context, cancel context.CancelFunc, feed string, run func(ctx context.Context, emit func(T)) error) *Subscription[T] {
	c := make(chan T, 1)
	s := &Subscription[T]{
		C:      c,
		c:      c,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	gauge := metrics.SubscriptionsActive.WithLabelValues(feed)
	gauge.Inc()
	go func() {
		defer gauge.Dec()
		defer cancel()
		defer close(c)
		defer close(s.done)
		if err := run(ctx, s.emit); err != nil && ctx.Err() == nil {
			s.err = err
		}
	}()
	return s
}

// emit is only ever called from the run goroutine, so after the drain the
// buffer has room and the send cannot block.
func (s *Subscription[T]) emit(v T) {
	select {
	case <-s.c:
	default:
	}
	s.c <- v
}

// Unsubscribe stops the feed and waits for its goroutine to exit. It is
// idempotent and safe to call after the feed has already ended.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the feed has ended.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the feed, or nil while it is running
// or if it was unsubscribed.
func (s *Subscription[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Map derives a subscription applying f to every snapshot of src. The
// derived subscription owns src and unsubscribes it when it ends.
func Map[A, B any](src *Subscription[A], feed string, f func(A) B) *Subscription[B] {
	return Start(context.Background(), feed, func(ctx context.Context, emit func(B)) error {
		defer src.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case v, ok := <-src.C:
				if !ok {
					return src.Err()
				}
				emit(f(v))
			}
		}
	})
}
