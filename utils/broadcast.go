package utils

import (
	"context"
	"sync"
)

// Broadcaster fans values out to any number of watchers. Publish never blocks: a watcher
// whose buffer is full misses the value rather than stalling the publisher.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	watchers map[chan T]struct{}
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		watchers: make(map[chan T]struct{}),
	}
}

// Watch registers a watcher until ctx is done, at which point the returned channel is closed.
func (b *Broadcaster[T]) Watch(ctx context.Context, buffer int) <-chan T {
	ch := make(chan T, buffer)

	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()

		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.watchers, ch)
		close(ch)
	}()

	return ch
}

// Publish returns the number of watchers that missed v.
func (b *Broadcaster[T]) Publish(v T) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.watchers {
		select {
		case ch <- v:
		default:
			dropped += 1
		}
	}

	return dropped
}
