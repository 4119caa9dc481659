package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrFeedClosed is returned by a closed MemoryFeed.
var ErrFeedClosed = errors.New("feed closed")

// MemoryFeed is an in-process feed for development and tests. Publish
// blocks while a subscriber's buffer is full, which keeps per-subscriber
// ordering without dropping events.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemoryFeed builds an in-process feed.
func NewMemoryFeed(buffer int) *MemoryFeed {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryFeed{subs: make(map[*memorySubscription]struct{}), buffer: buffer}
}

func (f *MemoryFeed) Publish(ctx context.Context, ev Event) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	targets := make([]*memorySubscription, 0, len(f.subs))
	for sub := range f.subs {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	for _, sub := range targets {
		if err := sub.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(_ context.Context) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	sub := &memorySubscription{
		feed:   f,
		events: make(chan Event, f.buffer),
		done:   make(chan struct{}),
	}
	f.subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every open subscription.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = map[*memorySubscription]struct{}{}
	f.closed = true
	f.mu.Unlock()
	for sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Subscribers reports the number of open subscriptions.
func (f *MemoryFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type memorySubscription struct {
	feed   *MemoryFeed
	events chan Event
	done   chan struct{}
	once   sync.Once
	sendMu sync.Mutex
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.done)
		s.sendMu.Lock()
		close(s.events)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *memorySubscription) deliver(ctx context.Context, ev Event) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
