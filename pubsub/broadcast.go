package pubsub

import (
	"errors"
	"sync"
)

// ErrStopped is returned when publishing to a stopped Broadcaster.
var ErrStopped = errors.New("pubsub: stopped")

// Broadcaster is an in-process Publisher that fans events out to every
// Subscriber created from it. Slow subscribers drop events rather than block
// the publisher; a dropped event is covered by the cache TTL.
type Broadcaster struct {
	mtx     sync.Mutex
	subs    map[*localSubscriber]struct{}
	stopped bool
	buffer  int
}

// NewBroadcaster returns a Broadcaster whose subscribers buffer up to buffer
// events each.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   map[*localSubscriber]struct{}{},
		buffer: buffer,
	}
}

// Publish implements Publisher.
func (b *Broadcaster) Publish(e Event) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.stopped {
		return ErrStopped
	}
	for s := range b.subs {
		select {
		case s.c <- e:
		default: // subscriber is behind
		}
	}
	return nil
}

// Stop implements Publisher. It stops every subscriber.
func (b *Broadcaster) Stop() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	for s := range b.subs {
		close(s.c)
		delete(b.subs, s)
	}
	return nil
}

// Subscribe returns a new Subscriber receiving every event published after
// this call.
func (b *Broadcaster) Subscribe() Subscriber {
	s := &localSubscriber{b: b, c: make(chan Event, b.buffer)}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.stopped {
		close(s.c)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

type localSubscriber struct {
	b *Broadcaster
	c chan Event
}

func (s *localSubscriber) Start() <-chan Event { return s.c }

func (s *localSubscriber) Err() error { return nil }

func (s *localSubscriber) Stop() error {
	s.b.mtx.Lock()
	defer s.b.mtx.Unlock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		close(s.c)
	}
	return nil
}
