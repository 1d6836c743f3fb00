// Package pubsub carries flag change notifications between service replicas
// so each replica can drop stale cache entries as soon as another replica
// commits a mutation.
package pubsub

import (
	"time"

	"github.com/pborman/uuid"
)

// Kinds of change.
const (
	KindCreated = "created"
	KindUpdated = "updated"
)

// Event announces a committed change to one flag. An empty Key means every
// flag may have changed.
type Event struct {
	ID      string    `json:"id"`
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	Version int64     `json:"version"`
	Time    time.Time `json:"time"`
}

// NewEvent returns an Event with a fresh ID, stamped with the current time.
func NewEvent(key, kind string, version int64) Event {
	return Event{
		ID:      uuid.New(),
		Key:     key,
		Kind:    kind,
		Version: version,
		Time:    time.Now().UTC(),
	}
}

// Publisher is a minimal interface for announcing changes to a pool of
// subscribers. Publishers are probably (but not necessarily) sending to a
// message bus.
//
// Topology (subject, exchange, buffer sizes) is fixed by the concrete
// constructor.
type Publisher interface {
	// Publish a single event.
	Publish(e Event) error

	// Stop the publisher.
	Stop() error
}

// Subscriber is a minimal interface for receiving change events.
type Subscriber interface {
	// Start returns a channel of events that the caller should consume.
	// Failure to keep up with incoming events will have different
	// consequences depending on the concrete implementation.
	//
	// The channel is closed when the subscriber encounters an error, or when
	// the caller invokes Stop, whichever comes first.
	Start() <-chan Event

	// Err returns the error that was responsible for closing the channel of
	// incoming events.
	Err() error

	// Stop the subscriber, closing the channel that was returned by Start.
	Stop() error
}
