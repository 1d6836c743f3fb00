// Package nats implements pubsub over a NATS subject. Events are JSON
// encoded; every replica subscribes with a plain (non-queue) subscription so
// each one sees every change.
package nats

import (
	"encoding/json"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/go-kit/rollout/pubsub"
)

// DefaultSubject is the subject flag changes are published on.
const DefaultSubject = "rollout.flags.changed"

// Publisher publishes change events to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// NewPublisher returns a Publisher using conn. The connection is owned by the
// caller.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

// Publish implements pubsub.Publisher.
func (p *Publisher) Publish(e pubsub.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encoding change event")
	}
	return errors.Wrapf(p.conn.Publish(p.subject, data), "publishing to %s", p.subject)
}

// Stop implements pubsub.Publisher by flushing buffered events.
func (p *Publisher) Stop() error {
	return p.conn.Flush()
}

// Subscriber receives change events from a NATS subject.
type Subscriber struct {
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	events chan pubsub.Event
	quit   chan struct{}
	logger log.Logger

	once sync.Once
	mtx  sync.Mutex
	err  error
}

// NewSubscriber subscribes to subject on conn. Undecodable messages are
// logged and skipped.
func NewSubscriber(conn *nats.Conn, subject string, logger log.Logger) (*Subscriber, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	s := &Subscriber{
		msgs:   make(chan *nats.Msg, 64),
		events: make(chan pubsub.Event),
		quit:   make(chan struct{}),
		logger: logger,
	}
	sub, err := conn.ChanSubscribe(subject, s.msgs)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", subject)
	}
	s.sub = sub
	go s.loop()
	return s, nil
}

func (s *Subscriber) loop() {
	defer close(s.events)
	for {
		select {
		case msg := <-s.msgs:
			var e pubsub.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				level.Warn(s.logger).Log("subject", msg.Subject, "during", "decode", "err", err)
				continue
			}
			select {
			case s.events <- e:
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

// Start implements pubsub.Subscriber.
func (s *Subscriber) Start() <-chan pubsub.Event {
	return s.events
}

// Err implements pubsub.Subscriber.
func (s *Subscriber) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}

// Stop implements pubsub.Subscriber.
func (s *Subscriber) Stop() error {
	s.once.Do(func() {
		err := s.sub.Unsubscribe()
		s.mtx.Lock()
		s.err = err
		s.mtx.Unlock()
		close(s.quit)
	})
	return s.Err()
}
