package nats_test

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/go-kit/rollout/pubsub"
	natspubsub "github.com/go-kit/rollout/pubsub/nats"
)

func newNATSConn(t *testing.T) (*server.Server, *nats.Conn) {
	s, err := server.NewServer(&server.Options{
		Host: "localhost",
		Port: 0,
	})
	if err != nil {
		t.Fatal(err)
	}

	go s.Start()

	if ok := s.ReadyForConnections(5 * time.Second); !ok {
		t.Fatal("not ready for connections")
	}

	c, err := nats.Connect("nats://"+s.Addr().String(), nats.Name(t.Name()))
	if err != nil {
		t.Fatalf("failed to connect to NATS server: %s", err)
	}

	return s, c
}

func TestPublishSubscribe(t *testing.T) {
	s, c := newNATSConn(t)
	defer func() { s.Shutdown(); s.WaitForShutdown() }()
	defer c.Close()

	sub, err := natspubsub.NewSubscriber(c, "test.flags", log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	pub := natspubsub.NewPublisher(c, "test.flags")
	want := pubsub.NewEvent("new-dashboard", pubsub.KindUpdated, 4)
	if err := pub.Publish(want); err != nil {
		t.Fatal(err)
	}
	if err := pub.Stop(); err != nil {
		t.Fatal(err)
	}

	select {
	case have := <-sub.Start():
		if have.ID != want.ID || have.Key != want.Key || have.Version != want.Version || have.Kind != want.Kind {
			t.Errorf("want %+v, have %+v", want, have)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscriberSkipsGarbage(t *testing.T) {
	s, c := newNATSConn(t)
	defer func() { s.Shutdown(); s.WaitForShutdown() }()
	defer c.Close()

	sub, err := natspubsub.NewSubscriber(c, "", log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()
	c.Flush()

	if err := c.Publish(natspubsub.DefaultSubject, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := natspubsub.NewPublisher(c, "").Publish(pubsub.NewEvent("k", pubsub.KindCreated, 1)); err != nil {
		t.Fatal(err)
	}
	c.Flush()

	select {
	case have := <-sub.Start():
		if have.Key != "k" {
			t.Errorf("want event for k, have %+v", have)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscriberStopClosesChannel(t *testing.T) {
	s, c := newNATSConn(t)
	defer func() { s.Shutdown(); s.WaitForShutdown() }()
	defer c.Close()

	sub, err := natspubsub.NewSubscriber(c, "", log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-sub.Start():
		if ok {
			t.Error("want closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}
