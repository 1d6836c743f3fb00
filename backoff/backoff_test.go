package backoff

import (
	"context"
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	b := ExponentialBackoff{current: 12}

	next := b.next()

	if next < 12 || next > 36 {
		t.Errorf("Expected next to be between 12 and 36, got %d", next)
	}
}

func TestNextBackoffMax(t *testing.T) {
	max := time.Duration(13)
	b := ExponentialBackoff{Max: max, current: 14}

	next := b.NextBackoff()
	if next != max {
		t.Errorf("Expected next to be max, %d, but got %d", max, next)
	}
	if b.current != max {
		t.Errorf("Expected current to be max, %d, but got %d", max, b.current)
	}
}

func TestNewDefaults(t *testing.T) {
	b := New(0, 0)
	if b.Interval != DefaultInterval || b.Max != DefaultMaxInterval {
		t.Errorf("want defaults %s/%s, have %s/%s", DefaultInterval, DefaultMaxInterval, b.Interval, b.Max)
	}
	b.NextBackoff()
	b.Reset()
	if b.current != DefaultInterval {
		t.Errorf("Reset: want %s, have %s", DefaultInterval, b.current)
	}
}

func TestWaitCancelled(t *testing.T) {
	b := New(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Wait(ctx); err != context.Canceled {
		t.Errorf("want context.Canceled, have %v", err)
	}
}

func TestWaitElapses(t *testing.T) {
	b := New(time.Millisecond, 2*time.Millisecond)
	if err := b.Wait(context.Background()); err != nil {
		t.Errorf("want nil, have %v", err)
	}
}
