package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics/generic"

	"github.com/go-kit/rollout/cache"
	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/pubsub"
	"github.com/go-kit/rollout/store/inmem"
)

type countingReader struct {
	next  feature.Reader
	reads int64
}

func (r *countingReader) Get(ctx context.Context, key string) (feature.Flag, error) {
	atomic.AddInt64(&r.reads, 1)
	return r.next.Get(ctx, key)
}

func (r *countingReader) count() int64 { return atomic.LoadInt64(&r.reads) }

type clock struct {
	mtx sync.Mutex
	t   time.Time
}

func (c *clock) now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.t = c.t.Add(d)
}

func seed(t *testing.T, s *inmem.Store, key string) feature.Flag {
	t.Helper()
	f, err := s.Create(context.Background(), feature.Flag{
		Key:    key,
		Name:   key,
		Type:   feature.TypeBoolean,
		Status: feature.StatusActive,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestReadThrough(t *testing.T) {
	var (
		s      = inmem.New()
		r      = &countingReader{next: s}
		hits   = generic.NewCounter("hits")
		misses = generic.NewCounter("misses")
		c      = cache.New(r, cache.Counters(hits, misses))
		ctx    = context.Background()
	)
	seed(t, s, "a")

	for i := 0; i < 3; i++ {
		f, err := c.Get(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if f.Key != "a" {
			t.Fatalf("want a, have %q", f.Key)
		}
	}
	if want, have := int64(1), r.count(); want != have {
		t.Errorf("store reads: want %d, have %d", want, have)
	}
	if want, have := 2.0, hits.Value(); want != have {
		t.Errorf("hits: want %v, have %v", want, have)
	}
	if want, have := 1.0, misses.Value(); want != have {
		t.Errorf("misses: want %v, have %v", want, have)
	}
}

func TestTTLExpiry(t *testing.T) {
	var (
		s   = inmem.New()
		r   = &countingReader{next: s}
		clk = &clock{t: time.Unix(1000, 0)}
		c   = cache.New(r, cache.TTL(time.Second), cache.Clock(clk.now))
		ctx = context.Background()
	)
	seed(t, s, "a")

	c.Get(ctx, "a")
	clk.advance(999 * time.Millisecond)
	c.Get(ctx, "a")
	if want, have := int64(1), r.count(); want != have {
		t.Fatalf("before expiry: want %d reads, have %d", want, have)
	}
	clk.advance(time.Millisecond)
	c.Get(ctx, "a")
	if want, have := int64(2), r.count(); want != have {
		t.Errorf("after expiry: want %d reads, have %d", want, have)
	}
}

func TestNotFoundIsCached(t *testing.T) {
	var (
		s   = inmem.New()
		r   = &countingReader{next: s}
		c   = cache.New(r)
		ctx = context.Background()
	)
	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "missing"); !errors.Is(err, feature.ErrNotFound) {
			t.Fatalf("want ErrNotFound, have %v", err)
		}
	}
	if want, have := int64(1), r.count(); want != have {
		t.Errorf("want %d reads, have %d", want, have)
	}

	seed(t, s, "missing")
	c.Invalidate("missing")
	if _, err := c.Get(ctx, "missing"); err != nil {
		t.Errorf("after create and invalidate: %v", err)
	}
}

func TestInvalidateObservesUpdate(t *testing.T) {
	var (
		s   = inmem.New()
		c   = cache.New(s, cache.TTL(time.Hour))
		ctx = context.Background()
	)
	f := seed(t, s, "a")
	c.Get(ctx, "a")

	f.RolloutPercentage = 50
	if _, err := s.Update(ctx, f); err != nil {
		t.Fatal(err)
	}
	if have, _ := c.Get(ctx, "a"); have.RolloutPercentage != 0 {
		t.Fatalf("want stale 0 before invalidation, have %d", have.RolloutPercentage)
	}

	c.Invalidate("a")
	if have, _ := c.Get(ctx, "a"); have.RolloutPercentage != 50 {
		t.Errorf("want 50 after invalidation, have %d", have.RolloutPercentage)
	}

	c.InvalidateAll()
	if have := c.Len(); have != 0 {
		t.Errorf("want empty cache, have %d entries", have)
	}
}

type blockingReader struct {
	next    feature.Reader
	entered chan struct{}
	release chan struct{}
}

func (r *blockingReader) Get(ctx context.Context, key string) (feature.Flag, error) {
	f, err := r.next.Get(ctx, key)
	r.entered <- struct{}{}
	<-r.release
	return f, err
}

func TestFillRacingInvalidationIsDiscarded(t *testing.T) {
	var (
		s   = inmem.New()
		r   = &blockingReader{next: s, entered: make(chan struct{}), release: make(chan struct{})}
		c   = cache.New(r, cache.TTL(time.Hour))
		ctx = context.Background()
	)
	seed(t, s, "a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Get(ctx, "a")
	}()
	<-r.entered       // the read has happened
	c.Invalidate("a") // a mutation lands before the fill is stored
	close(r.release)
	<-done

	if have := c.Len(); have != 0 {
		t.Errorf("want stale fill discarded, have %d entries", have)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	var (
		s   = inmem.New()
		r   = &blockingReader{next: s, entered: make(chan struct{}, 16), release: make(chan struct{})}
		c   = cache.New(r)
		ctx = context.Background()
	)
	seed(t, s, "a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, "a"); err != nil {
				t.Error(err)
			}
		}()
	}
	<-r.entered
	time.Sleep(50 * time.Millisecond)
	close(r.release)
	wg.Wait()

	if have := len(r.entered); have != 0 {
		t.Errorf("want one store read, have %d extra", have)
	}
}

// ctxReader blocks like blockingReader but gives up when its ctx ends.
type ctxReader struct {
	next    feature.Reader
	entered chan struct{}
	release chan struct{}
}

func (r *ctxReader) Get(ctx context.Context, key string) (feature.Flag, error) {
	r.entered <- struct{}{}
	select {
	case <-r.release:
		return r.next.Get(ctx, key)
	case <-ctx.Done():
		return feature.Flag{}, ctx.Err()
	}
}

func TestCancelledCallerDoesNotFailSharedRead(t *testing.T) {
	var (
		s = inmem.New()
		r = &ctxReader{next: s, entered: make(chan struct{}, 16), release: make(chan struct{})}
		c = cache.New(r)
	)
	seed(t, s, "a")

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA, "a")
		errA <- err
	}()
	<-r.entered

	ctxB, cancelB := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelB()
	errB := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxB, "a")
		errB <- err
	}()
	time.Sleep(50 * time.Millisecond) // let B join the read in flight

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: want context.Canceled, have %v", err)
	}
	close(r.release)
	if err := <-errB; err != nil {
		t.Errorf("live caller: want no error, have %v", err)
	}
	if want, have := 1, c.Len(); want != have {
		t.Errorf("want %d entry, have %d", want, have)
	}
}

func TestExpiredEntriesAreDropped(t *testing.T) {
	var (
		s   = inmem.New()
		clk = &clock{t: time.Unix(1000, 0)}
		c   = cache.New(s, cache.TTL(time.Second), cache.Clock(clk.now))
		ctx = context.Background()
	)
	for i := 0; i < 10000; i++ {
		if _, err := c.Get(ctx, fmt.Sprintf("unknown-%d", i)); !errors.Is(err, feature.ErrNotFound) {
			t.Fatalf("want ErrNotFound, have %v", err)
		}
	}
	if want, have := 10000, c.Len(); want != have {
		t.Fatalf("before expiry: want %d entries, have %d", want, have)
	}

	clk.advance(time.Hour)
	c.Get(ctx, "one-more")
	if want, have := 1, c.Len(); want != have {
		t.Errorf("after expiry: want %d entry, have %d", want, have)
	}
}

func TestExpiredEntryRemovedOnRead(t *testing.T) {
	var (
		s   = inmem.New()
		r   = &blockingReader{next: s, entered: make(chan struct{}, 1), release: make(chan struct{})}
		clk = &clock{t: time.Unix(1000, 0)}
		c   = cache.New(r, cache.TTL(time.Second), cache.Clock(clk.now))
		ctx = context.Background()
	)
	seed(t, s, "a")
	close(r.release)
	c.Get(ctx, "a")
	<-r.entered

	clk.advance(time.Minute)
	// The refill below is discarded by an invalidation, so only the
	// read path can have dropped the expired entry.
	r.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Get(ctx, "a")
	}()
	<-r.entered
	if have := c.Len(); have != 0 {
		t.Errorf("want expired entry dropped before refill, have %d entries", have)
	}
	c.Invalidate("a")
	close(r.release)
	<-done
}

func TestInvalidKeysAreNotCached(t *testing.T) {
	c := cache.New(inmem.New())
	if _, err := c.Get(context.Background(), "not a key"); !errors.Is(err, feature.ErrNotFound) {
		t.Fatalf("want ErrNotFound, have %v", err)
	}
	if have := c.Len(); have != 0 {
		t.Errorf("want no entries, have %d", have)
	}
}

func TestWatchInvalidates(t *testing.T) {
	var (
		s   = inmem.New()
		r   = &countingReader{next: s}
		c   = cache.New(r, cache.TTL(time.Hour))
		b   = pubsub.NewBroadcaster(8)
		sub = b.Subscribe()
	)
	seed(t, s, "a")
	seed(t, s, "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, sub) }()

	c.Get(ctx, "a")
	c.Get(ctx, "b")
	b.Publish(pubsub.NewEvent("a", pubsub.KindUpdated, 2))

	deadline := time.Now().Add(time.Second)
	for c.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if have := c.Len(); have != 1 {
		t.Fatalf("want 1 entry after keyed event, have %d", have)
	}

	b.Publish(pubsub.Event{})
	for c.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if have := c.Len(); have != 0 {
		t.Fatalf("want 0 entries after global event, have %d", have)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("want context.Canceled, have %v", err)
	}
}

func TestWatchReturnsWhenSubscriberCloses(t *testing.T) {
	b := pubsub.NewBroadcaster(1)
	sub := b.Subscribe()
	c := cache.New(inmem.New())

	done := make(chan error, 1)
	go func() { done <- c.Watch(context.Background(), sub) }()
	b.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("want nil, have %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return")
	}
}
