package cache

import (
	"context"

	"github.com/go-kit/rollout/pubsub"
)

// Watch applies change events from sub until ctx is done or the subscriber's
// channel closes. It returns the subscriber's error in the latter case.
// Events without a key invalidate the whole cache.
func (c *Cache) Watch(ctx context.Context, sub pubsub.Subscriber) error {
	events := sub.Start()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return sub.Err()
			}
			if e.Key == "" {
				c.InvalidateAll()
				continue
			}
			c.Invalidate(e.Key)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
