package cache

import (
	"context"
	"time"

	"chatsync/internal/debug"
)

const (
	DefaultResourceTTL     = 30 * time.Minute
	DefaultJanitorInterval = 5 * time.Minute
)

// StartJanitor periodically expires resources idle for longer than ttl.
// Pinned resources are skipped. The loop exits when ctx is done.
func (c *ResourceCache) StartJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if ttl <= 0 {
		ttl = DefaultResourceTTL
	}
	go c.janitorLoop(ctx, interval, ttl)
}

func (c *ResourceCache) janitorLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.expire(ttl); n > 0 {
				debug.Logf("cache janitor expired %d resources", n)
			}
		}
	}
}

func (c *ResourceCache) expire(ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-ttl)
	removed := 0
	// oldest entries sit at the back
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.lastUsed.After(cutoff) {
			break
		}
		if c.pinned[e.res.MessageID] == 0 {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}
