package dnscache

import (
	"context"
	"time"

	"github.com/bavix/dnscache/internal/metrics"
)

// sweepInterval paces the background expiry scan.
const sweepInterval = 59 * time.Second

// runSweeper evicts expired entries until the context is cancelled. The
// wait is cancellable so Close does not block for up to a minute.
func (c *Cache) runSweeper(ctx context.Context) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.inited.Load() {
				return
			}

			c.sweep(c.now().Unix())
		}
	}
}

// sweep runs one expiry pass. A shared-lock scan finds candidates first, so
// passes with nothing to evict never take the exclusive lock; candidates
// are re-verified once it is held.
func (c *Cache) sweep(now int64) {
	if !c.anyExpired(now) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0

	for i := c.ix.nodeUsed() - 1; i >= 0; i-- {
		nd := c.ix.loadNode(i)
		if nd.TTL <= 0 || now-nd.TimeAdded < int64(nd.TTL) {
			continue
		}

		c.log.Debug().
			Int32("offset", nd.Offset).
			Int64("age", now-nd.TimeAdded).
			Msg("cache removed")

		c.r.data[nd.Offset] = freedByte
		c.ix.remove(i)
		c.r.setCount(c.r.count() - 1)
		evicted++
	}

	if evicted > 0 {
		c.reclaimEnd()
		metrics.CacheEvictionsTotal.WithLabelValues(metrics.Service()).Add(float64(evicted))
		c.publishGauges()
	}
}

func (c *Cache) anyExpired(now int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := c.ix.nodeUsed() - 1; i >= 0; i-- {
		nd := c.ix.loadNode(i)
		if nd.TTL > 0 && now-nd.TimeAdded >= int64(nd.TTL) {
			return true
		}
	}

	return false
}

// reclaimEnd trims the trailing end of the region. Descriptors are created
// in carve order, so offsets increase with the arena subscript: trailing
// freed slots can be released together with their descriptors, and the end
// offset drops to just past the highest remaining slot. Non-terminal freed
// slots stay in the free pool. Caller holds the write lock.
func (c *Cache) reclaimEnd() {
	used := c.ix.nodeUsed()
	for used > 0 {
		nd := c.ix.loadNode(used - 1)
		if nd.TTL > 0 {
			c.r.setEnd(nd.Offset + nd.Length)
			c.ix.setNodeUsed(used)

			return
		}

		c.ix.removeFree(used - 1)
		used--
	}

	c.ix.setNodeUsed(0)
	c.r.setEnd(headerSize)
}
