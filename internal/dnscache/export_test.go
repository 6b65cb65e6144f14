package dnscache

import (
	"fmt"
	"time"
)

// Test-only re-exports of on-region constants.
const (
	HeaderSize = headerSize
	StartByte  = startByte
	FreedByte  = freedByte
)

// SweepNow runs one expiry pass at the given instant, bypassing the
// background ticker.
func (c *Cache) SweepNow(now time.Time) { c.sweep(now.Unix()) }

// SetClock replaces the lookup clock.
func (c *Cache) SetClock(fn func() time.Time) { c.now = fn }

// RegionByte reads one byte of the region.
func (c *Cache) RegionByte(off int32) byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.r.data[off]
}

// CheckInvariants verifies the structural invariants of the region, the
// arena and the counters.
//
//nolint:gocognit,cyclop // exhaustive structural checks, test helper
func (c *Cache) CheckInvariants() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	end := int(c.r.end())
	if end < headerSize || end > c.r.size() {
		return fmt.Errorf("end offset %d outside [%d, %d]", end, headerSize, c.r.size())
	}

	used := c.ix.nodeUsed()

	type span struct{ lo, hi int32 }

	var (
		live  int32
		spans []span
	)

	for i := int32(0); i < used; i++ {
		nd := c.ix.loadNode(i)

		if nd.Length <= 0 || nd.Length%entryAlign != 0 {
			return fmt.Errorf("node %d has bad length %d", i, nd.Length)
		}

		if nd.TTL > 0 {
			live++

			if int(nd.Offset) < headerSize || int(nd.Offset+nd.Length) > end {
				return fmt.Errorf("live node %d span [%d, %d) outside [%d, %d)",
					i, nd.Offset, nd.Offset+nd.Length, headerSize, end)
			}

			if c.r.data[nd.Offset] != startByte {
				return fmt.Errorf("live node %d status byte %#x", i, c.r.data[nd.Offset])
			}

			spans = append(spans, span{lo: nd.Offset, hi: nd.Offset + nd.Length})
		} else if c.r.data[nd.Offset] != freedByte {
			return fmt.Errorf("freed node %d status byte %#x", i, c.r.data[nd.Offset])
		}
	}

	for a := range spans {
		for b := a + 1; b < len(spans); b++ {
			if spans[a].lo < spans[b].hi && spans[b].lo < spans[a].hi {
				return fmt.Errorf("live spans overlap: [%d,%d) and [%d,%d)",
					spans[a].lo, spans[a].hi, spans[b].lo, spans[b].hi)
			}
		}
	}

	if live != c.r.count() {
		return fmt.Errorf("entry count %d != live nodes %d", c.r.count(), live)
	}

	return nil
}
