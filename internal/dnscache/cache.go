// Package dnscache implements the resolver-side answer cache of the
// forwarder: previously observed resource records are stored in a
// fixed-size contiguous region, optionally backed by a mapped file so the
// cache survives restarts, and re-synthesized into wire-format responses on
// lookup with TTLs recomputed against the insertion time.
package dnscache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/bavix/dnscache/internal/config"
	"github.com/bavix/dnscache/internal/metrics"
	"github.com/bavix/dnscache/internal/rdata"
)

var (
	// ErrCacheDisabled is returned by New when cache.enabled is false.
	ErrCacheDisabled = errors.New("cache is disabled")
	// ErrCacheTooSmall is returned by New when the configured size, rounded
	// up to a multiple of 8, is below 102400 bytes.
	ErrCacheTooSmall = errors.New("cache size must not be less than 102400 bytes")
	// ErrReloadRefused is returned by New when an existing cache file does
	// not match this build and overwrite is off.
	ErrReloadRefused = errors.New("existing cache is not compatible; set cache.overwrite to recreate it")
	// ErrCacheFull is returned by AddItems when no slot fits a new entry;
	// the remainder of the answer set is abandoned.
	ErrCacheFull = errors.New("cache region is full")
	// ErrCacheMiss is returned by Fetch when no usable cached answer exists.
	ErrCacheMiss = errors.New("no usable cached answer")

	errNoQuestion = errors.New("request has no question")
)

// maxCNAMEChain bounds the lookup's CNAME walk so a cycle in cached data
// cannot hang a query.
const maxCNAMEChain = 16

// Cache is one mapped-region answer cache instance. A single
// reader/writer lock covers the region, the index and the counters:
// lookups share it, ingest and the sweeper take it exclusively.
type Cache struct {
	log zerolog.Logger

	mu sync.RWMutex
	r  *region
	ix index

	inited atomic.Bool

	ignoreTTL   bool
	overrideTTL int
	ttlMultiple int

	now func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New allocates or reloads the region per the configuration and starts the
// TTL sweeper unless expiry is ignored.
//
//nolint:cyclop // fresh / reload / overwrite decision tree per config
func New(ctx context.Context, cfg config.CacheConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, ErrCacheDisabled
	}

	size := roundUp(cfg.Size, entryAlign)
	if size < minCacheSize {
		return nil, ErrCacheTooSmall
	}

	log := zerolog.Ctx(ctx).With().Str("component", "dnscache").Logger()

	c := &Cache{
		log:         log,
		ignoreTTL:   cfg.IgnoreTTL,
		overrideTTL: cfg.OverrideTTL,
		ttlMultiple: cfg.MultipleTTL,
		now:         time.Now,
	}

	if c.overrideTTL >= 0 {
		c.ttlMultiple = 1
	} else if c.ttlMultiple < 1 {
		log.Error().Int("multiple_ttl", cfg.MultipleTTL).Msg("invalid multiple_ttl, using 1")
		c.ttlMultiple = 1
	}

	var (
		r       *region
		existed bool
		err     error
	)

	if cfg.Memory {
		r = openMemoryRegion(size)
	} else {
		log.Info().Str("file", cfg.File).Int("size", size).Msg("cache file")

		r, existed, err = openFileRegion(cfg.File, size)
		if err != nil {
			return nil, err
		}
	}

	c.r = r
	c.ix = index{r: r}

	if err := c.initRegion(existed && cfg.Reload, cfg.Overwrite); err != nil {
		_ = r.close()

		return nil, err
	}

	c.inited.Store(true)
	c.publishGauges()

	if !cfg.IgnoreTTL {
		sctx, cancel := context.WithCancel(ctx)
		c.sweepCancel = cancel
		c.sweepDone = make(chan struct{})

		go c.runSweeper(sctx)
	}

	return c, nil
}

// initRegion decides fresh vs. reload vs. overwrite.
func (c *Cache) initRegion(reload, overwrite bool) error {
	if !reload {
		c.createFresh()

		return nil
	}

	if c.reloadable() {
		if err := c.ix.reattach(); err == nil {
			c.log.Info().
				Int32("entries", c.r.count()).
				Int32("end", c.r.end()).
				Msg("cache reloaded")

			return nil
		}
	}

	if !overwrite {
		return ErrReloadRefused
	}

	c.createFresh()
	c.log.Info().Msg("existing cache has been overwritten")

	return nil
}

func (c *Cache) createFresh() {
	c.r.writeFreshHeader()
	c.ix.initFresh()
}

func (c *Cache) reloadable() bool {
	if !c.r.headerMatches() {
		c.log.Error().
			Uint32("program_version", cacheVersion).
			Uint32("file_version", c.r.u32(hdrOffVersion)).
			Int32("file_size", c.r.i32(hdrOffCacheSize)).
			Int("configured_size", c.r.size()).
			Msg("existing cache is not compatible")

		return false
	}

	end := c.r.end()

	return end >= headerSize && int(end) <= c.r.size()
}

// Ready reports whether the cache is initialized and not closed.
func (c *Cache) Ready() bool { return c.inited.Load() }

// Close stops the sweeper, fences in-flight writers and releases the
// region; for a file-backed cache the unmap persists dirty pages.
func (c *Cache) Close() error {
	if !c.inited.CompareAndSwap(true, false) {
		return nil
	}

	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.r.close()
}

// fingerprint renders the lookup key: name \x01 TYPE \x01 CLASS \x00 with
// decimal ASCII type and class.
func fingerprint(name string, rrtype, class uint16) []byte {
	b := make([]byte, 0, len(name)+10)
	b = append(b, name...)
	b = append(b, 0x01)
	b = strconv.AppendUint(b, uint64(rrtype), 10)
	b = append(b, 0x01)
	b = strconv.AppendUint(b, uint64(class), 10)
	b = append(b, 0)

	return b
}

// renderEntry builds the full textual entry: status byte, fingerprint,
// NUL-terminated descriptor fields, terminator.
func renderEntry(fp []byte, fields []string) []byte {
	n := 2 + len(fp)
	for _, f := range fields {
		n += len(f) + 1
	}

	b := make([]byte, 0, n)
	b = append(b, startByte)
	b = append(b, fp...)

	for _, f := range fields {
		b = append(b, f...)
		b = append(b, 0)
	}

	return append(b, endByte)
}

// AddItems installs every answer record of a wire-format response. The
// whole message is ingested under one exclusive lock; on ErrCacheFull the
// remainder of the answer set is abandoned.
func (c *Cache) AddItems(wire []byte, now time.Time) error {
	if !c.inited.Load() {
		return nil
	}

	var msg dns.Msg
	if err := msg.Unpack(wire); err != nil {
		return fmt.Errorf("unpack answer message: %w", err)
	}

	if len(msg.Answer) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// a caller racing Close may take the lock after the region is released
	if c.r.data == nil {
		return nil
	}

	defer c.publishGauges()

	for _, rr := range msg.Answer {
		if err := c.addOne(rr, now.Unix()); err != nil {
			return err
		}
	}

	return nil
}

//nolint:cyclop // render, dedup, ttl, allocate: the ingest pipeline
func (c *Cache) addOne(rr dns.RR, now int64) error {
	hdr := rr.Header()

	fields, ok := rdata.Render(rr)
	if !ok {
		c.log.Debug().
			Str("name", hdr.Name).
			Uint16("type", hdr.Rrtype).
			Msg("no descriptor for record type, not cached")

		return nil
	}

	name := rdata.Name(hdr.Name)
	fp := fingerprint(name, hdr.Rrtype, hdr.Class)
	entry := renderEntry(fp, fields)

	// Duplicate check compares the rendered bytes, not just the
	// fingerprint: several records may legitimately share a key.
	if _, _, dup := c.findVerified(fp, entry[1:], now); dup {
		return nil
	}

	ttl := int64(c.overrideTTL)
	if c.overrideTTL < 0 {
		ttl = int64(hdr.Ttl) * int64(c.ttlMultiple)
	}

	if ttl <= 0 {
		return nil
	}

	if ttl > math.MaxInt32 {
		ttl = math.MaxInt32
	}

	rounded := int32(roundUp(len(entry), entryAlign))

	idx, nd, created, ok := c.ix.findUnused(rounded, c.r.end())
	if !ok {
		return ErrCacheFull
	}

	if created {
		c.r.setEnd(nd.Offset + rounded)
	}

	copy(c.r.data[nd.Offset:], entry)

	for i := nd.Offset + int32(len(entry)); i < nd.Offset+nd.Length; i++ {
		c.r.data[i] = padByte
	}

	nd.TTL = int32(ttl)
	nd.TimeAdded = now
	nd.Hash = fingerprintHash(fp)
	c.ix.insert(idx, nd)
	c.r.setCount(c.r.count() + 1)

	c.log.Debug().Str("name", name).Uint16("type", hdr.Rrtype).Int64("ttl", ttl).Msg("cache added")
	metrics.CacheInsertsTotal.WithLabelValues(metrics.Service()).Inc()

	return nil
}

// findVerified walks the fingerprint's chain and returns the first live
// candidate whose region bytes match cmp (which always begins with the
// fingerprint). Candidates with a wrong status byte or mismatched bytes are
// skipped; the hash may alias.
func (c *Cache) findVerified(fp, cmp []byte, now int64) (int32, node, bool) {
	it := c.ix.lookup(fingerprintHash(fp))

	for {
		idx, nd, ok := it.next()
		if !ok {
			return nilRef, node{}, false
		}

		if nd.TTL <= 0 {
			continue
		}

		if !c.ignoreTTL && now-nd.TimeAdded >= int64(nd.TTL) {
			continue
		}

		if c.r.data[nd.Offset] != startByte {
			continue
		}

		start := int(nd.Offset) + 1
		if start+len(cmp) > int(nd.Offset+nd.Length) {
			continue
		}

		if bytes.Equal(c.r.data[start:start+len(cmp)], cmp) {
			return idx, nd, true
		}
	}
}

// entryFields parses the NUL-terminated field values stored after the
// fingerprint, up to the entry terminator.
func (c *Cache) entryFields(nd node, fpLen int) []string {
	data := c.r.data[nd.Offset : nd.Offset+nd.Length]
	pos := 1 + fpLen

	var fields []string

	for pos < len(data) && data[pos] != endByte {
		nul := bytes.IndexByte(data[pos:], 0)
		if nul < 0 {
			break
		}

		fields = append(fields, string(data[pos:pos+nul]))
		pos += nul + 1
	}

	return fields
}

// emitTTL recomputes the TTL for emission. Callers pass only entries that
// liveMatch or findVerified accepted (age below TTL), so the remainder is
// positive; the clamp at 0 is defensive.
func (c *Cache) emitTTL(nd node, now int64) uint32 {
	if c.ignoreTTL {
		return uint32(nd.TTL)
	}

	remain := int64(nd.TTL) - (now - nd.TimeAdded)
	if remain < 0 {
		remain = 0
	}

	return uint32(remain)
}

// Fetch answers a wire-format request from the cache. buf holds the request
// in buf[:reqLen] and provides the response capacity; the final response
// (compressed, flags set, EDNS OPT re-appended when the request carried
// one) is written back into buf. Returns ErrCacheMiss when nothing usable
// is cached.
func (c *Cache) Fetch(buf []byte, reqLen int) (int, error) {
	if !c.inited.Load() {
		return 0, ErrCacheMiss
	}

	var req dns.Msg
	if err := req.Unpack(buf[:reqLen]); err != nil {
		return 0, fmt.Errorf("unpack request: %w", err)
	}

	if len(req.Question) == 0 {
		return 0, errNoQuestion
	}

	q := req.Question[0]
	opt := req.IsEdns0()

	answers := c.collectAnswers(q, c.now().Unix())
	if len(answers) == 0 {
		metrics.CacheMissesTotal.WithLabelValues(metrics.Service()).Inc()

		return 0, ErrCacheMiss
	}

	resp := new(dns.Msg)
	resp.SetReply(&req)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess
	resp.Compress = true
	resp.Answer = answers

	if opt != nil {
		resp.Extra = []dns.RR{dns.Copy(opt)}
	}

	// Emission stops at the last record that fits the caller's buffer.
	for len(resp.Answer) > 0 {
		out, err := resp.Pack()
		if err != nil {
			return 0, fmt.Errorf("pack response: %w", err)
		}

		if len(out) <= len(buf) {
			metrics.CacheHitsTotal.WithLabelValues(metrics.Service()).Inc()

			return copy(buf, out), nil
		}

		resp.Answer = resp.Answer[:len(resp.Answer)-1]
	}

	metrics.CacheMissesTotal.WithLabelValues(metrics.Service()).Inc()

	return 0, ErrCacheMiss
}

// collectAnswers walks the CNAME chain and gathers the terminal records
// under one shared lock, so a single lookup observes a consistent snapshot.
func (c *Cache) collectAnswers(q dns.Question, now int64) []dns.RR {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.r.data == nil {
		return nil
	}

	var answers []dns.RR

	name := rdata.Name(q.Name)

	if q.Qtype != dns.TypeCNAME {
		for i := 0; i < maxCNAMEChain; i++ {
			target, rr, ok := c.cnameHop(name, now)
			if !ok {
				break
			}

			answers = append(answers, rr)
			name = target
		}
	}

	fp := fingerprint(name, q.Qtype, q.Qclass)
	it := c.ix.lookup(fingerprintHash(fp))

	for {
		_, nd, ok := it.next()
		if !ok {
			break
		}

		if !c.liveMatch(nd, fp, now) {
			continue
		}

		rr, err := rdata.Build(name, q.Qtype, q.Qclass, c.emitTTL(nd, now), c.entryFields(nd, len(fp)))
		if err != nil {
			c.log.Debug().Err(err).Str("name", name).Msg("stored entry rejected")

			continue
		}

		answers = append(answers, rr)
	}

	return answers
}

// cnameHop resolves one step of the CNAME chain for name.
func (c *Cache) cnameHop(name string, now int64) (string, dns.RR, bool) {
	fp := fingerprint(name, dns.TypeCNAME, dns.ClassINET)

	_, nd, ok := c.findVerified(fp, fp, now)
	if !ok {
		return "", nil, false
	}

	fields := c.entryFields(nd, len(fp))

	rr, err := rdata.Build(name, dns.TypeCNAME, dns.ClassINET, c.emitTTL(nd, now), fields)
	if err != nil {
		return "", nil, false
	}

	return fields[0], rr, true
}

// liveMatch reports whether nd is a live, byte-verified entry for fp.
func (c *Cache) liveMatch(nd node, fp []byte, now int64) bool {
	if nd.TTL <= 0 {
		return false
	}

	if !c.ignoreTTL && now-nd.TimeAdded >= int64(nd.TTL) {
		return false
	}

	if c.r.data[nd.Offset] != startByte {
		return false
	}

	start := int(nd.Offset) + 1

	return start+len(fp) <= int(nd.Offset+nd.Length) &&
		bytes.Equal(c.r.data[start:start+len(fp)], fp)
}

// Stats is a point-in-time snapshot for the admin API.
type Stats struct {
	Entries   int32 `json:"entries"`
	EndOffset int32 `json:"end_offset"`
	Size      int   `json:"size"`
	Nodes     int32 `json:"nodes"`
}

// Snapshot returns current occupancy counters.
func (c *Cache) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.r.data == nil {
		return Stats{}
	}

	return Stats{
		Entries:   c.r.count(),
		EndOffset: c.r.end(),
		Size:      c.r.size(),
		Nodes:     c.ix.nodeUsed(),
	}
}

func (c *Cache) publishGauges() {
	s := metrics.Service()
	metrics.CacheEntries.WithLabelValues(s).Set(float64(c.r.count()))
	metrics.CacheBytes.WithLabelValues(s).Set(float64(c.r.end()))
}
