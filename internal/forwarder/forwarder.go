// Package forwarder hosts the DNS servers around the answer cache: queries
// are answered from the cache when possible and relayed to the configured
// upstreams otherwise, with the upstream answers ingested back into the
// cache.
package forwarder

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bavix/dnscache/internal/config"
	"github.com/bavix/dnscache/internal/dnscache"
	"github.com/bavix/dnscache/internal/metrics"
)

var (
	errNoUpstreamAnswered = errors.New("no upstream answered")
	errTruncated          = errors.New("truncated")
)

const (
	defaultDNSTimeout = 2 * time.Second
	defaultBufSize    = 4096
	shutdownTimeout   = 5 * time.Second
)

// Forwarder answers DNS queries from the cache and relays misses upstream.
type Forwarder struct {
	cfg   *config.Config
	cache *dnscache.Cache

	udp *dns.Client
	tcp *dns.Client

	// exchange overrides the upstream transport; used by tests.
	exchange func(q *dns.Msg, address string) (*dns.Msg, error)

	sf singleflight.Group

	udpSrv *dns.Server
	tcpSrv *dns.Server
}

// New builds a forwarder; cache may be nil when caching is disabled.
func New(cfg *config.Config, cache *dnscache.Cache) *Forwarder {
	return &Forwarder{
		cfg:   cfg,
		cache: cache,
		udp:   &dns.Client{Net: "udp", Timeout: defaultDNSTimeout},
		tcp:   &dns.Client{Net: "tcp", Timeout: defaultDNSTimeout},
	}
}

// Start binds the UDP and TCP servers and serves until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", f.handleDNS(ctx))

	f.udpSrv = &dns.Server{Addr: f.cfg.Listen.UDP, Net: "udp", Handler: mux}
	f.tcpSrv = &dns.Server{Addr: f.cfg.Listen.TCP, Net: "tcp", Handler: mux}

	for _, srv := range []*dns.Server{f.udpSrv, f.tcpSrv} {
		go func(srv *dns.Server) {
			if err := srv.ListenAndServe(); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("net", srv.Net).Str("addr", srv.Addr).Msg("dns server stopped")
			}
		}(srv)
	}

	log.Info().Str("udp", f.cfg.Listen.UDP).Str("tcp", f.cfg.Listen.TCP).Msg("dns servers started")

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = f.udpSrv.ShutdownContext(sctx)
		_ = f.tcpSrv.ShutdownContext(sctx)
	}()

	return nil
}

func (f *Forwarder) handleDNS(ctx context.Context) dns.HandlerFunc {
	log := zerolog.Ctx(ctx)

	return func(w dns.ResponseWriter, r *dns.Msg) {
		start := time.Now()

		if metrics.M.DNSQueries != nil {
			metrics.M.DNSQueries.Inc()
		}

		defer func() {
			if metrics.M.RequestDuration != nil {
				metrics.M.RequestDuration.Observe(time.Since(start).Seconds())
			}
		}()

		if len(r.Question) == 0 {
			reply := new(dns.Msg)
			reply.SetRcode(r, dns.RcodeFormatError)
			_ = w.WriteMsg(reply)

			return
		}

		if raw, n, ok := f.fetchFromCache(r); ok {
			log.Debug().Str("name", r.Question[0].Name).Msg("answered from cache")
			_, _ = w.Write(raw[:n])

			return
		}

		out, err := f.resolveUpstream(r)
		if err != nil {
			log.Error().Err(err).Str("name", r.Question[0].Name).Msg("upstream resolution failed")

			reply := new(dns.Msg)
			reply.SetRcode(r, dns.RcodeServerFailure)
			_ = w.WriteMsg(reply)

			return
		}

		out.Id = r.Id
		_ = w.WriteMsg(out)
	}
}

// fetchFromCache tries to synthesize the response from the cache into a
// caller-owned buffer.
func (f *Forwarder) fetchFromCache(r *dns.Msg) ([]byte, int, bool) {
	if f.cache == nil || !f.cache.Ready() {
		return nil, 0, false
	}

	wire, err := r.Pack()
	if err != nil {
		return nil, 0, false
	}

	size := defaultBufSize
	if opt := r.IsEdns0(); opt != nil && int(opt.UDPSize()) > size {
		size = int(opt.UDPSize())
	}

	buf := make([]byte, size)
	copy(buf, wire)

	n, err := f.cache.Fetch(buf, len(wire))
	if err != nil {
		return nil, 0, false
	}

	return buf, n, true
}

// resolveUpstream relays the query, coalescing concurrent misses for the
// same question, and ingests the answer into the cache.
func (f *Forwarder) resolveUpstream(r *dns.Msg) (*dns.Msg, error) {
	q := r.Question[0]
	key := q.Name + ":" + dns.TypeToString[q.Qtype]

	v, err, _ := f.sf.Do(key, func() (any, error) {
		out, err := f.exchangeUpstreams(r)
		if err != nil {
			return nil, err
		}

		// ingest problems never fail the query
		if f.cache != nil && f.cache.Ready() && len(out.Answer) > 0 {
			if wire, perr := out.Pack(); perr == nil {
				_ = f.cache.AddItems(wire, time.Now())
			}
		}

		return out, nil
	})
	if err != nil {
		return nil, err
	}

	out, ok := v.(*dns.Msg)
	if !ok {
		return nil, errNoUpstreamAnswered
	}

	// the coalesced result is shared between callers
	return out.Copy(), nil
}

// exchangeUpstreams walks the configured upstreams in order; a truncated
// UDP response is retried over TCP.
func (f *Forwarder) exchangeUpstreams(r *dns.Msg) (*dns.Msg, error) {
	var lastErr error

	for _, up := range f.cfg.Upstreams {
		out, err := f.exchangeOne(r, up.Address)
		if err == nil && out != nil {
			return out, nil
		}

		metrics.IncResolveError(up.Address)

		lastErr = err
	}

	if lastErr == nil {
		lastErr = errNoUpstreamAnswered
	}

	return nil, lastErr
}

func (f *Forwarder) exchangeOne(r *dns.Msg, address string) (*dns.Msg, error) {
	if f.exchange != nil {
		return f.exchange(r, address)
	}

	out, _, err := f.udp.Exchange(r, address)
	if err == nil && out != nil && out.Truncated {
		err = errTruncated
	}

	if err != nil {
		out, _, err = f.tcp.Exchange(r, address)
	}

	return out, err
}
