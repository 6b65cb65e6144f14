//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DNSQueriesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_client_queries_total",
			Help: "Total DNS queries processed by the forwarder (Counter).",
		},
		[]string{"service"},
	)
	DNSRequestDuration = promauto.NewHistogramVec(
		prom.HistogramOpts{
			Name:    "dns_request_duration_seconds",
			Help:    "End-to-end DNS request duration (Histogram).",
			Buckets: prom.DefBuckets,
		},
		[]string{"service"},
	)
	ResolveErrorsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_resolve_errors_total",
			Help: "Upstream resolve errors (Counter). Labels: service, upstream.",
		},
		[]string{"service", "upstream"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_cache_hits_total",
			Help: "Queries answered from the mapped-region cache (Counter).",
		},
		[]string{"service"},
	)
	CacheMissesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_cache_misses_total",
			Help: "Queries not answerable from the cache (Counter).",
		},
		[]string{"service"},
	)
	CacheInsertsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_cache_inserts_total",
			Help: "Answer records installed into the cache (Counter).",
		},
		[]string{"service"},
	)
	CacheEvictionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "dns_cache_evictions_total",
			Help: "Entries evicted by the TTL sweeper (Counter).",
		},
		[]string{"service"},
	)
	CacheEntries = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "dns_cache_entries",
			Help: "Live entries in the cache region (Gauge).",
		},
		[]string{"service"},
	)
	CacheBytes = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "dns_cache_bytes",
			Help: "Occupied bytes of the cache region, header included (Gauge).",
		},
		[]string{"service"},
	)
)

var serviceName atomic.Value

// SetService sets the service label used by the bound metrics.
func SetService(name string) {
	if name == "" {
		name = "dnscache"
	}

	serviceName.Store(name)
}

// Service returns the current service label.
func Service() string {
	if v, ok := serviceName.Load().(string); ok && v != "" {
		return v
	}

	return "dnscache"
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

var M struct { //nolint:gochecknoglobals // metrics cache
	DNSQueries      prom.Counter
	RequestDuration prom.Observer

	CacheHits      prom.Counter
	CacheMisses    prom.Counter
	CacheInserts   prom.Counter
	CacheEvictions prom.Counter
	CacheEntries   prom.Gauge
	CacheBytes     prom.Gauge
}

// BindService resolves the label-bound metric handles for the current service.
func BindService() {
	s := Service()
	M.DNSQueries = DNSQueriesTotal.WithLabelValues(s)
	M.RequestDuration = DNSRequestDuration.WithLabelValues(s)

	M.CacheHits = CacheHitsTotal.WithLabelValues(s)
	M.CacheMisses = CacheMissesTotal.WithLabelValues(s)
	M.CacheInserts = CacheInsertsTotal.WithLabelValues(s)
	M.CacheEvictions = CacheEvictionsTotal.WithLabelValues(s)
	M.CacheEntries = CacheEntries.WithLabelValues(s)
	M.CacheBytes = CacheBytes.WithLabelValues(s)
}

// IncResolveError increments error counter for upstream.
func IncResolveError(upstream string) {
	if upstream == "" {
		upstream = "unknown"
	}

	ResolveErrorsTotal.WithLabelValues(Service(), upstream).Inc()
}
