// Package adminhttp exposes the operational surface of the forwarder:
// health, Prometheus metrics and a cache occupancy snapshot.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bavix/dnscache/internal/config"
	"github.com/bavix/dnscache/internal/dnscache"
	"github.com/bavix/dnscache/internal/version"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg       *config.HTTPConfig
	cache     *dnscache.Cache
	srv       *http.Server
	startTime time.Time
}

// NewServer builds the admin server; cache may be nil when caching is
// disabled.
func NewServer(cfg *config.HTTPConfig, cache *dnscache.Cache) *Server {
	return &Server{
		cfg:       cfg,
		cache:     cache,
		startTime: time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/v1/cache/stats", s.handleCacheStats)

	return r
}

// Start serves in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	s.srv = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.cfg.Listen).Msg("admin server stopped")
		}
	}()

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = s.srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", s.cfg.Listen).Msg("admin server started")

	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_seconds"`
	CacheOK   bool   `json:"cache_ok"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{
		Status:    "ok",
		Version:   version.GetVersion(),
		UptimeSec: int64(time.Since(s.startTime).Seconds()),
		CacheOK:   s.cache != nil && s.cache.Ready(),
	})
}

type cacheStatsResponse struct {
	Enabled bool            `json:"enabled"`
	Stats   *dnscache.Stats `json:"stats,omitempty"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil || !s.cache.Ready() {
		render.JSON(w, r, cacheStatsResponse{Enabled: false})

		return
	}

	stats := s.cache.Snapshot()
	render.JSON(w, r, cacheStatsResponse{Enabled: true, Stats: &stats})
}
