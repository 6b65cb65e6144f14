package cmd

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/dnscache/internal/adminhttp"
	"github.com/bavix/dnscache/internal/config"
	"github.com/bavix/dnscache/internal/dnscache"
	"github.com/bavix/dnscache/internal/forwarder"
	"github.com/bavix/dnscache/internal/metrics"
	"github.com/bavix/dnscache/internal/version"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the caching DNS forwarder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("dnscache starting")

			path := cfgFile
			if path == "" {
				path = "/etc/dnscache/config.yaml"
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			metrics.RegisterCollectors()
			metrics.SetService(cfg.AppName)
			metrics.BindService()
			log.Info().Str("config", path).Msg("starting")

			var cache *dnscache.Cache

			cache, err = dnscache.New(ctx, cfg.Cache)
			if err != nil {
				if !errors.Is(err, dnscache.ErrCacheDisabled) {
					return err
				}

				log.Info().Msg("answer cache disabled")

				cache = nil
			} else {
				defer func() { _ = cache.Close() }()
			}

			if cfg.HTTP.Enabled {
				admin := adminhttp.NewServer(&cfg.HTTP, cache)
				if err := admin.Start(ctx); err != nil {
					return err
				}
			}

			fwd := forwarder.New(cfg, cache)
			if err := fwd.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()

			return nil
		},
	}
}
