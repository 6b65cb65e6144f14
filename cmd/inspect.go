package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/dnscache/internal/dnscache"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <cache-file>",
		Short: "Print the header of an existing cache file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.Ctx(cmd.Context())

			hdr, err := dnscache.ReadHeader(args[0])
			if err != nil {
				return err
			}

			log.Info().
				Str("file", args[0]).
				Uint32("version", hdr.Version).
				Bool("compatible", hdr.Compatible()).
				Int32("cache_size", hdr.CacheSize).
				Int32("end_offset", hdr.EndOffset).
				Int32("entries", hdr.Entries).
				Int32("nodes", hdr.Nodes).
				Msg("cache header")

			return nil
		},
	}
}
