package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nber-i3/pvingest/internal/fetch"
	"github.com/nber-i3/pvingest/internal/pipeline"
)

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download the archives for the configured flavor and version",
		Long: `Fetches every in-scope table archive to local storage. Archives
that already exist and pass the integrity check are skipped, so the
command can be re-run safely after a partial failure.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best effort on exit

			ctx := cmd.Context()
			pages := fetch.NewPageFetcher(cfg, logger)
			descriptors, err := resolveDescriptors(ctx, cfg, pages, logger)
			if err != nil {
				return err
			}

			comps := pipeline.Components{Fetcher: fetch.NewDownloader(cfg, logger)}
			graph, err := pipeline.BuildGraph(cfg, comps, descriptors)
			if err != nil {
				return err
			}
			runner := pipeline.NewRunner(cfg, graph, pipeline.NewResolver(cfg.MarkerDir()), nil, logger)
			return runner.Run(ctx).Err()
		},
	}
}
