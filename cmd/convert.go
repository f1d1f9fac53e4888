package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nber-i3/pvingest/internal/convert"
	"github.com/nber-i3/pvingest/internal/fetch"
	"github.com/nber-i3/pvingest/internal/pipeline"
)

func newConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert",
		Short: "Convert downloaded archives to parquet",
		Long: `Converts each table's archive into a typed parquet file, streaming
the TSV entry in bounded chunks. Missing archives are downloaded first;
tables whose parquet is already up to date are skipped.`,
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

			comps := pipeline.Components{
				Fetcher:   fetch.NewDownloader(cfg, logger),
				Converter: convert.New(cfg, logger),
			}
			graph, err := pipeline.BuildGraph(cfg, comps, descriptors)
			if err != nil {
				return err
			}
			runner := pipeline.NewRunner(cfg, graph, pipeline.NewResolver(cfg.MarkerDir()), nil, logger)
			return runner.Run(ctx).Err()
		},
	}
}
