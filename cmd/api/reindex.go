package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storymap/api/internal/search"
)

func newReindexCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every stored node into the Meilisearch index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return fmt.Errorf("reindex: MEILI_URL is not configured")
			}

			ctx := cmd.Context()
			db, graph, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
			defer meiliClient.Close()
			if !meiliClient.Healthy() {
				return fmt.Errorf("reindex: meilisearch at %s is unavailable", cfg.MeiliURL)
			}

			count, err := search.NewMeiliService(meiliClient, nil, log).ReindexAll(ctx, graph)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d nodes\n", count)
			return nil
		},
	}
}
