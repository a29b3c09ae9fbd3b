package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storymap/api/internal/beats"
	"storymap/api/internal/canvas"
)

func newBeatsCommand(opts *rootOptions) *cobra.Command {
	var target targetFlags
	var outline string
	var commit bool

	cmd := &cobra.Command{
		Use:   "beats",
		Short: "Generate story beats from an outline and optionally commit them to the canvas",
		Long: `Generate story beats from an outline with the configured chat completions
endpoint and print the preview. With --commit the beats are added to the
canvas as a connected sequence; a failed commit removes what was added.
Pass --outline - to read the outline from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			if outline == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read outline: %w", err)
				}
				outline = string(raw)
			}
			if strings.TrimSpace(outline) == "" {
				return canvas.ErrEmptyOutline
			}

			generator, err := beats.NewClient(beats.Config{
				BaseURL:    cfg.BeatsAPIURL,
				APIKey:     cfg.BeatsAPIKey,
				Model:      cfg.BeatsModel,
				Timeout:    60 * time.Second,
				MaxRetries: 2,
			}, log)
			if err != nil {
				return err
			}

			gw, ctx, closeFn, err := target.open(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			state := canvas.NewState(gw, target.project)
			if err := state.Load(ctx); err != nil {
				return err
			}
			pipeline := canvas.NewPipeline(state, generator)

			preview, err := pipeline.Generate(ctx, outline)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(preview); err != nil {
				return err
			}
			if !commit {
				return nil
			}

			result, err := pipeline.Commit(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), state.Snapshot().Status)
			if err != nil {
				if len(result.LeftoverNodeIDs) > 0 || len(result.LeftoverEdgeIDs) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "leftover nodes: %v\nleftover edges: %v\n", result.LeftoverNodeIDs, result.LeftoverEdgeIDs)
				}
				return err
			}
			return nil
		},
	}

	target.bind(cmd)
	cmd.Flags().StringVar(&outline, "outline", "", "story outline text, or - for stdin")
	cmd.Flags().BoolVar(&commit, "commit", false, "add the generated beats to the canvas")
	return cmd
}
