package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storymap/api/internal/canvas"
)

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var target targetFlags
	var fix bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report edges whose endpoints no longer exist, and optionally remove them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			gw, ctx, closeFn, err := target.open(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeFn()

			state := canvas.NewState(gw, target.project)
			if err := state.Load(ctx); err != nil {
				return err
			}
			auditor := canvas.NewAuditor(state)

			dangling, err := auditor.Detect(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(dangling) == 0 {
				fmt.Fprintln(out, "no broken connections")
				return nil
			}
			for _, edge := range dangling {
				fmt.Fprintf(out, "%s\t%s -> %s\n", edge.ID, edge.SourceNodeID, edge.TargetNodeID)
			}
			fmt.Fprintln(out, state.Snapshot().Status)

			if !fix {
				return nil
			}
			if _, err := auditor.Cleanup(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, state.Snapshot().Status)
			return nil
		},
	}

	target.bind(cmd)
	cmd.Flags().BoolVar(&fix, "fix", false, "delete the dangling edges")
	return cmd
}
