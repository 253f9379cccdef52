package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/sentinel/internal/definitions"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

func newDefinitionsCmd(opts *options) *cobra.Command {
	defCmd := &cobra.Command{
		Use:   "definitions",
		Short: "Check and apply SLO and invariant definition files",
		Long: `Work with YAML definition files.

Examples:
  sentinelctl definitions check ./definitions.yaml
  sentinelctl definitions sync ./definitions.yaml`,
	}

	defCmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a definitions file without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := definitions.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d SLO(s), %d invariant(s) OK\n",
				args[0], len(f.SLOs), len(f.Invariants))
			return nil
		},
	})

	defCmd.AddCommand(&cobra.Command{
		Use:   "sync <file>",
		Short: "Create or update definitions by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(ctx context.Context, store *storage.SQLiteStorage) error {
				res, err := definitions.NewSyncer(args[0], store, zap.NewNop().Sugar()).SyncOnce(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput() {
					return printJSON(out, res)
				}
				for _, name := range res.Created {
					fmt.Fprintf(out, "created   %s\n", name)
				}
				for _, name := range res.Updated {
					fmt.Fprintf(out, "updated   %s\n", name)
				}
				printVerbose(cmd, opts, "%d definition(s) unchanged", len(res.Unchanged))
				if !res.Changed() {
					fmt.Fprintln(out, "Definitions are up to date.")
				}
				return nil
			})
		},
	})
	return defCmd
}
