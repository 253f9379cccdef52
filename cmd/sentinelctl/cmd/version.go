package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/sentinel/pkg/config"
)

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), config.GetBuildInfo("sentinelctl"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.VersionString("sentinelctl"))
			return nil
		},
	}
}
