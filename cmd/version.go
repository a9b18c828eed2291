package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/strand-protocol/rtkit/cmd.rtkitctlVersion=x.y.z"
var rtkitctlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show rtkitctl version and supported protocol versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "rtkitctl version %s\n", rtkitctlVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "protocol versions %d-%d\n", cfg.Versions.Min, cfg.Versions.Max)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
