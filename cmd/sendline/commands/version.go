package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Show version information",
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sendline %s\n", versionInfo.version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", versionInfo.commit)
		fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", versionInfo.date)
		fmt.Fprintf(cmd.OutOrStdout(), "Go: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
