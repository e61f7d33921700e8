package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				OutputJSON(map[string]string{
					"version": Version,
					"commit":  Commit,
					"go":      runtime.Version(),
				})
				return
			}
			fmt.Printf("tokengate %s (commit %s, %s)\n", Version, Commit, runtime.Version())
		},
	}
}
