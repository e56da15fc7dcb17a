package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// NewRootCmd builds the command tree, every call returns fresh flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatch",
		Short: "Send raw HTTP requests through a socket, session or platform connection",
		Long: `dispatch - protocol level HTTP request dispatcher

Sends a single request over a fresh connection, optionally tunneled through
a CONNECT proxy, and follows 307 redirects. Settings come from a yaml file
(--config) or DISPATCH_* environment variables, flags override both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "yaml configuration file")
	root.PersistentFlags().BoolP("verbose", "v", false, "log every hop and both bodies to stderr")

	root.AddCommand(newRequestCmd(), newVersionCmd())
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dispatch %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
