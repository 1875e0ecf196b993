package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/tokenrelay/pkg/logutil"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "tokenrelay",
	Short: "Accounting relay for OpenAI-style chat completions",
	Long:  "tokenrelay forwards chat completion requests to a hosted provider, pins the model and service tier, and logs token usage per request.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel)
	}
}
