package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/tokenrelay/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("tokenrelay"))
		},
	})
}
