package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grokgate/grokgate/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "grokgate",
	Short:   "OpenAI-compatible gateway for the Grok web API",
	Long:    "OpenAI-compatible gateway translating chat completions onto the Grok web API with a managed credential pool.",
	Version: version.String(),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print grokgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("grokgate"))
		},
	})
}
