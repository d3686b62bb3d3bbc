// Package cmd contains the fsdebounce-watch CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fsdebounce-watch",
	Short: "Debug tool for the fsdebounce event coalescer",
	Long: `fsdebounce-watch watches one or more paths and prints the
debounced, semantically meaningful event stream fsdebounce produces
from the raw filesystem notifications underneath.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error { return rootCmd.Execute() }

// SetVersionInfo is called from main with linker-supplied version info.
func SetVersionInfo(v, bt, gc string) {
	version, buildTime, gitCommit = v, bt, gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./fsdebounce.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fsdebounce-watch %s\n", version)
		fmt.Printf("  build time: %s\n", buildTime)
		fmt.Printf("  git commit: %s\n", gitCommit)
	},
}
