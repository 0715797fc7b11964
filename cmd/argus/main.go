package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "argus",
	Short: "Argus alert inspection pipeline",
	Long: `argus runs the asynchronous alert inspection and review pipeline:
it receives security alerts, fans them out to registered inspectors,
aggregates their findings and attributes, and publishes a reviewed report
per alert.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
