// Package main implements the mofsci CLI: in-process workflow runs and
// manual operations against the mofscid HTTP server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the mofscid HTTP server
	serverURL string
	// configPath overrides ~/.config/mofsci/config.yaml
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

// exitError carries a process exit code without printing usage.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := execute(os.Args[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mofsci",
	Short: "Plan and run metal-organic framework workflows",
	Long: `mofsci turns a natural-language request about a metal-organic framework
into a reviewed plan of catalog search, structure optimization and energy
calculations, runs it and reports the results.

Runs execute in-process with "mofsci run". The get, watch and health commands
talk to a running mofscid server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "mofscid server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/mofsci/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// execute runs the root command and prints errors the way main does.
func execute(args []string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	var ee *exitError
	if err != nil && !errors.As(err, &ee) {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mofsci %s\n", version)
	},
}
