// remoterunner
//
// Runs editor projects in isolated sandboxes and keeps them in sync with the
// editor's file tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "remoterunner",
	Short: "remoterunner - remote code-execution sessions",
	Long: `remoterunner starts a sandbox per editor session, writes the project's
file tree into it, runs the dev server and serves its preview.

  remoterunner serve                      Start the server
  remoterunner sandbox-daemon             Run the file/process daemon inside a sandbox pod
  remoterunner config show                Show the effective configuration
  remoterunner config set KEY VALUE       Persist a setting to config.env`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "remoterunner", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $RUNNER_CONFIG or <data dir>/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
