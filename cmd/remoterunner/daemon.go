package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/remoterunner/internal/sandbox/daemon"
)

var (
	daemonAddr string
	daemonRoot string
)

var daemonCmd = &cobra.Command{
	Use:   "sandbox-daemon",
	Short: "Serve the sandbox file and process API",
	Long: `Runs inside a kubernetes sandbox pod. The server writes project files and
starts the dev server through this daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return daemon.New(daemonRoot).ListenAndServe(ctx, daemonAddr)
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", fmt.Sprintf(":%d", daemon.DefaultPort), "Listen address")
	daemonCmd.Flags().StringVar(&daemonRoot, "root", daemon.DefaultRoot, "Directory project files are written under")
	rootCmd.AddCommand(daemonCmd)
}
