package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/logger"
	"github.com/spf13/cobra"
)

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the warden daemon",
		Long: `Run the supervisor: launch the manifest's auto-start services, restart
the ones that die, and serve the control API.

Exit codes:
  0  clean shutdown
  1  configuration error
  2  event id sequence unavailable

Examples:
  warden serve
  warden serve --config-dir=./conf --home-dir=./home
  warden serve --daemonize --pidfile=/var/run/warden.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(globalFlags, serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file (with --daemonize)")

	return cmd
}

func runServe(globalFlags *GlobalFlags, serveFlags *ServeFlags) error {
	if serveFlags.Daemonize {
		return daemonize(serveFlags.PidFile, serveFlags.LogFile)
	}

	cfg, err := warden.LoadConfig(globalFlags.ConfigDir, globalFlags.HomeDir)
	if err != nil {
		return err
	}

	log := logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}.New(os.Stderr)
	slog.SetDefault(log)

	sup, err := warden.New(cfg, warden.Options{Log: log, Reboot: platformReboot})
	if err != nil {
		return err
	}

	if serveFlags.PidFile != "" {
		if err := writePidFile(serveFlags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer func() { _ = removePidFile(serveFlags.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("warden starting",
		"config_dir", cfg.ConfigDir,
		"home_dir", cfg.HomeDir,
		"listen", cfg.Server.Listen,
		"services", len(cfg.Services))
	reason := sup.Run(ctx)
	log.Info("warden exited", "reason", reason)
	return nil
}
