package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/loykin/warden"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates the two fatal boot classes so init scripts can tell
// a bad manifest (1) from an unusable event id sequence (2).
func exitCode(err error) int {
	if errors.Is(err, warden.ErrEventSequence) {
		return 2
	}
	return 1
}

// buildRoot assembles the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	serviceFlags := &ServiceFlags{}
	groupFlags := &GroupFlags{}
	ackFlags := &AckFlags{}
	fleetFlags := &FleetFlags{}
	lowPowerFlags := &LowPowerFlags{}
	rebootFlags := &RebootFlags{}
	restoreFlags := &RestoreFlags{}
	plainFlags := &apiFlags{}

	wardenCommand := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createValidateCommand(globalFlags),
		createStatusCommand(wardenCommand, statusFlags),
		createServicesCommand(wardenCommand, plainFlags),
		createStartCommand(wardenCommand, serviceFlags),
		createStopCommand(wardenCommand, serviceFlags),
		createRestartCommand(wardenCommand, serviceFlags),
		createRecoverCommand(wardenCommand, serviceFlags),
		createUnmonitorCommand(wardenCommand, serviceFlags),
		createAckCommand(wardenCommand, ackFlags),
		createGroupStartCommand(wardenCommand, groupFlags),
		createGroupStopCommand(wardenCommand, groupFlags),
		createGroupRestartCommand(wardenCommand, groupFlags),
		createStartupCommand(wardenCommand, plainFlags),
		createStatsCommand(wardenCommand, plainFlags),
		createEventsCommand(wardenCommand, plainFlags),
		createShutdownCommand(wardenCommand, plainFlags),
		createRestartAllCommand(wardenCommand, fleetFlags),
		createResetToFactoryCommand(wardenCommand, plainFlags),
		createLowPowerCommand(wardenCommand, lowPowerFlags),
		createRebootCommand(wardenCommand, rebootFlags),
		createRestoreConfigCommand(wardenCommand, restoreFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Service supervisor for the gateway",
		Long: `Warden launches the services listed in its manifest, restarts the ones
that die, and escalates to a reboot when a service keeps crashing.

Examples:
  warden serve                       # Run the daemon in the foreground
  warden status --name=core          # Ask the daemon about one service
  warden shutdown                    # Stop every service and the daemon`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// -h selects the home directory on this binary. Registering help as a
	// long-only flag keeps cobra from claiming the -h shorthand.
	root.PersistentFlags().Bool("help", false, "help for warden")
	root.PersistentFlags().StringVarP(&flags.ConfigDir, "config-dir", "c", "", "directory holding warden.toml (default /etc/warden)")
	root.PersistentFlags().StringVarP(&flags.HomeDir, "home-dir", "h", "", "runtime home directory (default /opt/warden)")

	return root
}

// createValidateCommand creates the validate subcommand.
func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the manifest without starting anything",
		Long: `Parse the manifest the same way serve would and report the first error.

Examples:
  warden validate
  warden validate --config-dir=/tmp/restored-conf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := warden.ValidateConfig(globalFlags.ConfigDir, globalFlags.HomeDir); err != nil {
				return err
			}
			fmt.Println("configuration OK")
			return nil
		},
	}
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(wardenCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long: `Show the running state of one service, or the full definition and
runtime state of every service when no name is given.

Examples:
  warden status
  warden status --name=core
  warden status --api-url=http://127.0.0.1:9650/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Status(*statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.Name, "name", "", "service name (all services when empty)")
	registerAPIFlags(cmd, &statusFlags.API)
	return cmd
}

// createServicesCommand creates the services subcommand.
func createServicesCommand(wardenCommand command, flags *apiFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List the names of all supervised services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Services(*flags)
		},
	}
	registerAPIFlags(cmd, flags)
	return cmd
}

// createStartCommand creates the start subcommand.
func createStartCommand(wardenCommand command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a stopped service",
		Long: `Start a service by name. Starting a service that is already running
is an error.

Examples:
  warden start --name=core`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Start(*serviceFlags)
		},
	}
	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	registerAPIFlags(cmd, &serviceFlags.API)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createStopCommand creates the stop subcommand.
func createStopCommand(wardenCommand command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running service",
		Long: `Stop a service by name. The daemon asks the service to exit over its
IPC channel first and escalates to signals if it lingers. The death is
not counted against the restart policy.

Examples:
  warden stop --name=core`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Stop(*serviceFlags)
		},
	}
	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	registerAPIFlags(cmd, &serviceFlags.API)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createRestartCommand creates the restart subcommand.
func createRestartCommand(wardenCommand command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Restart(*serviceFlags)
		},
	}
	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	registerAPIFlags(cmd, &serviceFlags.API)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createRecoverCommand creates the recover subcommand.
func createRecoverCommand(wardenCommand command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restart a wedged service without counting the death",
		Long: `Restart a service that is still alive but no longer responding. The
kill is marked expected so the restart policy does not count it.

Examples:
  warden recover --name=core`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Recover(*serviceFlags)
		},
	}
	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	registerAPIFlags(cmd, &serviceFlags.API)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createUnmonitorCommand creates the unmonitor subcommand.
func createUnmonitorCommand(wardenCommand command, serviceFlags *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unmonitor",
		Short: "Stop watching a service without stopping it",
		Long: `Leave the service running but ignore its next death instead of
restarting it. Useful before attaching a debugger.

Examples:
  warden unmonitor --name=core`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Unmonitor(*serviceFlags)
		},
	}
	cmd.Flags().StringVar(&serviceFlags.Name, "name", "", "service name (required)")
	registerAPIFlags(cmd, &serviceFlags.API)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createAckCommand creates the ack subcommand.
func createAckCommand(wardenCommand command, ackFlags *AckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a service startup on its behalf",
		Long: `Record a startup acknowledgment for a service, as the service itself
would after finishing initialization. Mostly useful when exercising the
startup sequence by hand.

Examples:
  warden ack --name=core --ipc-port=4110`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Ack(*ackFlags)
		},
	}
	cmd.Flags().StringVar(&ackFlags.Name, "name", "", "service name (required)")
	cmd.Flags().IntVar(&ackFlags.IPCPort, "ipc-port", 0, "port the service answers IPC requests on")
	cmd.Flags().StringVar(&ackFlags.Token, "token", "", "shutdown token the service registered")
	registerAPIFlags(cmd, &ackFlags.API)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createGroupStartCommand creates the group-start subcommand.
func createGroupStartCommand(wardenCommand command, groupFlags *GroupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group-start",
		Short: "Start every stopped service in a group",
		Long: `Start the stopped members of a named group. Members already running
are left alone.

Examples:
  warden group-start --group=comm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.GroupStart(*groupFlags)
		},
	}
	cmd.Flags().StringVar(&groupFlags.Group, "group", "", "group name (required)")
	registerAPIFlags(cmd, &groupFlags.API)
	if err := cmd.MarkFlagRequired("group"); err != nil {
		panic(err)
	}
	return cmd
}

// createGroupStopCommand creates the group-stop subcommand.
func createGroupStopCommand(wardenCommand command, groupFlags *GroupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group-stop",
		Short: "Stop every running service in a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.GroupStop(*groupFlags)
		},
	}
	cmd.Flags().StringVar(&groupFlags.Group, "group", "", "group name (required)")
	registerAPIFlags(cmd, &groupFlags.API)
	if err := cmd.MarkFlagRequired("group"); err != nil {
		panic(err)
	}
	return cmd
}

// createGroupRestartCommand creates the group-restart subcommand.
func createGroupRestartCommand(wardenCommand command, groupFlags *GroupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group-restart",
		Short: "Restart every service in a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.GroupRestart(*groupFlags)
		},
	}
	cmd.Flags().StringVar(&groupFlags.Group, "group", "", "group name (required)")
	registerAPIFlags(cmd, &groupFlags.API)
	if err := cmd.MarkFlagRequired("group"); err != nil {
		panic(err)
	}
	return cmd
}

// createStartupCommand creates the startup subcommand.
func createStartupCommand(wardenCommand command, flags *apiFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "startup",
		Short: "Show the startup coordinator phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Startup(*flags)
		},
	}
	registerAPIFlags(cmd, flags)
	return cmd
}

// createStatsCommand creates the stats subcommand.
func createStatsCommand(wardenCommand command, flags *apiFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show CPU and memory usage of supervised services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Stats(*flags)
		},
	}
	registerAPIFlags(cmd, flags)
	return cmd
}

// createEventsCommand creates the events subcommand.
func createEventsCommand(wardenCommand command, flags *apiFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream lifecycle events until interrupted",
		Long: `Follow the daemon's event stream and print each event as a JSON line.
Stop with Ctrl-C.

Examples:
  warden events
  warden events --api-url=http://127.0.0.1:9650/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Events(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "api-url", "", "daemon URL (e.g. http://host:9650/api)")
	return cmd
}

// createShutdownCommand creates the shutdown subcommand.
func createShutdownCommand(wardenCommand command, flags *apiFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every service and exit the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Shutdown(*flags)
		},
	}
	registerAPIFlags(cmd, flags)
	return cmd
}

// createRestartAllCommand creates the restart-all subcommand.
func createRestartAllCommand(wardenCommand command, fleetFlags *FleetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart-all",
		Short: "Stop and start every supervised service",
		Long: `Stop every running service and start the auto-start set again, without
restarting the daemon itself.

Examples:
  warden restart-all
  warden restart-all --for-reset`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.RestartAll(*fleetFlags)
		},
	}
	cmd.Flags().BoolVar(&fleetFlags.ForReset, "for-reset", false, "tell services they are restarting for a reset")
	registerAPIFlags(cmd, &fleetFlags.API)
	return cmd
}

// createResetToFactoryCommand creates the reset-to-factory subcommand.
func createResetToFactoryCommand(wardenCommand command, flags *apiFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-to-factory",
		Short: "Wipe persisted supervisor state and exit the daemon",
		Long: `Stop every service, purge the daemon's persisted state, and exit so the
platform can finish the factory reset and restart the box.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.ResetToFactory(*flags)
		},
	}
	registerAPIFlags(cmd, flags)
	return cmd
}

// createLowPowerCommand creates the low-power subcommand.
func createLowPowerCommand(wardenCommand command, lowPowerFlags *LowPowerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "low-power",
		Short: "Enter or leave low power mode",
		Long: `Tell the daemon the box is entering low power mode, which pauses
runtime stats collection. Use --off when power returns.

Examples:
  warden low-power
  warden low-power --off`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.LowPower(*lowPowerFlags)
		},
	}
	cmd.Flags().BoolVar(&lowPowerFlags.Off, "off", false, "leave low power mode")
	registerAPIFlags(cmd, &lowPowerFlags.API)
	return cmd
}

// createRebootCommand creates the reboot subcommand.
func createRebootCommand(wardenCommand command, rebootFlags *RebootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reboot",
		Short: "Ask the daemon to reboot the box",
		Long: `Request a system reboot through the daemon. The reboot is refused while
reboot privileges are suspended after a blamed crash loop.

Examples:
  warden reboot --reason=manual
  warden reboot --reason=upgrade --delay-seconds=5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Reboot(*rebootFlags)
		},
	}
	cmd.Flags().StringVar(&rebootFlags.Reason, "reason", "", "reason recorded with the reboot (required)")
	cmd.Flags().IntVar(&rebootFlags.DelaySeconds, "delay-seconds", 0, "seconds to wait before rebooting")
	registerAPIFlags(cmd, &rebootFlags.API)
	if err := cmd.MarkFlagRequired("reason"); err != nil {
		panic(err)
	}
	return cmd
}

// createRestoreConfigCommand creates the restore-config subcommand.
func createRestoreConfigCommand(wardenCommand command, restoreFlags *RestoreFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore-config",
		Short: "Hand a restored configuration directory to the daemon",
		Long: `Tell the daemon a restored configuration is staged in a temporary
directory. The daemon validates it, installs it over the target
directory, and restarts services so they pick it up.

Examples:
  warden restore-config --temp-dir=/tmp/restore/conf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.RestoreConfig(*restoreFlags)
		},
	}
	cmd.Flags().StringVar(&restoreFlags.TempDir, "temp-dir", "", "directory holding the restored configuration (required)")
	cmd.Flags().StringVar(&restoreFlags.TargetDir, "target-dir", "", "directory to install into (default the daemon's config dir)")
	registerAPIFlags(cmd, &restoreFlags.API)
	if err := cmd.MarkFlagRequired("temp-dir"); err != nil {
		panic(err)
	}
	return cmd
}
