package main

import (
	"time"

	"github.com/spf13/cobra"
)

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigDir string
	HomeDir   string
}

// apiFlags name the daemon endpoint for client-backed commands.
type apiFlags struct {
	URL     string
	Timeout time.Duration
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// ServiceFlags holds flags for single-service lifecycle commands.
type ServiceFlags struct {
	Name string
	API  apiFlags
}

// GroupFlags holds flags for group lifecycle commands.
type GroupFlags struct {
	Group string
	API   apiFlags
}

// AckFlags holds flags for the ack command.
type AckFlags struct {
	Name    string
	IPCPort int
	Token   string
	API     apiFlags
}

// FleetFlags holds flags for commands that address every service at once.
type FleetFlags struct {
	ForReset bool
	API      apiFlags
}

// LowPowerFlags holds flags for the low-power command.
type LowPowerFlags struct {
	Off bool
	API apiFlags
}

// RebootFlags holds flags for the reboot command.
type RebootFlags struct {
	Reason       string
	DelaySeconds int
	API          apiFlags
}

// RestoreFlags holds flags for the restore-config command.
type RestoreFlags struct {
	TempDir   string
	TargetDir string
	API       apiFlags
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Name string
	API  apiFlags
}

func registerAPIFlags(cmd *cobra.Command, f *apiFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "daemon URL (e.g. http://host:9650/api)")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
}
