package registry

import (
	"fmt"

	"github.com/loykin/warden/internal/logger"
)

// MaxRestartsAction is the policy applied when a service exceeds its
// restart-rate limit.
type MaxRestartsAction string

const (
	// ActionReboot blames the service, persists the blame record, and
	// reboots the host. The blame suppresses the reboot policy for one
	// cooldown window after the next boot.
	ActionReboot MaxRestartsAction = "reboot"
	// ActionStopRestarting leaves the service down until an explicit start.
	ActionStopRestarting MaxRestartsAction = "stopRestarting"
)

// Definition is the static portion of a service record, fixed once the
// manifest is parsed.
type Definition struct {
	Name                      string            `json:"name"`
	Path                      string            `json:"path"`
	Args                      []string          `json:"args,omitempty"`
	Group                     string            `json:"group,omitempty"`
	RestartOnFail             bool              `json:"restart_on_fail"`
	ExpectStartupAck          bool              `json:"expect_startup_ack"`
	MinSecondsBetweenRestarts int               `json:"min_seconds_between_restarts"`
	MaxRestartsPerMinute      int               `json:"max_restarts_per_minute"`
	ActionOnMaxRestarts       MaxRestartsAction `json:"action_on_max_restarts"`
	AutoStart                 bool              `json:"auto_start"`
	WaitSecondsOnShutdown     int               `json:"wait_seconds_on_shutdown"`
	SinglePhaseStartup        bool              `json:"single_phase_startup"`
	// ExternallyManaged services are tracked and acknowledged but never
	// forked or signaled by the supervisor.
	ExternallyManaged bool           `json:"externally_managed"`
	WorkDir           string         `json:"workdir,omitempty"`
	Env               []string       `json:"env,omitempty"`
	Log               logger.Capture `json:"-"`
}

// Argv returns the exec argument vector; Args[0] defaults to Path when no
// explicit argument list was configured.
func (d *Definition) Argv() []string {
	if len(d.Args) == 0 {
		return []string{d.Path}
	}
	return d.Args
}

// Validate checks the invariants the manifest loader cannot express.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("service missing name")
	}
	if d.Path == "" && !d.ExternallyManaged {
		return fmt.Errorf("service %s missing executable path", d.Name)
	}
	if d.MinSecondsBetweenRestarts < 0 {
		return fmt.Errorf("service %s: negative min_seconds_between_restarts", d.Name)
	}
	if d.MaxRestartsPerMinute < 0 {
		return fmt.Errorf("service %s: negative max_restarts_per_minute", d.Name)
	}
	if d.WaitSecondsOnShutdown < 0 {
		return fmt.Errorf("service %s: negative wait_seconds_on_shutdown", d.Name)
	}
	return nil
}
