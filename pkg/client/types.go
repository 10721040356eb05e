package client

import "time"

// Service mirrors one service record as served by the control API: the
// manifest definition plus its runtime state.
type Service struct {
	Name                      string   `json:"name"`
	Path                      string   `json:"path"`
	Args                      []string `json:"args,omitempty"`
	Group                     string   `json:"group,omitempty"`
	RestartOnFail             bool     `json:"restart_on_fail"`
	ExpectStartupAck          bool     `json:"expect_startup_ack"`
	MinSecondsBetweenRestarts int      `json:"min_seconds_between_restarts"`
	MaxRestartsPerMinute      int      `json:"max_restarts_per_minute"`
	ActionOnMaxRestarts       string   `json:"action_on_max_restarts"`
	AutoStart                 bool     `json:"auto_start"`
	WaitSecondsOnShutdown     int      `json:"wait_seconds_on_shutdown"`
	SinglePhaseStartup        bool     `json:"single_phase_startup"`
	ExternallyManaged         bool     `json:"externally_managed"`
	WorkDir                   string   `json:"workdir,omitempty"`
	Env                       []string `json:"env,omitempty"`

	CurrentPID             int       `json:"current_pid"`
	LastRestartWall        time.Time `json:"last_restart_wall,omitempty"`
	LastAckReceived        time.Time `json:"last_ack_received,omitempty"`
	IPCPort                int       `json:"ipc_port,omitempty"`
	RestartsInPastMinute   int       `json:"restarts_in_past_minute"`
	TemporarilyIgnoreDeath bool      `json:"temporarily_ignore_death"`
	DeathCount             uint64    `json:"death_count"`
	RebootSuppressed       bool      `json:"reboot_suppressed,omitempty"`
}

// Running reports whether the supervisor believes the process is up.
func (s *Service) Running() bool { return s.CurrentPID > 0 }

// Status is the compact liveness answer from /services/{name}/status.
type Status struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
}

// StartupState mirrors the startup coordinator snapshot.
type StartupState struct {
	Phase         string `json:"phase"`
	AllStarted    bool   `json:"all_started"`
	RemainingAcks int    `json:"remaining_acks"`
}

// RuntimeSample is one CPU/memory observation for a supervised process.
type RuntimeSample struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Event is one lifecycle event from the /events stream.
type Event struct {
	ID         uint64    `json:"id"`
	Type       string    `json:"type"`
	Action     string    `json:"action,omitempty"`
	Name       string    `json:"name,omitempty"`
	Group      string    `json:"group,omitempty"`
	Qualifier  string    `json:"qualifier,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrorResponse is the API's error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
