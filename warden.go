package warden

import (
	"net/http"
	"time"

	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/control"
	"github.com/loykin/warden/internal/coordinator"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/reaper"
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

// Manifest sections, for building a Config in code instead of loading one.
type (
	ServerConfig  = cfg.ServerConfig
	TLSConfig     = cfg.TLSConfig
	AutoGenTLS    = cfg.AutoGenTLS
	StoreConfig   = cfg.StoreConfig
	HistoryConfig = cfg.HistoryConfig
	LogConfig     = cfg.LogConfig
	EnvConfig     = cfg.EnvConfig
	StartupConfig = cfg.StartupConfig
	StatsConfig   = cfg.StatsConfig
)

type Definition = registry.Definition

type Service = registry.Service

// Capture directs service stdout/stderr into rotating log files.
type Capture = logger.Capture

type MaxRestartsAction = registry.MaxRestartsAction

type Event = events.Event

type StartupState = coordinator.State

type RuntimeSample = metrics.RuntimeSample

// Process spawning, for embedders that bring their own process model or
// run services in-process.
type (
	Spawner      = launcher.Spawner
	SpawnRequest = launcher.SpawnRequest
	Death        = launcher.Death
	SimSpawner   = launcher.SimSpawner
)

// NewSimSpawner returns a spawner that simulates processes in-process,
// for tests and platforms without fork.
func NewSimSpawner() *SimSpawner { return launcher.NewSimSpawner() }

type Supervisor = supervisor.Supervisor

type Options = supervisor.Options

// RebootFunc receives the reboot reason; assign one to Options.Reboot to
// take over what "reboot the box" means on the target platform.
type RebootFunc = reaper.RebootFunc

const (
	DefaultConfigDir = cfg.DefaultConfigDir
	DefaultHomeDir   = cfg.DefaultHomeDir
	ConfigFileName   = cfg.FileName
)

// Restart-storm policies for Definition.ActionOnMaxRestarts.
const (
	ActionReboot         = registry.ActionReboot
	ActionStopRestarting = registry.ActionStopRestarting
)

// Event vocabulary, for filtering a Subscribe stream.
const (
	EventServiceState = events.TypeServiceState
	EventGroupState   = events.TypeGroupState
	EventInitComplete = events.TypeInitComplete

	EventActionStart   = events.ActionStart
	EventActionDeath   = events.ActionDeath
	EventActionRestart = events.ActionRestart

	QualifierAllStarted  = events.QualifierAllStarted
	QualifierSomeStarted = events.QualifierSomeStarted
)

// Sentinel errors surfaced by supervisor operations, for errors.Is.
var (
	ErrEventSequence  = supervisor.ErrEventSequence
	ErrNotFound       = control.ErrNotFound
	ErrAlreadyRunning = launcher.ErrAlreadyRunning
	ErrSelfTarget     = control.ErrSelfTarget
	ErrUnknownGroup   = control.ErrUnknownGroup
)

// New wires a supervisor from a resolved configuration. Nothing launches
// until Run; a failed New leaves no goroutines behind.
func New(c *Config, opts Options) (*Supervisor, error) { return supervisor.New(c, opts) }

// LoadConfig reads <configDir>/warden.toml and resolves it against homeDir.
// Empty arguments fall back to DefaultConfigDir and DefaultHomeDir.
func LoadConfig(configDir, homeDir string) (*Config, error) { return cfg.Load(configDir, homeDir) }

// ValidateConfig parses the manifest in dir the same way LoadConfig would,
// without touching the running system. Used to vet restored configuration
// before installing it.
func ValidateConfig(dir, homeDir string) error { return cfg.Validate(dir, homeDir) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler exposes the default registry, for mounting on a custom mux.
func MetricsHandler() http.Handler { return metrics.Handler() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
