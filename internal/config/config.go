// Package config loads the service manifest and supervisor settings from
// warden.toml. A defaults block is layered under every service entry, and
// the ${CONF_DIR}/${HOME_DIR} placeholders are substituted inside paths,
// arguments, environment values, and log directories.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/registry"
	"github.com/spf13/viper"
)

const (
	DefaultConfigDir = "/etc/warden"
	DefaultHomeDir   = "/opt/warden"
	FileName         = "warden.toml"
)

// ServerConfig configures the control API listener.
type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	TLS      *TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the control API. With AutoGenerate set a
// self-signed pair is created under Dir when none exists.
type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string      `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string      `toml:"max_version" mapstructure:"max_version"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS tunes self-signed certificate generation.
type AutoGenTLS struct {
	CommonName string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames   []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays  int      `toml:"valid_days" mapstructure:"valid_days"`
}

// StoreConfig selects the persistence backend by DSN.
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// HistoryConfig selects an optional secondary event sink by DSN
// (clickhouse://, postgres://, or a sqlite path).
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// LogConfig covers both the supervisor's own log and the default output
// capture for launched services.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// EnvConfig sets the sanitized base environment handed to every service.
type EnvConfig struct {
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	Vars     []string `toml:"vars" mapstructure:"vars"`
	Files    []string `toml:"files" mapstructure:"files"`
}

// StartupConfig tunes the two-phase barrier deadlines.
type StartupConfig struct {
	SinglePhaseAckSeconds int `toml:"single_phase_ack_seconds" mapstructure:"single_phase_ack_seconds"`
	AllAckFallbackSeconds int `toml:"all_ack_fallback_seconds" mapstructure:"all_ack_fallback_seconds"`
	Phase2TimeoutSeconds  int `toml:"phase2_timeout_seconds" mapstructure:"phase2_timeout_seconds"`
}

// StatsConfig tunes the gopsutil runtime sampler.
type StatsConfig struct {
	Enabled         *bool `toml:"enabled" mapstructure:"enabled"`
	IntervalSeconds int   `toml:"interval_seconds" mapstructure:"interval_seconds"`
}

// CaptureConfig is the per-service output capture override.
type CaptureConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// DefaultsConfig is the manifest-wide policy block. Every field is
// optional; unset fields fall back to the built-in defaults.
type DefaultsConfig struct {
	RestartOnFail             *bool   `toml:"restart_on_fail" mapstructure:"restart_on_fail"`
	ExpectStartupAck          *bool   `toml:"expect_startup_ack" mapstructure:"expect_startup_ack"`
	MinSecondsBetweenRestarts *int    `toml:"min_seconds_between_restarts" mapstructure:"min_seconds_between_restarts"`
	MaxRestartsPerMinute      *int    `toml:"max_restarts_per_minute" mapstructure:"max_restarts_per_minute"`
	ActionOnMaxRestarts       *string `toml:"action_on_max_restarts" mapstructure:"action_on_max_restarts"`
	AutoStart                 *bool   `toml:"auto_start" mapstructure:"auto_start"`
	WaitSecondsOnShutdown     *int    `toml:"wait_seconds_on_shutdown" mapstructure:"wait_seconds_on_shutdown"`
	SinglePhaseStartup        *bool   `toml:"single_phase_startup" mapstructure:"single_phase_startup"`
}

// ServiceConfig is one [[service]] entry. Policy fields are pointers so a
// nil means "take the defaults block".
type ServiceConfig struct {
	Name              string         `toml:"name" mapstructure:"name"`
	Path              string         `toml:"path" mapstructure:"path"`
	Args              []string       `toml:"args" mapstructure:"args"`
	Group             string         `toml:"group" mapstructure:"group"`
	WorkDir           string         `toml:"workdir" mapstructure:"workdir"`
	Env               []string       `toml:"env" mapstructure:"env"`
	ExternallyManaged bool           `toml:"externally_managed" mapstructure:"externally_managed"`
	Log               *CaptureConfig `toml:"log" mapstructure:"log"`

	RestartOnFail             *bool   `toml:"restart_on_fail" mapstructure:"restart_on_fail"`
	ExpectStartupAck          *bool   `toml:"expect_startup_ack" mapstructure:"expect_startup_ack"`
	MinSecondsBetweenRestarts *int    `toml:"min_seconds_between_restarts" mapstructure:"min_seconds_between_restarts"`
	MaxRestartsPerMinute      *int    `toml:"max_restarts_per_minute" mapstructure:"max_restarts_per_minute"`
	ActionOnMaxRestarts       *string `toml:"action_on_max_restarts" mapstructure:"action_on_max_restarts"`
	AutoStart                 *bool   `toml:"auto_start" mapstructure:"auto_start"`
	WaitSecondsOnShutdown     *int    `toml:"wait_seconds_on_shutdown" mapstructure:"wait_seconds_on_shutdown"`
	SinglePhaseStartup        *bool   `toml:"single_phase_startup" mapstructure:"single_phase_startup"`
}

type fileConfig struct {
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Store    StoreConfig     `toml:"store" mapstructure:"store"`
	History  HistoryConfig   `toml:"history" mapstructure:"history"`
	Log      LogConfig       `toml:"log" mapstructure:"log"`
	Env      EnvConfig       `toml:"env" mapstructure:"env"`
	Startup  StartupConfig   `toml:"startup" mapstructure:"startup"`
	Stats    StatsConfig     `toml:"runtime_stats" mapstructure:"runtime_stats"`
	Defaults DefaultsConfig  `toml:"defaults" mapstructure:"defaults"`
	Services []ServiceConfig `toml:"service" mapstructure:"service"`
}

// Config is the fully resolved supervisor configuration.
type Config struct {
	ConfigDir string
	HomeDir   string

	Server  ServerConfig
	Store   StoreConfig
	History HistoryConfig
	Log     LogConfig
	Env     EnvConfig
	Startup StartupConfig
	Stats   StatsConfig

	// Services in manifest order, defaults applied, placeholders expanded.
	Services []registry.Definition
	// Capture is the manifest-wide service output capture.
	Capture logger.Capture
}

// Load reads <configDir>/warden.toml and resolves it against homeDir.
// A missing or malformed file is fatal; a service entry lacking both name
// and path is dropped with a warning.
func Load(configDir, homeDir string) (*Config, error) {
	return load(configDir, homeDir, slog.Default())
}

// Validate parses the manifest in dir without resolving a home directory
// change, for checking restored configuration before installing it.
func Validate(dir, homeDir string) error {
	log := slog.New(slog.DiscardHandler)
	_, err := load(dir, homeDir, log)
	return err
}

func load(configDir, homeDir string, log *slog.Logger) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir
	}
	if homeDir == "" {
		homeDir = DefaultHomeDir
	}
	path := filepath.Join(configDir, FileName)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Placeholder substitution. A plain replacer keeps unrelated ${...}
	// sequences intact for the service's own expansion.
	expand := strings.NewReplacer("${CONF_DIR}", configDir, "${HOME_DIR}", homeDir).Replace

	cfg := &Config{
		ConfigDir: configDir,
		HomeDir:   homeDir,
		Server:    fc.Server,
		Store:     fc.Store,
		History:   fc.History,
		Log:       fc.Log,
		Env:       fc.Env,
		Startup:   fc.Startup,
		Stats:     fc.Stats,
	}
	applyAmbientDefaults(cfg, homeDir, expand)

	cfg.Capture = logger.Capture{
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}

	seen := make(map[string]struct{}, len(fc.Services))
	for i, sc := range fc.Services {
		if sc.Name == "" && sc.Path == "" {
			log.Warn("dropping manifest entry with neither name nor path", "index", i)
			continue
		}
		if sc.Name == "" {
			log.Warn("dropping manifest entry without a name", "path", sc.Path)
			continue
		}
		if sc.Path == "" && !sc.ExternallyManaged {
			log.Warn("dropping manifest entry without an executable path", "service", sc.Name)
			continue
		}
		if _, dup := seen[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}

		def := buildDefinition(sc, fc.Defaults, expand)
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if def.ActionOnMaxRestarts != registry.ActionReboot && def.ActionOnMaxRestarts != registry.ActionStopRestarting {
			// Kept as configured; the restart policy fails open on it.
			log.Warn("unrecognized action_on_max_restarts",
				"service", def.Name, "action", string(def.ActionOnMaxRestarts))
		}
		cfg.Services = append(cfg.Services, def)
	}
	return cfg, nil
}

func applyAmbientDefaults(cfg *Config, homeDir string, expand func(string) string) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:9650"
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/api"
	}
	if cfg.Server.TLS != nil {
		cfg.Server.TLS.CertFile = expand(cfg.Server.TLS.CertFile)
		cfg.Server.TLS.KeyFile = expand(cfg.Server.TLS.KeyFile)
		cfg.Server.TLS.Dir = expand(cfg.Server.TLS.Dir)
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = "sqlite://" + filepath.Join(homeDir, "var", "warden.db")
	} else {
		cfg.Store.DSN = expand(cfg.Store.DSN)
	}
	cfg.History.DSN = expand(cfg.History.DSN)
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Dir == "" {
		cfg.Log.Dir = filepath.Join(homeDir, "var", "log")
	} else {
		cfg.Log.Dir = expand(cfg.Log.Dir)
	}
	for i, kv := range cfg.Env.Vars {
		cfg.Env.Vars[i] = expand(kv)
	}
	for i, f := range cfg.Env.Files {
		cfg.Env.Files[i] = expand(f)
	}
	if cfg.Startup.SinglePhaseAckSeconds <= 0 {
		cfg.Startup.SinglePhaseAckSeconds = 60
	}
	if cfg.Startup.AllAckFallbackSeconds <= 0 {
		cfg.Startup.AllAckFallbackSeconds = 300
	}
	if cfg.Startup.Phase2TimeoutSeconds <= 0 {
		cfg.Startup.Phase2TimeoutSeconds = 30
	}
	if cfg.Stats.IntervalSeconds <= 0 {
		cfg.Stats.IntervalSeconds = 30
	}
}

// StatsEnabled defaults to on; the sampler is cheap at the default
// interval.
func (c *Config) StatsEnabled() bool {
	if c.Stats.Enabled == nil {
		return true
	}
	return *c.Stats.Enabled
}

func buildDefinition(sc ServiceConfig, d DefaultsConfig, expand func(string) string) registry.Definition {
	def := registry.Definition{
		Name:              sc.Name,
		Path:              expand(sc.Path),
		Group:             sc.Group,
		WorkDir:           expand(sc.WorkDir),
		ExternallyManaged: sc.ExternallyManaged,

		RestartOnFail:             boolOr(sc.RestartOnFail, d.RestartOnFail, true),
		ExpectStartupAck:          boolOr(sc.ExpectStartupAck, d.ExpectStartupAck, true),
		MinSecondsBetweenRestarts: intOr(sc.MinSecondsBetweenRestarts, d.MinSecondsBetweenRestarts, 0),
		MaxRestartsPerMinute:      intOr(sc.MaxRestartsPerMinute, d.MaxRestartsPerMinute, 10),
		AutoStart:                 boolOr(sc.AutoStart, d.AutoStart, true),
		WaitSecondsOnShutdown:     intOr(sc.WaitSecondsOnShutdown, d.WaitSecondsOnShutdown, 5),
		SinglePhaseStartup:        boolOr(sc.SinglePhaseStartup, d.SinglePhaseStartup, false),
	}
	def.ActionOnMaxRestarts = registry.MaxRestartsAction(
		strOr(sc.ActionOnMaxRestarts, d.ActionOnMaxRestarts, string(registry.ActionReboot)))

	if len(sc.Args) > 0 {
		def.Args = make([]string, 0, len(sc.Args)+1)
		def.Args = append(def.Args, def.Path)
		for _, a := range sc.Args {
			def.Args = append(def.Args, expand(a))
		}
	}
	if len(sc.Env) > 0 {
		def.Env = make([]string, 0, len(sc.Env))
		for _, kv := range sc.Env {
			def.Env = append(def.Env, expand(kv))
		}
	}
	if sc.Log != nil {
		def.Log = logger.Capture{
			Dir:        expand(sc.Log.Dir),
			StdoutPath: expand(sc.Log.Stdout),
			StderrPath: expand(sc.Log.Stderr),
			MaxSizeMB:  sc.Log.MaxSizeMB,
			MaxBackups: sc.Log.MaxBackups,
			MaxAgeDays: sc.Log.MaxAgeDays,
			Compress:   sc.Log.Compress,
		}
	}
	return def
}

// GlobalEnv resolves the [env] block into KEY=VALUE pairs: file contents
// first, then explicit vars on top.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.Env.Files {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env.Vars {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are
// skipped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func boolOr(svc, def *bool, fallback bool) bool {
	if svc != nil {
		return *svc
	}
	if def != nil {
		return *def
	}
	return fallback
}

func intOr(svc, def *int, fallback int) int {
	if svc != nil {
		return *svc
	}
	if def != nil {
		return *def
	}
	return fallback
}

func strOr(svc, def *string, fallback string) string {
	if svc != nil && *svc != "" {
		return *svc
	}
	if def != nil && *def != "" {
		return *def
	}
	return fallback
}
