// Package supervisor assembles a running system from a resolved
// configuration: registry, store, event bus, launcher, reaper, startup
// coordinator, controller, and the control API listener. It owns the run
// loop and the shutdown order.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/control"
	"github.com/loykin/warden/internal/coordinator"
	"github.com/loykin/warden/internal/delay"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/history"
	historyfactory "github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/ipc"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/reaper"
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/store"
	storefactory "github.com/loykin/warden/internal/store/factory"
	wardentls "github.com/loykin/warden/internal/tls"
)

const (
	// eventIDSpan is the block of event IDs reserved at boot. A crash
	// burns at most one unfinished block; IDs never repeat.
	eventIDSpan = 1024
	// eventBaseAttempts bounds the reservation retries before the boot is
	// abandoned with ErrEventSequence.
	eventBaseAttempts = 3

	// defaultBlameCooldown is how long a service blamed for the previous
	// reboot keeps its reboot privilege suspended.
	defaultBlameCooldown = time.Hour

	// initTimeout bounds the store round-trips during New.
	initTimeout = 30 * time.Second
	// listenerShutdownTimeout bounds the control listener drain at exit.
	listenerShutdownTimeout = 5 * time.Second
	// stopAllTimeout bounds the final stop pass over the fleet.
	stopAllTimeout = 60 * time.Second
)

// ErrEventSequence marks a boot that could not reserve its event-id block.
// Handing out IDs that might repeat after the next crash is worse than not
// starting, so this error is fatal.
var ErrEventSequence = errors.New("event id sequence unavailable")

// Options carries the supervisor's injection points. Zero values select
// the platform defaults.
type Options struct {
	// Reboot is invoked when the restart policy or an operator asks for a
	// platform reboot. Nil logs the request and does nothing else.
	Reboot reaper.RebootFunc
	// Spawner overrides process creation, for tests and embedders.
	Spawner launcher.Spawner
	// BlameCooldown overrides how long a blamed service's reboot
	// privilege stays suspended after boot.
	BlameCooldown time.Duration
	Clock         clock.Clock
	Log           *slog.Logger
}

// Supervisor is the assembled system. Build one with New, drive it with
// Run, and operate it through the control API or the exported methods.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger
	clk clock.Clock

	reg      *registry.Registry
	st       store.Store
	bus      *events.Bus
	histSink historyfactory.Closer
	envM     *env.Env
	ln       *launcher.Launcher
	rp       *reaper.Reaper
	peer     *ipc.Client
	coord    *coordinator.Coordinator
	ctl      *control.Controller
	stats    *metrics.RuntimeCollector
	tlsCfg   *tls.Config
	httpSrv  *http.Server

	cooldown *delay.Timer
	exitCh   chan string
	exitOnce sync.Once
}

// New wires a supervisor from a resolved configuration. The store is
// opened, the boot's event-id block reserved, and any blame record from
// the previous boot consumed here; nothing is launched until Run.
func New(cfg *config.Config, opts Options) (*Supervisor, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	reg, err := registry.New(cfg.Services)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", cfg.Store.DSN, err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	base, err := reserveEventBase(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: %v", ErrEventSequence, err)
	}

	sinks := []events.Sink{history.NewStoreSink(st)}
	var histSink historyfactory.Closer
	if dsn := cfg.History.DSN; dsn != "" {
		hs, herr := historyfactory.NewSinkFromDSN(ctx, dsn)
		if herr != nil {
			// The secondary sink is best-effort; the store keeps the
			// authoritative history either way.
			log.Error("history sink unavailable", "dsn", dsn, "error", herr)
		} else {
			histSink = hs
			sinks = append(sinks, hs)
		}
	}

	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		clk:      clk,
		reg:      reg,
		st:       st,
		bus:      events.NewBus(base, log, sinks...),
		histSink: histSink,
		exitCh:   make(chan string, 1),
	}

	s.envM = env.New()
	if cfg.Env.UseOSEnv {
		s.envM.FromOS()
	}
	kvs, err := cfg.GlobalEnv()
	if err != nil {
		s.closeWiring()
		return nil, fmt.Errorf("global environment: %w", err)
	}
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			s.envM.Set(k, v)
		}
	}

	sp := opts.Spawner
	if sp == nil {
		sp = launcher.NewPlatformSpawner()
	}
	s.ln = launcher.New(reg, sp, s.envM, clk, cfg.Capture, log)
	s.rp = reaper.New(reg, s.ln, st, s.bus, clk, opts.Reboot, log)
	s.peer = ipc.New(0, log)
	s.coord = coordinator.New(reg, s.ln, s.peer, s.bus, clk, coordOptions(cfg.Startup), log)
	s.ctl = control.New(control.Deps{
		Registry: reg,
		Launcher: s.ln,
		Coord:    s.coord,
		Peer:     s.peer,
		Store:    st,
		Bus:      s.bus,
		Clock:    clk,
		Reboot:   opts.Reboot,
		Exit:     s.RequestExit,
		ValidateConfig: func(dir string) error {
			return config.Validate(dir, cfg.HomeDir)
		},
		Log: log,
	})

	if cfg.StatsEnabled() {
		s.stats = metrics.NewRuntimeCollector(
			time.Duration(cfg.Stats.IntervalSeconds)*time.Second, reg.RunningPIDs)
		if err := s.stats.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("runtime gauges not registered", "error", err)
		}
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("lifecycle metrics not registered", "error", err)
	}

	s.tlsCfg, err = wardentls.Setup(cfg.Server)
	if err != nil {
		s.closeWiring()
		return nil, fmt.Errorf("tls: %w", err)
	}

	s.consumeBlame(ctx, opts.BlameCooldown)
	return s, nil
}

// Run brings the system up and blocks until ctx is canceled or an exit is
// requested through the control API. It returns the exit reason:
// "interrupted" for a context cancellation, otherwise whatever the exit
// hook was handed ("shutdown-all", "factory-reset"). With an empty listen
// address no standalone listener is started; embedders mount Handler into
// their own server instead.
func (s *Supervisor) Run(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.rp.Run(ctx)
	if s.stats != nil {
		s.stats.Start(ctx)
	}
	if s.cfg.Server.Listen != "" {
		s.httpSrv = server.NewServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s.tlsCfg, s.serverDeps())
		s.log.Info("control api listening",
			"addr", s.cfg.Server.Listen, "base_path", s.cfg.Server.BasePath, "tls", s.tlsCfg != nil)
	}

	go s.coord.Run(ctx)

	var reason string
	select {
	case <-ctx.Done():
		reason = "interrupted"
	case reason = <-s.exitCh:
	}
	s.log.Info("supervisor stopping", "reason", reason)
	s.shutdown()
	return reason
}

// RequestExit asks the run loop to finish. The first reason wins; later
// calls are no-ops.
func (s *Supervisor) RequestExit(reason string) {
	s.exitOnce.Do(func() { s.exitCh <- reason })
}

// Handler returns the control API as a plain http.Handler, for embedders
// that mount it into their own server.
func (s *Supervisor) Handler() http.Handler {
	return server.NewRouter(s.serverDeps(), s.cfg.Server.BasePath).Handler()
}

// Services reports every service's state in manifest order.
func (s *Supervisor) Services() []registry.Service { return s.reg.Snapshot() }

// ServiceNames lists the manifest names in order.
func (s *Supervisor) ServiceNames() []string { return s.reg.Names() }

// Lookup returns one service's state.
func (s *Supervisor) Lookup(name string) (registry.Service, bool) { return s.reg.Lookup(name) }

// Start launches one service regardless of its auto_start setting.
func (s *Supervisor) Start(ctx context.Context, name string) error { return s.ctl.Start(ctx, name) }

// Stop takes one service down through the escalation ladder.
func (s *Supervisor) Stop(ctx context.Context, name string) error { return s.ctl.Stop(ctx, name) }

// Restart bounces one service.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.ctl.Restart(ctx, name)
}

// Recover asks one service to dump diagnostics and exit so the restart
// policy relaunches it.
func (s *Supervisor) Recover(ctx context.Context, name string) error {
	return s.ctl.RestartForRecovery(ctx, name)
}

// Unmonitor leaves the service running but ignores its next death.
func (s *Supervisor) Unmonitor(ctx context.Context, name string) error {
	return s.ctl.StopMonitoring(ctx, name)
}

// StartGroup launches every non-running member of the group.
func (s *Supervisor) StartGroup(ctx context.Context, group string) error {
	return s.ctl.StartGroup(ctx, group)
}

// StopGroup stops every member of the group.
func (s *Supervisor) StopGroup(ctx context.Context, group string) error {
	return s.ctl.StopGroup(ctx, group)
}

// RestartGroup bounces every member of the group.
func (s *Supervisor) RestartGroup(ctx context.Context, group string) error {
	return s.ctl.RestartGroup(ctx, group)
}

// Shutdown stops every service and ends the run loop.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.ctl.ShutdownAll(ctx, control.StopAllOptions{ForExit: true})
}

// RestartAll stops everything and replays the startup waves.
func (s *Supervisor) RestartAll(ctx context.Context, forReset bool) {
	s.ctl.RestartAll(ctx, forReset)
}

// ResetToFactory stops everything hard, wipes persisted state, and ends
// the run loop.
func (s *Supervisor) ResetToFactory(ctx context.Context) error {
	return s.ctl.ResetToFactory(ctx)
}

// SetLowPower flips low-power mode.
func (s *Supervisor) SetLowPower(ctx context.Context, on bool) {
	s.ctl.SetLowPower(ctx, on)
}

// RebootSystem schedules a platform reboot through the configured hook.
func (s *Supervisor) RebootSystem(ctx context.Context, reason string, delaySeconds int) {
	s.ctl.RebootSystem(ctx, reason, delaySeconds)
}

// Ack records a startup acknowledgment on behalf of a service, for
// embedders whose services live in-process. It reports whether the
// service exists.
func (s *Supervisor) Ack(ctx context.Context, name string, ipcPort int, token string) bool {
	out, ok := s.reg.RecordAck(name, ipcPort, token, s.clk.Now())
	if !ok {
		return false
	}
	s.coord.OnAck(ctx, out)
	return true
}

// StartupState reports the coordinator's current snapshot.
func (s *Supervisor) StartupState() coordinator.State { return s.coord.Snapshot() }

// Subscribe attaches a lifecycle event listener. Call the returned cancel
// when done.
func (s *Supervisor) Subscribe() (<-chan events.Event, func()) { return s.bus.Subscribe() }

// RuntimeStats returns the latest resource samples, or nil when the
// sampler is disabled.
func (s *Supervisor) RuntimeStats() []metrics.RuntimeSample {
	if s.stats == nil {
		return nil
	}
	return s.stats.Snapshot()
}

func (s *Supervisor) serverDeps() server.Deps {
	return server.Deps{
		Registry: s.reg,
		Control:  s.ctl,
		Coord:    s.coord,
		Stats:    s.stats,
		Bus:      s.bus,
		Clock:    s.clk,
		Log:      s.log,
	}
}

// consumeBlame reads the blame record a pre-reboot handler persisted and
// suspends that service's reboot privilege for the cooldown, so one broken
// service cannot cycle the platform indefinitely.
func (s *Supervisor) consumeBlame(ctx context.Context, cooldown time.Duration) {
	name, ok, err := s.st.TakeBlame(ctx)
	if err != nil {
		s.log.Error("blame record unreadable", "error", err)
		return
	}
	if !ok {
		return
	}
	if cooldown <= 0 {
		cooldown = defaultBlameCooldown
	}
	if !s.reg.SuppressReboot(name, true) {
		s.log.Warn("blamed service no longer in manifest", "service", name)
		return
	}
	s.log.Warn("service blamed for last reboot, reboot privilege suspended",
		"service", name, "cooldown", cooldown)
	reg, log := s.reg, s.log
	s.cooldown = delay.Schedule(cooldown, func() {
		reg.SuppressReboot(name, false)
		log.Info("reboot privilege restored", "service", name)
	})
}

// shutdown tears the system down in dependency order: listener first so
// no new operations arrive, then the fleet, then the samplers and the
// reaper, and the store last so every death gets persisted.
func (s *Supervisor) shutdown() {
	if s.httpSrv != nil {
		lctx, lcancel := context.WithTimeout(context.Background(), listenerShutdownTimeout)
		if err := s.httpSrv.Shutdown(lctx); err != nil {
			_ = s.httpSrv.Close()
		}
		lcancel()
	}

	// Services never outlive the supervisor. When the exit came through
	// shutdown-all this pass finds everything down already and is a no-op.
	sctx, scancel := context.WithTimeout(context.Background(), stopAllTimeout)
	s.ctl.StopAll(sctx, control.StopAllOptions{})
	scancel()

	if s.stats != nil {
		s.stats.Stop()
	}
	s.rp.Stop()
	s.cooldown.Cancel()
	s.closeWiring()
}

// closeWiring releases the bus, sinks, and store. Safe after a partial New.
func (s *Supervisor) closeWiring() {
	s.bus.Close()
	if s.histSink != nil {
		if err := s.histSink.Close(); err != nil {
			s.log.Warn("history sink close", "error", err)
		}
	}
	if err := s.st.Close(); err != nil {
		s.log.Warn("store close", "error", err)
	}
}

func coordOptions(sc config.StartupConfig) coordinator.Options {
	return coordinator.Options{
		SinglePhaseAckWait: time.Duration(sc.SinglePhaseAckSeconds) * time.Second,
		AllAckFallback:     time.Duration(sc.AllAckFallbackSeconds) * time.Second,
		Phase2CallTimeout:  time.Duration(sc.Phase2TimeoutSeconds) * time.Second,
	}
}

// reserveEventBase claims this boot's block of event IDs. The store can be
// briefly unavailable right after boot, so a few paced attempts are made
// before giving up.
func reserveEventBase(ctx context.Context, st store.Store) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < eventBaseAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		base, err := st.NextEventBase(ctx, eventIDSpan)
		if err == nil {
			return base, nil
		}
		lastErr = err
	}
	return 0, lastErr
}
