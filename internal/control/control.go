// Package control implements the operator-facing lifecycle operations:
// start, stop, and restart for single services, groups, and the whole
// system, plus the factory-reset, low-power, and reboot entry points.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/coordinator"
	"github.com/loykin/warden/internal/delay"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/ipc"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/reaper"
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/store"
)

var (
	// ErrNotFound mirrors the launcher sentinel so callers handle one error.
	ErrNotFound = launcher.ErrNotFound
	// ErrSelfTarget rejects lifecycle operations aimed at the supervisor.
	ErrSelfTarget = errors.New("operation may not target the supervisor itself")
	// ErrUnknownGroup rejects group operations with no members.
	ErrUnknownGroup = errors.New("unknown service group")
	// ErrNoPid is returned when a signal-based operation has no pid to hit.
	ErrNoPid = errors.New("service has no running pid")
)

const (
	// defaultStopWait bounds each escalation tier when the manifest does
	// not set wait_seconds_on_shutdown.
	defaultStopWait = 5 * time.Second
	// killWait bounds the post-SIGKILL wait. A process that survives this
	// is unkillable and gets logged, not retried.
	killWait = 5 * time.Second
	// alivePollInterval paces the liveness re-checks between death signals.
	alivePollInterval = 50 * time.Millisecond
	// restartSettleDelay sits between the stop and relaunch halves of
	// restart-all, giving just-killed services time to release ports and
	// lock files.
	restartSettleDelay = 2 * time.Second
)

// StopAllOptions qualifies a whole-system stop.
type StopAllOptions struct {
	// ForExit marks the stop as part of supervisor shutdown; the exit hook
	// fires once every service is down.
	ForExit bool
	// ForReset skips the graceful tiers and goes straight to SIGKILL.
	ForReset bool
}

// Deps wires the controller. Everything but Registry, Launcher, and
// Spawner-bearing fields may be nil in tests.
type Deps struct {
	Registry *registry.Registry
	Launcher *launcher.Launcher
	Coord    *coordinator.Coordinator
	Peer     *ipc.Client
	Store    store.Store
	Bus      *events.Bus
	Clock    clock.Clock
	Reboot   reaper.RebootFunc
	// Exit asks the supervisor run loop to finish with the given reason.
	Exit func(reason string)
	// ValidateConfig parses a restored configuration directory before it
	// replaces the live one.
	ValidateConfig func(dir string) error
	Log            *slog.Logger
}

type Controller struct {
	d Deps
}

func New(d Deps) *Controller {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Exit == nil {
		d.Exit = func(reason string) {
			d.Log.Error("exit requested but no exit hook configured", "reason", reason)
		}
	}
	if d.Reboot == nil {
		d.Reboot = func(reason string, delay time.Duration) {
			d.Log.Error("reboot requested but no reboot hook configured", "reason", reason)
		}
	}
	return &Controller{d: d}
}

// Start launches one service regardless of its auto_start setting. A
// service already running is an error; externally managed names succeed
// without doing anything.
func (c *Controller) Start(ctx context.Context, name string) error {
	if name == metrics.SelfName {
		return ErrSelfTarget
	}
	svc, ok := c.d.Registry.Lookup(name)
	if !ok {
		return fmt.Errorf("start %s: %w", name, ErrNotFound)
	}
	if err := c.d.Launcher.Launch(name, false); err != nil {
		return err
	}
	// Ack-expecting services publish their start when the ack arrives.
	if c.d.Bus != nil && !svc.ExpectStartupAck && !svc.ExternallyManaged {
		c.d.Bus.Publish(events.ServiceState(events.ActionStart, name))
	}
	return nil
}

// Stop takes one service down through the escalation ladder. The death is
// marked expected first so the restart policy stays quiet.
func (c *Controller) Stop(ctx context.Context, name string) error {
	if name == metrics.SelfName {
		return ErrSelfTarget
	}
	if _, ok := c.d.Registry.Lookup(name); !ok {
		return fmt.Errorf("stop %s: %w", name, ErrNotFound)
	}
	return c.stopOne(ctx, name, false)
}

// Restart stops then starts one service and publishes a restart event.
func (c *Controller) Restart(ctx context.Context, name string) error {
	if name == metrics.SelfName {
		return ErrSelfTarget
	}
	if _, ok := c.d.Registry.Lookup(name); !ok {
		return fmt.Errorf("restart %s: %w", name, ErrNotFound)
	}
	if err := c.stopOne(ctx, name, false); err != nil {
		return err
	}
	if err := c.d.Launcher.Launch(name, false); err != nil {
		return err
	}
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.ServiceState(events.ActionRestart, name))
	}
	return nil
}

// RestartForRecovery sends SIGQUIT so the service can dump diagnostics (a
// JVM writes its thread dump, a native service its core) and escalates to
// SIGKILL when the dump never turns into an exit. Ignore-death stays unset
// on purpose: the death flows through the reaper, whose policy performs
// the relaunch with the crash marker set.
func (c *Controller) RestartForRecovery(ctx context.Context, name string) error {
	if name == metrics.SelfName {
		return ErrSelfTarget
	}
	svc, ok := c.d.Registry.Lookup(name)
	if !ok {
		return fmt.Errorf("recover %s: %w", name, ErrNotFound)
	}
	pid := svc.CurrentPID
	if pid == 0 {
		return fmt.Errorf("recover %s: %w", name, ErrNoPid)
	}
	c.d.Log.Warn("recovery restart requested", "service", name, "pid", pid)

	wait := time.Duration(svc.WaitSecondsOnShutdown) * time.Second
	if wait <= 0 {
		wait = defaultStopWait
	}
	sp := c.d.Launcher.Spawner()
	if err := sp.Signal(pid, syscall.SIGQUIT); err != nil {
		if !sp.Alive(pid) {
			return nil
		}
		return fmt.Errorf("recover %s: %w", name, err)
	}
	if c.waitDead(ctx, pid, wait) {
		return nil
	}
	c.d.Log.Warn("service survived SIGQUIT, killing", "service", name, "pid", pid)
	_ = sp.Signal(pid, syscall.SIGKILL)
	if !c.waitDead(ctx, pid, killWait) {
		return fmt.Errorf("recover %s: pid %d survived SIGKILL", name, pid)
	}
	return nil
}

// StopMonitoring leaves the service running but marks its next death as
// expected: no counting, no restart. Any subsequent launch re-arms
// monitoring.
func (c *Controller) StopMonitoring(ctx context.Context, name string) error {
	if name == metrics.SelfName {
		return ErrSelfTarget
	}
	if !c.d.Registry.SetIgnoreDeath(name, true) {
		return fmt.Errorf("unmonitor %s: %w", name, ErrNotFound)
	}
	c.d.Log.Info("monitoring suspended until next start", "service", name)
	return nil
}

// StartGroup launches every non-running member and publishes one group
// event.
func (c *Controller) StartGroup(ctx context.Context, group string) error {
	members := c.d.Registry.GroupMembers(group)
	if len(members) == 0 {
		return fmt.Errorf("group %s: %w", group, ErrUnknownGroup)
	}
	for _, name := range members {
		if svc, ok := c.d.Registry.Lookup(name); ok && svc.Running() {
			continue
		}
		if err := c.d.Launcher.Launch(name, false); err != nil {
			c.d.Log.Error("group member launch failed", "group", group, "service", name, "error", err)
		}
	}
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.GroupState(events.ActionStart, group))
	}
	return nil
}

// StopGroup takes every member down through the ladder.
func (c *Controller) StopGroup(ctx context.Context, group string) error {
	members := c.d.Registry.GroupMembers(group)
	if len(members) == 0 {
		return fmt.Errorf("group %s: %w", group, ErrUnknownGroup)
	}
	var firstErr error
	for _, name := range members {
		if err := c.stopOne(ctx, name, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestartGroup bounces every member and publishes one group restart event.
func (c *Controller) RestartGroup(ctx context.Context, group string) error {
	members := c.d.Registry.GroupMembers(group)
	if len(members) == 0 {
		return fmt.Errorf("group %s: %w", group, ErrUnknownGroup)
	}
	for _, name := range members {
		if err := c.stopOne(ctx, name, false); err != nil {
			c.d.Log.Error("group member stop failed", "group", group, "service", name, "error", err)
		}
	}
	for _, name := range members {
		if err := c.d.Launcher.Launch(name, false); err != nil {
			c.d.Log.Error("group member relaunch failed", "group", group, "service", name, "error", err)
		}
	}
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.GroupState(events.ActionRestart, group))
	}
	return nil
}

// StartAll replays the startup waves for everything auto-start that is
// not already running.
func (c *Controller) StartAll(ctx context.Context) {
	if c.d.Coord != nil {
		c.d.Coord.RestartServices(ctx, nil)
		return
	}
	for _, name := range c.d.Registry.LaunchCandidates(true, nil) {
		_ = c.d.Launcher.Launch(name, false)
	}
	for _, name := range c.d.Registry.LaunchCandidates(false, nil) {
		_ = c.d.Launcher.Launch(name, false)
	}
}

// StopAll takes the whole system down in manifest order. Every running
// service is flagged ignore-death under one lock before the first kill,
// so a mass stop never counts as a crash storm.
func (c *Controller) StopAll(ctx context.Context, opts StopAllOptions) {
	flagged := c.d.Registry.IgnoreDeathsForRunning()
	c.d.Log.Info("stopping all services",
		"running", len(flagged), "for_exit", opts.ForExit, "for_reset", opts.ForReset)

	for _, svc := range c.d.Registry.Snapshot() {
		if err := c.stopOne(ctx, svc.Name, opts.ForReset); err != nil {
			c.d.Log.Error("stop failed", "service", svc.Name, "error", err)
		}
	}
	if opts.ForExit {
		c.d.Exit("shutdown-all")
	}
}

// RestartAll is stop-everything followed by the startup waves, scoped to
// the services that were running or would auto-start when it began.
// forReset skips the graceful shutdown tiers, for callers that just
// swapped the configuration out underneath the services. The settle delay
// between the halves deliberately holds the registry lock so nothing
// observes or mutates the half-stopped table.
func (c *Controller) RestartAll(ctx context.Context, forReset bool) {
	var names []string
	for _, svc := range c.d.Registry.Snapshot() {
		if svc.Running() || svc.AutoStart {
			names = append(names, svc.Name)
		}
	}
	c.StopAll(ctx, StopAllOptions{ForReset: forReset})
	c.d.Registry.LockedSleep(c.d.Clock, restartSettleDelay)
	if c.d.Coord != nil {
		c.d.Coord.RestartServices(ctx, names)
		return
	}
	for _, name := range c.d.Registry.LaunchCandidates(true, names) {
		_ = c.d.Launcher.Launch(name, false)
	}
	for _, name := range c.d.Registry.LaunchCandidates(false, names) {
		_ = c.d.Launcher.Launch(name, false)
	}
}

// ResetToFactory stops everything hard, wipes the supervisor's persisted
// state, and exits so the platform can finish the reset.
func (c *Controller) ResetToFactory(ctx context.Context) error {
	c.d.Log.Warn("factory reset requested")
	c.StopAll(ctx, StopAllOptions{ForReset: true})
	if c.d.Store != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.d.Store.PurgeAll(cctx); err != nil {
			return fmt.Errorf("factory reset: %w", err)
		}
	}
	c.d.Exit("factory-reset")
	return nil
}

// SetLowPower flips low-power mode. Entering it leaves services running
// but stops restarting the ones that die. Leaving it relaunches every
// auto-start service that went down in the meantime.
func (c *Controller) SetLowPower(ctx context.Context, on bool) {
	if on == c.d.Registry.LowPower() {
		return
	}
	c.d.Registry.SetLowPower(on)
	c.d.Log.Info("low-power mode changed", "active", on)
	if on {
		return
	}
	for _, name := range c.d.Registry.LaunchCandidates(true, nil) {
		_ = c.d.Launcher.Launch(name, false)
	}
	for _, name := range c.d.Registry.LaunchCandidates(false, nil) {
		_ = c.d.Launcher.Launch(name, false)
	}
}

// RebootSystem schedules a platform reboot after delaySeconds.
func (c *Controller) RebootSystem(ctx context.Context, reason string, delaySeconds int) {
	if reason == "" {
		reason = "operator request"
	}
	d := time.Duration(delaySeconds) * time.Second
	c.d.Log.Warn("system reboot scheduled", "reason", reason, "delay", d)
	reboot := c.d.Reboot
	delay.Schedule(d, func() { reboot(reason, 0) })
}

// ShutdownAll is the shutdown-all operation: stop everything, then exit
// when asked to.
func (c *Controller) ShutdownAll(ctx context.Context, opts StopAllOptions) {
	c.StopAll(ctx, opts)
}

// ConfigRestored validates a restored configuration in tempDir, installs
// it over targetDir, and bounces every service so each one re-reads its
// own restored settings. The supervisor's manifest is only re-read at the
// next boot. A restore that fails validation leaves the live
// configuration alone.
func (c *Controller) ConfigRestored(ctx context.Context, tempDir, targetDir string) error {
	if c.d.ValidateConfig != nil {
		if err := c.d.ValidateConfig(tempDir); err != nil {
			return fmt.Errorf("restored config rejected: %w", err)
		}
	}
	if err := installDir(tempDir, targetDir); err != nil {
		return fmt.Errorf("install restored config: %w", err)
	}
	c.d.Log.Info("restored configuration installed", "from", tempDir, "to", targetDir)
	c.RestartAll(ctx, false)
	return nil
}

// stopOne runs the escalation ladder for a single service: graceful IPC
// request, SIGTERM, SIGKILL, each tier skipped as soon as the process is
// gone. force jumps straight to SIGKILL.
func (c *Controller) stopOne(ctx context.Context, name string, force bool) error {
	svc, ok := c.d.Registry.Lookup(name)
	if !ok {
		return fmt.Errorf("stop %s: %w", name, ErrNotFound)
	}

	if svc.ExternallyManaged {
		// Nothing to signal; a graceful request is all we can offer.
		if !force && c.d.Peer != nil && svc.IPCPort > 0 {
			cctx, cancel := context.WithTimeout(ctx, defaultStopWait)
			if err := c.d.Peer.RequestShutdown(cctx, svc.IPCPort, svc.ShutdownToken); err != nil {
				c.d.Log.Warn("graceful shutdown request failed", "service", name, "error", err)
			}
			cancel()
		}
		c.d.Registry.SetIgnoreDeath(name, true)
		c.d.Registry.ClearAck(name)
		return nil
	}

	pid := svc.CurrentPID
	if pid == 0 {
		return nil
	}
	c.d.Registry.SetIgnoreDeath(name, true)

	wait := time.Duration(svc.WaitSecondsOnShutdown) * time.Second
	if wait <= 0 {
		wait = defaultStopWait
	}
	sp := c.d.Launcher.Spawner()

	if !force && c.d.Peer != nil && svc.IPCPort > 0 && svc.ShutdownToken != "" {
		cctx, cancel := context.WithTimeout(ctx, wait)
		err := c.d.Peer.RequestShutdown(cctx, svc.IPCPort, svc.ShutdownToken)
		cancel()
		if err != nil {
			c.d.Log.Debug("graceful shutdown request failed", "service", name, "error", err)
		} else if c.waitDead(ctx, pid, wait) {
			c.finishStop(name)
			return nil
		}
	}

	if !force {
		if err := sp.Signal(pid, syscall.SIGTERM); err == nil {
			if c.waitDead(ctx, pid, wait) {
				c.finishStop(name)
				return nil
			}
		} else if !sp.Alive(pid) {
			c.finishStop(name)
			return nil
		}
		c.d.Log.Warn("service ignored SIGTERM, killing", "service", name, "pid", pid)
	}

	_ = sp.Signal(pid, syscall.SIGKILL)
	if !c.waitDead(ctx, pid, killWait) {
		c.d.Log.Error("service survived SIGKILL", "service", name, "pid", pid)
		return fmt.Errorf("stop %s: pid %d survived SIGKILL", name, pid)
	}
	c.finishStop(name)
	return nil
}

func (c *Controller) finishStop(name string) {
	c.d.Registry.MarkStopped(name)
	c.d.Log.Info("service stopped", "service", name)
}

// waitDead blocks until the pid is gone, the limit passes, or ctx ends.
// Death-processed signals wake it early; a poll ticker covers deaths the
// reaper has not drained yet.
func (c *Controller) waitDead(ctx context.Context, pid int, limit time.Duration) bool {
	sp := c.d.Launcher.Spawner()
	if !sp.Alive(pid) {
		return true
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	ticker := time.NewTicker(alivePollInterval)
	defer ticker.Stop()
	for {
		deathCh := c.d.Registry.DeathSignal()
		if !sp.Alive(pid) {
			return true
		}
		select {
		case <-deathCh:
		case <-ticker.C:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// installDir copies every regular file from src over dst, creating dst if
// needed. Subdirectories are copied recursively.
func installDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	for _, e := range entries {
		sp := filepath.Join(src, e.Name())
		dp := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := installDir(sp, dp); err != nil {
				return err
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		if err := copyFile(sp, dp); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
