// Package reaper owns the wait-for-any loop: it drains the spawner's death
// channel, runs each exit through the registry's restart policy, and carries
// out the resulting decision.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/store"
)

// RebootFunc asks the platform for a reboot. Implementations must not
// block; the supervisor keeps running until the system goes down.
type RebootFunc func(reason string, delay time.Duration)

type Reaper struct {
	reg    *registry.Registry
	ln     *launcher.Launcher
	st     store.Store
	bus    *events.Bus
	clk    clock.Clock
	reboot RebootFunc
	log    *slog.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(reg *registry.Registry, ln *launcher.Launcher, st store.Store, bus *events.Bus, clk clock.Clock, reboot RebootFunc, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if reboot == nil {
		reboot = func(reason string, delay time.Duration) {
			log.Error("reboot requested but no reboot hook configured", "reason", reason)
		}
	}
	return &Reaper{reg: reg, ln: ln, st: st, bus: bus, clk: clk, reboot: reboot, log: log, stopCh: make(chan struct{})}
}

// Run consumes the death channel until ctx is canceled or Stop is called.
func (r *Reaper) Run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		deaths := r.ln.Spawner().Deaths()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case d := <-deaths:
				r.handle(ctx, d)
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reaper) handle(ctx context.Context, d launcher.Death) {
	out, ok := r.reg.ProcessDeath(d.PID, r.clk)
	if !ok {
		// Exits from processes we did not launch (or already forgot) are
		// logged and dropped.
		r.log.Debug("exit from unknown pid", "pid", d.PID, "error", d.ExitErr)
		return
	}
	name := out.Service.Name

	if out.Counted {
		r.log.Warn("service died",
			"service", name, "pid", d.PID,
			"death_count", out.Service.DeathCount,
			"recent_restarts", out.Service.RestartsInPastMinute,
			"error", d.ExitErr,
			"decision", out.Decision.String())
		metrics.IncDeath(name)
		if r.bus != nil {
			r.bus.Publish(events.ServiceState(events.ActionDeath, name))
		}
	} else {
		r.log.Debug("expected exit", "service", name, "pid", d.PID)
	}

	switch out.Decision {
	case registry.DecisionNone:
		// Deliberate stop or restartOnFail=false. Nothing more to do.

	case registry.DecisionRestart, registry.DecisionRestartUnknownAction:
		if out.Decision == registry.DecisionRestartUnknownAction {
			r.log.Warn("unrecognized max-restarts action, restarting anyway",
				"service", name, "action", string(out.Service.ActionOnMaxRestarts))
		}
		if err := r.ln.Launch(name, true); err != nil {
			r.log.Error("relaunch failed", "service", name, "error", err)
			return
		}
		metrics.IncRestart(name)
		if r.bus != nil {
			r.bus.Publish(events.ServiceState(events.ActionRestart, name))
		}

	case registry.DecisionReboot:
		metrics.IncPolicyAction("reboot")
		r.persistBlame(ctx, name)
		r.reboot(fmt.Sprintf("service %s exceeded %d restarts per minute", name, out.Service.MaxRestartsPerMinute), 0)

	case registry.DecisionStopRestarting:
		metrics.IncPolicyAction("stop_restarting")
		r.log.Error("giving up on service until the next explicit start",
			"service", name, "recent_restarts", out.Service.RestartsInPastMinute)

	case registry.DecisionLowPower:
		metrics.IncPolicyAction("low_power")
		r.log.Info("service death left unrestarted in low-power mode", "service", name)
	}
}

// persistBlame records which service drove the reboot so the next boot can
// suppress a second one. Failure to persist never blocks the reboot.
func (r *Reaper) persistBlame(ctx context.Context, name string) {
	if r.st == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.st.SaveBlame(cctx, name, r.clk.Now()); err != nil {
		r.log.Error("failed to persist reboot blame", "service", name, "error", err)
	}
}
