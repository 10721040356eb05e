// Package coordinator sequences system startup: single-phase services
// first, then everyone else, then the second-phase broadcast once every
// expected acknowledgment has arrived or the fallback deadline passes.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/delay"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/ipc"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/registry"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSinglePhaseLaunch
	PhaseAwaitingSinglePhaseAcks
	PhaseGeneralLaunch
	PhaseAwaitingAllAcks
	PhaseFinalizing
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSinglePhaseLaunch:
		return "single-phase-launch"
	case PhaseAwaitingSinglePhaseAcks:
		return "awaiting-single-phase-acks"
	case PhaseGeneralLaunch:
		return "launch"
	case PhaseAwaitingAllAcks:
		return "awaiting-acks"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// Options bound the barrier waits. Zero values pick the defaults.
type Options struct {
	// SinglePhaseAckWait bounds how long the second wave is held back for
	// single-phase acknowledgments.
	SinglePhaseAckWait time.Duration
	// AllAckFallback bounds the whole barrier, measured from the start of
	// Run. When it passes with acks still missing, finalization is forced.
	AllAckFallback time.Duration
	// Phase2CallTimeout bounds each per-service second-phase call.
	Phase2CallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SinglePhaseAckWait <= 0 {
		o.SinglePhaseAckWait = 60 * time.Second
	}
	if o.AllAckFallback <= 0 {
		o.AllAckFallback = 5 * time.Minute
	}
	if o.Phase2CallTimeout <= 0 {
		o.Phase2CallTimeout = 30 * time.Second
	}
	return o
}

// State is the startup snapshot served to clients.
type State struct {
	Phase         string `json:"phase"`
	AllStarted    bool   `json:"all_started"`
	RemainingAcks int    `json:"remaining_acks"`
}

type Coordinator struct {
	reg  *registry.Registry
	ln   *launcher.Launcher
	peer *ipc.Client
	bus  *events.Bus
	clk  clock.Clock
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	phase     Phase
	finalized bool
	// finalizedCh closes when Finalize commits, waking barrier waiters that
	// would otherwise sleep through a fallback-forced completion.
	finalizedCh chan struct{}
}

func New(reg *registry.Registry, ln *launcher.Launcher, peer *ipc.Client, bus *events.Bus, clk clock.Clock, opts Options, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Coordinator{
		reg:         reg,
		ln:          ln,
		peer:        peer,
		bus:         bus,
		clk:         clk,
		opts:        opts.withDefaults(),
		log:         log,
		finalizedCh: make(chan struct{}),
	}
}

// Run drives one full boot: wave one, bounded wait, wave two, wait for
// every remaining ack, finalize. A fallback timer armed here spans the
// whole barrier; if it fires before everyone acked, finalization is forced
// and the waiters below wake through finalizedCh. Run blocks until
// finalization or ctx cancellation.
func (c *Coordinator) Run(ctx context.Context) {
	fallback := delay.Schedule(c.opts.AllAckFallback, func() {
		c.log.Warn("startup fallback deadline passed, finalizing anyway",
			"remaining", c.reg.RemainingAcks(false, nil))
		c.Finalize(context.Background())
	})
	defer fallback.Cancel()

	c.setPhase(PhaseSinglePhaseLaunch)
	c.launchWave(true, nil)

	c.setPhase(PhaseAwaitingSinglePhaseAcks)
	if !c.waitForAcks(ctx, true, nil, c.opts.SinglePhaseAckWait, c.finalizedCh) {
		c.log.Warn("proceeding without all single-phase acks",
			"remaining", c.reg.RemainingAcks(true, nil))
	}
	if ctx.Err() != nil {
		return
	}

	c.setPhase(PhaseGeneralLaunch)
	c.launchWave(false, nil)

	c.setPhase(PhaseAwaitingAllAcks)
	if c.waitForAcks(ctx, false, nil, 0, c.finalizedCh) {
		fallback.Cancel()
	}
	if ctx.Err() != nil {
		return
	}

	c.Finalize(ctx)
}

// RestartServices replays the two launch waves for the given subset.
// Finalization is never repeated; the second-phase broadcast happens once
// per supervisor lifetime.
func (c *Coordinator) RestartServices(ctx context.Context, names []string) {
	c.log.Info("relaunching services in startup order", "count", len(names))
	c.launchWave(true, names)
	c.waitForAcks(ctx, true, names, c.opts.SinglePhaseAckWait, nil)
	if ctx.Err() != nil {
		return
	}
	c.launchWave(false, names)
	if !c.waitForAcks(ctx, false, names, c.opts.AllAckFallback, nil) {
		c.log.Warn("not all restarted services acked",
			"remaining", c.reg.RemainingAcks(false, names))
	}
}

// OnAck reacts to a recorded acknowledgment. Barrier waiters wake through
// the registry's signal channel on their own; this handles the bookkeeping
// that goes beyond counting. A first ack after finalization still gets its
// second phase, alone, plus a some-services-started broadcast.
func (c *Coordinator) OnAck(ctx context.Context, out registry.AckOutcome) {
	if !out.First {
		return
	}
	svc := out.Service
	if !svc.LastRestartMono.IsZero() {
		metrics.ObserveAckLatency(svc.Name, c.clk.Now().Sub(svc.LastRestartMono).Seconds())
	}
	if c.bus != nil {
		c.bus.Publish(events.ServiceState(events.ActionStart, svc.Name))
	}

	c.mu.Lock()
	late := c.finalized
	c.mu.Unlock()
	if !late {
		return
	}
	c.log.Info("late startup ack", "service", svc.Name)
	if c.peer != nil && svc.IPCPort > 0 {
		cctx, cancel := context.WithTimeout(ctx, c.opts.Phase2CallTimeout)
		if err := c.peer.BeginSecondPhase(cctx, svc.IPCPort); err != nil {
			c.log.Warn("second phase call failed", "service", svc.Name, "error", err)
		}
		cancel()
	}
	if c.bus != nil {
		c.bus.Publish(events.InitComplete(events.QualifierSomeStarted, svc.Name))
	}
}

// Finalize runs the one-shot second-phase broadcast and the init-complete
// event. Calling it again is a no-op.
func (c *Coordinator) Finalize(ctx context.Context) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	c.phase = PhaseFinalizing
	close(c.finalizedCh)
	c.mu.Unlock()
	metrics.SetStartupPhase(int(PhaseFinalizing))

	for _, svc := range c.reg.Snapshot() {
		if svc.LastAckReceived.IsZero() || svc.IPCPort <= 0 {
			continue
		}
		if c.peer == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.opts.Phase2CallTimeout)
		err := c.peer.BeginSecondPhase(cctx, svc.IPCPort)
		cancel()
		if err != nil {
			c.log.Warn("second phase call failed", "service", svc.Name, "error", err)
		}
	}

	q := events.QualifierAllStarted
	if c.reg.RemainingAcks(false, nil) > 0 {
		q = events.QualifierSomeStarted
	}
	if c.bus != nil {
		c.bus.Publish(events.InitComplete(q, ""))
	}
	c.log.Info("startup finalized", "qualifier", string(q))
	c.setPhase(PhaseComplete)
}

// Phase returns the coordinator's current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// AllStarted reports whether finalization has happened. Clients poll this
// to gate their own deferred work.
func (c *Coordinator) AllStarted() bool {
	return c.Phase() == PhaseComplete
}

// Snapshot builds the startup state served over the control API.
func (c *Coordinator) Snapshot() State {
	return State{
		Phase:         c.Phase().String(),
		AllStarted:    c.AllStarted(),
		RemainingAcks: c.reg.RemainingAcks(false, nil),
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	// A fallback-forced finalization can race the boot sequence; once the
	// barrier completed the phase never regresses.
	if c.finalized && p != PhaseFinalizing && p != PhaseComplete {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	metrics.SetStartupPhase(int(p))
	c.log.Info("startup phase", "phase", p.String())
}

func (c *Coordinator) launchWave(singlePhase bool, scope []string) {
	for _, name := range c.reg.LaunchCandidates(singlePhase, scope) {
		if err := c.ln.Launch(name, false); err != nil {
			// The missing ack is caught by the bounded waits; nothing
			// blocks on a service that would not spawn.
			c.log.Error("wave launch failed", "service", name, "error", err)
		}
	}
}

// waitForAcks blocks until the remaining-ack count for the selection hits
// zero, the limit passes, wake closes, or ctx is canceled. A limit of zero
// means no per-wait deadline; a nil wake never fires. True means everyone
// acked.
func (c *Coordinator) waitForAcks(ctx context.Context, singlePhase bool, scope []string, limit time.Duration, wake <-chan struct{}) bool {
	var timeout <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		// Grab the signal channel before checking the count: the registry
		// rotates it on every ack, so this order cannot miss one.
		ackCh := c.reg.AckSignal()
		if c.reg.RemainingAcks(singlePhase, scope) == 0 {
			return true
		}
		select {
		case <-ackCh:
		case <-timeout:
			return false
		case <-wake:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
