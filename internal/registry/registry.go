package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/loykin/warden/internal/clock"
)

// Service is a Definition plus its mutable runtime state. Every mutable
// field is written only while the registry lock is held.
type Service struct {
	Definition
	CurrentPID           int       `json:"current_pid"`
	LastRestartWall      time.Time `json:"last_restart_wall,omitempty"`
	LastRestartMono      time.Time `json:"-"`
	LastAckReceived      time.Time `json:"last_ack_received,omitempty"`
	IPCPort              int       `json:"ipc_port,omitempty"`
	ShutdownToken        string    `json:"-"`
	RestartsInPastMinute int       `json:"restarts_in_past_minute"`
	// rateWindowStart anchors the restart-rate window at the first counted
	// restart, not the most recent one. Anchoring at the latest restart would
	// let a steady crash cadence slower than the limit keep one window open
	// forever and trip the action on deaths spread well past a minute.
	rateWindowStart time.Time
	// TemporarilyIgnoreDeath suppresses death counting and restart for
	// operator-initiated stops. Cleared on the next launch.
	TemporarilyIgnoreDeath bool   `json:"temporarily_ignore_death"`
	DeathCount             uint64 `json:"death_count"`
	// RebootSuppressed downgrades ActionReboot to stop-restarting while the
	// post-blame cooldown is active.
	RebootSuppressed bool `json:"reboot_suppressed,omitempty"`
}

// Running reports whether the supervisor believes the process is up.
// Best-effort: deaths are reaped asynchronously.
func (s *Service) Running() bool { return s.CurrentPID > 0 }

// Decision is the outcome of processing one death event.
type Decision int

const (
	// DecisionNone: no restart. Either the death was operator-suppressed or
	// the service is not configured to restart on failure.
	DecisionNone Decision = iota
	// DecisionRestart: relaunch now.
	DecisionRestart
	// DecisionRestartUnknownAction: the rate limit was exceeded but the
	// configured action is unrecognized; restart anyway (fail open).
	DecisionRestartUnknownAction
	// DecisionReboot: rate limit exceeded with the reboot action.
	DecisionReboot
	// DecisionStopRestarting: rate limit exceeded with the stop action, or
	// reboot requested while the blame cooldown suppresses it.
	DecisionStopRestarting
	// DecisionLowPower: restart suppressed while low-power mode is active.
	DecisionLowPower
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionRestart:
		return "restart"
	case DecisionRestartUnknownAction:
		return "restart-unknown-action"
	case DecisionReboot:
		return "reboot"
	case DecisionStopRestarting:
		return "stop-restarting"
	case DecisionLowPower:
		return "low-power"
	default:
		return "invalid"
	}
}

// DeathOutcome is the copy-out result of ProcessDeath.
type DeathOutcome struct {
	Service  Service
	Counted  bool // death counter incremented (not operator-suppressed)
	Decision Decision
}

// AckOutcome is the copy-out result of RecordAck.
type AckOutcome struct {
	Service Service
	First   bool // first ack since the last launch
}

// Registry is the supervisor's table of services. One coarse mutex guards
// every mutation; two rotation channels stand in for condition variables:
// ackCh is replaced (and the old one closed) whenever an acknowledgement
// lands, deathCh whenever a death has been processed. Waiters grab the
// current channel, re-check their predicate, and select against a deadline.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Service
	order    []string
	ackCh    chan struct{}
	deathCh  chan struct{}
	lowPower bool
}

// New builds a registry from manifest order. Duplicate names are fatal.
func New(defs []Definition) (*Registry, error) {
	r := &Registry{
		services: make(map[string]*Service, len(defs)),
		ackCh:    make(chan struct{}),
		deathCh:  make(chan struct{}),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.services[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", d.Name)
		}
		r.services[d.Name] = &Service{Definition: d}
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Lookup returns a copy of the named service.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return Service{}, false
	}
	return *s, true
}

// ByPID maps a pid back to a service name. Linear scan; the registry holds
// tens of entries.
func (r *Registry) ByPID(pid int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if r.services[name].CurrentPID == pid {
			return name, true
		}
	}
	return "", false
}

// Names returns all service names in manifest order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot copies every service in manifest order. Control operations work
// from snapshots so no caller holds the lock across an IPC call.
func (r *Registry) Snapshot() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.services[name])
	}
	return out
}

// GroupMembers returns the names belonging to a logical group, in manifest
// order.
func (r *Registry) GroupMembers(group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, name := range r.order {
		if r.services[name].Group == group {
			out = append(out, name)
		}
	}
	return out
}

// RunningPIDs returns name -> pid for every service the supervisor forked
// that is currently believed up. Externally managed services have no pid.
func (r *Registry) RunningPIDs() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for name, s := range r.services {
		if s.CurrentPID > 0 {
			out[name] = s.CurrentPID
		}
	}
	return out
}

// LaunchCandidates computes the next launch wave under one critical
// section. singlePhase selects only single-phase services; otherwise every
// remaining auto-start service not already running qualifies. A non-nil
// scope restricts to that name set (restart-all snapshots).
func (r *Registry) LaunchCandidates(singlePhase bool, scope []string) []string {
	var inScope map[string]struct{}
	if scope != nil {
		inScope = make(map[string]struct{}, len(scope))
		for _, n := range scope {
			inScope[n] = struct{}{}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, name := range r.order {
		s := r.services[name]
		if inScope != nil {
			if _, ok := inScope[name]; !ok {
				continue
			}
		}
		if !s.AutoStart || s.ExternallyManaged || s.CurrentPID > 0 {
			continue
		}
		if singlePhase && !s.SinglePhaseStartup {
			continue
		}
		out = append(out, name)
	}
	return out
}

// ClearAck zeroes the ack timestamp ahead of a launch.
func (r *Registry) ClearAck(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[name]; ok {
		s.LastAckReceived = time.Time{}
	}
}

// MarkLaunched records a successful spawn. The temporary ignore-death flag
// is consumed here: any launch resumes normal death handling.
func (r *Registry) MarkLaunched(name string, pid int, mono time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return false
	}
	s.CurrentPID = pid
	s.LastRestartWall = time.Now()
	s.LastRestartMono = mono
	s.TemporarilyIgnoreDeath = false
	return true
}

// RecordAck stores a service's first-phase acknowledgement: timestamp, IPC
// port, and the shutdown token that authorizes graceful shutdown later. A
// repeated ack refreshes port and token without being counted twice (the
// remaining-ack counts derive from the timestamp). Waiters are signaled.
func (r *Registry) RecordAck(name string, ipcPort int, token string, at time.Time) (AckOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return AckOutcome{}, false
	}
	first := s.LastAckReceived.IsZero()
	s.LastAckReceived = at
	if ipcPort > 0 {
		s.IPCPort = ipcPort
	}
	if token != "" {
		s.ShutdownToken = token
	}
	out := AckOutcome{Service: *s, First: first}
	r.signalAckLocked()
	return out, true
}

// RemainingAcks counts ack-expecting services that have not acknowledged.
// singlePhase restricts to the single-phase subset; a non-nil scope
// restricts to that name set. Externally managed services count: they are
// tracked and acked even though the supervisor never forks them. Services
// that will never be started (auto_start=false and not externally managed)
// do not hold the barrier.
func (r *Registry) RemainingAcks(singlePhase bool, scope []string) int {
	var inScope map[string]struct{}
	if scope != nil {
		inScope = make(map[string]struct{}, len(scope))
		for _, n := range scope {
			inScope[n] = struct{}{}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, name := range r.order {
		s := r.services[name]
		if inScope != nil {
			if _, ok := inScope[name]; !ok {
				continue
			}
		}
		if !s.ExpectStartupAck || !s.LastAckReceived.IsZero() {
			continue
		}
		if !s.AutoStart && !s.ExternallyManaged {
			continue
		}
		if singlePhase && !s.SinglePhaseStartup {
			continue
		}
		n++
	}
	return n
}

// SetIgnoreDeath flips the operator-suppression flag for one service.
func (r *Registry) SetIgnoreDeath(name string, v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if ok {
		s.TemporarilyIgnoreDeath = v
	}
	return ok
}

// IgnoreDeathsForRunning sets the suppression flag on every running
// service and returns their names. Called by stop-all before the shutdown
// escalation so the reaper does not double-handle the deaths.
func (r *Registry) IgnoreDeathsForRunning() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, name := range r.order {
		s := r.services[name]
		if s.CurrentPID > 0 {
			s.TemporarilyIgnoreDeath = true
			out = append(out, name)
		}
	}
	return out
}

// SuppressReboot toggles the blame-cooldown override for one service.
func (r *Registry) SuppressReboot(name string, v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if ok {
		s.RebootSuppressed = v
	}
	return ok
}

// SetLowPower flips low-power mode. While active the reaper records deaths
// but suppresses restarts.
func (r *Registry) SetLowPower(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lowPower = v
}

func (r *Registry) LowPower() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lowPower
}

// ProcessDeath runs the whole death transition for one pid under a single
// critical section: clear the pid, count the death unless suppressed,
// signal waiters, then evaluate restart policy. The min-interval wait
// deliberately sleeps while holding the lock (bounded backpressure against
// restart storms). Returns false for a pid no service owns.
func (r *Registry) ProcessDeath(pid int, clk clock.Clock) (DeathOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s *Service
	for _, name := range r.order {
		if r.services[name].CurrentPID == pid {
			s = r.services[name]
			break
		}
	}
	if s == nil {
		return DeathOutcome{}, false
	}

	s.CurrentPID = 0
	suppressed := s.TemporarilyIgnoreDeath
	if !suppressed {
		s.DeathCount++
	}
	r.signalDeathLocked()

	out := DeathOutcome{Counted: !suppressed}
	if suppressed || !s.RestartOnFail {
		out.Decision = DecisionNone
		out.Service = *s
		return out, true
	}
	if r.lowPower {
		out.Decision = DecisionLowPower
		out.Service = *s
		return out, true
	}

	if min := time.Duration(s.MinSecondsBetweenRestarts) * time.Second; min > 0 && !s.LastRestartMono.IsZero() {
		if since := clk.Now().Sub(s.LastRestartMono); since < min {
			clk.Sleep(min - since)
		}
	}

	now := clk.Now()
	if s.RestartsInPastMinute == 0 || now.Sub(s.rateWindowStart) > time.Minute {
		s.RestartsInPastMinute = 0
		s.rateWindowStart = now
	}
	s.RestartsInPastMinute++
	if s.MaxRestartsPerMinute > 0 && s.RestartsInPastMinute > s.MaxRestartsPerMinute {
		switch s.ActionOnMaxRestarts {
		case ActionReboot:
			if s.RebootSuppressed {
				out.Decision = DecisionStopRestarting
			} else {
				out.Decision = DecisionReboot
			}
		case ActionStopRestarting:
			out.Decision = DecisionStopRestarting
		default:
			out.Decision = DecisionRestartUnknownAction
		}
	} else {
		out.Decision = DecisionRestart
	}
	out.Service = *s
	return out, true
}

// MarkStopped clears the pid for an externally confirmed stop (used by the
// simulated spawner path and by force-kill cleanup when no death event will
// arrive). Signals death waiters.
func (r *Registry) MarkStopped(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		return false
	}
	s.CurrentPID = 0
	r.signalDeathLocked()
	return true
}

// AckSignal returns the channel closed on the next recorded ack.
func (r *Registry) AckSignal() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ackCh
}

// DeathSignal returns the channel closed when the next death is processed.
func (r *Registry) DeathSignal() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deathCh
}

// LockedSleep sleeps while holding the registry lock. Restart-all's settle
// delay uses it so the stall is explicit and auditable.
func (r *Registry) LockedSleep(clk clock.Clock, d time.Duration) {
	r.mu.Lock()
	clk.Sleep(d)
	r.mu.Unlock()
}

func (r *Registry) signalAckLocked() {
	close(r.ackCh)
	r.ackCh = make(chan struct{})
}

func (r *Registry) signalDeathLocked() {
	close(r.deathCh)
	r.deathCh = make(chan struct{})
}
