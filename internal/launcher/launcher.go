package launcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/registry"
)

// crashMarkerEnv is injected into the environment of crash relaunches so a
// service can tell a clean boot from a post-crash one.
const crashMarkerEnv = "WARDEN_RESTART=crash"

var (
	ErrNotFound       = errors.New("service not found")
	ErrAlreadyRunning = errors.New("service already running")
)

// SpawnRequest carries everything a Spawner needs for one launch. The
// spawner takes ownership of the writers and closes them when the process
// exits.
type SpawnRequest struct {
	Name   string
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// Death is one child-exit notification on the wait-for-any channel.
type Death struct {
	PID     int
	ExitErr error
	At      time.Time
}

// Spawner abstracts process creation so the reaper and control logic run
// identically against real children (ExecSpawner) and the in-process
// simulation (SimSpawner) used by tests and fork-less platforms.
type Spawner interface {
	Spawn(req SpawnRequest) (pid int, err error)
	// Signal delivers sig to the process (group). Signaling an unknown pid
	// returns an error.
	Signal(pid int, sig os.Signal) error
	// Alive reports whether the process still exists (zombies excluded).
	Alive(pid int) bool
	// Deaths is the shared wait-for-any channel. One Death per exited
	// process, in exit order.
	Deaths() <-chan Death
}

// Launcher starts services through a Spawner and records the transition in
// the registry. It never launches externally managed services.
type Launcher struct {
	reg     *registry.Registry
	sp      Spawner
	envM    *env.Env
	clk     clock.Clock
	capture logger.Capture
	log     *slog.Logger
}

func New(reg *registry.Registry, sp Spawner, envM *env.Env, clk clock.Clock, capture logger.Capture, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	if envM == nil {
		envM = env.New()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Launcher{reg: reg, sp: sp, envM: envM, clk: clk, capture: capture, log: log}
}

// Spawner exposes the underlying spawner for liveness checks and signals.
func (l *Launcher) Spawner() Spawner { return l.sp }

// Launch forks one service. crashRestart marks relaunches performed by the
// death reaper; the marker variable is injected so the service can tell.
// On spawn failure the pid stays 0 and the error is returned after
// logging: the startup timeout or the operator will notice the missing
// ack, nothing retries here.
func (l *Launcher) Launch(name string, crashRestart bool) error {
	svc, ok := l.reg.Lookup(name)
	if !ok {
		return fmt.Errorf("launch %s: %w", name, ErrNotFound)
	}
	if svc.ExternallyManaged {
		l.log.Debug("skipping launch of externally managed service", "service", name)
		return nil
	}
	if svc.CurrentPID > 0 && l.sp.Alive(svc.CurrentPID) {
		return fmt.Errorf("launch %s (pid %d): %w", name, svc.CurrentPID, ErrAlreadyRunning)
	}

	l.reg.ClearAck(name)

	perSvc := svc.Env
	if crashRestart {
		perSvc = append(append([]string{}, svc.Env...), crashMarkerEnv)
	}
	environ := l.envM.Merge(perSvc)

	outW, errW := l.capture.Override(svc.Log).Writers(name)
	pid, err := l.sp.Spawn(SpawnRequest{
		Name:   name,
		Path:   svc.Path,
		Args:   svc.Argv(),
		Dir:    svc.WorkDir,
		Env:    environ,
		Stdout: outW,
		Stderr: errW,
	})
	if err != nil {
		closeQuiet(outW)
		closeQuiet(errW)
		l.log.Error("launch failed", "service", name, "path", svc.Path, "error", err)
		return fmt.Errorf("launch %s: %w", name, err)
	}

	l.reg.MarkLaunched(name, pid, l.clk.Now())
	metrics.IncLaunch(name)
	l.log.Info("service launched", "service", name, "pid", pid, "crash_restart", crashRestart)
	return nil
}

func closeQuiet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
