package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/coordinator"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/ipc"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/reaper"
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/store/sqlite"
)

type world struct {
	reg   *registry.Registry
	sp    *launcher.SimSpawner
	ln    *launcher.Launcher
	bus   *events.Bus
	ctl   *Controller
	st    *sqlite.DB
	coord *coordinator.Coordinator

	exitReason    atomic.Value
	rebootReasons atomic.Int32
	shutdownHits  atomic.Int32
	svcPort       int
	badPort       int
}

func controlDefs() []registry.Definition {
	return []registry.Definition{
		{Name: "core", Path: "/opt/svc/core", Group: "platform", SinglePhaseStartup: true, ExpectStartupAck: true, RestartOnFail: true, AutoStart: true, WaitSecondsOnShutdown: 2},
		{Name: "comm", Path: "/opt/svc/comm", Group: "platform", ExpectStartupAck: true, RestartOnFail: true, AutoStart: true, WaitSecondsOnShutdown: 2},
		{Name: "ui", Path: "/opt/svc/ui", RestartOnFail: true, AutoStart: true, WaitSecondsOnShutdown: 2},
		{Name: "extras", Path: "/opt/svc/extras", RestartOnFail: true, AutoStart: false, WaitSecondsOnShutdown: 2},
		{Name: "jvm", ExternallyManaged: true, ExpectStartupAck: true, AutoStart: true},
	}
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{}
	reg, err := registry.New(controlDefs())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	w.reg = reg
	w.sp = launcher.NewSimSpawner()
	clk := clock.NewFake(time.Unix(50_000, 0))
	w.ln = launcher.New(reg, w.sp, nil, clk, logger.Capture{}, nil)
	w.bus = events.NewBus(1, nil)
	t.Cleanup(w.bus.Close)

	// Cooperative service side: a shutdown request makes the named
	// simulated process exit, like a real service honoring its token.
	good := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shutdown" || r.Method != http.MethodPost {
			http.NotFound(rw, r)
			return
		}
		w.shutdownHits.Add(1)
		name := strings.TrimPrefix(r.Header.Get(ipc.TokenHeader), "tok-")
		go w.sp.ExitByName(name, nil)
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(good.Close)
	w.svcPort = portOf(t, good)

	// Unhelpful service side: always errors, forcing signal escalation.
	bad := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	w.badPort = portOf(t, bad)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	w.st = st

	peer := ipc.New(2*time.Second, nil)
	w.coord = coordinator.New(reg, w.ln, peer, w.bus, clk, coordinator.Options{
		SinglePhaseAckWait: 50 * time.Millisecond,
		AllAckFallback:     100 * time.Millisecond,
	}, nil)

	w.ctl = New(Deps{
		Registry: reg,
		Launcher: w.ln,
		Coord:    w.coord,
		Peer:     peer,
		Store:    st,
		Bus:      w.bus,
		Clock:    clk,
		Reboot:   func(reason string, _ time.Duration) { w.rebootReasons.Add(1) },
		Exit:     func(reason string) { w.exitReason.Store(reason) },
	})

	rp := reaper.New(reg, w.ln, st, w.bus, clk, func(string, time.Duration) { w.rebootReasons.Add(1) }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	rp.Run(ctx)
	t.Cleanup(func() { cancel(); rp.Stop() })
	return w
}

func portOf(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	_, p, _ := net.SplitHostPort(ts.Listener.Addr().String())
	n, _ := strconv.Atoi(p)
	return n
}

func (w *world) launch(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := w.ln.Launch(n, false); err != nil {
			t.Fatalf("launch %s: %v", n, err)
		}
	}
}

func (w *world) ack(t *testing.T, name string, port int) {
	t.Helper()
	if _, ok := w.reg.RecordAck(name, port, "tok-"+name, time.Now()); !ok {
		t.Fatalf("ack %s failed", name)
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStopUsesGracefulRequestFirst(t *testing.T) {
	w := newWorld(t)
	w.launch(t, "core")
	w.ack(t, "core", w.svcPort)

	if err := w.ctl.Stop(context.Background(), "core"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w.shutdownHits.Load() != 1 {
		t.Fatalf("graceful requests = %d, want 1", w.shutdownHits.Load())
	}
	if w.sp.Running("core") {
		t.Fatal("core still running")
	}
	svc, _ := w.reg.Lookup("core")
	if svc.CurrentPID != 0 {
		t.Fatal("pid not cleared")
	}
	waitUntil(t, time.Second, func() bool {
		s, _ := w.reg.Lookup("core")
		return s.DeathCount == 0 && s.CurrentPID == 0
	}, "deliberate stop must not count a death")
}

func TestStopEscalatesWhenServiceRefuses(t *testing.T) {
	w := newWorld(t)
	w.launch(t, "core")
	w.ack(t, "core", w.badPort)

	if err := w.ctl.Stop(context.Background(), "core"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w.sp.Running("core") {
		t.Fatal("escalation failed to stop core")
	}
	svc, _ := w.reg.Lookup("core")
	if svc.DeathCount != 0 {
		t.Fatalf("death counted during stop: %d", svc.DeathCount)
	}
}

func TestStopErrors(t *testing.T) {
	w := newWorld(t)
	if err := w.ctl.Stop(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := w.ctl.Stop(context.Background(), "warden"); !errors.Is(err, ErrSelfTarget) {
		t.Fatalf("want ErrSelfTarget, got %v", err)
	}
	// Stopping something already down is fine.
	if err := w.ctl.Stop(context.Background(), "core"); err != nil {
		t.Fatalf("stop of idle service: %v", err)
	}
}

func TestStopAllThenStartAllCountsNoDeaths(t *testing.T) {
	w := newWorld(t)
	sub, cancel := w.bus.Subscribe()
	defer cancel()
	w.launch(t, "core", "comm", "ui")

	w.ctl.StopAll(context.Background(), StopAllOptions{})
	for _, n := range []string{"core", "comm", "ui"} {
		if w.sp.Running(n) {
			t.Fatalf("%s still running after stop-all", n)
		}
	}

	w.ctl.StartAll(context.Background())
	waitUntil(t, 3*time.Second, func() bool {
		return w.sp.Running("core") && w.sp.Running("comm") && w.sp.Running("ui")
	}, "start-all never brought everything back")

	for _, n := range []string{"core", "comm", "ui"} {
		svc, _ := w.reg.Lookup(n)
		if svc.DeathCount != 0 {
			t.Fatalf("%s counted %d deaths across stop/start-all", n, svc.DeathCount)
		}
		if svc.TemporarilyIgnoreDeath {
			t.Fatalf("%s still ignoring deaths after relaunch", n)
		}
	}
	// No death events leaked onto the bus.
	select {
	case ev := <-sub:
		if ev.Action == events.ActionDeath {
			t.Fatalf("death event during stop-all/start-all: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}

	// Monitoring is re-armed: a real crash now counts.
	svc, _ := w.reg.Lookup("ui")
	w.sp.Exit(svc.CurrentPID, nil)
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := w.reg.Lookup("ui")
		return s.DeathCount == 1
	}, "crash after start-all was not counted")
}

func TestStartAllSkipsAutoStartFalse(t *testing.T) {
	w := newWorld(t)
	w.ctl.StartAll(context.Background())
	waitUntil(t, 2*time.Second, func() bool { return w.sp.Running("ui") }, "start-all never launched ui")
	if w.sp.Running("extras") {
		t.Fatal("auto_start=false service launched by start-all")
	}
	if err := w.ctl.Start(context.Background(), "extras"); err != nil {
		t.Fatalf("explicit start: %v", err)
	}
	if !w.sp.Running("extras") {
		t.Fatal("explicit start did not launch extras")
	}
}

func TestStartErrors(t *testing.T) {
	w := newWorld(t)
	if err := w.ctl.Start(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	w.launch(t, "ui")
	if err := w.ctl.Start(context.Background(), "ui"); !errors.Is(err, launcher.ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
}

func TestRestartGetsNewPidAndEvent(t *testing.T) {
	w := newWorld(t)
	sub, cancel := w.bus.Subscribe()
	defer cancel()
	w.launch(t, "ui")
	before, _ := w.reg.Lookup("ui")

	if err := w.ctl.Restart(context.Background(), "ui"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	after, _ := w.reg.Lookup("ui")
	if after.CurrentPID == 0 || after.CurrentPID == before.CurrentPID {
		t.Fatalf("pid %d then %d, want a fresh pid", before.CurrentPID, after.CurrentPID)
	}

	saw := false
	deadline := time.After(2 * time.Second)
	for !saw {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeServiceState && ev.Action == events.ActionRestart && ev.Name == "ui" {
				saw = true
			}
		case <-deadline:
			t.Fatal("restart event missing")
		}
	}
}

func TestGroupLifecycle(t *testing.T) {
	w := newWorld(t)
	sub, cancel := w.bus.Subscribe()
	defer cancel()

	if err := w.ctl.StartGroup(context.Background(), "nope"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("want ErrUnknownGroup, got %v", err)
	}
	if err := w.ctl.StartGroup(context.Background(), "platform"); err != nil {
		t.Fatalf("start group: %v", err)
	}
	if !w.sp.Running("core") || !w.sp.Running("comm") {
		t.Fatal("group members not launched")
	}
	if w.sp.Running("ui") {
		t.Fatal("non-member launched")
	}

	select {
	case ev := <-sub:
		if ev.Type != events.TypeGroupState || ev.Action != events.ActionStart || ev.Group != "platform" {
			t.Fatalf("unexpected group event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("group start event missing")
	}

	if err := w.ctl.RestartGroup(context.Background(), "platform"); err != nil {
		t.Fatalf("restart group: %v", err)
	}
	if !w.sp.Running("core") || !w.sp.Running("comm") {
		t.Fatal("group members not relaunched")
	}
	groupRestarts := 0
	drain := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeGroupState && ev.Action == events.ActionRestart {
				groupRestarts++
			}
		case <-drain:
			break loop
		}
	}
	if groupRestarts != 1 {
		t.Fatalf("group restart events = %d, want exactly 1", groupRestarts)
	}

	if err := w.ctl.StopGroup(context.Background(), "platform"); err != nil {
		t.Fatalf("stop group: %v", err)
	}
	if w.sp.Running("core") || w.sp.Running("comm") {
		t.Fatal("group members still running")
	}
}

func TestStopMonitoringUntilNextStart(t *testing.T) {
	w := newWorld(t)
	w.launch(t, "ui")
	if err := w.ctl.StopMonitoring(context.Background(), "ui"); err != nil {
		t.Fatalf("unmonitor: %v", err)
	}

	svc, _ := w.reg.Lookup("ui")
	w.sp.Exit(svc.CurrentPID, nil)
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := w.reg.Lookup("ui")
		return s.CurrentPID == 0
	}, "death never processed")
	svc, _ = w.reg.Lookup("ui")
	if svc.DeathCount != 0 {
		t.Fatal("unmonitored death was counted")
	}
	if w.sp.Running("ui") {
		t.Fatal("unmonitored death was restarted")
	}

	// The next start re-arms monitoring.
	if err := w.ctl.Start(context.Background(), "ui"); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc, _ = w.reg.Lookup("ui")
	w.sp.Exit(svc.CurrentPID, nil)
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := w.reg.Lookup("ui")
		return s.DeathCount == 1 && s.CurrentPID != 0
	}, "monitoring did not resume after start")
}

func TestResetToFactory(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.launch(t, "core", "ui")
	if err := w.st.SaveBlame(ctx, "core", time.Now()); err != nil {
		t.Fatalf("seed blame: %v", err)
	}

	if err := w.ctl.ResetToFactory(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if w.sp.Running("core") || w.sp.Running("ui") {
		t.Fatal("services survived factory reset")
	}
	if _, ok, _ := w.st.TakeBlame(ctx); ok {
		t.Fatal("blame survived the purge")
	}
	if got, _ := w.exitReason.Load().(string); got != "factory-reset" {
		t.Fatalf("exit reason %q", got)
	}
	// Reset must not reach for the graceful endpoint.
	if w.shutdownHits.Load() != 0 {
		t.Fatal("factory reset should skip graceful shutdown")
	}
}

func TestLowPowerSuppressesAndSweeps(t *testing.T) {
	w := newWorld(t)
	w.launch(t, "core", "ui")
	w.ctl.SetLowPower(context.Background(), true)

	svc, _ := w.reg.Lookup("core")
	w.sp.Exit(svc.CurrentPID, nil)
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := w.reg.Lookup("core")
		return s.CurrentPID == 0
	}, "death never processed in low power")
	if w.sp.Running("core") {
		t.Fatal("low power must not restart")
	}

	w.ctl.SetLowPower(context.Background(), false)
	waitUntil(t, 2*time.Second, func() bool { return w.sp.Running("core") }, "leaving low power did not relaunch core")
}

func TestRebootSystemFiresHook(t *testing.T) {
	w := newWorld(t)
	w.ctl.RebootSystem(context.Background(), "test", 0)
	waitUntil(t, 2*time.Second, func() bool { return w.rebootReasons.Load() == 1 }, "reboot hook never fired")
}

func TestRecoveryRestartCountsAsCrash(t *testing.T) {
	w := newWorld(t)
	if err := w.ctl.RestartForRecovery(context.Background(), "ui"); !errors.Is(err, ErrNoPid) {
		t.Fatalf("want ErrNoPid for idle service, got %v", err)
	}
	w.launch(t, "ui")
	before, _ := w.reg.Lookup("ui")

	if err := w.ctl.RestartForRecovery(context.Background(), "ui"); err != nil {
		t.Fatalf("recover: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := w.reg.Lookup("ui")
		return s.DeathCount == 1 && s.CurrentPID != 0 && s.CurrentPID != before.CurrentPID
	}, "recovery did not flow through death handling and relaunch")
}

func TestConfigRestored(t *testing.T) {
	w := newWorld(t)
	w.launch(t, "ui")
	tmp := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(tmp, "warden.toml"), "x = 1\n")

	var validated atomic.Value
	w.ctl.d.ValidateConfig = func(dir string) error {
		validated.Store(dir)
		return nil
	}
	if err := w.ctl.ConfigRestored(context.Background(), tmp, target); err != nil {
		t.Fatalf("config restored: %v", err)
	}
	if got, _ := validated.Load().(string); got != tmp {
		t.Fatalf("validated %q, want %q", got, tmp)
	}
	b, err := readFile(filepath.Join(target, "warden.toml"))
	if err != nil || b != "x = 1\n" {
		t.Fatalf("installed config = %q, %v", b, err)
	}
	waitUntil(t, 3*time.Second, func() bool { return w.sp.Running("ui") }, "services not restarted after restore")
}

func TestConfigRestoredRejectedLeavesTargetAlone(t *testing.T) {
	w := newWorld(t)
	tmp := t.TempDir()
	target := t.TempDir()
	writeFile(t, filepath.Join(tmp, "warden.toml"), "broken")
	writeFile(t, filepath.Join(target, "warden.toml"), "live")

	w.ctl.d.ValidateConfig = func(string) error { return errors.New("parse error") }
	if err := w.ctl.ConfigRestored(context.Background(), tmp, target); err == nil {
		t.Fatal("invalid restore must fail")
	}
	b, _ := readFile(filepath.Join(target, "warden.toml"))
	if b != "live" {
		t.Fatalf("live config clobbered: %q", b)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}
