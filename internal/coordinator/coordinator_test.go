package coordinator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/ipc"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/registry"
)

type rig struct {
	reg    *registry.Registry
	sp     *launcher.SimSpawner
	bus    *events.Bus
	coord  *Coordinator
	phase2 *atomic.Int32
	port   int
}

func barrierDefs() []registry.Definition {
	return []registry.Definition{
		{Name: "core", Path: "/opt/svc/core", SinglePhaseStartup: true, ExpectStartupAck: true, AutoStart: true, RestartOnFail: true},
		{Name: "comm", Path: "/opt/svc/comm", ExpectStartupAck: true, AutoStart: true, RestartOnFail: true},
		{Name: "ui", Path: "/opt/svc/ui", AutoStart: true, RestartOnFail: true},
		{Name: "jvm", ExternallyManaged: true, ExpectStartupAck: true, AutoStart: true},
		{Name: "extras", Path: "/opt/svc/extras", ExpectStartupAck: true, AutoStart: false},
	}
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	reg, err := registry.New(barrierDefs())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r := &rig{reg: reg, phase2: &atomic.Int32{}}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/phase2" && req.Method == http.MethodPost {
			r.phase2.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, req)
	}))
	t.Cleanup(ts.Close)
	_, portStr, _ := net.SplitHostPort(ts.Listener.Addr().String())
	r.port, _ = strconv.Atoi(portStr)

	r.sp = launcher.NewSimSpawner()
	ln := launcher.New(reg, r.sp, nil, clock.System{}, logger.Capture{}, nil)
	r.bus = events.NewBus(1, nil)
	t.Cleanup(r.bus.Close)

	r.coord = New(reg, ln, ipc.New(time.Second, nil), r.bus, clock.System{}, opts, nil)
	return r
}

func (r *rig) ack(t *testing.T, name string) {
	t.Helper()
	out, ok := r.reg.RecordAck(name, r.port, "tok-"+name, time.Now())
	if !ok {
		t.Fatalf("ack for unknown service %s", name)
	}
	r.coord.OnAck(context.Background(), out)
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

func collectUntilInit(t *testing.T, sub <-chan events.Event) []events.Event {
	t.Helper()
	var got []events.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			got = append(got, ev)
			if ev.Type == events.TypeInitComplete {
				return got
			}
		case <-deadline:
			t.Fatalf("no init-complete event, saw %+v", got)
		}
	}
}

func TestBarrierCompletesWhenEveryoneAcks(t *testing.T) {
	r := newRig(t, Options{SinglePhaseAckWait: 2 * time.Second, AllAckFallback: 5 * time.Second})
	sub, cancel := r.bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.coord.Run(context.Background())
		close(done)
	}()

	waitUntil(t, 2*time.Second, func() bool { return r.sp.Running("core") }, "single-phase wave never launched core")
	r.ack(t, "core")

	waitUntil(t, 2*time.Second, func() bool { return r.sp.Running("comm") && r.sp.Running("ui") }, "second wave never launched")
	r.ack(t, "comm")
	r.ack(t, "jvm")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}
	if !r.coord.AllStarted() {
		t.Fatal("barrier should be complete")
	}

	evs := collectUntilInit(t, sub)
	last := evs[len(evs)-1]
	if last.Qualifier != events.QualifierAllStarted {
		t.Fatalf("qualifier %s, want all-services-started", last.Qualifier)
	}
	starts := 0
	for _, ev := range evs {
		if ev.Type == events.TypeServiceState && ev.Action == events.ActionStart {
			starts++
		}
	}
	if starts != 3 {
		t.Fatalf("start events = %d, want 3 (core, comm, jvm)", starts)
	}
	// Second phase went to each acked service exactly once.
	if got := r.phase2.Load(); got != 3 {
		t.Fatalf("phase2 calls = %d, want 3", got)
	}
	// extras is auto_start=false and must not hold the barrier or run.
	if r.sp.Running("extras") {
		t.Fatal("extras must not launch")
	}
}

func TestSecondWaveHeldForSinglePhaseAck(t *testing.T) {
	r := newRig(t, Options{SinglePhaseAckWait: 10 * time.Second, AllAckFallback: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.coord.Run(ctx)

	waitUntil(t, 2*time.Second, func() bool { return r.sp.Running("core") }, "core never launched")
	time.Sleep(50 * time.Millisecond)
	if r.sp.Running("comm") || r.sp.Running("ui") {
		t.Fatal("second wave must wait for single-phase acks")
	}

	r.ack(t, "core")
	waitUntil(t, 2*time.Second, func() bool { return r.sp.Running("comm") }, "ack did not release the second wave")
}

func TestSinglePhaseTimeoutReleasesSecondWave(t *testing.T) {
	r := newRig(t, Options{SinglePhaseAckWait: 60 * time.Millisecond, AllAckFallback: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.coord.Run(ctx)

	// core never acks; the bounded wait must expire and move on.
	waitUntil(t, 3*time.Second, func() bool { return r.sp.Running("comm") }, "timeout did not release the second wave")
}

func TestFallbackFinalizesWithSomeStarted(t *testing.T) {
	r := newRig(t, Options{SinglePhaseAckWait: 50 * time.Millisecond, AllAckFallback: 150 * time.Millisecond})
	sub, cancel := r.bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.coord.Run(context.Background())
		close(done)
	}()

	// Only core acks; comm and jvm stay silent past the fallback.
	waitUntil(t, 2*time.Second, func() bool { return r.sp.Running("core") }, "core never launched")
	r.ack(t, "core")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fallback never finalized")
	}
	evs := collectUntilInit(t, sub)
	last := evs[len(evs)-1]
	if last.Qualifier != events.QualifierSomeStarted {
		t.Fatalf("qualifier %s, want some-services-started", last.Qualifier)
	}
	if !r.coord.AllStarted() {
		t.Fatal("finalization must mark the barrier complete even when partial")
	}
}

func TestLateAckGetsSecondPhaseWithoutRefinalizing(t *testing.T) {
	r := newRig(t, Options{SinglePhaseAckWait: 30 * time.Millisecond, AllAckFallback: 60 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		r.coord.Run(context.Background())
		close(done)
	}()
	<-done

	sub, cancel := r.bus.Subscribe()
	defer cancel()
	before := r.phase2.Load()

	r.ack(t, "comm")

	waitUntil(t, 2*time.Second, func() bool { return r.phase2.Load() == before+1 }, "late acker never got its second phase")

	evs := collectUntilInit(t, sub)
	last := evs[len(evs)-1]
	if last.Qualifier != events.QualifierSomeStarted || last.Name != "comm" {
		t.Fatalf("late ack broadcast %+v, want some-services-started for comm", last)
	}

	// A repeat ack must stay quiet.
	r.ack(t, "comm")
	select {
	case ev := <-sub:
		t.Fatalf("repeat ack published %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	r := newRig(t, Options{})
	sub, cancel := r.bus.Subscribe()
	defer cancel()

	r.coord.Finalize(context.Background())
	r.coord.Finalize(context.Background())

	inits := 0
	timeout := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeInitComplete {
				inits++
			}
		case <-timeout:
			if inits != 1 {
				t.Fatalf("init-complete published %d times, want 1", inits)
			}
			return
		}
	}
}

func TestRestartServicesDoesNotRefinalize(t *testing.T) {
	r := newRig(t, Options{SinglePhaseAckWait: 40 * time.Millisecond, AllAckFallback: 80 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		r.coord.Run(context.Background())
		close(done)
	}()
	<-done

	// Simulate the stop half of restart-all: kill and forget the managed
	// services, clear their acks.
	for _, name := range []string{"core", "comm", "ui"} {
		r.sp.ExitByName(name, nil)
		r.reg.MarkStopped(name)
		r.reg.ClearAck(name)
	}
	sub, cancel := r.bus.Subscribe()
	defer cancel()

	go r.coord.RestartServices(context.Background(), []string{"core", "comm", "ui"})
	waitUntil(t, 2*time.Second, func() bool {
		return r.sp.Running("core") && r.sp.Running("comm") && r.sp.Running("ui")
	}, "restart waves never relaunched the set")

	select {
	case ev := <-sub:
		if ev.Type == events.TypeInitComplete {
			t.Fatalf("restart must not re-broadcast init-complete, got %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}
