package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type captured struct {
	method string
	path   string
	body   string
}

// opRecorder answers every request with {"ok":true} and keeps what arrived.
type opRecorder struct {
	mu   sync.Mutex
	reqs []captured
}

func (o *opRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	o.mu.Lock()
	o.reqs = append(o.reqs, captured{method: r.Method, path: r.URL.Path, body: string(b)})
	o.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}

func (o *opRecorder) all() []captured {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]captured, len(o.reqs))
	copy(out, o.reqs)
	return out
}

func TestServiceQueries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"core","group":"platform","current_pid":412,"auto_start":true},
			{"name":"ui","current_pid":0}]`)
	})
	mux.HandleFunc("GET /api/service-names", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["core","ui"]`)
	})
	mux.HandleFunc("GET /api/services/core", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"core","current_pid":412,"death_count":3}`)
	})
	mux.HandleFunc("GET /api/services/core/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"core","running":true,"pid":412}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	svcs, err := c.Services(ctx)
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(svcs) != 2 || svcs[0].Name != "core" || !svcs[0].Running() || svcs[1].Running() {
		t.Fatalf("services = %+v", svcs)
	}

	names, err := c.ServiceNames(ctx)
	if err != nil {
		t.Fatalf("ServiceNames: %v", err)
	}
	if len(names) != 2 || names[1] != "ui" {
		t.Fatalf("names = %v", names)
	}

	svc, err := c.Service(ctx, "core")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if svc.CurrentPID != 412 || svc.DeathCount != 3 {
		t.Fatalf("service = %+v", svc)
	}

	st, err := c.Status(ctx, "core")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.PID != 412 {
		t.Fatalf("status = %+v", st)
	}
}

func TestLifecycleAndGroupOps(t *testing.T) {
	rec := &opRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ctx := context.Background()

	ops := []struct {
		call func() error
		path string
	}{
		{func() error { return c.Start(ctx, "data-bridge") }, "/services/data-bridge/start"},
		{func() error { return c.Stop(ctx, "data-bridge") }, "/services/data-bridge/stop"},
		{func() error { return c.Restart(ctx, "data-bridge") }, "/services/data-bridge/restart"},
		{func() error { return c.Recover(ctx, "data-bridge") }, "/services/data-bridge/recover"},
		{func() error { return c.Unmonitor(ctx, "data-bridge") }, "/services/data-bridge/unmonitor"},
		{func() error { return c.StartGroup(ctx, "platform") }, "/groups/platform/start"},
		{func() error { return c.StopGroup(ctx, "platform") }, "/groups/platform/stop"},
		{func() error { return c.RestartGroup(ctx, "platform") }, "/groups/platform/restart"},
	}
	for _, op := range ops {
		if err := op.call(); err != nil {
			t.Fatalf("%s: %v", op.path, err)
		}
	}

	got := rec.all()
	if len(got) != len(ops) {
		t.Fatalf("recorded %d requests, want %d", len(got), len(ops))
	}
	for i, op := range ops {
		if got[i].method != http.MethodPost || got[i].path != op.path {
			t.Fatalf("request %d = %s %s, want POST %s", i, got[i].method, got[i].path, op.path)
		}
	}
}

func TestAckCarriesPortAndToken(t *testing.T) {
	rec := &opRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if err := c.Ack(context.Background(), "core", 4111, "tok-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	got := rec.all()
	if len(got) != 1 || got[0].path != "/services/core/ack" {
		t.Fatalf("requests = %+v", got)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(got[0].body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["ipc_port"] != float64(4111) || body["shutdown_token"] != "tok-1" {
		t.Fatalf("body = %v", body)
	}
}

func TestFleetOps(t *testing.T) {
	rec := &opRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ctx := context.Background()

	if err := c.Shutdown(ctx, true, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.RestartAll(ctx, true); err != nil {
		t.Fatalf("RestartAll: %v", err)
	}
	if err := c.ResetToFactory(ctx); err != nil {
		t.Fatalf("ResetToFactory: %v", err)
	}
	if err := c.SetLowPower(ctx, true); err != nil {
		t.Fatalf("SetLowPower: %v", err)
	}
	if err := c.RebootSystem(ctx, "maintenance", 5); err != nil {
		t.Fatalf("RebootSystem: %v", err)
	}
	if err := c.ConfigRestored(ctx, "/tmp/restore", "/etc/warden"); err != nil {
		t.Fatalf("ConfigRestored: %v", err)
	}

	got := rec.all()
	wants := []struct {
		path     string
		fragment string
	}{
		{"/shutdown", `"for_exit":true`},
		{"/restart-all", `"for_reset":true`},
		{"/reset-to-factory", ""},
		{"/power/low", `"active":true`},
		{"/system/reboot", `"delay_seconds":5`},
		{"/config/restored", `"temp_dir":"/tmp/restore"`},
	}
	if len(got) != len(wants) {
		t.Fatalf("recorded %d requests, want %d", len(got), len(wants))
	}
	for i, w := range wants {
		if got[i].path != w.path {
			t.Fatalf("request %d path = %s, want %s", i, got[i].path, w.path)
		}
		if w.fragment != "" && !strings.Contains(got[i].body, w.fragment) {
			t.Fatalf("request %d body %q missing %q", i, got[i].body, w.fragment)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/ghost/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"start ghost: service not found in manifest"}`)
	})
	mux.HandleFunc("/services/broken/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.Start(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "service not found") {
		t.Fatalf("ghost start error = %v", err)
	}
	err = c.Start(context.Background(), "broken")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("broken start error = %v", err)
	}
}

func TestStartupStateAndStats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /startup/state", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"phase":"complete","all_started":true,"remaining_acks":0}`)
	})
	mux.HandleFunc("GET /system/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"warden","pid":77,"cpu_percent":1.5,"memory_mb":24.2}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	st, err := c.StartupState(context.Background())
	if err != nil {
		t.Fatalf("StartupState: %v", err)
	}
	if st.Phase != "complete" || !st.AllStarted {
		t.Fatalf("state = %+v", st)
	}
	if !c.IsReachable(context.Background()) {
		t.Fatal("daemon should be reachable")
	}

	samples, err := c.RuntimeStats(context.Background())
	if err != nil {
		t.Fatalf("RuntimeStats: %v", err)
	}
	if len(samples) != 1 || samples[0].Name != "warden" || samples[0].PID != 77 {
		t.Fatalf("samples = %+v", samples)
	}
}

func TestIsReachableWhenDown(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	base := srv.URL
	srv.Close()
	c := New(Config{BaseURL: base, Timeout: 500 * time.Millisecond})
	if c.IsReachable(context.Background()) {
		t.Fatal("closed server reported reachable")
	}
}

func TestWatchEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:heartbeat\ndata:123\n\n")
		fmt.Fprint(w, "event:service-state-changed\ndata:{\"id\":7,\"type\":\"service-state-changed\",\"action\":\"death\",\"name\":\"ui\"}\n\n")
		fmt.Fprint(w, "event:init-complete\ndata:{\"id\":8,\"type\":\"init-complete\",\"qualifier\":\"all-services-started\"}\n\n")
		fl.Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(Config{BaseURL: srv.URL})
	events, err := c.WatchEvents(ctx)
	if err != nil {
		t.Fatalf("WatchEvents: %v", err)
	}

	recv := func() Event {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed early")
			}
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("no event arrived")
		}
		return Event{}
	}
	first := recv()
	if first.ID != 7 || first.Action != "death" || first.Name != "ui" {
		t.Fatalf("first event = %+v", first)
	}
	second := recv()
	if second.ID != 8 || second.Qualifier != "all-services-started" {
		t.Fatalf("second event = %+v", second)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			// Draining a final buffered event is fine; the close must follow.
			select {
			case _, ok2 := <-events:
				if ok2 {
					t.Fatal("stream kept producing after cancel")
				}
			case <-time.After(3 * time.Second):
				t.Fatal("stream never closed after cancel")
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream never closed after cancel")
	}
}
