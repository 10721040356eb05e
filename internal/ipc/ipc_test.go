package ipc

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func listenerPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestRequestShutdownSendsToken(t *testing.T) {
	var gotToken atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/shutdown" {
			http.NotFound(w, r)
			return
		}
		gotToken.Store(r.Header.Get(TokenHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New(2*time.Second, nil)
	if err := c.RequestShutdown(context.Background(), listenerPort(t, ts), "tok-123"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got, _ := gotToken.Load().(string); got != "tok-123" {
		t.Fatalf("token %q, want tok-123", got)
	}
}

func TestBeginSecondPhase(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/phase2" && r.Method == http.MethodPost {
			hits.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := New(2*time.Second, nil)
	if err := c.BeginSecondPhase(context.Background(), listenerPort(t, ts)); err != nil {
		t.Fatalf("phase2: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("phase2 hit %d times", hits.Load())
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(2*time.Second, nil)
	if err := c.RequestShutdown(context.Background(), listenerPort(t, ts), "t"); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestMissingPortRejected(t *testing.T) {
	c := New(time.Second, nil)
	if err := c.RequestShutdown(context.Background(), 0, "t"); err == nil {
		t.Fatal("port 0 must be rejected")
	}
	if err := c.BeginSecondPhase(context.Background(), 0); err == nil {
		t.Fatal("port 0 must be rejected")
	}
}

func TestUnreachableService(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	_ = l.Close()

	c := New(500*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.BeginSecondPhase(ctx, port); err == nil {
		t.Fatal("expected connection error")
	}
}
