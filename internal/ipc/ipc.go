// Package ipc is the outbound half of the supervisor's service protocol.
// Services that acknowledge startup register a loopback control port; the
// supervisor calls back over it to request graceful shutdowns and to start
// the second startup phase.
package ipc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TokenHeader carries the shutdown token a service handed over in its
// startup acknowledgment. Services reject shutdown requests without it.
const TokenHeader = "X-Warden-Token"

type Client struct {
	hc  *http.Client
	log *slog.Logger
}

func New(timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		hc:  &http.Client{Timeout: timeout},
		log: log,
	}
}

// RequestShutdown asks the service listening on port to exit on its own.
// The caller decides what to do when the service ignores the request;
// nothing here escalates.
func (c *Client) RequestShutdown(ctx context.Context, port int, token string) error {
	if port <= 0 {
		return fmt.Errorf("shutdown request: no control port registered")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL(port, "/shutdown"), nil)
	if err != nil {
		return fmt.Errorf("shutdown request: %w", err)
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	return c.do(req, "shutdown")
}

// BeginSecondPhase tells a service that every peer has started and it may
// finish its deferred initialization.
func (c *Client) BeginSecondPhase(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("phase2 request: no control port registered")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL(port, "/phase2"), nil)
	if err != nil {
		return fmt.Errorf("phase2 request: %w", err)
	}
	return c.do(req, "phase2")
}

func (c *Client) do(req *http.Request, op string) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s request: service answered %s", op, resp.Status)
	}
	return nil
}

func serviceURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}
