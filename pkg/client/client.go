// Package client is a typed HTTP client for the warden control API. It
// mirrors every operation the daemon serves, so shell tooling and sibling
// services never hand-build requests.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the daemon's API root, scheme through base path.
	BaseURL string
	// Timeout bounds every call except the event stream.
	Timeout time.Duration
	Logger  *slog.Logger
	TLS     *TLSClientConfig
	// Insecure skips TLS verification entirely.
	Insecure bool
}

// TLSClientConfig holds the client's TLS material.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string // client certificate file
	ClientKey  string // client private key file
	ServerName string // overrides the name checked against the server cert
	SkipVerify bool
}

// DefaultConfig targets a daemon with stock listen and base-path settings.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9650/api",
		Timeout: 10 * time.Second,
	}
}

// Client talks to one warden daemon.
type Client struct {
	baseURL string
	hc      *http.Client
	// stream shares the transport but carries no timeout; the event
	// stream stays open until its context ends.
	stream *http.Client
	log    *slog.Logger
}

// New builds a client. Zero-value config fields take the defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("client TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		hc:      &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
		log:     config.Logger,
	}
}

// IsReachable reports whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/startup/state", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Services returns every service record in manifest order.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var out []Service
	if err := c.get(ctx, "/services", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServiceNames returns the manifest names in order.
func (c *Client) ServiceNames(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, "/service-names", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Service returns one service record.
func (c *Client) Service(ctx context.Context, name string) (Service, error) {
	var out Service
	err := c.get(ctx, "/services/"+url.PathEscape(name), &out)
	return out, err
}

// Status returns one service's compact liveness answer.
func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var out Status
	err := c.get(ctx, "/services/"+url.PathEscape(name)+"/status", &out)
	return out, err
}

// Ack records a startup acknowledgment for name, registering the control
// port and shutdown token the service listens on.
func (c *Client) Ack(ctx context.Context, name string, ipcPort int, token string) error {
	body := map[string]any{"ipc_port": ipcPort, "shutdown_token": token}
	return c.post(ctx, "/services/"+url.PathEscape(name)+"/ack", body, nil)
}

// Start launches one service.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.serviceOp(ctx, name, "start")
}

// Stop takes one service down.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.serviceOp(ctx, name, "stop")
}

// Restart bounces one service.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.serviceOp(ctx, name, "restart")
}

// Recover asks one service to dump diagnostics and exit so the restart
// policy relaunches it.
func (c *Client) Recover(ctx context.Context, name string) error {
	return c.serviceOp(ctx, name, "recover")
}

// Unmonitor leaves the service running but ignores its next death.
func (c *Client) Unmonitor(ctx context.Context, name string) error {
	return c.serviceOp(ctx, name, "unmonitor")
}

func (c *Client) serviceOp(ctx context.Context, name, op string) error {
	return c.post(ctx, "/services/"+url.PathEscape(name)+"/"+op, nil, nil)
}

// StartGroup launches every non-running member of the group.
func (c *Client) StartGroup(ctx context.Context, group string) error {
	return c.groupOp(ctx, group, "start")
}

// StopGroup stops every member of the group.
func (c *Client) StopGroup(ctx context.Context, group string) error {
	return c.groupOp(ctx, group, "stop")
}

// RestartGroup bounces every member of the group.
func (c *Client) RestartGroup(ctx context.Context, group string) error {
	return c.groupOp(ctx, group, "restart")
}

func (c *Client) groupOp(ctx context.Context, group, op string) error {
	return c.post(ctx, "/groups/"+url.PathEscape(group)+"/"+op, nil, nil)
}

// Shutdown stops every service. forExit also ends the daemon's run loop;
// forReset skips the graceful tiers.
func (c *Client) Shutdown(ctx context.Context, forExit, forReset bool) error {
	body := map[string]any{"for_exit": forExit, "for_reset": forReset}
	return c.post(ctx, "/shutdown", body, nil)
}

// RestartAll stops everything and replays the startup waves.
func (c *Client) RestartAll(ctx context.Context, forReset bool) error {
	return c.post(ctx, "/restart-all", map[string]any{"for_reset": forReset}, nil)
}

// ResetToFactory stops everything hard and wipes the daemon's state.
func (c *Client) ResetToFactory(ctx context.Context) error {
	return c.post(ctx, "/reset-to-factory", nil, nil)
}

// StartupState reports the startup coordinator snapshot.
func (c *Client) StartupState(ctx context.Context) (StartupState, error) {
	var out StartupState
	err := c.get(ctx, "/startup/state", &out)
	return out, err
}

// SetLowPower flips the daemon's low-power mode.
func (c *Client) SetLowPower(ctx context.Context, active bool) error {
	return c.post(ctx, "/power/low", map[string]any{"active": active}, nil)
}

// RebootSystem schedules a platform reboot after delaySeconds.
func (c *Client) RebootSystem(ctx context.Context, reason string, delaySeconds int) error {
	body := map[string]any{"reason": reason, "delay_seconds": delaySeconds}
	return c.post(ctx, "/system/reboot", body, nil)
}

// RuntimeStats returns the latest resource samples.
func (c *Client) RuntimeStats(ctx context.Context) ([]RuntimeSample, error) {
	var out []RuntimeSample
	if err := c.get(ctx, "/system/stats", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfigRestored tells the daemon a restored configuration is staged in
// tempDir and should replace targetDir.
func (c *Client) ConfigRestored(ctx context.Context, tempDir, targetDir string) error {
	body := map[string]any{"temp_dir": tempDir, "target_dir": targetDir}
	return c.post(ctx, "/config/restored", body, nil)
}

// WatchEvents opens the daemon's lifecycle event stream. Events arrive on
// the returned channel until ctx ends or the stream breaks; the channel is
// closed either way. Heartbeats are filtered out.
func (c *Client) WatchEvents(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream answered %s", resp.Status)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var eventName, data string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if eventName != "heartbeat" && data != "" {
					var ev Event
					if err := json.Unmarshal([]byte(data), &ev); err != nil {
						c.log.Warn("undecodable event", "error", err)
					} else {
						select {
						case out <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
				eventName, data = "", ""
			}
		}
	}()
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// do performs one API call and decodes the answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("daemon answered %s", resp.Status)
		}
		return fmt.Errorf("daemon answered %s: %s", resp.Status, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// setupClientTLS builds the client-side TLS configuration.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{} // #nosec G402 verification mode is caller-controlled
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		caCert, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate %s", config.TLS.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
