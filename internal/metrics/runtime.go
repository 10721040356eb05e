package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// SelfName is the key under which the supervisor's own sample is reported.
const SelfName = "warden"

// RuntimeSample holds one CPU/memory observation for a single process.
type RuntimeSample struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	SampledAt  time.Time `json:"sampled_at"`
}

// RuntimeCollector samples resource usage of the supervised services and of
// the supervisor itself via gopsutil. Samples feed both the Prometheus
// gauges and the runtime-stats endpoint.
type RuntimeCollector struct {
	interval time.Duration
	pids     func() map[string]int

	mu     sync.RWMutex
	latest map[string]RuntimeSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuGauge     *prometheus.GaugeVec
	memGauge     *prometheus.GaugeVec
	threadsGauge *prometheus.GaugeVec
	fdsGauge     *prometheus.GaugeVec
}

// NewRuntimeCollector builds a collector. pids returns the current
// name-to-pid map of running services; it is called on every tick.
func NewRuntimeCollector(interval time.Duration, pids func() map[string]int) *RuntimeCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	labels := []string{"name"}
	return &RuntimeCollector{
		interval: interval,
		pids:     pids,
		latest:   make(map[string]RuntimeSample),
		stopCh:   make(chan struct{}),
		cpuGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "proc", Name: "cpu_percent",
			Help: "Recent CPU usage per supervised process.",
		}, labels),
		memGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "proc", Name: "memory_mb",
			Help: "Resident memory per supervised process in MiB.",
		}, labels),
		threadsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "proc", Name: "threads",
			Help: "Thread count per supervised process.",
		}, labels),
		fdsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "proc", Name: "open_fds",
			Help: "Open file descriptors per supervised process (Unix only).",
		}, labels),
	}
}

// RegisterMetrics registers the per-process gauges. Safe to call with a
// registerer that has seen them before.
func (c *RuntimeCollector) RegisterMetrics(r prometheus.Registerer) error {
	for _, g := range []prometheus.Collector{c.cpuGauge, c.memGauge, c.threadsGauge, c.fdsGauge} {
		if err := r.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples once immediately, then on every interval tick until ctx is
// canceled or Stop is called.
func (c *RuntimeCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.SampleNow()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.SampleNow()
			}
		}
	}()
}

func (c *RuntimeCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// SampleNow collects one round of samples synchronously.
func (c *RuntimeCollector) SampleNow() {
	now := time.Now()
	targets := map[string]int{SelfName: os.Getpid()}
	if c.pids != nil {
		for name, pid := range c.pids() {
			if pid > 0 {
				targets[name] = pid
			}
		}
	}

	fresh := make(map[string]RuntimeSample, len(targets))
	for name, pid := range targets {
		s, err := sampleProcess(name, pid, now)
		if err != nil {
			slog.Debug("runtime sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		fresh[name] = s
	}

	c.mu.Lock()
	// Drop gauges for services that vanished since the last round.
	for name := range c.latest {
		if _, ok := fresh[name]; !ok {
			c.cpuGauge.DeleteLabelValues(name)
			c.memGauge.DeleteLabelValues(name)
			c.threadsGauge.DeleteLabelValues(name)
			c.fdsGauge.DeleteLabelValues(name)
		}
	}
	c.latest = fresh
	c.mu.Unlock()

	for name, s := range fresh {
		c.cpuGauge.WithLabelValues(name).Set(s.CPUPercent)
		c.memGauge.WithLabelValues(name).Set(s.MemoryMB)
		c.threadsGauge.WithLabelValues(name).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.fdsGauge.WithLabelValues(name).Set(float64(s.NumFDs))
		}
	}
}

// Snapshot returns the latest samples sorted by name, the supervisor's own
// sample first.
func (c *RuntimeCollector) Snapshot() []RuntimeSample {
	c.mu.RLock()
	out := make([]RuntimeSample, 0, len(c.latest))
	for _, s := range c.latest {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == SelfName {
			return true
		}
		if out[j].Name == SelfName {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func sampleProcess(name string, pid int, at time.Time) (RuntimeSample, error) {
	proc, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return RuntimeSample{}, err
	}
	s := RuntimeSample{Name: name, PID: int32(pid), SampledAt: at}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return RuntimeSample{}, err
	}
	s.MemoryRSS = mem.RSS
	s.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
