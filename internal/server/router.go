package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/warden/internal/clock"
	"github.com/loykin/warden/internal/control"
	"github.com/loykin/warden/internal/coordinator"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/registry"
)

// Router serves the supervisor's control surface. Service state is read from
// the registry, mutations go through the controller, and /events streams the
// broadcaster as SSE. basePath may be empty or start with '/'; no trailing
// slash.

// Deps are the wired collaborators the handlers act on. Stats may be nil
// when runtime sampling is disabled.
type Deps struct {
	Registry *registry.Registry
	Control  *control.Controller
	Coord    *coordinator.Coordinator
	Stats    *metrics.RuntimeCollector
	Bus      *events.Bus
	Clock    clock.Clock
	Log      *slog.Logger
}

type Router struct {
	d        Deps
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/api" results in /api/services, /api/shutdown, ...
func NewRouter(d Deps, basePath string) *Router {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Router{d: d, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	group.GET("/services", r.handleListServices)
	group.GET("/service-names", r.handleServiceNames)
	group.GET("/services/:name", r.handleGetService)
	group.GET("/services/:name/status", r.handleServiceStatus)
	group.POST("/services/:name/ack", r.handleAck)
	group.POST("/services/:name/start", r.handleStartService)
	group.POST("/services/:name/stop", r.handleStopService)
	group.POST("/services/:name/restart", r.handleRestartService)
	group.POST("/services/:name/recover", r.handleRecoverService)
	group.POST("/services/:name/unmonitor", r.handleUnmonitorService)

	group.POST("/groups/:name/start", r.handleStartGroup)
	group.POST("/groups/:name/stop", r.handleStopGroup)
	group.POST("/groups/:name/restart", r.handleRestartGroup)

	group.POST("/shutdown", r.handleShutdown)
	group.POST("/restart-all", r.handleRestartAll)
	group.POST("/reset-to-factory", r.handleResetToFactory)
	group.GET("/startup/state", r.handleStartupState)
	group.POST("/power/low", r.handleLowPower)
	group.POST("/system/reboot", r.handleReboot)
	group.GET("/system/stats", r.handleStats)
	group.POST("/config/restored", r.handleConfigRestored)

	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router and
// returns it; shut it down via http.Server's Shutdown/Close. With a non-nil
// tlsCfg the listener serves HTTPS.
func NewServer(addr, basePath string, tlsCfg *tls.Config, d Deps) *http.Server {
	r := NewRouter(d, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: /events streams indefinitely and the fleet
		// operations block until every stop ladder has run its course.
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.d.Log.Error("control listener stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
}

type ackReq struct {
	IPCPort       int    `json:"ipc_port"`
	ShutdownToken string `json:"shutdown_token"`
}

func (r *Router) failControl(c *gin.Context, err error) {
	switch {
	case errors.Is(err, control.ErrNotFound), errors.Is(err, control.ErrUnknownGroup):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, launcher.ErrAlreadyRunning), errors.Is(err, control.ErrNoPid):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleListServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.d.Registry.Snapshot())
}

func (r *Router) handleServiceNames(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.d.Registry.Names())
}

func (r *Router) handleGetService(c *gin.Context) {
	name := c.Param("name")
	svc, ok := r.d.Registry.Lookup(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
		return
	}
	writeJSON(c, http.StatusOK, svc)
}

func (r *Router) handleServiceStatus(c *gin.Context) {
	name := c.Param("name")
	svc, ok := r.d.Registry.Lookup(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
		return
	}
	writeJSON(c, http.StatusOK, statusResp{Name: svc.Name, Running: svc.Running(), PID: svc.CurrentPID})
}

// handleAck is the startup acknowledgement endpoint services call once their
// own initialization is done. The port and token are kept for graceful
// shutdown requests later.
func (r *Router) handleAck(c *gin.Context) {
	var req ackReq
	if !bindOptional(c, &req) {
		return
	}
	name := c.Param("name")
	out, ok := r.d.Registry.RecordAck(name, req.IPCPort, req.ShutdownToken, r.d.Clock.Now())
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + name})
		return
	}
	if r.d.Coord != nil {
		r.d.Coord.OnAck(c.Request.Context(), out)
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartService(c *gin.Context) {
	if err := r.d.Control.Start(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopService(c *gin.Context) {
	if err := r.d.Control.Stop(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestartService(c *gin.Context) {
	if err := r.d.Control.Restart(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRecoverService(c *gin.Context) {
	if err := r.d.Control.RestartForRecovery(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUnmonitorService(c *gin.Context) {
	if err := r.d.Control.StopMonitoring(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartGroup(c *gin.Context) {
	if err := r.d.Control.StartGroup(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopGroup(c *gin.Context) {
	if err := r.d.Control.StopGroup(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestartGroup(c *gin.Context) {
	if err := r.d.Control.RestartGroup(c.Request.Context(), c.Param("name")); err != nil {
		r.failControl(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
