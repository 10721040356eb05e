package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/warden/internal/control"
)

// Whole-fleet and host-level operations.

type shutdownReq struct {
	ForExit  bool `json:"for_exit"`
	ForReset bool `json:"for_reset"`
}

type restartAllReq struct {
	ForReset bool `json:"for_reset"`
}

type lowPowerReq struct {
	Active bool `json:"active"`
}

type rebootReq struct {
	Reason       string `json:"reason"`
	DelaySeconds int    `json:"delay_seconds"`
}

type restoreReq struct {
	TempDir   string `json:"temp_dir"`
	TargetDir string `json:"target_dir"`
}

func (r *Router) handleShutdown(c *gin.Context) {
	var req shutdownReq
	if !bindOptional(c, &req) {
		return
	}
	r.d.Control.ShutdownAll(c.Request.Context(), control.StopAllOptions{ForExit: req.ForExit, ForReset: req.ForReset})
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestartAll(c *gin.Context) {
	var req restartAllReq
	if !bindOptional(c, &req) {
		return
	}
	r.d.Control.RestartAll(c.Request.Context(), req.ForReset)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResetToFactory(c *gin.Context) {
	if err := r.d.Control.ResetToFactory(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartupState(c *gin.Context) {
	if r.d.Coord == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "startup coordinator not running"})
		return
	}
	writeJSON(c, http.StatusOK, r.d.Coord.Snapshot())
}

func (r *Router) handleLowPower(c *gin.Context) {
	var req lowPowerReq
	if !bindOptional(c, &req) {
		return
	}
	r.d.Control.SetLowPower(c.Request.Context(), req.Active)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReboot(c *gin.Context) {
	var req rebootReq
	if !bindOptional(c, &req) {
		return
	}
	r.d.Control.RebootSystem(c.Request.Context(), req.Reason, req.DelaySeconds)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStats(c *gin.Context) {
	if r.d.Stats == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "runtime stats disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.d.Stats.Snapshot())
}

func (r *Router) handleConfigRestored(c *gin.Context) {
	var req restoreReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.TempDir == "" || req.TargetDir == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "temp_dir and target_dir required"})
		return
	}
	if !isSafeAbsPath(req.TempDir) || !isSafeAbsPath(req.TargetDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "directories must be absolute paths without traversal"})
		return
	}
	if err := r.d.Control.ConfigRestored(c.Request.Context(), req.TempDir, req.TargetDir); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleEvents streams the broadcaster as server-sent events. Each event is
// sent with its type as the SSE event name and the JSON body as data; a
// heartbeat keeps idle streams alive.
func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.d.Bus.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
