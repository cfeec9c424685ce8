package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/poolkeeper/internal/auth"
	mng "github.com/loykin/poolkeeper/internal/manager"
	"github.com/loykin/poolkeeper/internal/process"
)

// Router provides embeddable HTTP handlers for controlling a worker pool.
// Endpoints (relative to basePath):
//
//	GET  /status               pool overview
//	GET  /workers/:pid         one worker
//	PUT  /desired              body: {"count": n}
//	POST /pause, /resume
//	POST /launch               one-off launch
//	POST /stop?pid=&wait=      graceful stop of one worker
//	POST /kill?pid=
//	POST /stop-all
//	POST /reset                admin
//	GET  /logs?reset=true      admin; download the heartbeat log
//	POST /debug/reconcile      run one tick now
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	tokens   auth.Tokens
	logPath  string
	log      *slog.Logger
}

type Option func(*Router)

// WithTokens sets the admin and control tokens.
func WithTokens(t auth.Tokens) Option { return func(r *Router) { r.tokens = t } }

// WithLogPath enables GET /logs for the heartbeat log at path.
func WithLogPath(path string) Option { return func(r *Router) { r.logPath = path } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register mounts the routes on an existing gin group.
func (r *Router) Register(group gin.IRoutes) {
	control := r.tokens.GinRequire(auth.LevelControl)
	admin := r.tokens.GinRequire(auth.LevelAdmin)

	group.GET("/status", r.handleStatus)
	group.GET("/workers/:pid", r.handleWorker)
	group.PUT("/desired", control, r.handleDesired)
	group.POST("/pause", control, r.handlePause)
	group.POST("/resume", control, r.handleResume)
	group.POST("/launch", control, r.handleLaunch)
	group.POST("/stop", control, r.handleStop)
	group.POST("/kill", control, r.handleKill)
	group.POST("/stop-all", control, r.handleStopAll)
	group.POST("/reset", admin, r.handleReset)
	group.GET("/logs", admin, r.handleLogs)
	group.POST("/debug/reconcile", control, r.handleDebugReconcile)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type desiredReq struct {
	Count *int `json:"count"`
}

type launchResp struct {
	PID int `json:"pid"`
}

type outcomeResp struct {
	PID     int             `json:"pid"`
	Outcome process.Outcome `json:"outcome"`
}

type stopAllResp struct {
	Outcomes map[int]process.Outcome `json:"outcomes"`
}

type tickResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.mgr.Status(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleWorker(c *gin.Context) {
	pid, err := parsePID(c.Param("pid"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	d, err := r.mgr.Worker(c.Request.Context(), pid)
	if errors.Is(err, mng.ErrNoSuchWorker) {
		writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (r *Router) handleDesired(c *gin.Context) {
	var req desiredReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Count == nil {
		writeError(c, http.StatusBadRequest, "count required")
		return
	}
	if err := r.mgr.SetDesired(*req.Count); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.State())
}

func (r *Router) handlePause(c *gin.Context) {
	r.mgr.Pause()
	writeJSON(c, http.StatusOK, r.mgr.State())
}

func (r *Router) handleResume(c *gin.Context) {
	r.mgr.Resume()
	writeJSON(c, http.StatusOK, r.mgr.State())
}

func (r *Router) handleLaunch(c *gin.Context) {
	pid, err := r.mgr.RequestLaunch(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, launchResp{PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	pid, err := parsePID(c.Query("pid"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	wait, err := queryDuration(c, "wait")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	out, err := r.mgr.RequestStop(c.Request.Context(), pid, wait)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, outcomeResp{PID: pid, Outcome: out})
}

func (r *Router) handleKill(c *gin.Context) {
	pid, err := parsePID(c.Query("pid"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	out, err := r.mgr.RequestKill(c.Request.Context(), pid)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, outcomeResp{PID: pid, Outcome: out})
}

func (r *Router) handleStopAll(c *gin.Context) {
	res, err := r.mgr.RequestStopAll(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, stopAllResp{Outcomes: res})
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.mgr.Reset(c.Request.Context()); err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.State())
}

// handleLogs sends the heartbeat log. With reset=true the log is truncated
// and counters zeroed after it has been read.
func (r *Router) handleLogs(c *gin.Context) {
	if r.logPath == "" {
		writeError(c, http.StatusNotFound, "heartbeat log not configured")
		return
	}
	reset, _ := strconv.ParseBool(c.DefaultQuery("reset", "false"))
	b, err := os.ReadFile(r.logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if reset {
		if err := r.mgr.Reset(c.Request.Context()); err != nil {
			writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(r.logPath)))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
}

func (r *Router) handleDebugReconcile(c *gin.Context) {
	if err := r.mgr.Tick(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusOK, tickResp{OK: false, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tickResp{OK: true})
}
