package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/record"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Router exposes run records read-only over HTTP.
// Endpoints:
//
//	GET {basePath}/runs/:name           last finished and last successful run times
//	GET {basePath}/runs/:name/:id       one run
//	GET {basePath}/runs/:name/:id/logs  log lines of one run
//	GET {basePath}/stalled              query: older_than=6h (default 24h)
//	GET {basePath}/healthz              store ping
//	GET {basePath}/metrics              prometheus
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	rec      *record.Recorder
	db       store.Store
	basePath string
}

// DefaultStalledAfter is used when /stalled has no older_than.
const DefaultStalledAfter = 24 * time.Hour

func NewRouter(rec *record.Recorder, db store.Store, basePath string) *Router {
	return &Router{rec: rec, db: db, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/runs/:name", r.handleLast)
	group.GET("/runs/:name/:id", r.handleRun)
	group.GET("/runs/:name/:id/logs", r.handleLogs)
	group.GET("/stalled", r.handleStalled)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Stop it with Shutdown or Close.
func NewServer(addr, basePath string, rec *record.Recorder, db store.Store) (*http.Server, error) {
	r := NewRouter(rec, db, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type lastResp struct {
	ProcessName     string     `json:"process_name"`
	LastFinishedAt  *time.Time `json:"last_finished_at"`
	LastSucceededAt *time.Time `json:"last_succeeded_at"`
}

type runResp struct {
	record.Run
	Running bool `json:"running"`
}

func (r *Router) pathParams(c *gin.Context, keys ...string) ([]string, bool) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := c.Param(k)
		if !isSafeName(v) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + k + ": allowed [A-Za-z0-9._:-] and no '..'"})
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func (r *Router) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}

func (r *Router) handleLast(c *gin.Context) {
	p, ok := r.pathParams(c, "name")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	resp := lastResp{ProcessName: p[0]}
	finished, err := r.rec.LastFinishedAt(ctx, p[0])
	if err != nil {
		r.fail(c, err)
		return
	}
	resp.LastFinishedAt = &finished
	succeeded, err := r.rec.LastSucceededAt(ctx, p[0])
	switch {
	case err == nil:
		resp.LastSucceededAt = &succeeded
	case !errors.Is(err, store.ErrNotFound):
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRun(c *gin.Context) {
	p, ok := r.pathParams(c, "name", "id")
	if !ok {
		return
	}
	run, err := r.rec.Get(c.Request.Context(), p[0], p[1])
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, runResp{Run: run, Running: run.Running()})
}

func (r *Router) handleLogs(c *gin.Context) {
	p, ok := r.pathParams(c, "name", "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := r.rec.Get(ctx, p[0], p[1]); err != nil {
		r.fail(c, err)
		return
	}
	logs, err := r.rec.Logs(ctx, p[0], p[1])
	if err != nil {
		r.fail(c, err)
		return
	}
	if logs == nil {
		logs = []record.LogEntry{}
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleStalled(c *gin.Context) {
	olderThan := DefaultStalledAfter
	if s := c.Query("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid older_than: " + s})
			return
		}
		olderThan = d
	}
	runs, err := r.rec.Stalled(c.Request.Context(), olderThan)
	if err != nil {
		r.fail(c, err)
		return
	}
	if runs == nil {
		runs = []record.Run{}
	}
	writeJSON(c, http.StatusOK, runs)
}

func (r *Router) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
