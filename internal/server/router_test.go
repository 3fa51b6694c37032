package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/record"
	"github.com/vhskeelz/skeelzdb/internal/store"
	"github.com/vhskeelz/skeelzdb/internal/store/sqlite"
)

func setupRouter(t *testing.T, base string) (http.Handler, *record.Recorder, *store.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(filepath.Join(t.TempDir(), "runs.db"), store.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	rec := record.New(db)
	if err := rec.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewRouter(rec, db, base).Handler(), rec, db
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestLastUnknownProcess(t *testing.T) {
	h, _, _ := setupRouter(t, "/abc")
	rec := doReq(t, h, http.MethodGet, "/abc/runs/sync")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLastFinishedAndSucceeded(t *testing.T) {
	h, r, _ := setupRouter(t, "")
	ctx := context.Background()
	if err := r.Start(ctx, "sync", "1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish(ctx, "sync", "1", record.StatusFailed); err != nil {
		t.Fatal(err)
	}

	rec := doReq(t, h, http.MethodGet, "/runs/sync")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got lastResp
	decode(t, rec, &got)
	if got.ProcessName != "sync" || got.LastFinishedAt == nil {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.LastSucceededAt != nil {
		t.Fatalf("failed run must not count as success: %+v", got)
	}

	if err := r.Start(ctx, "sync", "2"); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish(ctx, "sync", "2", record.StatusSuccess); err != nil {
		t.Fatal(err)
	}
	rec = doReq(t, h, http.MethodGet, "/runs/sync")
	decode(t, rec, &got)
	if got.LastSucceededAt == nil {
		t.Fatalf("expected last success: %+v", got)
	}
}

func TestRunAndLogs(t *testing.T) {
	h, r, _ := setupRouter(t, "/api/")
	ctx := context.Background()
	if err := r.Start(ctx, "load", "run-1"); err != nil {
		t.Fatal(err)
	}
	r.Log(ctx, "load", "run-1", "loaded 3 rows")

	rec := doReq(t, h, http.MethodGet, "/api/runs/load/run-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var run runResp
	decode(t, rec, &run)
	if !run.Running || run.ProcessID != "run-1" {
		t.Fatalf("unexpected run: %+v", run)
	}

	rec = doReq(t, h, http.MethodGet, "/api/runs/load/run-1/logs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var logs []record.LogEntry
	decode(t, rec, &logs)
	if len(logs) != 1 || logs[0].Message != "loaded 3 rows" {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	rec = doReq(t, h, http.MethodGet, "/api/runs/load/nope/logs")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestInvalidPathParams(t *testing.T) {
	h, _, _ := setupRouter(t, "")
	for _, p := range []string{"/runs/bad*name", "/runs/a..b/1", "/runs/ok/bad*id/logs"} {
		rec := doReq(t, h, http.MethodGet, p)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", p, rec.Code)
		}
	}
}

func TestStalled(t *testing.T) {
	h, r, _ := setupRouter(t, "")
	if err := r.Start(context.Background(), "sync", "1"); err != nil {
		t.Fatal(err)
	}
	rec := doReq(t, h, http.MethodGet, "/stalled?older_than=1h")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("fresh run must not be stalled: %s", rec.Body.String())
	}
	for _, q := range []string{"soon", "-1h"} {
		rec = doReq(t, h, http.MethodGet, "/stalled?older_than="+q)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("older_than=%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	h, _, db := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_ = db.Close()
	rec = doReq(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register: %v", err)
	}
	h, r, _ := setupRouter(t, "")
	ctx := context.Background()
	if err := r.Start(ctx, "metrics_probe", "1"); err != nil {
		t.Fatal(err)
	}
	rec := doReq(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "skeelzdb_run_starts_total") {
		t.Fatalf("metrics output missing run counter")
	}
}
