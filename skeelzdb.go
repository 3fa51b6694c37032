// Package skeelzdb exposes the run record and sync engine for embedding in
// other programs. The skeelzdb command is built on the same pieces.
package skeelzdb

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/vhskeelz/skeelzdb/internal/config"
	"github.com/vhskeelz/skeelzdb/internal/history"
	"github.com/vhskeelz/skeelzdb/internal/history/factory"
	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/record"
	iapi "github.com/vhskeelz/skeelzdb/internal/server"
	"github.com/vhskeelz/skeelzdb/internal/store"
	storefactory "github.com/vhskeelz/skeelzdb/internal/store/factory"
	"github.com/vhskeelz/skeelzdb/internal/syncer"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Store = store.Store

type Run = record.Run

type LogEntry = record.LogEntry

type LogFunc = record.LogFunc

type RecordConfig = record.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Category = syncer.Category

type SyncOptions = syncer.Options

type SyncSummary = syncer.Summary

var ErrNotFound = store.ErrNotFound

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// OpenStore opens the store configured in c.
func OpenStore(c *Config) (*store.DB, error) {
	return storefactory.New(c.Store)
}

// Recorder is a thin facade over the internal run recorder.
type Recorder struct{ inner *record.Recorder }

// NewRecorder records runs in db and exports lifecycle events to sink,
// which may be nil.
func NewRecorder(db Store, sink HistorySink) *Recorder {
	if sink == nil {
		return &Recorder{inner: record.New(db)}
	}
	return &Recorder{inner: record.New(db, record.WithSink(sink))}
}

// NewHistorySinks opens one sink per DSN; nil for an empty list.
func NewHistorySinks(dsns []string) (HistorySink, error) { return factory.NewSinks(dsns) }

func (r *Recorder) Start(ctx context.Context, name, id string) error {
	return r.inner.Start(ctx, name, id)
}
func (r *Recorder) Log(ctx context.Context, name, id, msg string) { r.inner.Log(ctx, name, id, msg) }
func (r *Recorder) Finish(ctx context.Context, name, id, status string) error {
	return r.inner.Finish(ctx, name, id, status)
}
func (r *Recorder) LastFinishedAt(ctx context.Context, name string) (time.Time, error) {
	return r.inner.LastFinishedAt(ctx, name)
}
func (r *Recorder) LastSucceededAt(ctx context.Context, name string) (time.Time, error) {
	return r.inner.LastSucceededAt(ctx, name)
}
func (r *Recorder) Get(ctx context.Context, name, id string) (Run, error) {
	return r.inner.Get(ctx, name, id)
}
func (r *Recorder) Stalled(ctx context.Context, olderThan time.Duration) ([]Run, error) {
	return r.inner.Stalled(ctx, olderThan)
}

// Runner pairs start and finish around a unit of work.
type Runner struct{ inner *record.Runner }

func NewRunner(r *Recorder, c RecordConfig) *Runner {
	return &Runner{inner: record.NewRunner(r.inner, c)}
}

func (r *Runner) Run(ctx context.Context, name, id string, fn func(context.Context, LogFunc) error) error {
	return r.inner.Run(ctx, name, id, fn)
}

// NewHTTPServer starts an HTTP server exposing the run record API.
func NewHTTPServer(addr, basePath string, r *Recorder, db Store) (*http.Server, error) {
	if err := r.inner.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	return iapi.NewServer(addr, basePath, r.inner, db)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
