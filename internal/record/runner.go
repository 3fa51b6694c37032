package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Config controls run recording.
type Config struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// SuppressWithin swallows a failure when another run of the same name
	// succeeded this recently. Zero disables suppression.
	SuppressWithin time.Duration `toml:"suppress_within" mapstructure:"suppress_within"`
}

// LogFunc appends a formatted line to the current run's log.
type LogFunc func(format string, args ...any)

// Runner pairs Start with a guaranteed Finish around a unit of work.
type Runner struct {
	rec *Recorder
	cfg Config
}

// NewRunner returns a runner; rec may be nil when recording is disabled.
func NewRunner(rec *Recorder, cfg Config) *Runner {
	if rec == nil {
		cfg.Enabled = false
	}
	return &Runner{rec: rec, cfg: cfg}
}

func slogOnly(name, id string) LogFunc {
	return func(format string, args ...any) {
		slog.Info(fmt.Sprintf(format, args...), "process_name", name, "process_id", id)
	}
}

func (r *Runner) logFunc(ctx context.Context, name, id string) LogFunc {
	return func(format string, args ...any) {
		r.rec.Log(ctx, name, id, fmt.Sprintf(format, args...))
	}
}

// Run starts the run, calls fn and always finishes the run. An error or
// panic from fn is logged and the run finished as failed; the error is
// returned and a panic re-raised.
func (r *Runner) Run(ctx context.Context, name, id string, fn func(context.Context, LogFunc) error) error {
	if !r.cfg.Enabled {
		return fn(ctx, slogOnly(name, id))
	}
	if err := r.rec.Start(ctx, name, id); err != nil {
		return err
	}
	logf := r.logFunc(ctx, name, id)
	return r.guard(ctx, name, id, func() error { return fn(ctx, logf) })
}

// RunDeferred lets fn decide whether the run is recorded at all. Nothing
// is written until fn calls start; from then on Run's guarantees apply.
// Lines logged before start go to slog only.
func (r *Runner) RunDeferred(ctx context.Context, name, id string, fn func(ctx context.Context, start func() error, logf LogFunc) error) (err error) {
	if !r.cfg.Enabled {
		return fn(ctx, func() error { return nil }, slogOnly(name, id))
	}
	started := false
	logf := func(format string, args ...any) {
		if started {
			r.rec.Log(ctx, name, id, fmt.Sprintf(format, args...))
			return
		}
		slogOnly(name, id)(format, args...)
	}
	start := func() error {
		if started {
			return nil
		}
		if err := r.rec.Start(ctx, name, id); err != nil {
			return err
		}
		started = true
		return nil
	}

	finished := false
	defer func() {
		if started && !finished {
			// start was called and fn panicked; finish then re-raise.
			if p := recover(); p != nil {
				r.fail(ctx, name, id, fmt.Errorf("panic: %v\n%s", p, debug.Stack()))
				panic(p)
			}
		}
	}()
	err = fn(ctx, start, logf)
	finished = true
	if !started {
		return err
	}
	return r.settle(ctx, name, id, err)
}

func (r *Runner) guard(ctx context.Context, name, id string, fn func() error) (err error) {
	began := time.Now()
	defer func() {
		metrics.ObserveRunDuration(name, time.Since(began).Seconds())
	}()
	defer func() {
		if p := recover(); p != nil {
			r.fail(ctx, name, id, fmt.Errorf("panic: %v\n%s", p, debug.Stack()))
			panic(p)
		}
	}()
	return r.settle(ctx, name, id, fn())
}

// settle finishes a started run according to err and decides what the
// caller sees. The run is finished even when ctx was cancelled.
func (r *Runner) settle(ctx context.Context, name, id string, err error) error {
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		r.rec.Log(ctx, name, id, "finished successfully")
		return r.rec.Finish(ctx, name, id, StatusSuccess)
	}
	r.rec.Log(ctx, name, id, "failed: "+err.Error())
	suppress := r.suppressed(ctx, name, id)
	if suppress {
		metrics.IncRunSuppressed(name)
		r.rec.Log(ctx, name, id, fmt.Sprintf("failure suppressed, a run succeeded within %s", r.cfg.SuppressWithin))
	}
	r.finishFailed(ctx, name, id)
	if suppress {
		return nil
	}
	return err
}

// fail logs cause and finishes the run as failed.
func (r *Runner) fail(ctx context.Context, name, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	r.rec.Log(ctx, name, id, "failed: "+cause.Error())
	r.finishFailed(ctx, name, id)
}

func (r *Runner) finishFailed(ctx context.Context, name, id string) {
	if err := r.rec.Finish(ctx, name, id, StatusFailed); err != nil {
		slog.Error("failed to finish run", "process_name", name, "process_id", id, "error", err)
	}
}

func (r *Runner) suppressed(ctx context.Context, name, id string) bool {
	if r.cfg.SuppressWithin <= 0 {
		return false
	}
	at, err := r.rec.lastSucceededExcept(ctx, name, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("cannot check recent successful runs", "process_name", name, "error", err)
		}
		return false
	}
	return r.rec.timestamp().Sub(at) <= r.cfg.SuppressWithin
}
