// Package batch buffers write statements and commits them in a single
// transaction once a size, time or force threshold is reached.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Default thresholds.
const (
	DefaultCommitInterval = 120 * time.Second
	DefaultMaxStaleness   = 5 * time.Hour
)

// ErrClosed is returned when appending to a log that was already closed.
var ErrClosed = errors.New("batch log is closed")

// Config controls when pending statements are flushed.
type Config struct {
	// CommitInterval flushes on append once this much time passed since the
	// previous flush (or since the log was opened).
	CommitInterval time.Duration `toml:"commit_interval" mapstructure:"commit_interval"`
	// MaxStaleness flushes on append once the oldest pending statement is
	// older than this, whatever CommitInterval says.
	MaxStaleness time.Duration `toml:"max_staleness" mapstructure:"max_staleness"`
}

func (c Config) withDefaults() Config {
	if c.CommitInterval <= 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = DefaultMaxStaleness
	}
	return c
}

// Stats reports what a log has written so far.
type Stats struct {
	Flushes    int
	Statements int
	Pending    int
}

// FlushError carries the statements of a failed flush.
type FlushError struct {
	Statements []string
	Err        error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of %d statement(s) failed: %v\n%s", len(e.Statements), e.Err, strings.Join(e.Statements, "\n"))
}

func (e *FlushError) Unwrap() error { return e.Err }

// Log is a pending mutation batch bound to one store. It is not safe for
// concurrent use.
type Log struct {
	db  store.Store
	cfg Config
	now func() time.Time

	pending   []string
	oldest    time.Time
	lastFlush time.Time
	stats     Stats
	closed    bool
}

// New opens a log. The commit interval clock starts now.
func New(db store.Store, cfg Config) *Log {
	return newWithClock(db, cfg, time.Now)
}

func newWithClock(db store.Store, cfg Config, now func() time.Time) *Log {
	return &Log{db: db, cfg: cfg.withDefaults(), now: now, lastFlush: now()}
}

// Append queues stmt and flushes when force is set or a threshold passed.
func (l *Log) Append(ctx context.Context, stmt string, force bool) error {
	if l.closed {
		return ErrClosed
	}
	now := l.now()
	if len(l.pending) == 0 {
		l.oldest = now
	}
	l.pending = append(l.pending, stmt)
	if force || now.Sub(l.lastFlush) > l.cfg.CommitInterval || now.Sub(l.oldest) > l.cfg.MaxStaleness {
		return l.Flush(ctx)
	}
	return nil
}

// Flush commits every pending statement in one transaction, in append
// order. The batch is cleared whether or not the commit succeeds.
func (l *Log) Flush(ctx context.Context) error {
	if len(l.pending) == 0 {
		return nil
	}
	stmts := l.pending
	l.pending = nil
	l.lastFlush = l.now()

	start := time.Now()
	if err := l.exec(ctx, stmts); err != nil {
		metrics.IncFlush(false)
		return &FlushError{Statements: stmts, Err: err}
	}
	l.stats.Flushes++
	l.stats.Statements += len(stmts)
	metrics.IncFlush(true)
	metrics.ObserveFlush(len(stmts), time.Since(start).Seconds())
	slog.Debug("batch flushed", "statements", len(stmts), "duration", time.Since(start))
	return nil
}

func (l *Log) exec(ctx context.Context, stmts []string) error {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	for i, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close performs the final flush. Calling it again is a no-op.
func (l *Log) Close(ctx context.Context) error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.Flush(ctx)
}

// Stats returns counters for flushes done so far.
func (l *Log) Stats() Stats {
	s := l.stats
	s.Pending = len(l.pending)
	return s
}

// With opens a log, runs fn and flushes whatever is left on every exit
// path, including a panic inside fn. The final flush ignores cancellation
// of ctx.
func With(ctx context.Context, db store.Store, cfg Config, fn func(*Log) error) (err error) {
	l := New(db, cfg)
	closeCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			if cerr := l.Close(closeCtx); cerr != nil {
				slog.Error("final flush after panic failed", "error", cerr)
			}
			panic(r)
		}
		err = errors.Join(err, l.Close(closeCtx))
	}()
	return fn(l)
}
