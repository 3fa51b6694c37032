// Package record persists run provenance: one processing_record row per
// run plus an append-only processing_record_log.
package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vhskeelz/skeelzdb/internal/history"
	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Terminal statuses. A running run has no status.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var (
	ErrAlreadyStarted = errors.New("run already started")
	ErrNotStarted     = errors.New("run was never started")
	ErrInvalidStatus  = errors.New("invalid terminal status")
)

// Run is one processing_record row.
type Run struct {
	ProcessName string     `json:"process_name"`
	ProcessID   string     `json:"process_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Running reports whether the run has not been finished yet.
func (r Run) Running() bool { return r.FinishedAt == nil }

// LogEntry is one processing_record_log row.
type LogEntry struct {
	ProcessName string    `json:"process_name"`
	ProcessID   string    `json:"process_id"`
	LogAt       time.Time `json:"log_at"`
	Message     string    `json:"log"`
}

// Recorder reads and writes run records.
type Recorder struct {
	db     store.Store
	sink   history.Sink
	now    func() time.Time
	schema bool
}

type Option func(*Recorder)

// WithSink exports lifecycle events to s.
func WithSink(s history.Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

func withClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(db store.Store, opts ...Option) *Recorder {
	r := &Recorder{db: db, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// EnsureSchema creates the record and log tables when missing.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if r.schema {
		return nil
	}
	ts := "TIMESTAMP"
	if r.db.Dialect() == store.DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS processing_record(
			process_id VARCHAR(255) NOT NULL,
			process_name VARCHAR(255) NOT NULL,
			started_at %[1]s NOT NULL,
			finished_at %[1]s NULL,
			status VARCHAR(16) NULL
		)`, ts),
		`CREATE UNIQUE INDEX IF NOT EXISTS processing_record_name_id ON processing_record(process_name, process_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS processing_record_log(
			process_id VARCHAR(255) NOT NULL,
			process_name VARCHAR(255) NOT NULL,
			log_at %s NOT NULL,
			log TEXT NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS processing_record_log_name_id ON processing_record_log(process_name, process_id)`,
	}
	if r.db.Dialect() == store.DialectPostgres {
		// insert order of log lines; sqlite has rowid for that
		stmts = append(stmts, `ALTER TABLE processing_record_log ADD COLUMN IF NOT EXISTS seq BIGSERIAL`)
	}
	if err := store.EnsureSchema(ctx, r.db, stmts); err != nil {
		return err
	}
	r.schema = true
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Start records a new run. A second start for the same name and id fails
// with ErrAlreadyStarted.
func (r *Recorder) Start(ctx context.Context, name, id string) error {
	if err := r.EnsureSchema(ctx); err != nil {
		return err
	}
	at := r.timestamp()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processing_record(process_id, process_name, started_at) VALUES(?, ?, ?)`,
		id, name, at)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s/%s: %w", name, id, ErrAlreadyStarted)
		}
		return fmt.Errorf("failed to start run %s/%s: %w", name, id, err)
	}
	metrics.IncRunStart(name)
	slog.Info("run started", "process_name", name, "process_id", id)
	r.emit(ctx, history.Event{Type: history.EventRunStart, OccurredAt: at, ProcessName: name, ProcessID: id})
	return nil
}

// Log appends msg to the run log. Failures are reported through slog only;
// logging never interrupts the run.
func (r *Recorder) Log(ctx context.Context, name, id, msg string) {
	slog.Info(msg, "process_name", name, "process_id", id)
	at := r.timestamp()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO processing_record_log(process_id, process_name, log_at, log) VALUES(?, ?, ?, ?)`,
		id, name, at, msg)
	if err != nil {
		slog.Error("failed to write run log", "process_name", name, "process_id", id, "error", err)
		return
	}
	r.emit(ctx, history.Event{Type: history.EventRunLog, OccurredAt: at, ProcessName: name, ProcessID: id, Message: msg})
}

// Finish marks the run finished. finished_at takes the latest call; the
// first terminal status sticks.
func (r *Recorder) Finish(ctx context.Context, name, id, status string) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	at := r.timestamp()
	res, err := r.db.ExecContext(ctx,
		`UPDATE processing_record SET finished_at = ?, status = COALESCE(status, ?) WHERE process_name = ? AND process_id = ?`,
		at, status, name, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s/%s: %w", name, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", name, id, ErrNotStarted)
	}
	metrics.IncRunFinish(name, status)
	slog.Info("run finished", "process_name", name, "process_id", id, "status", status)
	r.emit(ctx, history.Event{Type: history.EventRunFinish, OccurredAt: at, ProcessName: name, ProcessID: id, Status: status})
	return nil
}

func (r *Recorder) emit(ctx context.Context, e history.Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Send(ctx, e); err != nil {
		slog.Warn("history sink failed", "event", e.Type, "process_name", e.ProcessName, "error", err)
	}
}

func (r *Recorder) lastFinished(ctx context.Context, name, extra string, args ...any) (time.Time, error) {
	if err := r.EnsureSchema(ctx); err != nil {
		return time.Time{}, err
	}
	q := `SELECT finished_at FROM processing_record WHERE process_name = ? AND finished_at IS NOT NULL` + extra +
		` ORDER BY finished_at DESC LIMIT 1`
	var at sql.NullTime
	err := r.db.QueryRowContext(ctx, q, append([]any{name}, args...)...).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !at.Valid) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return at.Time.UTC(), nil
}

// LastFinishedAt returns when the most recent finished run of name ended,
// whatever its status. store.ErrNotFound when there is none.
func (r *Recorder) LastFinishedAt(ctx context.Context, name string) (time.Time, error) {
	return r.lastFinished(ctx, name, "")
}

// LastSucceededAt is LastFinishedAt restricted to successful runs.
func (r *Recorder) LastSucceededAt(ctx context.Context, name string) (time.Time, error) {
	return r.lastFinished(ctx, name, ` AND status = ?`, StatusSuccess)
}

func (r *Recorder) lastSucceededExcept(ctx context.Context, name, id string) (time.Time, error) {
	return r.lastFinished(ctx, name, ` AND status = ? AND process_id <> ?`, StatusSuccess, id)
}

const runColumns = `process_name, process_id, started_at, finished_at, status`

type scanner interface{ Scan(dest ...any) error }

func scanRun(s scanner) (Run, error) {
	var (
		run      Run
		finished sql.NullTime
		status   sql.NullString
	)
	if err := s.Scan(&run.ProcessName, &run.ProcessID, &run.StartedAt, &finished, &status); err != nil {
		return Run{}, err
	}
	run.StartedAt = run.StartedAt.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	run.Status = status.String
	return run, nil
}

// Get loads one run.
func (r *Recorder) Get(ctx context.Context, name, id string) (Run, error) {
	if err := r.EnsureSchema(ctx); err != nil {
		return Run{}, err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM processing_record WHERE process_name = ? AND process_id = ?`, name, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, store.ErrNotFound
	}
	return run, err
}

// Logs returns the log of one run in write order.
func (r *Recorder) Logs(ctx context.Context, name, id string) ([]LogEntry, error) {
	if err := r.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	seq := "rowid"
	if r.db.Dialect() == store.DialectPostgres {
		seq = "seq"
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT process_name, process_id, log_at, log FROM processing_record_log
		WHERE process_name = ? AND process_id = ? ORDER BY log_at, `+seq, name, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ProcessName, &e.ProcessID, &e.LogAt, &e.Message); err != nil {
			return nil, err
		}
		e.LogAt = e.LogAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stalled lists runs started more than olderThan ago that never finished.
func (r *Recorder) Stalled(ctx context.Context, olderThan time.Duration) ([]Run, error) {
	if err := r.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	cutoff := r.timestamp().Add(-olderThan)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM processing_record WHERE finished_at IS NULL AND started_at < ? ORDER BY started_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClearLogs deletes log lines older than olderThan and reports how many.
func (r *Recorder) ClearLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := r.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM processing_record_log WHERE log_at < ?`, r.timestamp().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Drop removes both tables.
func (r *Recorder) Drop(ctx context.Context) error {
	for _, t := range []string{"processing_record_log", "processing_record"} {
		if _, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+t); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}
	r.schema = false
	return nil
}
