// Package syncer reconciles exported local entities with their CRM
// counterparts, skipping anything whose content did not change since the
// last successful push.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vhskeelz/skeelzdb/internal/batch"
	"github.com/vhskeelz/skeelzdb/internal/changeset"
	"github.com/vhskeelz/skeelzdb/internal/fields"
	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/salesforce"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// CRM is the subset of the remote API the driver needs.
type CRM interface {
	Query(ctx context.Context, soql string) ([]salesforce.Record, error)
	Create(ctx context.Context, object string, data map[string]any) (string, error)
	// Update returns the id the CRM reports for the patched object.
	Update(ctx context.Context, object, id string, data map[string]any) (string, error)
}

type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Skipped   Outcome = "skipped"
)

// SkipError marks a per-entity failure the run survives.
type SkipError struct {
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *SkipError) Unwrap() error { return e.Err }

// Result is the typed outcome of one entity. Err is nil, a *SkipError, or
// a fatal error.
type Result struct {
	LocalID  string
	RemoteID string
	Outcome  Outcome
	Err      error
}

// Fatal reports whether the result must abort the run.
func (r Result) Fatal() bool {
	var se *SkipError
	return r.Err != nil && !errors.As(r.Err, &se)
}

// Options narrows a sync run.
type Options struct {
	// DryRun performs lookups but no remote or cache writes.
	DryRun bool
	// OnlyIDs restricts the run to these local ids.
	OnlyIDs []string
	// Limit stops after this many rows; zero means no limit.
	Limit int
}

// Summary counts outcomes of one category.
type Summary struct {
	Category  string `json:"category"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Skipped   int    `json:"skipped"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case Created:
		s.Created++
	case Updated:
		s.Updated++
	case Unchanged:
		s.Unchanged++
	case Skipped:
		s.Skipped++
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: created=%d updated=%d unchanged=%d skipped=%d",
		s.Category, s.Created, s.Updated, s.Unchanged, s.Skipped)
}

// Driver runs the reconciliation loop of one category at a time.
type Driver struct {
	db    store.Store
	crm   CRM
	batch batch.Config
	logf  func(format string, args ...any)
}

// New returns a driver; logf receives progress lines and may be nil.
func New(db store.Store, crm CRM, cfg batch.Config, logf func(format string, args ...any)) *Driver {
	if logf == nil {
		logf = func(format string, args ...any) { slog.Info(fmt.Sprintf(format, args...)) }
	}
	return &Driver{db: db, crm: crm, batch: cfg, logf: logf}
}

// Sync reconciles every row of cat. Cache writes go through a batch log
// that is flushed on every exit path, so entities pushed before a fatal
// error are not pushed again by the next run.
func (d *Driver) Sync(ctx context.Context, cat Category, opts Options) (Summary, error) {
	sum := Summary{Category: cat.Name}
	if err := cat.Validate(); err != nil {
		return sum, err
	}
	cache, err := changeset.Load(ctx, d.db, cat.Name)
	if err != nil {
		return sum, err
	}
	rows, err := d.fetch(ctx, cat, opts)
	if err != nil {
		return sum, err
	}
	d.logf("%s: %d rows, %d cached", cat.Name, len(rows), cache.Len())

	err = batch.With(ctx, d.db, d.batch, func(log *batch.Log) error {
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := d.reconcile(ctx, cat, cache, log, row, opts.DryRun)
			sum.add(res.Outcome)
			metrics.IncSyncOutcome(cat.Name, string(res.Outcome))
			switch {
			case res.Fatal():
				return fmt.Errorf("%s %s: %w", cat.Name, res.LocalID, res.Err)
			case res.Err != nil:
				d.logf("WARNING %s %s: skipped: %v", cat.Name, res.LocalID, res.Err)
			default:
				d.logf("%s %s: %s (%s)", cat.Name, res.LocalID, res.Outcome, res.RemoteID)
			}
		}
		return nil
	})
	d.logf("%s", sum)
	return sum, err
}

func (d *Driver) fetch(ctx context.Context, cat Category, opts Options) ([]fields.Row, error) {
	rows, err := d.db.QueryContext(ctx, cat.Query)
	if err != nil {
		return nil, fmt.Errorf("%s: query source rows: %w", cat.Name, err)
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	only := map[string]bool{}
	for _, id := range opts.OnlyIDs {
		only[id] = true
	}
	var out []fields.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		raw := make(map[string]any, len(cols))
		for i, c := range cols {
			raw[c] = vals[i]
		}
		row := fields.Preprocess(raw)
		if len(only) > 0 && !only[row[cat.IDColumn]] {
			continue
		}
		out = append(out, row)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (d *Driver) reconcile(ctx context.Context, cat Category, cache *changeset.Cache, log *batch.Log, row fields.Row, dryRun bool) Result {
	res := Result{LocalID: row[cat.IDColumn]}
	row, payload, err := cat.Fields.Build(row, func(msg string) {
		d.logf("WARNING %s %s: %s", cat.Name, res.LocalID, msg)
	})
	if err != nil {
		var mf *fields.MissingFieldError
		if errors.As(err, &mf) {
			return skip(res, "invalid row", err)
		}
		res.Err = err
		return res
	}
	res.LocalID = row[cat.IDColumn]
	if res.LocalID == "" {
		return skip(res, "empty local id", nil)
	}
	hash, err := changeset.Hash(payload)
	if err != nil {
		res.Err = err
		return res
	}

	entry, cached := cache.Get(res.LocalID)
	if !cached {
		d.logf("%s %s: searching for related %s records", cat.Name, res.LocalID, cat.Object)
		id, err := d.lookup(ctx, cat, row)
		if err != nil {
			res.Err = err
			return res
		}
		if id != "" {
			cache.Remember(res.LocalID, id)
			entry, cached = cache.Get(res.LocalID)
		}
	}

	switch {
	case cached && entry.Persisted && entry.Hash == hash:
		res.RemoteID, res.Outcome = entry.RemoteID, Unchanged
	case cached:
		res.RemoteID, res.Outcome = entry.RemoteID, Updated
		if dryRun {
			return res
		}
		id, err := d.crm.Update(ctx, cat.Object, entry.RemoteID, payload)
		switch {
		case err == nil:
			// a different id here surfaces as a cache conflict
			res.RemoteID = id
		case salesforce.IsCode(err, salesforce.CodeEntityIsDeleted):
			d.logf("WARNING %s %s: entity is deleted in the CRM, cannot update %s/%s", cat.Name, res.LocalID, cat.Object, entry.RemoteID)
		default:
			return remoteFailure(res, err)
		}
	default:
		res.Outcome = Created
		if dryRun {
			return res
		}
		id, err := d.crm.Create(ctx, cat.Object, payload)
		if err != nil {
			return remoteFailure(res, err)
		}
		res.RemoteID = id
	}
	if dryRun {
		return res
	}
	if err := cache.Record(ctx, log, res.LocalID, res.RemoteID, hash); err != nil {
		res.Err = err
	}
	return res
}

func skip(res Result, reason string, err error) Result {
	res.Outcome = Skipped
	res.Err = &SkipError{Reason: reason, Err: err}
	return res
}

func remoteFailure(res Result, err error) Result {
	if salesforce.IsCode(err, salesforce.CodeInvalidEmail) {
		return skip(res, "invalid email", err)
	}
	res.Err = err
	return res
}

// lookup searches the CRM on each lookup field in order and returns the
// remote id to adopt, or "" when nothing matches.
func (d *Driver) lookup(ctx context.Context, cat Category, row fields.Row) (string, error) {
	selectFields := "Id"
	if cat.ManagedField != "" {
		selectFields += ", " + cat.ManagedField
	}
	var (
		ids     []string
		seen    = map[string]bool{}
		managed string
	)
	for _, l := range cat.Lookups {
		v := row[l.Source]
		if v == "" {
			continue
		}
		soql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", selectFields, cat.Object, l.Field, salesforce.Quote(v))
		recs, err := d.crm.Query(ctx, soql)
		if err != nil {
			return "", err
		}
		for _, r := range recs {
			id := r.ID()
			if id == "" {
				continue
			}
			if cat.ManagedField != "" && r.String(cat.ManagedField) == cat.ManagedValue && managed == "" {
				managed = id
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	switch {
	case len(ids) == 0:
		return "", nil
	case len(ids) == 1:
		return ids[0], nil
	case managed != "":
		d.logf("WARNING %s %s: %d matching %s records, using the one managed by this system: %s",
			cat.Name, row[cat.IDColumn], len(ids), cat.Object, managed)
		return managed, nil
	default:
		d.logf("WARNING %s %s: %d matching %s records, using the first one: %s",
			cat.Name, row[cat.IDColumn], len(ids), cat.Object, strings.Join(ids, ", "))
		return ids[0], nil
	}
}
