// Package mailinglist subscribes exported candidates to external mailing
// list providers, skipping subscribers already pushed with the same data.
package mailinglist

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
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Subscriber is one normalized candidate row.
type Subscriber struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	City      string
	// Gender is male, female or other.
	Gender string
}

// Provider is a mailing list backend.
type Provider interface {
	// Name is used as the cache object type.
	Name() string
	// Query selects the source rows.
	Query() string
	// Payload is what Subscribe sends; its hash decides whether a
	// subscriber changed.
	Payload(s Subscriber) map[string]any
	// Subscribe pushes s and returns the provider side id. A *RejectedError
	// skips the subscriber.
	Subscribe(ctx context.Context, s Subscriber) (string, error)
	// Pending reports whether work Subscribe started for email is not yet
	// confirmed by the provider.
	Pending(email string) bool
	// Wait blocks until asynchronous work started by Subscribe completed.
	Wait(ctx context.Context, logf func(string, ...any)) error
}

// RejectedError is returned by providers that refuse a subscriber's data.
type RejectedError struct {
	Email string
	Body  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("subscriber %s rejected: %s", e.Email, e.Body)
}

type Options struct {
	// OnlyEmails restricts the run to these addresses.
	OnlyEmails []string
	// Limit stops after this many subscribers were pushed.
	Limit int
}

// ParseEmails splits a comma separated list, dropping blanks.
func ParseEmails(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

type Summary struct {
	Provider   string `json:"provider"`
	Subscribed int    `json:"subscribed"`
	Unchanged  int    `json:"unchanged"`
	Duplicates int    `json:"duplicates"`
	Rejected   int    `json:"rejected"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: subscribed=%d unchanged=%d duplicates=%d rejected=%d",
		s.Provider, s.Subscribed, s.Unchanged, s.Duplicates, s.Rejected)
}

// Syncer reads subscribers from the store and pushes them to a provider.
type Syncer struct {
	db    store.Store
	batch batch.Config
	logf  func(string, ...any)
}

func New(db store.Store, cfg batch.Config, logf func(string, ...any)) *Syncer {
	if logf == nil {
		logf = func(format string, args ...any) { slog.Info(fmt.Sprintf(format, args...)) }
	}
	return &Syncer{db: db, batch: cfg, logf: logf}
}

type pushed struct {
	email, id, hash string
}

// Sync pushes every changed subscriber of p's source query. A cache entry
// is written as soon as the provider confirmed the subscriber, so a failed
// run keeps what was already pushed.
func (s *Syncer) Sync(ctx context.Context, p Provider, opts Options) (Summary, error) {
	sum := Summary{Provider: p.Name()}
	cache, err := changeset.Load(ctx, s.db, p.Name())
	if err != nil {
		return sum, err
	}
	subs, err := s.load(ctx, p.Query())
	if err != nil {
		return sum, err
	}

	// pushes already happened remotely; their cache rows must land even
	// when ctx is cancelled
	wctx := context.WithoutCancel(ctx)
	err = batch.With(wctx, s.db, s.batch, func(log *batch.Log) error {
		var waiting []pushed
		err := s.push(ctx, p, cache, subs, opts, &sum, func(d pushed) error {
			if p.Pending(d.email) {
				waiting = append(waiting, d)
				return nil
			}
			return cache.Record(wctx, log, d.email, d.id, d.hash)
		})
		if len(waiting) > 0 && ctx.Err() == nil {
			s.logf("processed %d subscribers, waiting for %s", len(waiting), p.Name())
			if werr := p.Wait(ctx, s.logf); werr != nil {
				err = errors.Join(err, werr)
			}
		}
		for _, d := range waiting {
			if p.Pending(d.email) {
				continue
			}
			if rerr := cache.Record(wctx, log, d.email, d.id, d.hash); rerr != nil {
				return errors.Join(err, rerr)
			}
		}
		return err
	})
	s.logf("%s", sum)
	return sum, err
}

// push subscribes every changed subscriber and hands each accepted one to
// done.
func (s *Syncer) push(ctx context.Context, p Provider, cache *changeset.Cache, subs []Subscriber, opts Options, sum *Summary, done func(pushed) error) error {
	only := map[string]bool{}
	for _, e := range opts.OnlyEmails {
		only[e] = true
	}
	seen := map[string]bool{}
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(only) > 0 && !only[sub.Email] {
			continue
		}
		if sub.Email == "" {
			continue
		}
		if seen[sub.Email] {
			s.logf("skipping duplicate email: %s", sub.Email)
			sum.Duplicates++
			continue
		}
		seen[sub.Email] = true

		hash, err := changeset.Hash(p.Payload(sub))
		if err != nil {
			return err
		}
		if e, ok := cache.Get(sub.Email); ok && e.Hash == hash {
			sum.Unchanged++
			metrics.IncSyncOutcome(p.Name(), "unchanged")
			continue
		}
		id, err := p.Subscribe(ctx, sub)
		if err != nil {
			var re *RejectedError
			if errors.As(err, &re) {
				s.logf("WARNING failed to subscribe due to invalid data, continuing: %v", err)
				sum.Rejected++
				metrics.IncSyncOutcome(p.Name(), "skipped")
				continue
			}
			return fmt.Errorf("%s %s: %w", p.Name(), sub.Email, err)
		}
		sum.Subscribed++
		metrics.IncSyncOutcome(p.Name(), "updated")
		if err := done(pushed{email: sub.Email, id: id, hash: hash}); err != nil {
			return err
		}
		if opts.Limit > 0 && sum.Subscribed >= opts.Limit {
			return nil
		}
	}
	return nil
}

func (s *Syncer) load(ctx context.Context, query string) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Subscriber
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
		out = append(out, Subscriber{
			Email:     row["email"],
			FirstName: row["first_name"],
			LastName:  row["last_name"],
			Phone:     row["phone_number"],
			City:      row["city"],
			Gender:    normalizeGender(row["gender"]),
		})
	}
	return out, rows.Err()
}

func normalizeGender(v string) string {
	switch v {
	case "Male":
		return "male"
	case "Female":
		return "female"
	}
	return "other"
}

// nullable maps empty strings to JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
