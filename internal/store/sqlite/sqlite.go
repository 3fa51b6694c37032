package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/vhskeelz/skeelzdb/internal/store"
)

// New opens a SQLite database (modernc.org/sqlite driver, CGO-free).
// path is a filesystem path or ":memory:". A single connection is used so
// that the whole run observes one database and one writer.
func New(path string, cfg store.Config) (*store.DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	if cfg.ConnMaxAge > 0 {
		d.SetConnMaxLifetime(cfg.ConnMaxAge)
	}
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.Wrap(d, store.DialectSQLite), nil
}
