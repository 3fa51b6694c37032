package postgres

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vhskeelz/skeelzdb/internal/store"
)

// New opens a PostgreSQL pool through the pgx stdlib driver. The
// connection is established lazily on first use.
func New(dsn string, cfg store.Config) (*store.DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		d.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		d.SetMaxOpenConns(4)
	}
	if cfg.MaxIdleConns > 0 {
		d.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		d.SetMaxIdleConns(2)
	}
	if cfg.ConnMaxAge > 0 {
		d.SetConnMaxLifetime(cfg.ConnMaxAge)
	} else {
		d.SetConnMaxLifetime(5 * time.Minute)
	}
	return store.Wrap(d, store.DialectPostgres), nil
}
