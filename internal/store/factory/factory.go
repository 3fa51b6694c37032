package factory

import (
	"errors"
	"strings"

	"github.com/vhskeelz/skeelzdb/internal/store"
	pg "github.com/vhskeelz/skeelzdb/internal/store/postgres"
	sq "github.com/vhskeelz/skeelzdb/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (*store.DB, error) {
	return New(store.Config{DSN: dsn})
}

// New opens the store described by cfg.
func New(cfg store.Config) (*store.DB, error) {
	dsn, err := cfg.ResolveDSN()
	if err != nil {
		return nil, err
	}
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d, cfg)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):], cfg)
	}
	// default to sqlite path
	return sq.New(d, cfg)
}
