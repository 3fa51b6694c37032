// Package loader replaces database tables with the content of extracted CSV
// files. Each table is loaded into a temporary table and swapped in within
// a single transaction, so readers never see a partial load.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vhskeelz/skeelzdb/internal/store"
)

// DefaultMaxRows caps the rows accepted from one source file.
const DefaultMaxRows = 150000

// ErrRowLimit is returned when a source holds more rows than allowed.
var ErrRowLimit = errors.New("row limit exceeded")

type Config struct {
	// Dir holds one <table>.csv per table.
	Dir    string   `toml:"dir" mapstructure:"dir"`
	Tables []string `toml:"tables" mapstructure:"tables"`
	// MaxRows defaults to DefaultMaxRows; negative disables the cap.
	MaxRows int `toml:"max_rows" mapstructure:"max_rows"`
}

type Loader struct {
	db   store.Store
	cfg  Config
	logf func(string, ...any)
}

func New(db store.Store, cfg Config, logf func(string, ...any)) *Loader {
	if cfg.MaxRows == 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if logf == nil {
		logf = func(format string, args ...any) { slog.Info(fmt.Sprintf(format, args...)) }
	}
	return &Loader{db: db, cfg: cfg, logf: logf}
}

// LoadAll loads every configured table, or only the named one.
func (l *Loader) LoadAll(ctx context.Context, only string) ([]string, error) {
	var done []string
	for _, t := range l.cfg.Tables {
		if only != "" && only != t {
			continue
		}
		if _, err := l.Load(ctx, t); err != nil {
			return done, err
		}
		done = append(done, t)
	}
	if only != "" && len(done) == 0 {
		return nil, fmt.Errorf("unknown table %q", only)
	}
	return done, nil
}

// Load replaces table with <Dir>/<table>.csv and returns the row count.
func (l *Loader) Load(ctx context.Context, table string) (int, error) {
	path := filepath.Join(l.cfg.Dir, table+".csv")
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", table, err)
	}
	defer func() { _ = f.Close() }()
	n, err := Replace(ctx, l.db, table, f, l.cfg.MaxRows)
	if err != nil {
		return n, fmt.Errorf("load %s: %w", table, err)
	}
	l.logf("loaded %d rows into %s", n, table)
	return n, nil
}

// DedupeHeaders renames repeated headers to "name (2)", "name (3)", ...
func DedupeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	seen := map[string]int{}
	used := map[string]bool{}
	for _, h := range headers {
		used[h] = true
	}
	for i, h := range headers {
		seen[h]++
		if seen[h] == 1 {
			out[i] = h
			continue
		}
		n := seen[h]
		name := h + " (" + strconv.Itoa(n) + ")"
		for used[name] {
			n++
			name = h + " (" + strconv.Itoa(n) + ")"
		}
		used[name] = true
		out[i] = name
	}
	return out
}

// Replace loads every CSV record of r into table, all values as text. The
// previous table is dropped only when the whole source was read, within the
// same transaction; on any error, including ErrRowLimit, nothing changes.
func Replace(ctx context.Context, db store.Store, table string, r io.Reader, maxRows int) (int, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	header = DedupeHeaders(header)

	temp := "__temp__" + table
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = store.QuoteIdent(h)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	exec := func(q string, args ...any) error {
		_, err := tx.ExecContext(ctx, store.Rebind(db.Dialect(), q), args...)
		return err
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c + " TEXT"
	}
	if err := exec(`DROP TABLE IF EXISTS ` + store.QuoteIdent(temp)); err != nil {
		return 0, err
	}
	if err := exec(`CREATE TABLE ` + store.QuoteIdent(temp) + ` (` + strings.Join(defs, ", ") + `)`); err != nil {
		return 0, err
	}

	perInsert := 500 / len(cols)
	if perInsert < 1 {
		perInsert = 1
	}
	rowPH := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	insertPrefix := `INSERT INTO ` + store.QuoteIdent(temp) + ` (` + strings.Join(cols, ", ") + `) VALUES `

	var (
		args    []any
		pending int
		total   int
	)
	flush := func() error {
		if pending == 0 {
			return nil
		}
		q := insertPrefix + strings.TrimSuffix(strings.Repeat(rowPH+", ", pending), ", ")
		err := exec(q, args...)
		args, pending = args[:0], 0
		return err
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read row %d: %w", total+1, err)
		}
		total++
		if maxRows > 0 && total > maxRows {
			return total, fmt.Errorf("%w: more than %d rows", ErrRowLimit, maxRows)
		}
		for _, v := range rec {
			args = append(args, v)
		}
		pending++
		if pending >= perInsert {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	if err := exec(`DROP TABLE IF EXISTS ` + store.QuoteIdent(table)); err != nil {
		return total, err
	}
	if err := exec(`ALTER TABLE ` + store.QuoteIdent(temp) + ` RENAME TO ` + store.QuoteIdent(table)); err != nil {
		return total, err
	}
	if err := tx.Commit(); err != nil {
		return total, err
	}
	committed = true
	return total, nil
}
