package loader

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vhskeelz/skeelzdb/internal/store"
	"github.com/vhskeelz/skeelzdb/internal/store/sqlite"
)

func openDB(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "load.db"), store.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func count(t *testing.T, db store.Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM `+store.QuoteIdent(table)).Scan(&n))
	return n
}

func tableExists(t *testing.T, db store.Store, table string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n))
	return n > 0
}

func TestDedupeHeaders(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "a (2)", "a (3)"}, DedupeHeaders([]string{"a", "b", "a", "a"}))
	assert.Equal(t, []string{"a", "a (2)", "a (3)"}, DedupeHeaders([]string{"a", "a (2)", "a"}))
}

func TestReplaceSwapsTable(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE people(old TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO people VALUES ('stale')`)
	require.NoError(t, err)

	src := "\ufeffName,City,Name\nDana,Haifa,D\nO'Neil,\"Tel Aviv, IL\",\n"
	n, err := Replace(ctx, db, "people", strings.NewReader(src), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, count(t, db, "people"))
	assert.False(t, tableExists(t, db, "__temp__people"))

	var name, city, second string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT "Name", "City", "Name (2)" FROM people WHERE "Name" = ?`, "O'Neil").Scan(&name, &city, &second))
	assert.Equal(t, "Tel Aviv, IL", city)
	assert.Equal(t, "", second)
}

func TestReplaceRowLimitKeepsPreviousTable(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE events(id TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO events VALUES ('keep')`)
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString("id\n")
	for i := 1; i <= DefaultMaxRows+1; i++ {
		b.WriteString(strconv.Itoa(i))
		b.WriteByte('\n')
	}
	n, err := Replace(ctx, db, "events", strings.NewReader(b.String()), DefaultMaxRows)
	require.ErrorIs(t, err, ErrRowLimit)
	assert.Equal(t, DefaultMaxRows+1, n)

	assert.Equal(t, 1, count(t, db, "events"))
	assert.False(t, tableExists(t, db, "__temp__events"))
}

func TestReplaceRaggedRowFails(t *testing.T) {
	db := openDB(t)
	_, err := Replace(context.Background(), db, "t", strings.NewReader("a,b\n1,2\n3\n"), 0)
	require.Error(t, err)
	assert.False(t, tableExists(t, db, "t"))
}

func TestLoaderLoadAll(t *testing.T) {
	db := openDB(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skeelz_export_candidates.csv"), []byte("Email\na@x.io\nb@x.io\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skeelz_export_positions.csv"), []byte("Position id\nP1\n"), 0o644))

	var lines []string
	l := New(db, Config{Dir: dir, Tables: []string{"skeelz_export_candidates", "skeelz_export_positions"}},
		func(format string, args ...any) { lines = append(lines, format) })

	done, err := l.LoadAll(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"skeelz_export_candidates", "skeelz_export_positions"}, done)
	assert.Equal(t, 2, count(t, db, "skeelz_export_candidates"))
	assert.Len(t, lines, 2)

	done, err = l.LoadAll(context.Background(), "skeelz_export_positions")
	require.NoError(t, err)
	assert.Equal(t, []string{"skeelz_export_positions"}, done)

	_, err = l.LoadAll(context.Background(), "nope")
	assert.Error(t, err)

	_, err = New(db, Config{Dir: dir}, nil).Load(context.Background(), "missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
