package store

import (
	"strconv"
	"strings"
	"time"
)

// Quote renders s as a SQL string literal. Single quotes are doubled and
// NUL bytes dropped, so remotely sourced values can be interpolated into
// batched statements.
func Quote(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent renders name as a quoted SQL identifier.
func QuoteIdent(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteTime renders t (UTC) as a timestamp literal both dialects accept.
func QuoteTime(t time.Time) string {
	return Quote(t.UTC().Format("2006-01-02 15:04:05.000000"))
}

// Rebind rewrites '?' placeholders to '$n' for postgres. Placeholders
// inside quoted literals or identifiers are left alone.
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
