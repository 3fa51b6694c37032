package fields

import (
	"fmt"
	"strings"
	"time"
)

// Preprocess turns a raw database row into a Row: NULL and the literal
// "null" become empty strings, narrow no-break spaces become spaces and
// values are trimmed.
func Preprocess(raw map[string]any) Row {
	out := make(Row, len(raw))
	for k, v := range raw {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case []byte:
		s = string(x)
	case time.Time:
		s = x.Format(time.RFC3339)
	default:
		s = fmt.Sprint(x)
	}
	if s == "null" {
		return ""
	}
	s = strings.ReplaceAll(s, "\u202f", " ")
	return strings.TrimSpace(s)
}
