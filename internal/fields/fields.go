// Package fields maps exported source rows onto remote object payloads
// through a declarative table.
package fields

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Row is one preprocessed source row, keyed by column.
type Row map[string]string

// Field describes one output field of a payload.
type Field struct {
	// Output is the remote field name.
	Output string `toml:"output" mapstructure:"output"`
	// Source is the row column the value comes from.
	Source string `toml:"source" mapstructure:"source"`
	// Const is used instead of Source when set.
	Const string `toml:"const" mapstructure:"const"`
	// Required rejects rows whose Source is empty, unless Default is set.
	Required bool   `toml:"required" mapstructure:"required"`
	Default  string `toml:"default" mapstructure:"default"`
	// Transform names a registered transform applied to the value.
	Transform string `toml:"transform" mapstructure:"transform"`
}

// MissingFieldError is returned for a required column that is empty and
// has no default.
type MissingFieldError struct {
	Column string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %s", e.Column)
}

// TransformFunc rewrites value; row gives access to the other columns.
type TransformFunc func(value string, row Row) string

var (
	mu         sync.RWMutex
	transforms = map[string]TransformFunc{
		"gender": func(v string, _ Row) string {
			if v == "Male" || v == "Female" {
				return v
			}
			return ""
		},
		"lower": func(v string, _ Row) string { return strings.ToLower(v) },
		"upper": func(v string, _ Row) string { return strings.ToUpper(v) },
		"email": func(v string, _ Row) string { return strings.ToLower(strings.TrimSpace(v)) },
	}
)

// RegisterTransform makes fn available under name.
func RegisterTransform(name string, fn TransformFunc) {
	mu.Lock()
	defer mu.Unlock()
	transforms[name] = fn
}

func lookupTransform(name string) (TransformFunc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := transforms[name]
	return fn, ok
}

// Transforms lists registered transform names.
func Transforms() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(transforms))
	for k := range transforms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Table is an ordered list of output fields.
type Table []Field

// Validate checks the table for duplicate outputs, unknown transforms and
// fields with no value source.
func (t Table) Validate() error {
	seen := map[string]bool{}
	for _, f := range t {
		if f.Output == "" {
			return fmt.Errorf("field without output name")
		}
		if seen[f.Output] {
			return fmt.Errorf("duplicate output field %s", f.Output)
		}
		seen[f.Output] = true
		if f.Source == "" && f.Const == "" && f.Transform == "" {
			return fmt.Errorf("field %s has neither source, const nor transform", f.Output)
		}
		if f.Transform != "" {
			if _, ok := lookupTransform(f.Transform); !ok {
				return fmt.Errorf("field %s: unknown transform %q", f.Output, f.Transform)
			}
		}
		if f.Required && f.Source == "" {
			return fmt.Errorf("field %s is required but has no source", f.Output)
		}
	}
	return nil
}

// Columns returns the distinct source columns the table reads.
func (t Table) Columns() []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range t {
		if f.Source != "" && !seen[f.Source] {
			seen[f.Source] = true
			out = append(out, f.Source)
		}
	}
	return out
}

// Build fills defaults for empty required columns, reporting each through
// warn, and returns the updated row with the payload. A column missing
// from row yields a null value.
func (t Table) Build(row Row, warn func(string)) (Row, map[string]any, error) {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, f := range t {
		if !f.Required || out[f.Source] != "" {
			continue
		}
		if f.Default == "" {
			return out, nil, &MissingFieldError{Column: f.Source}
		}
		if warn != nil {
			warn(fmt.Sprintf("missing required field %s, setting value to %q", f.Source, f.Default))
		}
		out[f.Source] = f.Default
	}

	payload := make(map[string]any, len(t))
	for _, f := range t {
		var (
			v       string
			present = true
		)
		switch {
		case f.Const != "":
			v = f.Const
		case f.Source != "":
			v, present = out[f.Source]
		}
		if f.Transform != "" {
			fn, ok := lookupTransform(f.Transform)
			if !ok {
				return out, nil, fmt.Errorf("field %s: unknown transform %q", f.Output, f.Transform)
			}
			v, present = fn(v, out), true
		}
		if !present {
			payload[f.Output] = nil
			continue
		}
		payload[f.Output] = v
	}
	return out, payload, nil
}
