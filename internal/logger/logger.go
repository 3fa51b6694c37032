package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the console logger.
type SlogConfig struct {
	Level      Level  `toml:"level" mapstructure:"level"`
	Format     Format `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
}

// FileConfig describes rotated log files.
// Path receives every log line of the process; when Dir is set each run
// additionally gets Dir/<run name>.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Path       string `toml:"path" mapstructure:"path"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`   // default 10
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`   // default 3
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"` // default 7
	Compress   bool   `toml:"compress" mapstructure:"compress"`         // gzip rotated files
}

type Config struct {
	Slog SlogConfig `toml:"slog" mapstructure:"slog"`
	File FileConfig `toml:"file" mapstructure:"file"`
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c SlogConfig) options() *slog.HandlerOptions {
	opts := &slog.HandlerOptions{Level: c.Level.slogLevel(), AddSource: c.Source}
	if !c.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return opts
}

// Handler builds the console handler writing to w.
func (c SlogConfig) Handler(w io.Writer) slog.Handler {
	opts := c.options()
	switch {
	case c.Format == FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case c.Color:
		return NewColorTextHandler(w, opts, c.TimeStamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func (c FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Writer returns the rotated writer for Path, or nil when unset.
func (c FileConfig) Writer() io.WriteCloser {
	if c.Path == "" {
		return nil
	}
	return c.rotated(c.Path)
}

// RunWriter returns Dir/<name>.log as a rotated writer, or nil when Dir is
// unset. name is sanitized so process names cannot escape Dir.
func (c FileConfig) RunWriter(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	return c.rotated(filepath.Join(c.Dir, fmt.Sprintf("%s.log", safe)))
}

// NewSlogger returns the process logger: console output on stderr plus the
// rotated Path file (JSON) when configured. The returned closer releases
// the file.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	return c.newLogger(os.Stderr, c.File.Writer())
}

// NewRunLogger is NewSlogger plus the per-run file of name.
func (c Config) NewRunLogger(name string) (*slog.Logger, io.Closer) {
	l, closer := c.newLogger(os.Stderr, c.File.Writer(), c.File.RunWriter(name))
	return l.With("process_name", name), closer
}

func (c Config) newLogger(console io.Writer, files ...io.WriteCloser) (*slog.Logger, io.Closer) {
	handlers := []slog.Handler{c.Slog.Handler(console)}
	var closers multiCloser
	fileOpts := &slog.HandlerOptions{Level: c.Slog.Level.slogLevel(), AddSource: c.Slog.Source}
	for _, f := range files {
		if f == nil {
			continue
		}
		handlers = append(handlers, slog.NewJSONHandler(f, fileOpts))
		closers = append(closers, f)
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closers
	}
	return slog.New(fanout(handlers)), closers
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// fanout sends every record to all handlers that accept its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
