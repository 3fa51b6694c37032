package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vhskeelz/skeelzdb/internal/config"
	"github.com/vhskeelz/skeelzdb/internal/history/factory"
	"github.com/vhskeelz/skeelzdb/internal/record"
	"github.com/vhskeelz/skeelzdb/internal/store"
	storefactory "github.com/vhskeelz/skeelzdb/internal/store/factory"
)

// session holds what one CLI invocation opens: config, logger, store and
// run recorder. Close releases all of it.
type session struct {
	cfg    *config.Config
	db     *store.DB
	rec    *record.Recorder
	runner *record.Runner

	closers []io.Closer
}

// openSession loads the config and wires the store. logName selects the
// per-run log file; empty means the process log only.
func openSession(configPath, logName string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	s := &session{cfg: cfg}

	var (
		l      *slog.Logger
		closer io.Closer
	)
	if logName != "" {
		l, closer = cfg.Logging.NewRunLogger(logName)
	} else {
		l, closer = cfg.Logging.NewSlogger()
	}
	slog.SetDefault(l)
	s.closers = append(s.closers, closer)

	db, err := storefactory.New(cfg.Store)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, db)

	sink, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	var opts []record.Option
	if sink != nil {
		opts = append(opts, record.WithSink(sink))
		if c, ok := sink.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}
	s.rec = record.New(db, opts...)
	s.runner = record.NewRunner(s.rec, cfg.Record)
	return s, nil
}

// Close releases resources in reverse open order.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if s.closers[i] != nil {
			errs = append(errs, s.closers[i].Close())
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
