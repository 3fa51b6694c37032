package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vhskeelz/skeelzdb/internal/loader"
	"github.com/vhskeelz/skeelzdb/internal/mailinglist"
	"github.com/vhskeelz/skeelzdb/internal/metrics"
	"github.com/vhskeelz/skeelzdb/internal/offers"
	"github.com/vhskeelz/skeelzdb/internal/record"
	"github.com/vhskeelz/skeelzdb/internal/salesforce"
	"github.com/vhskeelz/skeelzdb/internal/server"
	"github.com/vhskeelz/skeelzdb/internal/store"
	"github.com/vhskeelz/skeelzdb/internal/syncer"
)

// Process names under which the sync commands are recorded.
const (
	processLoad           = "load"
	processSalesforceSync = "salesforce_sync"
)

func mailingListProcess(provider string) string { return "mailing_list_" + provider }

func offersProcess(t offers.Type) string { return "candidate_offers_" + string(t) + "_mailing" }

type command struct {
	global *GlobalFlags
	out    io.Writer
}

func newCommand(global *GlobalFlags) command {
	return command{global: global, out: os.Stdout}
}

func (c command) open(logName string) (*session, error) {
	return openSession(c.global.ConfigPath, logName)
}

// --- run record ---

func (c command) RecordStart(ctx context.Context, f RecordStartFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	id := processID(f.ID)
	if err := s.rec.Start(ctx, f.Name, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, id)
	return nil
}

func (c command) RecordLog(ctx context.Context, f RecordLogFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.rec.EnsureSchema(ctx); err != nil {
		return err
	}
	s.rec.Log(ctx, f.Name, f.ID, f.Message)
	return nil
}

func (c command) RecordFinish(ctx context.Context, f RecordFinishFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	if err := s.rec.EnsureSchema(ctx); err != nil {
		return err
	}
	return s.rec.Finish(ctx, f.Name, f.ID, f.Status)
}

func (c command) RecordLast(ctx context.Context, f RecordLastFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	last := s.rec.LastFinishedAt
	if f.Success {
		last = s.rec.LastSucceededAt
	}
	at, err := last(ctx, f.Name)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no finished run of %s", f.Name)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, at.Format(time.RFC3339))
	return nil
}

func (c command) RecordStalled(ctx context.Context, f RecordStalledFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	runs, err := s.rec.Stalled(ctx, f.OlderThan)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []record.Run{}
	}
	printJSON(c.out, runs)
	return nil
}

func (c command) RecordClearLogs(ctx context.Context, f RecordClearLogsFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	n, err := s.rec.ClearLogs(ctx, f.OlderThan)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "deleted %d log lines\n", n)
	return nil
}

func (c command) RecordDrop(ctx context.Context, f RecordDropFlags) error {
	if !f.Force {
		return errors.New("refusing to drop run records without --force")
	}
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return s.rec.Drop(ctx)
}

// --- sync commands ---

func (c command) Load(ctx context.Context, f LoadFlags) error {
	s, err := c.open(processLoad)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return s.runner.Run(ctx, processLoad, processID(f.ID), func(ctx context.Context, logf record.LogFunc) error {
		done, err := loader.New(s.db, s.cfg.Loader, logf).LoadAll(ctx, f.Table)
		if err != nil {
			return err
		}
		logf("loaded %d tables: %s", len(done), strings.Join(done, ", "))
		return nil
	})
}

func (c command) SalesforceSync(ctx context.Context, f SalesforceSyncFlags) error {
	s, err := c.open(processSalesforceSync)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	cats, err := selectCategories(s, f.Categories)
	if err != nil {
		return err
	}
	opts := syncer.Options{DryRun: f.DryRun, OnlyIDs: f.OnlyIDs, Limit: f.Limit}
	return s.runner.Run(ctx, processSalesforceSync, processID(f.ID), func(ctx context.Context, logf record.LogFunc) error {
		logf("logging in to salesforce as %s", s.cfg.Salesforce.Username)
		client, err := salesforce.Login(ctx, s.cfg.Salesforce.Config)
		if err != nil {
			return err
		}
		driver := syncer.New(s.db, client, s.cfg.Batch, logf)
		for _, cat := range cats {
			sum, err := driver.Sync(ctx, cat, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", cat.Name, err)
			}
			logf("%s", sum)
			printJSON(c.out, sum)
		}
		return nil
	})
}

func selectCategories(s *session, names []string) ([]syncer.Category, error) {
	if len(names) == 0 {
		return s.cfg.Salesforce.Categories, nil
	}
	out := make([]syncer.Category, 0, len(names))
	for _, n := range names {
		cat, ok := s.cfg.Category(n)
		if !ok {
			return nil, fmt.Errorf("unknown category %q", n)
		}
		out = append(out, cat)
	}
	return out, nil
}

func (c command) MailingList(ctx context.Context, f MailingListFlags) error {
	name := mailingListProcess(f.Provider)
	s, err := c.open(name)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	var p mailinglist.Provider
	switch f.Provider {
	case "smoove":
		p = mailinglist.NewSmoove(s.cfg.Smoove)
	case "sender":
		p = mailinglist.NewSender(s.cfg.Sender)
	default:
		return fmt.Errorf("unknown mailing list provider %q", f.Provider)
	}
	opts := mailinglist.Options{OnlyEmails: mailinglist.ParseEmails(f.OnlyEmails), Limit: f.Limit}
	return s.runner.Run(ctx, name, processID(f.ID), func(ctx context.Context, logf record.LogFunc) error {
		sum, err := mailinglist.New(s.db, s.cfg.Batch, logf).Sync(ctx, p, opts)
		if err != nil {
			return err
		}
		printJSON(c.out, sum)
		return nil
	})
}

func (c command) OffersSend(ctx context.Context, f OffersSendFlags) error {
	t, err := offers.ParseType(f.Type)
	if err != nil {
		return err
	}
	s, err := c.open(offersProcess(t))
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	var mailer offers.Mailer
	if !f.DryRun {
		m, err := offers.NewHTTPMailer(s.cfg.Offers.Mailer)
		if err != nil {
			return err
		}
		mailer = m
	}
	return s.runner.Run(ctx, offersProcess(t), processID(f.ID), func(ctx context.Context, logf record.LogFunc) error {
		sum, err := offers.NewSender(s.db, s.cfg.Offers, s.cfg.Batch, mailer, logf).Run(ctx, t, f.DryRun)
		printJSON(c.out, sum)
		return err
	})
}

// --- server ---

func (c command) Serve(ctx context.Context, f ServeFlags) error {
	s, err := c.open("")
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	listen, base := s.cfg.Server.Listen, s.cfg.Server.BasePath
	if f.Listen != "" {
		listen = f.Listen
	}
	if f.BasePath != "" {
		base = f.BasePath
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := s.rec.EnsureSchema(ctx); err != nil {
		return err
	}
	srv, err := server.NewServer(listen, base, s.rec, s.db)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Starting skeelzdb HTTP server on %s%s\n", listen, base)

	<-ctx.Done()
	_, _ = fmt.Fprintln(c.out, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
