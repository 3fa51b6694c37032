package record

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vhskeelz/skeelzdb/internal/store"
)

func messages(t *testing.T, rec *Recorder, name, id string) []string {
	t.Helper()
	logs, err := rec.Logs(context.Background(), name, id)
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func TestRunSuccess(t *testing.T) {
	rec, c := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()

	err := r.Run(ctx, "sync", "1", func(ctx context.Context, logf LogFunc) error {
		c.advance(time.Second)
		logf("synced %d rows", 3)
		c.advance(time.Second)
		return nil
	})
	require.NoError(t, err)

	run, err := rec.Get(ctx, "sync", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.False(t, run.Running())
	assert.Equal(t, []string{"synced 3 rows", "finished successfully"}, messages(t, rec, "sync", "1"))
}

func TestRunErrorIsRecordedAndPropagated(t *testing.T) {
	rec, c := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()
	boom := errors.New("remote said no")

	err := r.Run(ctx, "sync", "1", func(ctx context.Context, logf LogFunc) error {
		c.advance(time.Second)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	run, err := rec.Get(ctx, "sync", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.FinishedAt)
	msgs := messages(t, rec, "sync", "1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "failed: remote said no", msgs[0])
}

func TestRunPanicFinishesAndReraises(t *testing.T) {
	rec, _ := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = r.Run(ctx, "sync", "1", func(ctx context.Context, logf LogFunc) error {
			panic("kaboom")
		})
	})

	run, err := rec.Get(ctx, "sync", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	msgs := messages(t, rec, "sync", "1")
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "failed: panic: kaboom"))
}

func TestRunDuplicateIDDoesNotCallFn(t *testing.T) {
	rec, _ := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()
	require.NoError(t, rec.Start(ctx, "sync", "1"))

	called := false
	err := r.Run(ctx, "sync", "1", func(context.Context, LogFunc) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.False(t, called)
}

func TestRunDisabledWritesNothing(t *testing.T) {
	rec, _ := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: false})
	ctx := context.Background()

	err := r.Run(ctx, "sync", "1", func(ctx context.Context, logf LogFunc) error {
		logf("only to slog")
		return nil
	})
	require.NoError(t, err)
	_, err = rec.Get(ctx, "sync", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// nil recorder is the same as disabled
	require.NoError(t, NewRunner(nil, Config{Enabled: true}).Run(ctx, "sync", "2",
		func(context.Context, LogFunc) error { return nil }))
}

func TestRunDeferredWithoutStartRecordsNothing(t *testing.T) {
	rec, _ := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()

	err := r.RunDeferred(ctx, "export", "1", func(ctx context.Context, start func() error, logf LogFunc) error {
		logf("nothing to do")
		return nil
	})
	require.NoError(t, err)
	_, err = rec.Get(ctx, "export", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunDeferredAfterStart(t *testing.T) {
	rec, _ := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()
	boom := errors.New("boom")

	err := r.RunDeferred(ctx, "export", "1", func(ctx context.Context, start func() error, logf LogFunc) error {
		logf("before start")
		if err := start(); err != nil {
			return err
		}
		logf("after start")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	run, err := rec.Get(ctx, "export", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, []string{"after start", "failed: boom"}, messages(t, rec, "export", "1"))
}

func TestRunDeferredPanicAfterStart(t *testing.T) {
	rec, _ := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = r.RunDeferred(ctx, "export", "1", func(ctx context.Context, start func() error, logf LogFunc) error {
			_ = start()
			panic("late")
		})
	})
	run, err := rec.Get(ctx, "export", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestSuppressionAfterRecentSuccess(t *testing.T) {
	rec, c := newRecorder(t)
	ctx := context.Background()
	boom := errors.New("transient")
	fail := func(context.Context, LogFunc) error { return boom }

	// off by default
	require.NoError(t, NewRunner(rec, Config{Enabled: true}).Run(ctx, "sync", "ok", func(context.Context, LogFunc) error { return nil }))
	c.advance(10 * time.Minute)
	assert.ErrorIs(t, NewRunner(rec, Config{Enabled: true}).Run(ctx, "sync", "a", fail), boom)

	r := NewRunner(rec, Config{Enabled: true, SuppressWithin: time.Hour})
	c.advance(10 * time.Minute)
	require.NoError(t, r.Run(ctx, "sync", "b", fail))
	run, err := rec.Get(ctx, "sync", "b")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status, "suppressed runs are still recorded as failed")

	// outside the grace window the failure propagates again
	c.advance(2 * time.Hour)
	assert.ErrorIs(t, r.Run(ctx, "sync", "c", fail), boom)
}

func TestRunCancelledInsideStillFinishes(t *testing.T) {
	rec, c := newRecorder(t)
	r := NewRunner(rec, Config{Enabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := r.Run(ctx, "sync", "1", func(ctx context.Context, logf LogFunc) error {
		logf("pushed entity %d", 1)
		c.advance(time.Second)
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	run, err := rec.Get(context.Background(), "sync", "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, []string{"pushed entity 1", "failed: context canceled"}, messages(t, rec, "sync", "1"))
}
