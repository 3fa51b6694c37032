package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "skeelzdb.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// newTestCommand returns a command bound to a fresh sqlite store and data dir.
func newTestCommand(t *testing.T, extra string) (command, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	cfg := `
[store]
dsn = "` + filepath.Join(dir, "skeelz.db") + `"

[loader]
dir = "` + data + `"

[logging.slog]
level = "error"
` + extra
	path := writeTOML(t, dir, cfg)
	var out bytes.Buffer
	return command{global: &GlobalFlags{ConfigPath: path}, out: &out}, &out, data
}

func TestRecordLifecycle(t *testing.T) {
	c, out, _ := newTestCommand(t, "")
	ctx := context.Background()

	require.NoError(t, c.RecordStart(ctx, RecordStartFlags{Name: "extract", ID: "r1"}))
	assert.Equal(t, "r1\n", out.String())
	assert.Error(t, c.RecordStart(ctx, RecordStartFlags{Name: "extract", ID: "r1"}))

	require.NoError(t, c.RecordLog(ctx, RecordLogFlags{Name: "extract", ID: "r1", Message: "downloaded"}))
	require.NoError(t, c.RecordFinish(ctx, RecordFinishFlags{Name: "extract", ID: "r1", Status: "success"}))
	assert.Error(t, c.RecordFinish(ctx, RecordFinishFlags{Name: "extract", ID: "r1", Status: "done"}))
	assert.Error(t, c.RecordFinish(ctx, RecordFinishFlags{Name: "extract", ID: "never", Status: "success"}))

	out.Reset()
	require.NoError(t, c.RecordLast(ctx, RecordLastFlags{Name: "extract", Success: true}))
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	err = c.RecordLast(ctx, RecordLastFlags{Name: "other"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no finished run")

	out.Reset()
	require.NoError(t, c.RecordStalled(ctx, RecordStalledFlags{OlderThan: time.Hour}))
	assert.Equal(t, "[]", strings.TrimSpace(out.String()))

	out.Reset()
	require.NoError(t, c.RecordClearLogs(ctx, RecordClearLogsFlags{OlderThan: time.Hour}))
	assert.Equal(t, "deleted 0 log lines\n", out.String())

	assert.Error(t, c.RecordDrop(ctx, RecordDropFlags{}))
	require.NoError(t, c.RecordDrop(ctx, RecordDropFlags{Force: true}))
}

func TestRecordStartGeneratesID(t *testing.T) {
	c, out, _ := newTestCommand(t, "")
	require.NoError(t, c.RecordStart(context.Background(), RecordStartFlags{Name: "extract"}))
	assert.Len(t, strings.TrimSpace(out.String()), 36)
}

func TestLoadThenSenderSync(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v2/subscribers" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"sub-1"}}`))
	}))
	defer srv.Close()

	c, out, data := newTestCommand(t, "\n[sender]\nurl = \""+srv.URL+"\"\napi_token = \"tok\"\n")
	csv := "\ufeffEmail,Candidate first name,Candidate last name,Phone number,Candidate location,Gender\n" +
		"a@example.com,Dana,Levi,050,Haifa,Female\n" +
		"b@example.com,Noam,Cohen,,Tel Aviv,Male\n" +
		"a@example.com,Dana,Levi,050,Haifa,Female\n"
	require.NoError(t, os.WriteFile(filepath.Join(data, "skeelz_export_candidates.csv"), []byte(csv), 0o644))

	ctx := context.Background()
	require.NoError(t, c.Load(ctx, LoadFlags{Table: "skeelz_export_candidates", RunFlags: RunFlags{ID: "load-1"}}))
	assert.Error(t, c.Load(ctx, LoadFlags{Table: "unknown_table"}))

	require.NoError(t, c.MailingList(ctx, MailingListFlags{Provider: "sender"}))
	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, out.String(), `"subscribed": 2`)
	assert.Contains(t, out.String(), `"duplicates": 1`)

	// nothing changed, so nothing is sent again
	out.Reset()
	require.NoError(t, c.MailingList(ctx, MailingListFlags{Provider: "sender"}))
	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, out.String(), `"unchanged": 2`)

	out.Reset()
	require.NoError(t, c.RecordLast(ctx, RecordLastFlags{Name: mailingListProcess("sender"), Success: true}))
	assert.NotEmpty(t, strings.TrimSpace(out.String()))
}

func TestFailedRunIsRecorded(t *testing.T) {
	c, out, _ := newTestCommand(t, "")
	ctx := context.Background()
	// no CSV in the data dir
	require.Error(t, c.Load(ctx, LoadFlags{Table: "skeelz_export_positions", RunFlags: RunFlags{ID: "x"}}))

	require.NoError(t, c.RecordLast(ctx, RecordLastFlags{Name: processLoad}))
	assert.NotEmpty(t, out.String())
	assert.Error(t, c.RecordLast(ctx, RecordLastFlags{Name: processLoad, Success: true}))
}

func TestArgumentErrors(t *testing.T) {
	c, _, _ := newTestCommand(t, "")
	ctx := context.Background()

	err := c.SalesforceSync(ctx, SalesforceSyncFlags{Categories: []string{"nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category")

	err = c.MailingList(ctx, MailingListFlags{Provider: "mailchimp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mailing list provider")

	err = c.OffersSend(ctx, OffersSendFlags{Type: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mailing type")

	// sending for real needs a mailer endpoint
	assert.Error(t, c.OffersSend(ctx, OffersSendFlags{Type: "interested"}))
}

func TestBadConfig(t *testing.T) {
	c := command{global: &GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}, out: &bytes.Buffer{}}
	err := c.RecordStalled(context.Background(), RecordStalledFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestProcessID(t *testing.T) {
	assert.Equal(t, "given", processID("given"))
	a, b := processID(""), processID("")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
