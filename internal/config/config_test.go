package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vhskeelz/skeelzdb/internal/batch"
	"github.com/vhskeelz/skeelzdb/internal/loader"
	"github.com/vhskeelz/skeelzdb/internal/logger"
	"github.com/vhskeelz/skeelzdb/internal/salesforce"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "skeelzdb.db", cfg.Store.DSN)
	assert.Equal(t, batch.DefaultCommitInterval, cfg.Batch.CommitInterval)
	assert.Equal(t, batch.DefaultMaxStaleness, cfg.Batch.MaxStaleness)
	assert.True(t, cfg.Record.Enabled)
	assert.Zero(t, cfg.Record.SuppressWithin)
	assert.Equal(t, salesforce.DefaultAPIVersion, cfg.Salesforce.APIVersion)
	assert.Equal(t, loader.DefaultMaxRows, cfg.Loader.MaxRows)
	assert.Equal(t, logger.LevelInfo, cfg.Logging.Slog.Level)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Empty(t, cfg.History.DSNs)

	require.Len(t, cfg.Salesforce.Categories, 3)
	assert.Equal(t, "company_account", cfg.Salesforce.Categories[0].Name)
	_, ok := cfg.Category("position_case")
	assert.True(t, ok)
	_, ok = cfg.Category("nope")
	assert.False(t, ok)
	assert.NotEmpty(t, cfg.Offers.FitRanges)
}

func TestLoadTOMLWithEnvFilesAndExpansion(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "PGPASS=s3cret\nexport SF_KEY=\"-----BEGIN KEY-----\"\n")
	path := writeFile(t, dir, "skeelzdb.toml", `
env_files = ["`+dotenv+`"]
env = ["SMOOVE_KEY=top"]

[store]
dsn = "postgres://etl:${PGPASS}@db:5432/skeelz?sslmode=disable"

[batch]
commit_interval = "30s"
max_staleness = "1h"

[record]
suppress_within = "6h"

[history]
dsns = ["clickhouse://ch:9000/default?table=runs", "sqlite://${MISSING}/h.db"]

[salesforce]
consumer_key = "ck"
username = "etl@example.com"
private_key = "${SF_KEY}"
  [salesforce.defaults]
  candidates_account_id = "001CANDS"
  case_record_type_id = "012CASE"

[smoove]
api_key = "${SMOOVE_KEY}"
poll_interval = "5s"

[logging.slog]
level = "debug"
color = true

[logging.file]
dir = "/var/log/skeelzdb"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://etl:s3cret@db:5432/skeelz?sslmode=disable", cfg.Store.DSN)
	assert.Equal(t, 30*time.Second, cfg.Batch.CommitInterval)
	assert.Equal(t, time.Hour, cfg.Batch.MaxStaleness)
	assert.Equal(t, 6*time.Hour, cfg.Record.SuppressWithin)
	assert.Equal(t, []string{"clickhouse://ch:9000/default?table=runs", "sqlite://${MISSING}/h.db"}, cfg.History.DSNs)
	assert.Equal(t, "ck", cfg.Salesforce.ConsumerKey)
	assert.Equal(t, "-----BEGIN KEY-----", cfg.Salesforce.PrivateKey)
	assert.Equal(t, salesforce.DefaultLoginURL, cfg.Salesforce.LoginURL)
	assert.Equal(t, "top", cfg.Smoove.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Smoove.PollInterval)
	assert.Equal(t, logger.LevelDebug, cfg.Logging.Slog.Level)
	assert.True(t, cfg.Logging.Slog.Color)
	assert.Equal(t, "/var/log/skeelzdb", cfg.Logging.File.Dir)

	contact, ok := cfg.Category("candidate_contact")
	require.True(t, ok)
	assert.Equal(t, "001CANDS", contact.Fields[0].Const)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.toml", "[store]\ndsn = \"file.db\"\n[record]\nenabled = true\n")
	t.Setenv("SKEELZDB_STORE_DSN", "env.db")
	t.Setenv("SKEELZDB_RECORD_ENABLED", "false")
	t.Setenv("SKEELZDB_SENDER_API_TOKEN", "tok")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Store.DSN)
	assert.False(t, cfg.Record.Enabled)
	assert.Equal(t, "tok", cfg.Sender.APIToken)
}

func TestCustomCategories(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "c.toml", `
[[salesforce.categories]]
name = "lead"
object = "Lead"
id_column = "id"
query = "SELECT id, email FROM leads"
lookups = [{ field = "Email", source = "email" }]
  [[salesforce.categories.fields]]
  output = "Email"
  source = "email"
  required = true
  transform = "lower"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Salesforce.Categories, 1)
	lead := cfg.Salesforce.Categories[0]
	assert.Equal(t, "Lead", lead.Object)
	require.Len(t, lead.Fields, 1)
	assert.True(t, lead.Fields[0].Required)
	assert.Equal(t, "lower", lead.Fields[0].Transform)
	assert.Equal(t, "email", lead.Lookups[0].Source)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.toml", "[store\n")
	_, err = Load(bad)
	assert.Error(t, err)

	missingEnv := writeFile(t, dir, "env.toml", `env_files = ["`+filepath.Join(dir, "nope.env")+`"]`)
	_, err = Load(missingEnv)
	assert.Error(t, err)

	dup := writeFile(t, dir, "dup.toml", `
[[salesforce.categories]]
name = "x"
object = "Lead"
id_column = "id"
query = "SELECT 1"
[[salesforce.categories]]
name = "x"
object = "Lead"
id_column = "id"
query = "SELECT 1"
`)
	_, err = Load(dup)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "defined twice"))

	incomplete := writeFile(t, dir, "inc.toml", "[[salesforce.categories]]\nname = \"y\"\n")
	_, err = Load(incomplete)
	assert.Error(t, err)
}
