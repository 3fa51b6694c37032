package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/vhskeelz/skeelzdb/internal/batch"
	"github.com/vhskeelz/skeelzdb/internal/env"
	"github.com/vhskeelz/skeelzdb/internal/loader"
	"github.com/vhskeelz/skeelzdb/internal/logger"
	"github.com/vhskeelz/skeelzdb/internal/mailinglist"
	"github.com/vhskeelz/skeelzdb/internal/offers"
	"github.com/vhskeelz/skeelzdb/internal/record"
	"github.com/vhskeelz/skeelzdb/internal/salesforce"
	"github.com/vhskeelz/skeelzdb/internal/store"
	"github.com/vhskeelz/skeelzdb/internal/syncer"
)

// EnvPrefix prefixes environment overrides, e.g. SKEELZDB_STORE_DSN.
const EnvPrefix = "SKEELZDB"

// Config is the whole runtime configuration. It is built once in main and
// passed down explicitly.
type Config struct {
	// EnvFiles are read in order; their variables feed ${VAR} expansion.
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	// Env entries (K=V) override env files.
	Env []string `toml:"env" mapstructure:"env"`

	Store      store.Config             `toml:"store" mapstructure:"store"`
	Batch      batch.Config             `toml:"batch" mapstructure:"batch"`
	Record     record.Config            `toml:"record" mapstructure:"record"`
	History    HistoryConfig            `toml:"history" mapstructure:"history"`
	Salesforce SalesforceConfig         `toml:"salesforce" mapstructure:"salesforce"`
	Smoove     mailinglist.SmooveConfig `toml:"smoove" mapstructure:"smoove"`
	Sender     mailinglist.SenderConfig `toml:"sender" mapstructure:"sender"`
	Offers     offers.Config            `toml:"offers" mapstructure:"offers"`
	Loader     loader.Config            `toml:"loader" mapstructure:"loader"`
	Logging    logger.Config            `toml:"logging" mapstructure:"logging"`
	Server     ServerConfig             `toml:"server" mapstructure:"server"`
}

// HistoryConfig lists the sinks run lifecycle events are exported to.
type HistoryConfig struct {
	// DSNs accept clickhouse://, opensearch://, postgres:// and sqlite paths.
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type SalesforceConfig struct {
	salesforce.Config `mapstructure:",squash"`
	Defaults          syncer.Defaults `toml:"defaults" mapstructure:"defaults"`
	// Categories replace the built-in ones when set.
	Categories []syncer.Category `toml:"categories" mapstructure:"categories"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	od := offers.DefaultConfig()
	v.SetDefault("store.dsn", "skeelzdb.db")
	v.SetDefault("batch.commit_interval", batch.DefaultCommitInterval)
	v.SetDefault("batch.max_staleness", batch.DefaultMaxStaleness)
	v.SetDefault("record.enabled", true)
	v.SetDefault("record.suppress_within", 0)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("salesforce.login_url", salesforce.DefaultLoginURL)
	v.SetDefault("salesforce.api_version", salesforce.DefaultAPIVersion)
	v.SetDefault("salesforce.consumer_key", "")
	v.SetDefault("salesforce.username", "")
	v.SetDefault("salesforce.private_key", "")
	v.SetDefault("salesforce.defaults.candidates_account_id", "")
	v.SetDefault("salesforce.defaults.case_record_type_id", "")
	v.SetDefault("smoove.url", mailinglist.DefaultSmooveURL)
	v.SetDefault("smoove.api_key", "")
	v.SetDefault("smoove.list_id", mailinglist.DefaultSmooveListID)
	v.SetDefault("sender.url", mailinglist.DefaultSenderURL)
	v.SetDefault("sender.api_token", "")
	v.SetDefault("sender.group", mailinglist.DefaultSenderGroup)
	v.SetDefault("offers.data_dir", od.DataDir)
	v.SetDefault("offers.details_url", "")
	v.SetDefault("offers.medium_min_fit", od.MediumMinFit)
	v.SetDefault("offers.high_min_fit", od.HighMinFit)
	v.SetDefault("offers.new_matches_min_fit", od.NewMatchesMinFit)
	v.SetDefault("offers.other_label", od.OtherLabel)
	v.SetDefault("offers.mailer.url", "")
	v.SetDefault("offers.mailer.token", "")
	v.SetDefault("loader.dir", ".data/extract_data")
	v.SetDefault("loader.max_rows", loader.DefaultMaxRows)
	v.SetDefault("loader.tables", []string{"skeelz_export_candidates", "skeelz_export_positions"})
	v.SetDefault("logging.slog.level", string(logger.LevelInfo))
	v.SetDefault("logging.slog.format", string(logger.FormatText))
	v.SetDefault("logging.slog.timestamps", true)
	v.SetDefault("logging.file.dir", "")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path (optional), applies SKEELZDB_* overrides,
// loads env files and expands ${VAR} references in secrets and DSNs.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	e := env.New()
	for _, p := range cfg.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	for _, kv := range cfg.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	cfg.expand(e)
	if len(cfg.Salesforce.Categories) == 0 {
		cfg.Salesforce.Categories = syncer.DefaultCategories(cfg.Salesforce.Defaults)
	}
	if len(cfg.Offers.FitRanges) == 0 {
		cfg.Offers.FitRanges = offers.DefaultConfig().FitRanges
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expand(e *env.Env) {
	for _, s := range []*string{
		&c.Store.DSN, &c.Store.Host, &c.Store.Username, &c.Store.Password,
		&c.Salesforce.ConsumerKey, &c.Salesforce.Username, &c.Salesforce.PrivateKey,
		&c.Smoove.APIKey, &c.Sender.APIToken,
		&c.Offers.Mailer.URL, &c.Offers.Mailer.Token, &c.Offers.DataDir, &c.Loader.Dir,
	} {
		*s = e.Expand(*s)
	}
	for i := range c.History.DSNs {
		c.History.DSNs[i] = e.Expand(c.History.DSNs[i])
	}
}

// Validate checks what can be checked without touching any remote system.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.DSN == "" && c.Store.Host == "" {
		errs = append(errs, errors.New("store: dsn or host is required"))
	}
	seen := map[string]bool{}
	for _, cat := range c.Salesforce.Categories {
		if err := cat.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[cat.Name] {
			errs = append(errs, fmt.Errorf("category %s defined twice", cat.Name))
		}
		seen[cat.Name] = true
	}
	if c.Record.SuppressWithin < 0 {
		errs = append(errs, errors.New("record: suppress_within must not be negative"))
	}
	return errors.Join(errs...)
}

// Category returns the configured category called name.
func (c *Config) Category(name string) (syncer.Category, bool) {
	for _, cat := range c.Salesforce.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return syncer.Category{}, false
}
