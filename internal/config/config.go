// Package config loads and validates resolver configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/gnews-resolver/internal/browser"
	"github.com/JakeFAU/gnews-resolver/internal/resolver"
)

// Publish and archive backends.
const (
	PublishWebhook = "webhook"
	PublishPubSub  = "pubsub"
	PublishNone    = "none"

	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all runner configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Sheets   SheetsConfig   `mapstructure:"sheets"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	DB       DBConfig       `mapstructure:"db"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig controls the headless Chrome process.
type BrowserConfig struct {
	ExecPath         string           `mapstructure:"exec_path"`
	Headless         bool             `mapstructure:"headless"`
	UserAgent        string           `mapstructure:"user_agent"`
	ViewportWidth    int              `mapstructure:"viewport_width"`
	ViewportHeight   int              `mapstructure:"viewport_height"`
	ExtraFlags       []string         `mapstructure:"extra_flags"`
	SessionPerRecord bool             `mapstructure:"session_per_record"`
	Cookies          []browser.Cookie `mapstructure:"cookies"`
}

// ResolverConfig tunes the selector chain and its timeouts.
type ResolverConfig struct {
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout      time.Duration `mapstructure:"selector_timeout"`
	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	Selectors            []string      `mapstructure:"selectors"`
	Attribute            string        `mapstructure:"attribute"`
	IgnoreHosts          []string      `mapstructure:"ignore_hosts"`
	NavigationsPerSecond float64       `mapstructure:"navigations_per_second"`
}

// SheetsConfig describes the spreadsheet holding the records.
type SheetsConfig struct {
	CredentialsFile  string   `mapstructure:"credentials_file"`
	SpreadsheetID    string   `mapstructure:"spreadsheet_id"`
	Range            string   `mapstructure:"range"`
	Columns          []string `mapstructure:"columns"`
	GUIDColumn       string   `mapstructure:"guid_column"`
	LinkColumn       string   `mapstructure:"link_column"`
	TitleColumn      string   `mapstructure:"title_column"`
	PublisherColumn  string   `mapstructure:"publisher_column"`
	HeaderRows       int      `mapstructure:"header_rows"`
	ValueInputOption string   `mapstructure:"value_input_option"`
}

// PublishConfig selects where enriched records are delivered.
type PublishConfig struct {
	Kind    string        `mapstructure:"kind"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// WebhookConfig holds the HTTP webhook target.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PubSubConfig holds metadata for publish-subscribe delivery.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig sets where run reports are written.
type ArchiveConfig struct {
	Kind      string `mapstructure:"kind"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional resolution ledger.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// MetricsConfig configures the Pushgateway target.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", browser.DefaultUserAgent)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.session_per_record", false)
	v.SetDefault("browser.cookies", browser.DefaultCookies())

	v.SetDefault("resolver.navigation_timeout", "60s")
	v.SetDefault("resolver.selector_timeout", "5s")
	v.SetDefault("resolver.settle_delay", "2s")
	v.SetDefault("resolver.selectors", resolver.DefaultSelectors)
	v.SetDefault("resolver.attribute", "href")
	v.SetDefault("resolver.ignore_hosts", []string{"news.google.com", "consent.google.com"})
	v.SetDefault("resolver.navigations_per_second", 0)

	v.SetDefault("sheets.credentials_file", "service-account-key.json")
	v.SetDefault("sheets.range", "Sheet1!A1:I")
	v.SetDefault("sheets.columns", []string{
		"title", "link", "pubDate", "content", "contentSnippet",
		"guid", "isoDate", "_source", "publisher_url",
	})
	v.SetDefault("sheets.guid_column", "guid")
	v.SetDefault("sheets.link_column", "link")
	v.SetDefault("sheets.title_column", "title")
	v.SetDefault("sheets.publisher_column", "publisher_url")
	v.SetDefault("sheets.header_rows", 0)
	v.SetDefault("sheets.value_input_option", "USER_ENTERED")

	v.SetDefault("publish.kind", PublishWebhook)
	v.SetDefault("publish.webhook.timeout", "30s")

	v.SetDefault("archive.kind", ArchiveNone)
	v.SetDefault("archive.prefix", "reports")

	v.SetDefault("db.table", "resolutions")

	v.SetDefault("metrics.job", "gnews_resolver")
}

// bindLegacyEnv keeps the environment names used by existing deployments.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string]string{
		"sheets.spreadsheet_id": "SPREADSHEET_ID",
		"sheets.range":          "RANGE_NAME",
		"publish.webhook.url":   "N8N_WEBHOOK_URL",
	}
	for key, env := range legacy {
		prefixed := "RESOLVER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sheets.spreadsheet_id must be set")
	}
	if c.Sheets.Range == "" {
		return fmt.Errorf("sheets.range must be set")
	}
	if c.Sheets.HeaderRows < 0 {
		return fmt.Errorf("sheets.header_rows must be >= 0")
	}
	for _, col := range []string{c.Sheets.GUIDColumn, c.Sheets.LinkColumn, c.Sheets.PublisherColumn} {
		if !slices.Contains(c.Sheets.Columns, col) {
			return fmt.Errorf("sheets.columns must include %q", col)
		}
	}
	if c.Resolver.NavigationTimeout <= 0 {
		return fmt.Errorf("resolver.navigation_timeout must be > 0")
	}
	if c.Resolver.SelectorTimeout <= 0 {
		return fmt.Errorf("resolver.selector_timeout must be > 0")
	}
	if c.Resolver.SettleDelay < 0 {
		return fmt.Errorf("resolver.settle_delay must be >= 0")
	}
	if len(c.Resolver.Selectors) == 0 {
		return fmt.Errorf("resolver.selectors must not be empty")
	}
	if c.Resolver.NavigationsPerSecond < 0 {
		return fmt.Errorf("resolver.navigations_per_second must be >= 0")
	}

	switch c.Publish.Kind {
	case PublishWebhook:
		if c.Publish.Webhook.URL == "" {
			return fmt.Errorf("publish.webhook.url must be set when publish.kind is webhook")
		}
		if c.Publish.Webhook.Timeout <= 0 {
			return fmt.Errorf("publish.webhook.timeout must be > 0")
		}
	case PublishPubSub:
		if c.Publish.PubSub.ProjectID == "" || c.Publish.PubSub.TopicID == "" {
			return fmt.Errorf("publish.pubsub.project_id and topic_id must be set when publish.kind is pubsub")
		}
	case PublishNone:
	default:
		return fmt.Errorf("publish.kind %q is not one of webhook, pubsub, none", c.Publish.Kind)
	}

	switch c.Archive.Kind {
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.kind is local")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.kind is gcs")
		}
	case ArchiveNone:
	default:
		return fmt.Errorf("archive.kind %q is not one of none, local, gcs", c.Archive.Kind)
	}

	if c.DB.DSN != "" && c.DB.Table == "" {
		return fmt.Errorf("db.table must be set when db.dsn is set")
	}
	return nil
}
