// Package config loads and validates the bridge's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/velide/bridge/go/ops"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of the bridge daemon.
type Config struct {
	System    System        `yaml:"system"`
	API       API           `yaml:"api"`
	ERP       ERP           `yaml:"erp"`
	Watch     Watch         `yaml:"watch"`
	Store     Store         `yaml:"store"`
	Dispatch  Dispatch      `yaml:"dispatch"`
	Reconcile Reconcile     `yaml:"reconcile"`
	Auth      Auth          `yaml:"auth"`
	Log       ops.LogConfig `yaml:"log"`
}

// System selects the target system and integration identity.
type System struct {
	// IntegrationName identifies this integration to the cloud; it is sent
	// with every request and stamped into delivery metadata.
	IntegrationName string `yaml:"integration_name"`
	// Connector selects the source connector: "firebird" or "folderwatch".
	Connector string `yaml:"connector"`
	// SendNeighbourhood includes the neighbourhood field on ADD payloads.
	SendNeighbourhood bool `yaml:"send_neighbourhood"`
}

// API configures the cloud endpoints.
type API struct {
	BaseURL        string `yaml:"base_url"`
	WebsocketURL   string `yaml:"websocket_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// VerifyTLS is a pointer so that an absent key defaults to true.
	VerifyTLS *bool `yaml:"verify_tls"`
}

// Timeout returns the per-request timeout.
func (a API) Timeout() time.Duration { return time.Duration(a.TimeoutSeconds) * time.Second }

// TLSVerify reports whether server certificates are verified.
func (a API) TLSVerify() bool { return a.VerifyTLS == nil || *a.VerifyTLS }

// ERP configures the Firebird connector.
type ERP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Charset  string `yaml:"charset"`

	// PollIntervalSeconds is the ingestor cycle period.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// StatusIntervalSeconds is the (slower) status tracker period.
	StatusIntervalSeconds int `yaml:"status_interval_seconds"`
	// StatusBatchSize bounds ids per status query.
	StatusBatchSize int `yaml:"status_batch_size"`
	// DetailRetryAttempts bounds detail-fetch retries before the batch is
	// rolled back to be seen again next cycle.
	DetailRetryAttempts int `yaml:"detail_retry_attempts"`
}

// DSN renders the firebirdsql connection string.
func (e ERP) DSN() string {
	var dsn = fmt.Sprintf("%s:%s@%s:%d/%s", e.User, e.Password, e.Host, e.Port, e.Database)
	if e.Charset != "" {
		dsn += "?charset=" + e.Charset
	}
	return dsn
}

// Watch configures the folder-watching connector.
type Watch struct {
	Path string `yaml:"path"`
}

// Store configures local persistence.
type Store struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Retention returns the terminal-record retention age.
func (s Store) Retention() time.Duration { return time.Duration(s.RetentionDays) * 24 * time.Hour }

// Dispatch configures the dispatcher retry policy.
type Dispatch struct {
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// Reconcile groups both reconciliation mechanisms: the dispatcher's
// retry-time metadata lookup and the periodic snapshot diff.
type Reconcile struct {
	// Retry-time reconciliation of timed-out ADDs.
	RetryLookupEnabled *bool `yaml:"retry_lookup_enabled"`
	RetryLookupDelayMS int   `yaml:"retry_lookup_delay_ms"`
	RetryLookupMax     int   `yaml:"retry_lookup_max"`
	WindowSeconds      int   `yaml:"window_seconds"`

	// Periodic snapshot reconciler.
	PeriodMS        int `yaml:"period_ms"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// RetryLookup reports whether retry-time reconciliation is enabled.
func (r Reconcile) RetryLookup() bool { return r.RetryLookupEnabled == nil || *r.RetryLookupEnabled }

// Period returns the snapshot reconciler period.
func (r Reconcile) Period() time.Duration { return time.Duration(r.PeriodMS) * time.Millisecond }

// Cooldown returns the push-channel cooldown window.
func (r Reconcile) Cooldown() time.Duration { return time.Duration(r.CooldownSeconds) * time.Second }

// Window returns the retry-time reconciliation match window.
func (r Reconcile) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }

// Auth configures the device-flow token endpoints and token store.
type Auth struct {
	Domain         string `yaml:"domain"`
	ClientID       string `yaml:"client_id"`
	Scope          string `yaml:"scope"`
	Audience       string `yaml:"audience"`
	TokenStorePath string `yaml:"token_store_path"`
}

// Load reads, defaults, and validates a Config from the given YAML path.
func Load(path string) (*Config, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.System.Connector == "" {
		c.System.Connector = "firebird"
	}
	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 30
	}
	if c.ERP.Port == 0 {
		c.ERP.Port = 3050
	}
	if c.ERP.PollIntervalSeconds == 0 {
		c.ERP.PollIntervalSeconds = 5
	}
	if c.ERP.StatusIntervalSeconds == 0 {
		c.ERP.StatusIntervalSeconds = 30
	}
	if c.ERP.StatusBatchSize == 0 {
		c.ERP.StatusBatchSize = 50
	}
	if c.ERP.DetailRetryAttempts == 0 {
		c.ERP.DetailRetryAttempts = 5
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = 30
	}
	if c.Dispatch.RetryBaseSeconds == 0 {
		c.Dispatch.RetryBaseSeconds = 1
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Reconcile.RetryLookupMax == 0 {
		c.Reconcile.RetryLookupMax = 2
	}
	if c.Reconcile.WindowSeconds == 0 {
		c.Reconcile.WindowSeconds = 300
	}
	if c.Reconcile.PeriodMS == 0 {
		c.Reconcile.PeriodMS = 60_000
	}
	if c.Reconcile.CooldownSeconds == 0 {
		c.Reconcile.CooldownSeconds = 45
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate enforces required fields and the documented bounds.
func (c *Config) Validate() error {
	if c.System.IntegrationName == "" {
		return fmt.Errorf("system.integration_name is required")
	}
	switch c.System.Connector {
	case "firebird":
		if c.ERP.Host == "" || c.ERP.Database == "" {
			return fmt.Errorf("erp.host and erp.database are required for the firebird connector")
		}
	case "folderwatch":
		if c.Watch.Path == "" {
			return fmt.Errorf("watch.path is required for the folderwatch connector")
		}
	default:
		return fmt.Errorf("unknown connector %q", c.System.Connector)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required")
	}
	if c.Reconcile.WindowSeconds < 60 {
		return fmt.Errorf("reconcile.window_seconds must be at least 60, got %d", c.Reconcile.WindowSeconds)
	}
	if c.Reconcile.PeriodMS < 1000 {
		return fmt.Errorf("reconcile.period_ms must be at least 1000, got %d", c.Reconcile.PeriodMS)
	}
	if c.Reconcile.RetryLookupMax < 1 || c.Reconcile.RetryLookupMax > 5 {
		return fmt.Errorf("reconcile.retry_lookup_max must be within 1..5, got %d", c.Reconcile.RetryLookupMax)
	}
	if c.Reconcile.RetryLookupDelayMS < 0 {
		return fmt.Errorf("reconcile.retry_lookup_delay_ms must not be negative")
	}
	return nil
}
