// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Veracode() VeracodeConfig
	Reconcile() ReconcileConfig
	Integration() IntegrationConfig
	Archive() ArchiveConfig
	Tracing() TracingConfig

	SetIntegrationDryRun(bool)
	SetReconcileConcurrency(int)
	SetDatabaseBackend(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	VeracodeCfg    VeracodeConfig    `mapstructure:"veracode" yaml:"veracode"`
	ReconcileCfg   ReconcileConfig   `mapstructure:"reconcile" yaml:"reconcile"`
	IntegrationCfg IntegrationConfig `mapstructure:"integration" yaml:"integration"`
	ArchiveCfg     ArchiveConfig     `mapstructure:"archive" yaml:"archive"`
	TracingCfg     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Veracode() VeracodeConfig       { return c.VeracodeCfg }
func (c *Config) Reconcile() ReconcileConfig     { return c.ReconcileCfg }
func (c *Config) Integration() IntegrationConfig { return c.IntegrationCfg }
func (c *Config) Archive() ArchiveConfig         { return c.ArchiveCfg }
func (c *Config) Tracing() TracingConfig         { return c.TracingCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetIntegrationDryRun(b bool)   { c.IntegrationCfg.DryRun = b }
func (c *Config) SetReconcileConcurrency(n int) { c.ReconcileCfg.Concurrency = n }
func (c *Config) SetDatabaseBackend(b string)   { c.DatabaseCfg.Backend = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	// NoColor disables level colors in console output.
	NoColor bool `mapstructure:"no_color" yaml:"no_color"`
}

// Graph store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// DatabaseConfig selects and configures the graph store.
type DatabaseConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	URL         string `mapstructure:"url" yaml:"url"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// VeracodeConfig configures the source API client.
type VeracodeConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	APIID       string        `mapstructure:"api_id" yaml:"api_id"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	PageSize    int           `mapstructure:"page_size" yaml:"page_size"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	// SnapshotFile, when set, replaces the API with a JSON snapshot on disk.
	SnapshotFile string `mapstructure:"snapshot_file" yaml:"snapshot_file"`
}

// ReconcileConfig configures the reconciliation driver.
type ReconcileConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// IntegrationConfig identifies the integration instance a run syncs.
type IntegrationConfig struct {
	InstanceID string `mapstructure:"instance_id" yaml:"instance_id"`
	AccountID  string `mapstructure:"account_id" yaml:"account_id"`
	Name       string `mapstructure:"name" yaml:"name"`
	DryRun     bool   `mapstructure:"dry_run" yaml:"dry_run"`
}

// Instance returns the integration instance described by the config.
func (i IntegrationConfig) Instance() schemas.IntegrationInstance {
	return schemas.IntegrationInstance{ID: i.InstanceID, AccountID: i.AccountID, Name: i.Name}
}

// ArchiveConfig configures upload of run batches to object storage.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// TracingConfig controls span export for reconciliation runs.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scangraph")
	v.SetDefault("logger.log_file", "scangraph.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.no_color", false)

	// -- Database --
	v.SetDefault("database.backend", BackendPostgres)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", true)

	// -- Veracode --
	v.SetDefault("veracode.base_url", "https://api.veracode.com")
	v.SetDefault("veracode.rate_limit", 5.0)
	v.SetDefault("veracode.timeout", "30s")
	v.SetDefault("veracode.max_retries", 3)
	v.SetDefault("veracode.retry_delay", "200ms")
	v.SetDefault("veracode.page_size", 100)
	v.SetDefault("veracode.concurrency", 4)

	// -- Reconcile --
	v.SetDefault("reconcile.concurrency", 4)

	// -- Integration --
	v.SetDefault("integration.name", "Veracode")
	v.SetDefault("integration.dry_run", false)

	// -- Archive --
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "scangraph-runs")
	v.SetDefault("archive.use_ssl", true)

	// -- Tracing --
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("veracode.api_id", "VERACODE_API_KEY_ID")
	_ = v.BindEnv("veracode.api_key", "VERACODE_API_KEY_SECRET")
	_ = v.BindEnv("database.url", "SCANGRAPH_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("integration.instance_id", "SCANGRAPH_INTEGRATION_INSTANCE_ID")
	_ = v.BindEnv("integration.account_id", "SCANGRAPH_INTEGRATION_ACCOUNT_ID")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Unmarshal does not pick up secrets that only exist in the environment.
	if cfg.ArchiveCfg.Enabled && cfg.ArchiveCfg.SecretKey == "" {
		cfg.ArchiveCfg.SecretKey = os.Getenv("SCANGRAPH_ARCHIVE_SECRET_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.IntegrationCfg.InstanceID == "" {
		return fmt.Errorf("integration.instance_id is a required configuration field")
	}
	if c.IntegrationCfg.AccountID == "" {
		return fmt.Errorf("integration.account_id is a required configuration field")
	}
	if c.ReconcileCfg.Concurrency <= 0 {
		return fmt.Errorf("reconcile.concurrency must be a positive integer")
	}
	if err := c.DatabaseCfg.Validate(); err != nil {
		return fmt.Errorf("database configuration invalid: %w", err)
	}
	if err := c.VeracodeCfg.Validate(); err != nil {
		return fmt.Errorf("veracode configuration invalid: %w", err)
	}
	if err := c.ArchiveCfg.Validate(); err != nil {
		return fmt.Errorf("archive configuration invalid: %w", err)
	}
	if c.TracingCfg.SampleRatio < 0 || c.TracingCfg.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// Validate checks the database configuration.
func (d *DatabaseConfig) Validate() error {
	switch d.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		if d.URL == "" {
			return fmt.Errorf("url is required for the postgres backend")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", d.Backend)
	}
}

// Validate checks the Veracode client configuration.
func (v *VeracodeConfig) Validate() error {
	if v.SnapshotFile != "" {
		return nil
	}
	if v.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if v.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if v.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// Validate checks the archive configuration.
func (a *ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Endpoint == "" || a.Bucket == "" {
		return fmt.Errorf("endpoint and bucket are required when archiving is enabled")
	}
	if a.AccessKey == "" || a.SecretKey == "" {
		return fmt.Errorf("access_key and secret_key are required. Ensure SCANGRAPH_ARCHIVE_SECRET_KEY is set")
	}
	return nil
}
