package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/engine"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/vault"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Engine    engine.Config    `yaml:"engine"`
	Crafting  CraftingConfig   `yaml:"crafting"`
	Dispatch  DispatchConfig   `yaml:"dispatch"`
	Vault     VaultConfig      `yaml:"vault"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Plans     []ratelimit.Plan `yaml:"plans"`
	Tenants   TenantsConfig    `yaml:"tenants"`
	API       APIConfig        `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN used in Message-ID and EHLO
}

// CraftingConfig contains message generation settings
type CraftingConfig struct {
	Provider       string        `yaml:"provider"`        // genai, template
	MaxAttempts    int           `yaml:"max_attempts"`    // Default: 3
	AttemptTimeout time.Duration `yaml:"attempt_timeout"` // Default: 30s
	Budget         time.Duration `yaml:"budget"`          // Wall clock cap for one contact (0 = none)
	BaseDelay      time.Duration `yaml:"base_delay"`      // Default: 1s
	MaxDelay       time.Duration `yaml:"max_delay"`       // Default: 1m
	Jitter         float64       `yaml:"jitter"`

	GenAI    GenAIConfig    `yaml:"genai"`
	Template TemplateConfig `yaml:"template"`
}

// GenAIConfig contains Gemini settings
type GenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIKeyEnv   string  `yaml:"api_key_env"` // Environment variable holding the API key
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

// TemplateConfig contains settings of the offline template generator
type TemplateConfig struct {
	Subject string        `yaml:"subject"`
	Body    string        `yaml:"body"`
	Delay   time.Duration `yaml:"delay"`
}

// DispatchConfig contains mail provider settings
type DispatchConfig struct {
	Provider     string        `yaml:"provider"` // smtp, http, sandbox
	Timeout      time.Duration `yaml:"timeout"`  // Per provider call (default: 60s)
	LedgerMaxAge time.Duration `yaml:"ledger_max_age"`

	SMTP    SMTPConfig    `yaml:"smtp"`
	HTTP    HTTPConfig    `yaml:"http"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	DKIM    DKIMConfig    `yaml:"dkim"`
}

// SMTPConfig contains relay settings
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"` // Default: 587
	TLS                string `yaml:"tls"`  // starttls, require, tls, none
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// HTTPConfig contains mail API settings
type HTTPConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// SandboxConfig contains settings of the capturing provider
type SandboxConfig struct {
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// VaultConfig contains credential vault settings
type VaultConfig struct {
	MasterKey    string `yaml:"master_key"`
	MasterKeyEnv string `yaml:"master_key_env"` // Environment variable holding the key
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains campaign retention settings
type RetentionConfig struct {
	FinishedMaxAge  time.Duration `yaml:"finished_max_age"` // Retire finished campaigns older than this (0 = keep forever)
	RetiredMaxAge   time.Duration `yaml:"retired_max_age"`  // Purge retired campaigns older than this
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// TenantsConfig assigns plans to tenants
type TenantsConfig struct {
	DefaultPlan string            `yaml:"default_plan"`
	Plans       map[string]string `yaml:"plans"` // tenant id -> plan name
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, used instead of api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Default: 32MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustProxy     bool          `yaml:"trust_proxy"` // Use X-Forwarded-For for client address
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, completes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Engine.Workers == 0 {
		c.Engine.Workers = 4
	}

	if c.Crafting.Provider == "" {
		c.Crafting.Provider = "genai"
	}
	if c.Crafting.MaxAttempts == 0 {
		c.Crafting.MaxAttempts = 3
	}
	if c.Crafting.AttemptTimeout == 0 {
		c.Crafting.AttemptTimeout = 30 * time.Second
	}
	if c.Crafting.BaseDelay == 0 {
		c.Crafting.BaseDelay = time.Second
	}
	if c.Crafting.MaxDelay == 0 {
		c.Crafting.MaxDelay = time.Minute
	}
	if c.Crafting.GenAI.Model == "" {
		c.Crafting.GenAI.Model = "gemini-2.5-flash"
	}

	if c.Dispatch.Provider == "" {
		c.Dispatch.Provider = "smtp"
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 60 * time.Second
	}
	if c.Dispatch.LedgerMaxAge == 0 {
		c.Dispatch.LedgerMaxAge = 30 * 24 * time.Hour
	}
	if c.Dispatch.SMTP.Port == 0 {
		c.Dispatch.SMTP.Port = 587
	}
	if c.Dispatch.SMTP.TLS == "" {
		c.Dispatch.SMTP.TLS = "starttls"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/outreach/outreach.db"
	}
	if c.Storage.Retention.RetiredMaxAge == 0 {
		c.Storage.Retention.RetiredMaxAge = 7 * 24 * time.Hour
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if len(c.Plans) == 0 {
		c.Plans = []ratelimit.Plan{{Name: "default"}}
		if c.Tenants.DefaultPlan == "" {
			c.Tenants.DefaultPlan = "default"
		}
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 32 << 20 // 32 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// resolveSecrets fills secrets that reference environment variables.
// A value set inline wins over the environment.
func (c *Config) resolveSecrets() {
	c.Crafting.GenAI.APIKey = fromEnv(c.Crafting.GenAI.APIKey, c.Crafting.GenAI.APIKeyEnv)
	c.Vault.MasterKey = fromEnv(c.Vault.MasterKey, c.Vault.MasterKeyEnv)
	c.API.APIKey = fromEnv(c.API.APIKey, c.API.APIKeyEnv)
}

func fromEnv(value, env string) string {
	if value != "" || env == "" {
		return value
	}
	return os.Getenv(env)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}
	if c.Engine.SendMaxAttempts < 0 {
		return fmt.Errorf("engine.send_max_attempts must not be negative")
	}

	if err := c.validateCrafting(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}

	if c.Vault.MasterKey == "" {
		return fmt.Errorf("vault.master_key is required (or set vault.master_key_env)")
	}
	if _, err := vault.ParseMasterKey(c.Vault.MasterKey); err != nil {
		return fmt.Errorf("invalid vault.master_key: %w", err)
	}

	if _, err := c.PlanSource(); err != nil {
		return fmt.Errorf("invalid plans: %w", err)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// validateCrafting validates the generator configuration
func (c *Config) validateCrafting() error {
	cc := c.Crafting
	switch cc.Provider {
	case "genai":
		if cc.GenAI.APIKey == "" {
			return fmt.Errorf("crafting.genai.api_key is required when provider is genai")
		}
	case "template":
	default:
		return fmt.Errorf("invalid crafting.provider: %s (must be genai or template)", cc.Provider)
	}

	if cc.MaxAttempts < 0 {
		return fmt.Errorf("crafting.max_attempts must not be negative")
	}
	if cc.Jitter < 0 || cc.Jitter > 1 {
		return fmt.Errorf("crafting.jitter must be between 0 and 1")
	}
	return nil
}

// validateDispatch validates the mail provider configuration
func (c *Config) validateDispatch() error {
	dc := c.Dispatch
	switch dc.Provider {
	case "smtp":
		if dc.SMTP.Host == "" {
			return fmt.Errorf("dispatch.smtp.host is required when provider is smtp")
		}
		validTLS := map[string]bool{"starttls": true, "require": true, "tls": true, "none": true}
		if !validTLS[dc.SMTP.TLS] {
			return fmt.Errorf("invalid dispatch.smtp.tls: %s (must be starttls, require, tls, or none)", dc.SMTP.TLS)
		}
	case "http":
		if dc.HTTP.Endpoint == "" {
			return fmt.Errorf("dispatch.http.endpoint is required when provider is http")
		}
	case "sandbox":
		if p := dc.Sandbox.ErrorProbability; p < 0 || p > 1 {
			return fmt.Errorf("dispatch.sandbox.error_probability must be between 0 and 1")
		}
	default:
		return fmt.Errorf("invalid dispatch.provider: %s (must be smtp, http, or sandbox)", dc.Provider)
	}

	if dc.DKIM.Enabled {
		if dc.DKIM.Domain == "" {
			return fmt.Errorf("dispatch.dkim.domain is required when DKIM is enabled")
		}
		if dc.DKIM.Selector == "" {
			return fmt.Errorf("dispatch.dkim.selector is required when DKIM is enabled")
		}
		if dc.DKIM.KeyFile == "" {
			return fmt.Errorf("dispatch.dkim.key_file is required when DKIM is enabled")
		}
	}
	return nil
}

// PlanSource builds the tenant plan lookup from the plans and tenants sections
func (c *Config) PlanSource() (*ratelimit.StaticPlans, error) {
	return ratelimit.NewStaticPlans(c.Plans, c.Tenants.Plans, c.Tenants.DefaultPlan)
}

// MasterKey decodes the vault master key
func (c *Config) MasterKey() ([]byte, error) {
	return vault.ParseMasterKey(c.Vault.MasterKey)
}
