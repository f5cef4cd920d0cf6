package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testMasterKey = "0001020304050607080910111213141516171819202122232425262728293031"

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "mx.vendor.test"

engine:
  workers: 8
  send_max_attempts: 4
  send_base_delay: 1m

crafting:
  provider: template
  max_attempts: 2
  template:
    subject: "Hi {{lead_name}}"

dispatch:
  provider: smtp
  smtp:
    host: relay.vendor.test
    port: 2525
    tls: require

vault:
  master_key: "` + testMasterKey + `"

storage:
  path: "/tmp/outreach.db"
  retention:
    finished_max_age: 720h

plans:
  - name: starter
    rate_per_second: 1
    max_concurrency: 2
    messages_per_day: 500
  - name: growth
    rate_per_second: 10
    max_concurrency: 20

tenants:
  default_plan: starter
  plans:
    acme: growth

api:
  enabled: true
  listen_addr: ":9080"
  api_key: "test-api-key"

logging:
  level: "debug"
  format: "text"
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "mx.vendor.test" {
		t.Errorf("Hostname = %v, want mx.vendor.test", cfg.Server.Hostname)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.SendMaxAttempts != 4 || cfg.Engine.SendBaseDelay != time.Minute {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Crafting.Provider != "template" || cfg.Crafting.MaxAttempts != 2 {
		t.Errorf("Crafting = %+v", cfg.Crafting)
	}
	if cfg.Crafting.Template.Subject != "Hi {{lead_name}}" {
		t.Errorf("Template.Subject = %q", cfg.Crafting.Template.Subject)
	}
	if cfg.Dispatch.SMTP.Host != "relay.vendor.test" || cfg.Dispatch.SMTP.Port != 2525 || cfg.Dispatch.SMTP.TLS != "require" {
		t.Errorf("Dispatch.SMTP = %+v", cfg.Dispatch.SMTP)
	}
	if cfg.Storage.Retention.FinishedMaxAge != 720*time.Hour {
		t.Errorf("FinishedMaxAge = %v, want 720h", cfg.Storage.Retention.FinishedMaxAge)
	}
	if cfg.API.APIKey != "test-api-key" || cfg.API.ListenAddr != ":9080" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	plans, err := cfg.PlanSource()
	if err != nil {
		t.Fatalf("PlanSource() error = %v", err)
	}
	p, err := plans.PlanFor(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "growth" || p.Limits.RatePerSecond != 10 || p.Limits.MaxConcurrency != 20 {
		t.Errorf("acme plan = %+v", p)
	}
	p, err = plans.PlanFor(context.Background(), "other")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "starter" || p.Limits.MessagesPerDay != 500 {
		t.Errorf("default plan = %+v", p)
	}

	key, err := cfg.MasterKey()
	if err != nil || len(key) != 32 {
		t.Errorf("MasterKey() = %d bytes, %v", len(key), err)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
crafting:
  provider: template
dispatch:
  provider: sandbox
vault:
  master_key: "` + testMasterKey + `"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Engine.Workers != 4 {
		t.Errorf("Engine.Workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Crafting.MaxAttempts != 3 {
		t.Errorf("Crafting.MaxAttempts = %d, want 3", cfg.Crafting.MaxAttempts)
	}
	if cfg.Crafting.GenAI.Model != "gemini-2.5-flash" {
		t.Errorf("GenAI.Model = %q", cfg.Crafting.GenAI.Model)
	}
	if cfg.Dispatch.Timeout != 60*time.Second {
		t.Errorf("Dispatch.Timeout = %v, want 60s", cfg.Dispatch.Timeout)
	}
	if cfg.Storage.Path != "/var/lib/outreach/outreach.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.API.ListenAddr != ":8080" || cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("listen addrs = %q %q %q", cfg.API.ListenAddr, cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if len(cfg.Plans) != 1 || cfg.Tenants.DefaultPlan != "default" {
		t.Errorf("Plans = %+v, default %q", cfg.Plans, cfg.Tenants.DefaultPlan)
	}
}

func TestSecretsFromEnvironment(t *testing.T) {
	t.Setenv("TEST_OUTREACH_MASTER_KEY", testMasterKey)
	t.Setenv("TEST_OUTREACH_GENAI_KEY", "genai-secret")
	t.Setenv("TEST_OUTREACH_API_KEY", "api-secret")

	cfg, err := Parse([]byte(`
crafting:
  genai:
    api_key_env: TEST_OUTREACH_GENAI_KEY
dispatch:
  provider: sandbox
vault:
  master_key_env: TEST_OUTREACH_MASTER_KEY
api:
  api_key_env: TEST_OUTREACH_API_KEY
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Vault.MasterKey != testMasterKey {
		t.Error("master key not read from environment")
	}
	if cfg.Crafting.GenAI.APIKey != "genai-secret" {
		t.Errorf("GenAI.APIKey = %q", cfg.Crafting.GenAI.APIKey)
	}
	if cfg.API.APIKey != "api-secret" {
		t.Errorf("API.APIKey = %q", cfg.API.APIKey)
	}
}

func TestInlineSecretWinsOverEnvironment(t *testing.T) {
	t.Setenv("TEST_OUTREACH_API_KEY", "from-env")
	if got := fromEnv("inline", "TEST_OUTREACH_API_KEY"); got != "inline" {
		t.Errorf("fromEnv() = %q, want inline", got)
	}
	if got := fromEnv("", "TEST_OUTREACH_API_KEY"); got != "from-env" {
		t.Errorf("fromEnv() = %q, want from-env", got)
	}
}

func TestValidate(t *testing.T) {
	base := `
crafting:
  provider: template
vault:
  master_key: "` + testMasterKey + `"
`
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing master key",
			yaml:    "crafting:\n  provider: template\ndispatch:\n  provider: sandbox\n",
			wantErr: "vault.master_key is required",
		},
		{
			name:    "short master key",
			yaml:    "crafting:\n  provider: template\ndispatch:\n  provider: sandbox\nvault:\n  master_key: abcd\n",
			wantErr: "invalid vault.master_key",
		},
		{
			name:    "genai without key",
			yaml:    "dispatch:\n  provider: sandbox\nvault:\n  master_key: \"" + testMasterKey + "\"\n",
			wantErr: "crafting.genai.api_key is required",
		},
		{
			name:    "unknown crafting provider",
			yaml:    "crafting:\n  provider: magic\n",
			wantErr: "invalid crafting.provider",
		},
		{
			name:    "smtp without host",
			yaml:    base,
			wantErr: "dispatch.smtp.host is required",
		},
		{
			name:    "bad smtp tls",
			yaml:    base + "dispatch:\n  smtp:\n    host: relay\n    tls: maybe\n",
			wantErr: "invalid dispatch.smtp.tls",
		},
		{
			name:    "http without endpoint",
			yaml:    base + "dispatch:\n  provider: http\n",
			wantErr: "dispatch.http.endpoint is required",
		},
		{
			name:    "unknown dispatch provider",
			yaml:    base + "dispatch:\n  provider: pigeon\n",
			wantErr: "invalid dispatch.provider",
		},
		{
			name:    "dkim without selector",
			yaml:    base + "dispatch:\n  provider: sandbox\n  dkim:\n    enabled: true\n    domain: vendor.com\n    key_file: /k.pem\n",
			wantErr: "dispatch.dkim.selector is required",
		},
		{
			name:    "tenant on undefined plan",
			yaml:    base + "dispatch:\n  provider: sandbox\nplans:\n  - name: starter\ntenants:\n  plans:\n    acme: gold\n",
			wantErr: "invalid plans",
		},
		{
			name:    "negative plan limit",
			yaml:    base + "dispatch:\n  provider: sandbox\nplans:\n  - name: starter\n    max_concurrency: -1\n",
			wantErr: "invalid plans",
		},
		{
			name:    "bad log level",
			yaml:    base + "dispatch:\n  provider: sandbox\nlogging:\n  level: loud\n",
			wantErr: "invalid logging.level",
		},
		{
			name:    "bad log format",
			yaml:    base + "dispatch:\n  provider: sandbox\nlogging:\n  format: xml\n",
			wantErr: "invalid logging.format",
		},
		{
			name: "valid sandbox",
			yaml: base + "dispatch:\n  provider: sandbox\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Parse() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}
