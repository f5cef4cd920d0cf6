package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/store"
)

const testMasterKey = "0001020304050607080910111213141516171819202122232425262728293031"

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outreach.db")

	cfg, err := config.Parse([]byte(`
server:
  hostname: mx.vendor.test
crafting:
  provider: template
dispatch:
  provider: sandbox
vault:
  master_key: "` + testMasterKey + `"
storage:
  path: "` + path + `"
logging:
  level: debug
  format: text
` + extra))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cfg
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig(t, "")
	var logs bytes.Buffer

	a, err := New(cfg, Options{LogOutput: &logs, Version: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Engine() == nil {
		t.Fatal("Engine should be created")
	}
	if a.apiServer != nil || a.metricsServer != nil {
		t.Error("api and metrics should be disabled by default")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if !strings.Contains(logs.String(), "shutdown complete") {
		t.Errorf("expected shutdown log, got:\n%s", logs.String())
	}

	// Storage must be released
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	st.Close()
}

func TestNewFailsOnMissingDKIMKey(t *testing.T) {
	cfg := testConfig(t, `
`)
	cfg.Dispatch.DKIM.Enabled = true
	cfg.Dispatch.DKIM.Domain = "vendor.test"
	cfg.Dispatch.DKIM.Selector = "s1"
	cfg.Dispatch.DKIM.KeyFile = filepath.Join(t.TempDir(), "missing.pem")

	if _, err := New(cfg, Options{LogOutput: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for missing DKIM key")
	}

	// Storage is closed on failure
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	st.Close()
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level     string
		format    string
		debugSeen bool
		wantJSON  bool
	}{
		{"debug", "text", true, false},
		{"info", "text", false, false},
		{"warn", "json", false, true},
		{"error", "json", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"_"+tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(config.LoggingConfig{Level: tt.level, Format: tt.format}, &buf)

			logger.Debug("debug line")
			if got := strings.Contains(buf.String(), "debug line"); got != tt.debugSeen {
				t.Errorf("debug visible = %v, want %v", got, tt.debugSeen)
			}

			buf.Reset()
			logger.Error("error line", "k", "v")
			out := buf.String()
			if tt.wantJSON != strings.HasPrefix(out, "{") {
				t.Errorf("unexpected format: %q", out)
			}
		})
	}
}
