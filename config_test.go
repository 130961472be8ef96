package viewgate

import (
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Router.SessionFlagTrueValue != "true" {
		t.Fatalf("unexpected flag value %q", cfg.Router.SessionFlagTrueValue)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero store timeout", func(c *Config) { c.Router.StoreTimeout = 0 }},
		{"zero subscribe timeout", func(c *Config) { c.Router.SubscribeTimeout = 0 }},
		{"empty flag value", func(c *Config) { c.Router.SessionFlagTrueValue = "" }},
		{"audit without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}},
		{"latency without metrics", func(c *Config) { c.Metrics.EnableLatencyHistograms = true }},
	}

	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLint_DefaultConfigOnlyAuditDisabled(t *testing.T) {
	cfg := DefaultConfig()
	codes := cfg.Lint().Codes()
	if len(codes) != 1 || codes[0] != "audit_disabled" {
		t.Fatalf("unexpected lint codes: %v", codes)
	}
}

func TestLint_LongStoreTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.StoreTimeout = 30 * time.Second
	if !containsCode(cfg.Lint().Codes(), "store_timeout_long") {
		t.Error("expected store_timeout_long warning")
	}
}

func TestLint_NonstandardFlagValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.SessionFlagTrueValue = "1"
	if !containsCode(cfg.Lint().Codes(), "flag_value_nonstandard") {
		t.Error("expected flag_value_nonstandard warning")
	}
}

func TestLint_BlockingAudit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	codes := cfg.Lint().Codes()
	if !containsCode(codes, "audit_blocking") {
		t.Error("expected audit_blocking warning")
	}
	if containsCode(codes, "audit_disabled") {
		t.Error("audit_disabled reported with audit enabled")
	}
}
