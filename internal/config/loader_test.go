package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	l := NewLoader()
	if err := l.Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatal(err)
	}
	cfg := l.Get()
	if cfg.Runtime != "auto" || cfg.Messages.Transport != "auto" || cfg.Quote.Mode != "rule_only" {
		t.Errorf("defaults = %q / %q / %q", cfg.Runtime, cfg.Messages.Transport, cfg.Quote.Mode)
	}
	if cfg.Messages.DefaultOrigin != "上海" {
		t.Errorf("default origin = %q", cfg.Messages.DefaultOrigin)
	}
	if cfg.Worker.MaxAttempts != 3 || cfg.SLA.WindowSize != 50 {
		t.Errorf("worker/sla defaults = %d / %d", cfg.Worker.MaxAttempts, cfg.SLA.WindowSize)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.yaml")
	err := os.WriteFile(path, []byte(`
runtime: lite
log_level: debug
messages:
  transport: dom
  strict_format_reply_enabled: true
  default_reply: 自定义回复
quote:
  mode: hybrid
  remote_url: https://pricing.example.com/quote
worker:
  interval_seconds: 30
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	l := NewLoader()
	if err := l.Load(path); err != nil {
		t.Fatal(err)
	}
	cfg := l.Get()
	if cfg.Runtime != "lite" || cfg.LogLevel != "debug" {
		t.Errorf("runtime/log = %q / %q", cfg.Runtime, cfg.LogLevel)
	}
	if cfg.Messages.Transport != "dom" || !cfg.Messages.StrictFormatReply {
		t.Errorf("messages = %+v", cfg.Messages)
	}
	if cfg.Messages.DefaultReply != "自定义回复" {
		t.Errorf("default reply = %q", cfg.Messages.DefaultReply)
	}
	if cfg.Quote.Mode != "hybrid" || cfg.Worker.IntervalSecs != 30 {
		t.Errorf("quote/worker = %q / %d", cfg.Quote.Mode, cfg.Worker.IntervalSecs)
	}
	// unset keys keep their defaults
	if cfg.Quote.DefaultCourier != "中通" {
		t.Errorf("default courier = %q", cfg.Quote.DefaultCourier)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.yaml")
	if err := os.WriteFile(path, []byte("runtime: lite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENCLAW_RUNTIME", "pro")
	t.Setenv("OPENCLAW_TRANSPORT", "ws")
	t.Setenv("XIANYU_COOKIE_1", "unb=1; _m_h5_tk=abc_1")
	t.Setenv("OPENCLAW_QUOTE_TIMEOUT_MS", "1200")

	l := NewLoader()
	if err := l.Load(path); err != nil {
		t.Fatal(err)
	}
	cfg := l.Get()
	if cfg.Runtime != "pro" || cfg.Messages.Transport != "ws" {
		t.Errorf("env overrides = %q / %q", cfg.Runtime, cfg.Messages.Transport)
	}
	if cfg.Account.Cookie != "unb=1; _m_h5_tk=abc_1" {
		t.Errorf("cookie = %q", cfg.Account.Cookie)
	}
	if cfg.Quote.TimeoutMs != 1200 {
		t.Errorf("quote timeout = %d", cfg.Quote.TimeoutMs)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad runtime", func(c *Config) { c.Runtime = "turbo" }, "invalid runtime"},
		{"bad transport", func(c *Config) { c.Messages.Transport = "carrier_pigeon" }, "invalid messages.transport"},
		{"bad quote mode", func(c *Config) { c.Quote.Mode = "psychic" }, "invalid quote.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
	if err := validate(DefaultConfig()); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.yaml")
	if err := os.WriteFile(path, []byte("runtime: lite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLoader()
	if err := l.Load(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("runtime: pro\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if got := l.Get().Runtime; got != "pro" {
		t.Errorf("runtime after reload = %q", got)
	}
}
