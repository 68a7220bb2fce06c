package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file, layers environment overrides on top,
// and hands out the effective config. Reload re-reads the same file.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader creates an empty config loader. Get before Load returns defaults.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads the config file at path. A missing file is not an error —
// defaults plus environment overrides apply. A present but invalid file is.
func (l *Loader) Load(path string) error {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return err
	}

	abs, _ := filepath.Abs(path)

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = abs
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current effective config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the absolute path of the loaded config file.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("XIANYU_COOKIE_1"); v != "" {
		cfg.Account.Cookie = v
	}
	if v := os.Getenv("OPENCLAW_RUNTIME"); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv("OPENCLAW_TRANSPORT"); v != "" {
		cfg.Messages.Transport = v
	}
	if v := os.Getenv("OPENCLAW_WORKFLOW_DB"); v != "" {
		cfg.Storage.WorkflowDB = v
	}
	if v := os.Getenv("OPENCLAW_COMPLIANCE_DB"); v != "" {
		cfg.Storage.ComplianceDB = v
	}
	if v := os.Getenv("OPENCLAW_QUOTE_SNAPSHOT_DB"); v != "" {
		cfg.Storage.QuoteSnapshotDB = v
	}
	if v := os.Getenv("OPENCLAW_POLICY_FILE"); v != "" {
		cfg.Compliance.PolicyFile = v
	}
	if v := os.Getenv("OPENCLAW_BROWSER_URL"); v != "" {
		cfg.Browser.ControlURL = v
	}
	if v := os.Getenv("OPENCLAW_QUOTE_MODE"); v != "" {
		cfg.Quote.Mode = v
	}
	if v := os.Getenv("OPENCLAW_QUOTE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Quote.TimeoutMs = n
		}
	}
	if v := os.Getenv("OPENCLAW_WORKER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.IntervalSecs = n
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Runtime {
	case "auto", "lite", "pro":
	default:
		return fmt.Errorf("invalid runtime %q (want auto, lite or pro)", cfg.Runtime)
	}
	switch cfg.Messages.Transport {
	case "auto", "ws", "dom":
	default:
		return fmt.Errorf("invalid messages.transport %q (want auto, ws or dom)", cfg.Messages.Transport)
	}
	switch cfg.Quote.Mode {
	case "rule_only", "hybrid":
	default:
		return fmt.Errorf("invalid quote.mode %q (want rule_only or hybrid)", cfg.Quote.Mode)
	}
	return nil
}
