package compliance

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

// Action kinds recorded in the audit table.
const (
	ActionMessageSend = "message_send"
)

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Blocked       bool     `json:"blocked"`
	Reason        string   `json:"reason"`
	Hits          []string `json:"hits,omitempty"`
	PolicyScope   string   `json:"policy_scope"`
	PolicyVersion int      `json:"policy_version"`
}

// Center is the compliance policy center. It holds the current policy file,
// evaluates outbound messages against it, and records every evaluation to
// the audit store. The policy set is hot-reloaded when the file changes and
// swapped atomically under the lock.
type Center struct {
	mu       sync.RWMutex
	policies *PolicyFile
	compiled map[string]CompiledRule // condition → compiled program
	version  int

	path    string
	store   *Store
	celEval *CELEvaluator
	logger  *slog.Logger

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewCenter creates a compliance center, loading the policy file at path.
func NewCenter(path string, store *Store, logger *slog.Logger) (*Center, error) {
	if logger == nil {
		logger = slog.Default()
	}
	celEval, err := NewCELEvaluator(logger)
	if err != nil {
		return nil, err
	}
	c := &Center{
		path:     path,
		store:    store,
		celEval:  celEval,
		compiled: make(map[string]CompiledRule),
		logger:   logger.With("component", "compliance.Center"),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the policy file, recompiles rules, and atomically swaps
// the active policy set. The policy version is bumped on every load.
func (c *Center) Reload() error {
	pf, err := LoadPolicyFile(c.path)
	if err != nil {
		return err
	}

	// Compile every rule across all layers. A rule that fails to compile is
	// skipped with a logged error so that one bad rule does not block sends.
	compiled := make(map[string]CompiledRule)
	compileLayer := func(layer PolicyLayer) {
		for _, rule := range layer.Rules {
			if _, ok := compiled[rule.Condition]; ok {
				continue
			}
			cr, err := c.celEval.Compile(rule)
			if err != nil {
				c.logger.Error("skipping rule with invalid condition",
					"rule", rule.Name, "error", err)
				continue
			}
			compiled[rule.Condition] = cr
		}
	}
	compileLayer(pf.Global)
	for _, layer := range pf.Accounts {
		compileLayer(layer)
	}
	for _, layer := range pf.Sessions {
		compileLayer(layer)
	}

	c.mu.Lock()
	c.policies = pf
	c.compiled = compiled
	c.version++
	version := c.version
	c.mu.Unlock()

	c.logger.Info("compliance policies loaded",
		"path", c.path, "version", version, "rules", len(compiled))
	return nil
}

// PolicyVersion returns the current policy version.
func (c *Center) PolicyVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// EvaluateBeforeSend evaluates an outbound message against the effective
// policy for the account/session. The evaluation is recorded to the audit
// table before the decision is returned.
//
// Short-circuit order: whitelist, stop words, blacklist, CEL rules, rate
// limits, pass.
func (c *Center) EvaluateBeforeSend(content, actor, accountID, sessionID, action string) Decision {
	c.mu.RLock()
	pf := c.policies
	compiled := c.compiled
	version := c.version
	c.mu.RUnlock()

	rp := pf.Resolve(accountID, sessionID)
	d := c.evaluate(content, actor, accountID, sessionID, action, rp, compiled)
	d.PolicyScope = rp.Scope
	d.PolicyVersion = version

	row := &AuditRow{
		ID:            ulid.Make().String(),
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		AccountID:     accountID,
		SessionID:     sessionID,
		Action:        action,
		ContentHash:   contentHash(content),
		Reason:        d.Reason,
		Blocked:       d.Blocked,
		KeywordHits:   d.Hits,
		PolicyScope:   d.PolicyScope,
		PolicyVersion: version,
	}
	if err := c.store.Insert(row); err != nil {
		c.logger.Error("failed to record compliance audit row",
			"session_id", sessionID, "reason", d.Reason, "error", err)
	}

	if d.Blocked {
		c.logger.Warn("outbound message blocked",
			"session_id", sessionID, "reason", d.Reason, "hits", d.Hits, "scope", d.PolicyScope)
	}
	return d
}

func (c *Center) evaluate(content, actor, accountID, sessionID, action string, rp ResolvedPolicy, compiled map[string]CompiledRule) Decision {
	if hits := matchKeywords(content, rp.Whitelist); len(hits) > 0 {
		return Decision{Allowed: true, Reason: "whitelist_pass", Hits: hits}
	}
	if hits := matchKeywords(content, rp.StopWords); len(hits) > 0 {
		return Decision{Blocked: true, Reason: "high_risk_stop_word", Hits: hits}
	}
	if hits := matchKeywords(content, rp.Blacklist); len(hits) > 0 {
		return Decision{Blocked: true, Reason: "blacklist_hit", Hits: hits}
	}

	for _, rule := range rp.Rules {
		cr, ok := compiled[rule.Condition]
		if !ok {
			continue // failed to compile at load time
		}
		matched, err := c.celEval.Evaluate(cr, content, actor, accountID, sessionID, action)
		if err != nil {
			c.logger.Error("rule evaluation error, skipping", "rule", rule.Name, "error", err)
			continue
		}
		if matched && rule.Effect != "allow" {
			return Decision{Blocked: true, Reason: "rule:" + rule.Name}
		}
	}

	if rl := rp.RateLimit.Account; accountID != "" && rl.MaxMessages > 0 && rl.WindowSeconds > 0 {
		since := time.Now().Add(-time.Duration(rl.WindowSeconds) * time.Second)
		n, err := c.store.CountSince(accountID, "", action, since)
		if err != nil {
			c.logger.Error("account rate-limit count failed", "error", err)
		} else if n >= rl.MaxMessages {
			return Decision{Blocked: true, Reason: fmt.Sprintf("account_rate_limit:%d/%d", n, rl.MaxMessages)}
		}
	}
	if rl := rp.RateLimit.Session; sessionID != "" && rl.MaxMessages > 0 && rl.WindowSeconds > 0 {
		since := time.Now().Add(-time.Duration(rl.WindowSeconds) * time.Second)
		n, err := c.store.CountSince("", sessionID, action, since)
		if err != nil {
			c.logger.Error("session rate-limit count failed", "error", err)
		} else if n >= rl.MaxMessages {
			return Decision{Blocked: true, Reason: fmt.Sprintf("session_rate_limit:%d/%d", n, rl.MaxMessages)}
		}
	}

	return Decision{Allowed: true, Reason: "pass"}
}

// Replay returns recorded audit rows matching the filters.
func (c *Center) Replay(accountID, sessionID string, blockedOnly bool, limit int) ([]*AuditRow, error) {
	return c.store.Replay(accountID, sessionID, blockedOnly, limit)
}

// Watch starts an fsnotify watcher that reloads the policy file on change.
// The directory is watched rather than the file to catch editor
// rename-and-replace patterns. Call StopWatch to clean up.
func (c *Center) Watch() error {
	abs, err := filepath.Abs(c.path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	c.watcher = w
	c.watchDone = make(chan struct{})
	go c.watchLoop(abs)

	c.logger.Info("watching policy file for changes", "path", abs)
	return nil
}

func (c *Center) watchLoop(targetPath string) {
	defer close(c.watchDone)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				c.logger.Info("policy file changed, reloading", "path", targetPath)
				if err := c.Reload(); err != nil {
					c.logger.Error("policy reload failed, keeping previous set", "error", err)
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the policy file watcher, if running.
func (c *Center) StopWatch() {
	if c.watcher != nil {
		_ = c.watcher.Close()
		<-c.watchDone
		c.watcher = nil
		c.watchDone = nil
	}
}

func matchKeywords(content string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(content, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func contentHash(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])[:20]
}
