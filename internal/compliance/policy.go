// Package compliance implements the outbound message policy center. Every
// outbound message flows through EvaluateBeforeSend, which resolves the
// effective policy for the session, runs the short-circuit evaluation
// pipeline, and records the decision to the append-only audit table.
package compliance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RateLimit bounds the number of outbound messages within a sliding window.
// A zero MaxMessages disables the limit.
type RateLimit struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxMessages   int `yaml:"max_messages"`
}

// RateLimits carries the account- and session-scoped limits.
type RateLimits struct {
	Account RateLimit `yaml:"account"`
	Session RateLimit `yaml:"session"`
}

// RuleConfig is an optional CEL-evaluated policy condition. Rules fire after
// the blacklist check and before rate limits.
type RuleConfig struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
	Effect    string `yaml:"effect"` // allow or block; block is the default
	Message   string `yaml:"message"`
}

// PolicyLayer is one scope level of the policy file. Non-nil list fields
// replace the lower scope's lists; non-zero rate-limit fields replace the
// lower scope's values.
type PolicyLayer struct {
	Whitelist []string     `yaml:"whitelist"`
	Blacklist []string     `yaml:"blacklist"`
	StopWords []string     `yaml:"stop_words"`
	RateLimit *RateLimits  `yaml:"rate_limit"`
	Rules     []RuleConfig `yaml:"rules"`
}

// PolicyFile is the on-disk policy document, layered global → account → session.
type PolicyFile struct {
	Global   PolicyLayer            `yaml:"global"`
	Accounts map[string]PolicyLayer `yaml:"accounts"`
	Sessions map[string]PolicyLayer `yaml:"sessions"`
}

// ResolvedPolicy is the effective policy for one evaluation, after merging
// the applicable layers.
type ResolvedPolicy struct {
	Scope     string // global, account:<id>, or session:<id>
	Whitelist []string
	Blacklist []string
	StopWords []string
	RateLimit RateLimits
	Rules     []RuleConfig
}

// LoadPolicyFile reads and parses the YAML policy file. A missing file
// yields an empty policy set rather than an error so that zero-config
// startup works.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PolicyFile{}, nil
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return &pf, nil
}

// Resolve merges the global layer with the account and session layers that
// apply, returning the effective policy. Scalar fields replace; list fields
// in higher scopes replace lower ones. The scope is the highest layer that
// contributed anything.
func (pf *PolicyFile) Resolve(accountID, sessionID string) ResolvedPolicy {
	rp := ResolvedPolicy{
		Scope:     "global",
		Whitelist: pf.Global.Whitelist,
		Blacklist: pf.Global.Blacklist,
		StopWords: pf.Global.StopWords,
		Rules:     pf.Global.Rules,
	}
	if pf.Global.RateLimit != nil {
		rp.RateLimit = *pf.Global.RateLimit
	}

	if accountID != "" {
		if layer, ok := pf.Accounts[accountID]; ok {
			mergeLayer(&rp, layer)
			rp.Scope = "account:" + accountID
		}
	}
	if sessionID != "" {
		if layer, ok := pf.Sessions[sessionID]; ok {
			mergeLayer(&rp, layer)
			rp.Scope = "session:" + sessionID
		}
	}
	return rp
}

func mergeLayer(rp *ResolvedPolicy, layer PolicyLayer) {
	if layer.Whitelist != nil {
		rp.Whitelist = layer.Whitelist
	}
	if layer.Blacklist != nil {
		rp.Blacklist = layer.Blacklist
	}
	if layer.StopWords != nil {
		rp.StopWords = layer.StopWords
	}
	if layer.Rules != nil {
		rp.Rules = layer.Rules
	}
	if layer.RateLimit != nil {
		if layer.RateLimit.Account.WindowSeconds > 0 || layer.RateLimit.Account.MaxMessages > 0 {
			rp.RateLimit.Account = layer.RateLimit.Account
		}
		if layer.RateLimit.Session.WindowSeconds > 0 || layer.RateLimit.Session.MaxMessages > 0 {
			rp.RateLimit.Session = layer.RateLimit.Session
		}
	}
}
