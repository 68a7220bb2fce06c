package compliance

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolveLayerMerge(t *testing.T) {
	pf := &PolicyFile{
		Global: PolicyLayer{
			Whitelist: []string{"正品"},
			Blacklist: []string{"代购"},
			StopWords: []string{"微信"},
			RateLimit: &RateLimits{
				Account: RateLimit{WindowSeconds: 3600, MaxMessages: 100},
				Session: RateLimit{WindowSeconds: 3600, MaxMessages: 10},
			},
		},
		Accounts: map[string]PolicyLayer{
			"acct-1": {
				Blacklist: []string{"代购", "刷单"},
				RateLimit: &RateLimits{Session: RateLimit{WindowSeconds: 600, MaxMessages: 5}},
			},
		},
		Sessions: map[string]PolicyLayer{
			"sess-1": {StopWords: []string{}},
		},
	}

	rp := pf.Resolve("", "")
	if rp.Scope != "global" || !reflect.DeepEqual(rp.Blacklist, []string{"代购"}) {
		t.Errorf("global resolve = %+v", rp)
	}

	rp = pf.Resolve("acct-1", "unknown-session")
	if rp.Scope != "account:acct-1" {
		t.Errorf("scope = %q", rp.Scope)
	}
	// account layer replaces the blacklist and the session rate limit only
	if !reflect.DeepEqual(rp.Blacklist, []string{"代购", "刷单"}) {
		t.Errorf("blacklist = %v", rp.Blacklist)
	}
	if !reflect.DeepEqual(rp.Whitelist, []string{"正品"}) {
		t.Errorf("whitelist not inherited: %v", rp.Whitelist)
	}
	if rp.RateLimit.Session.MaxMessages != 5 || rp.RateLimit.Account.MaxMessages != 100 {
		t.Errorf("rate limits = %+v", rp.RateLimit)
	}

	// a session layer with an empty (non-nil) list clears the inherited one
	rp = pf.Resolve("acct-1", "sess-1")
	if rp.Scope != "session:sess-1" {
		t.Errorf("scope = %q", rp.Scope)
	}
	if len(rp.StopWords) != 0 {
		t.Errorf("stop words = %v, want cleared", rp.StopWords)
	}
	if !reflect.DeepEqual(rp.Blacklist, []string{"代购", "刷单"}) {
		t.Errorf("blacklist lost on session merge: %v", rp.Blacklist)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	err := os.WriteFile(path, []byte(`
global:
  stop_words: ["微信", "支付宝"]
  rate_limit:
    session:
      window_seconds: 60
      max_messages: 3
accounts:
  a1:
    whitelist: ["售后"]
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	pf, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(pf.Global.StopWords, []string{"微信", "支付宝"}) {
		t.Errorf("stop words = %v", pf.Global.StopWords)
	}
	if pf.Global.RateLimit == nil || pf.Global.RateLimit.Session.MaxMessages != 3 {
		t.Errorf("rate limit = %+v", pf.Global.RateLimit)
	}
	if !reflect.DeepEqual(pf.Accounts["a1"].Whitelist, []string{"售后"}) {
		t.Errorf("account layer = %+v", pf.Accounts["a1"])
	}
}

func TestLoadPolicyFileMissingIsEmpty(t *testing.T) {
	pf, err := LoadPolicyFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(pf.Global.Blacklist) != 0 || len(pf.Accounts) != 0 {
		t.Errorf("expected empty policy, got %+v", pf)
	}
}

func TestLoadPolicyFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte("global: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicyFile(path); err == nil {
		t.Error("bad YAML accepted")
	}
}
