package compliance

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCenter(t *testing.T, policyYAML string) *Center {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policies.yaml")
	if policyYAML != "" {
		if err := os.WriteFile(policyPath, []byte(policyYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store, err := NewStore(filepath.Join(dir, "compliance.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	center, err := NewCenter(policyPath, store, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return center
}

const orderingPolicy = `
global:
  whitelist: ["正品保障"]
  stop_words: ["微信"]
  blacklist: ["代购"]
`

func TestEvaluationShortCircuitOrder(t *testing.T) {
	center := newTestCenter(t, orderingPolicy)

	tests := []struct {
		name    string
		content string
		blocked bool
		reason  string
	}{
		{"whitelist wins over stop word", "正品保障 加微信", false, "whitelist_pass"},
		{"stop word blocks", "加我微信聊", true, "high_risk_stop_word"},
		{"stop word wins over blacklist", "微信代购", true, "high_risk_stop_word"},
		{"blacklist blocks", "专业代购", true, "blacklist_hit"},
		{"clean content passes", "您好，运费12元", false, "pass"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := center.EvaluateBeforeSend(tt.content, "openclaw", "acct-1", "sess-1", ActionMessageSend)
			if d.Blocked != tt.blocked || d.Reason != tt.reason {
				t.Errorf("got blocked=%v reason=%q, want blocked=%v reason=%q",
					d.Blocked, d.Reason, tt.blocked, tt.reason)
			}
		})
	}
}

func TestDecisionCarriesScopeAndVersion(t *testing.T) {
	center := newTestCenter(t, `
global:
  blacklist: ["代购"]
accounts:
  acct-1:
    blacklist: ["代购", "刷单"]
sessions:
  sess-9:
    whitelist: ["刷单申诉"]
`)

	d := center.EvaluateBeforeSend("帮忙刷单", "openclaw", "acct-1", "sess-1", ActionMessageSend)
	if !d.Blocked || d.PolicyScope != "account:acct-1" {
		t.Errorf("account layer: blocked=%v scope=%q", d.Blocked, d.PolicyScope)
	}
	if d.PolicyVersion != center.PolicyVersion() {
		t.Errorf("version = %d, want %d", d.PolicyVersion, center.PolicyVersion())
	}

	d = center.EvaluateBeforeSend("刷单申诉相关", "openclaw", "acct-1", "sess-9", ActionMessageSend)
	if d.Blocked || d.PolicyScope != "session:sess-9" {
		t.Errorf("session layer: blocked=%v scope=%q reason=%q", d.Blocked, d.PolicyScope, d.Reason)
	}
}

func TestCELRuleBlocksMatchingContent(t *testing.T) {
	center := newTestCenter(t, `
global:
  rules:
    - name: no_free_offer
      condition: 'content.contains("免费") && action == "message_send"'
      effect: block
    - name: allow_note
      condition: 'content.contains("运费")'
      effect: allow
`)

	d := center.EvaluateBeforeSend("全部免费送", "openclaw", "a", "s", ActionMessageSend)
	if !d.Blocked || d.Reason != "rule:no_free_offer" {
		t.Errorf("got blocked=%v reason=%q", d.Blocked, d.Reason)
	}

	// allow-effect rules never block even when they match
	d = center.EvaluateBeforeSend("运费详情见描述", "openclaw", "a", "s", ActionMessageSend)
	if d.Blocked {
		t.Errorf("allow rule blocked: reason=%q", d.Reason)
	}
}

func TestInvalidRuleIsSkippedNotFatal(t *testing.T) {
	center := newTestCenter(t, `
global:
  rules:
    - name: broken
      condition: 'content +++ garbage'
`)
	d := center.EvaluateBeforeSend("anything", "openclaw", "a", "s", ActionMessageSend)
	if d.Blocked || d.Reason != "pass" {
		t.Errorf("got blocked=%v reason=%q", d.Blocked, d.Reason)
	}
}

func TestSessionRateLimit(t *testing.T) {
	center := newTestCenter(t, `
global:
  blacklist: ["代购"]
  rate_limit:
    session:
      window_seconds: 3600
      max_messages: 2
`)

	for i := 0; i < 2; i++ {
		d := center.EvaluateBeforeSend(fmt.Sprintf("消息 %d", i), "openclaw", "acct", "sess-a", ActionMessageSend)
		if d.Blocked {
			t.Fatalf("send %d blocked: %q", i, d.Reason)
		}
	}

	// blocked evaluations do not consume budget
	center.EvaluateBeforeSend("代购咨询", "openclaw", "acct", "sess-a", ActionMessageSend)

	d := center.EvaluateBeforeSend("第三条", "openclaw", "acct", "sess-a", ActionMessageSend)
	if !d.Blocked || d.Reason != "session_rate_limit:2/2" {
		t.Errorf("got blocked=%v reason=%q", d.Blocked, d.Reason)
	}

	// another session is unaffected
	d = center.EvaluateBeforeSend("你好", "openclaw", "acct", "sess-b", ActionMessageSend)
	if d.Blocked {
		t.Errorf("other session blocked: %q", d.Reason)
	}
}

func TestAccountRateLimitSpansSessions(t *testing.T) {
	center := newTestCenter(t, `
global:
  rate_limit:
    account:
      window_seconds: 3600
      max_messages: 2
`)

	center.EvaluateBeforeSend("一", "openclaw", "acct", "sess-a", ActionMessageSend)
	center.EvaluateBeforeSend("二", "openclaw", "acct", "sess-b", ActionMessageSend)

	d := center.EvaluateBeforeSend("三", "openclaw", "acct", "sess-c", ActionMessageSend)
	if !d.Blocked || d.Reason != "account_rate_limit:2/2" {
		t.Errorf("got blocked=%v reason=%q", d.Blocked, d.Reason)
	}
}

func TestEveryEvaluationIsAudited(t *testing.T) {
	center := newTestCenter(t, orderingPolicy)

	center.EvaluateBeforeSend("加我微信", "openclaw", "acct", "sess", ActionMessageSend)
	center.EvaluateBeforeSend("正常回复", "openclaw", "acct", "sess", ActionMessageSend)

	rows, err := center.Replay("acct", "sess", false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(rows))
	}
	// newest first
	if rows[0].Reason != "pass" || rows[0].Blocked {
		t.Errorf("newest row = %+v", rows[0])
	}
	if rows[1].Reason != "high_risk_stop_word" || !rows[1].Blocked {
		t.Errorf("oldest row = %+v", rows[1])
	}
	if rows[1].ContentHash == "" || rows[1].PolicyVersion == 0 {
		t.Errorf("row missing hash or version: %+v", rows[1])
	}

	blocked, err := center.Replay("acct", "sess", true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].Reason != "high_risk_stop_word" {
		t.Errorf("blocked filter rows = %+v", blocked)
	}
}

func TestReloadSwapsPolicyAndBumpsVersion(t *testing.T) {
	center := newTestCenter(t, `
global:
  blacklist: ["旧词"]
`)
	v1 := center.PolicyVersion()

	if d := center.EvaluateBeforeSend("旧词测试", "openclaw", "a", "s", ActionMessageSend); !d.Blocked {
		t.Fatal("initial blacklist not applied")
	}

	if err := os.WriteFile(center.path, []byte("global:\n  blacklist: [\"新词\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := center.Reload(); err != nil {
		t.Fatal(err)
	}
	if center.PolicyVersion() != v1+1 {
		t.Errorf("version = %d, want %d", center.PolicyVersion(), v1+1)
	}
	if d := center.EvaluateBeforeSend("旧词测试", "openclaw", "a", "s", ActionMessageSend); d.Blocked {
		t.Error("old blacklist still active after reload")
	}
	if d := center.EvaluateBeforeSend("新词测试", "openclaw", "a", "s", ActionMessageSend); !d.Blocked {
		t.Error("new blacklist not active after reload")
	}
}

func TestMissingPolicyFileAllowsEverything(t *testing.T) {
	center := newTestCenter(t, "")
	d := center.EvaluateBeforeSend("任意内容", "openclaw", "a", "s", ActionMessageSend)
	if d.Blocked || d.Reason != "pass" {
		t.Errorf("got blocked=%v reason=%q", d.Blocked, d.Reason)
	}
}
