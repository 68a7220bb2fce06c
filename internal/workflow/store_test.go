package workflow

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "workflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateNew, StateReplied, true},
		{StateNew, StateQuoted, true},
		{StateNew, StateManual, true},
		{StateNew, StateClosed, true},
		{StateNew, StateFollowed, false},
		{StateNew, StateOrdered, false},
		{StateReplied, StateQuoted, true},
		{StateReplied, StateOrdered, true},
		{StateQuoted, StateFollowed, true},
		{StateQuoted, StateReplied, false},
		{StateFollowed, StateOrdered, true},
		{StateOrdered, StateClosed, true},
		{StateOrdered, StateReplied, false},
		{StateClosed, StateReplied, false},
		{StateClosed, StateManual, false},
		{StateManual, StateReplied, true},
		{StateManual, StateOrdered, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestEnsureSessionCreatesOnce(t *testing.T) {
	store := openTestStore(t)

	task, err := store.EnsureSession("s1", "peer1", "买家A", "旧手机", "abc123")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if task.State != StateNew {
		t.Errorf("new session state = %s, want NEW", task.State)
	}
	if task.PeerUserID != "peer1" {
		t.Errorf("peer = %q, want peer1", task.PeerUserID)
	}

	// second contact must not reset state or clear learned fields
	if _, err := store.TransitionState("s1", StateReplied, false, "reply_sent", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	task, err = store.EnsureSession("s1", "", "", "", "def456")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if task.State != StateReplied {
		t.Errorf("state after re-ensure = %s, want REPLIED", task.State)
	}
	if task.PeerUserID != "peer1" {
		t.Errorf("peer cleared on re-ensure: %q", task.PeerUserID)
	}
	if task.LastMessageHash != "def456" {
		t.Errorf("hash = %q, want def456", task.LastMessageHash)
	}
}

func TestRejectedTransitionIsAuditedAndDoesNotMutate(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.EnsureSession("s1", "", "", "", "h"); err != nil {
		t.Fatal(err)
	}

	_, err := store.TransitionState("s1", StateFollowed, false, "whatever", nil)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}

	task, _ := store.GetSession("s1")
	if task.State != StateNew {
		t.Errorf("state mutated to %s on rejected transition", task.State)
	}

	audit, err := store.Transitions("s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audit))
	}
	if audit[0].Status != "rejected" || audit[0].Reason != "illegal_transition" {
		t.Errorf("audit = %s/%s, want rejected/illegal_transition",
			audit[0].Status, audit[0].Reason)
	}
}

func TestForcedTransitionBypassesTable(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")

	tr, err := store.TransitionState("s1", StateOrdered, true, "operator", nil)
	if err != nil {
		t.Fatalf("forced transition: %v", err)
	}
	if tr.Status != "applied" || tr.Reason != "forced" {
		t.Errorf("forced audit = %s/%s, want applied/forced", tr.Status, tr.Reason)
	}
	task, _ := store.GetSession("s1")
	if task.State != StateOrdered {
		t.Errorf("state = %s, want ORDERED", task.State)
	}
}

func TestEnqueueJobIdempotent(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")

	created, err := store.EnqueueJob("s1", "aabbccdd1122", "reply", "{}")
	if err != nil || !created {
		t.Fatalf("first enqueue created=%v err=%v", created, err)
	}
	created, err = store.EnqueueJob("s1", "aabbccdd1122", "reply", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate dedupe key created a second job")
	}

	// different content hash is a new work unit
	created, _ = store.EnqueueJob("s1", "ffeeddcc0099", "reply", "{}")
	if !created {
		t.Error("distinct hash did not create a job")
	}
}

func TestDedupeKeyFormat(t *testing.T) {
	key := DedupeKey("sess", "0123456789abcdef", "reply")
	if key != "sess:01234567:reply" {
		t.Errorf("key = %q", key)
	}
	if DedupeKey("s", "ab", "reply") != "s:ab:reply" {
		t.Errorf("short hash not passed through")
	}
}

func TestClaimOrderingAndLease(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")
	store.EnqueueJob("s1", "hash1", "reply", "{}")
	store.EnqueueJob("s1", "hash2", "reply", "{}")
	store.EnqueueJob("s1", "hash3", "reply", "{}")

	jobs, err := store.ClaimJobs(2, 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed %d, want 2", len(jobs))
	}
	if jobs[0].ID >= jobs[1].ID {
		t.Errorf("claims out of id order: %d, %d", jobs[0].ID, jobs[1].ID)
	}
	for _, j := range jobs {
		if j.Status != JobRunning || j.LeaseUntil.IsZero() {
			t.Errorf("job %d not leased: status=%s", j.ID, j.Status)
		}
	}

	// leased jobs are not claimable again
	again, _ := store.ClaimJobs(10, 60)
	if len(again) != 1 {
		t.Errorf("second claim got %d jobs, want only the unclaimed one", len(again))
	}
}

func TestLeaseRecovery(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")
	store.EnqueueJob("s1", "hash1", "reply", "{}")

	// negative lease expires immediately
	jobs, err := store.ClaimJobs(1, -1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: jobs=%d err=%v", len(jobs), err)
	}

	recovered, err := store.RecoverExpiredJobs()
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	jobs, _ = store.ClaimJobs(1, 60)
	if len(jobs) != 1 {
		t.Error("recovered job not claimable")
	}
}

func TestFailJobBackoffThenDead(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")
	store.EnqueueJob("s1", "hash1", "reply", "{}")
	jobs, _ := store.ClaimJobs(1, 60)
	id := jobs[0].ID

	before := time.Now().UTC()
	if err := store.FailJob(id, "boom", 3, 5); err != nil {
		t.Fatal(err)
	}
	job, _ := store.GetJob(id)
	if job.Status != JobPending || job.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", job.Status, job.Attempts)
	}
	// attempts=1 → base × 2^0
	wantMin := before.Add(4 * time.Second)
	if job.NextRunAt.Before(wantMin) {
		t.Errorf("next_run_at %v too early for 5s backoff", job.NextRunAt)
	}

	store.FailJob(id, "boom", 3, 5)
	job, _ = store.GetJob(id)
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
	// attempts=2 → base × 2^1
	if job.NextRunAt.Before(before.Add(9 * time.Second)) {
		t.Errorf("next_run_at %v too early for 10s backoff", job.NextRunAt)
	}

	store.FailJob(id, "boom", 3, 5)
	job, _ = store.GetJob(id)
	if job.Status != JobDead || job.Attempts != 3 {
		t.Errorf("after max attempts: status=%s attempts=%d, want dead/3", job.Status, job.Attempts)
	}
}

func TestDoneAndDeadAreTerminal(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")
	store.EnqueueJob("s1", "hash1", "reply", "{}")
	jobs, _ := store.ClaimJobs(1, 60)
	id := jobs[0].ID

	if err := store.CompleteJob(id); err != nil {
		t.Fatal(err)
	}
	if err := store.FailJob(id, "late failure", 3, 5); err != nil {
		t.Fatal(err)
	}
	job, _ := store.GetJob(id)
	if job.Status != JobDone {
		t.Errorf("done job moved to %s", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("done job attempts mutated to %d", job.Attempts)
	}
}

func TestOutboundHistoryAppendAndTrim(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")

	old := time.Now().Add(-25 * time.Hour)
	if err := store.AppendOutbound("s1", old); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendOutbound("s1", time.Now()); err != nil {
		t.Fatal(err)
	}
	task, _ := store.GetSession("s1")
	if len(task.OutboundHistory) != 1 {
		t.Errorf("history = %d entries, want stale entry trimmed", len(task.OutboundHistory))
	}
}

func TestQuotedCourierMemoAndLock(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")

	if err := store.SetQuotedCouriers("s1", []string{"中通", "顺丰"}); err != nil {
		t.Fatal(err)
	}
	if err := store.LockCourier("s1"); err != nil {
		t.Fatal(err)
	}
	task, _ := store.GetSession("s1")
	if len(task.QuotedCouriers) != 2 || task.QuotedCouriers[0] != "中通" {
		t.Errorf("couriers = %v", task.QuotedCouriers)
	}
	if !task.CourierLocked {
		t.Error("courier not locked")
	}
}

func TestManualTakeoverParksSession(t *testing.T) {
	store := openTestStore(t)
	store.EnsureSession("s1", "", "", "", "h")

	if err := store.SetManualTakeover("s1", true); err != nil {
		t.Fatal(err)
	}
	task, _ := store.GetSession("s1")
	if !task.ManualTakeover {
		t.Error("manual_takeover not set")
	}
	if task.State != StateManual {
		t.Errorf("state = %s, want MANUAL", task.State)
	}
}
