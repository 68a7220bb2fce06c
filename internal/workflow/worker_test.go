package workflow

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/config"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/sla"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/transport"
)

type fakeTransport struct {
	sessions []transport.Session
	served   bool
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop()                           {}
func (f *fakeTransport) IsReady() bool                   { return true }
func (f *fakeTransport) SendText(ctx context.Context, sessionID, text string) bool {
	return true
}
func (f *fakeTransport) GetUnreadSessions(ctx context.Context, limit int) []transport.Session {
	if f.served {
		return nil
	}
	f.served = true
	if len(f.sessions) > limit {
		return f.sessions[:limit]
	}
	return f.sessions
}

type fakeProcessor struct {
	calls  int
	result JobResult
	err    error
}

func (f *fakeProcessor) ProcessSession(ctx context.Context, session transport.Session, dryRun bool) (JobResult, error) {
	f.calls++
	return f.result, f.err
}

func testWorkerEnv(t *testing.T, source transport.Transport, proc Processor, cfg config.WorkerConfig) (*Worker, *Store, *sla.Monitor, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "workflow.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	monitor := sla.NewMonitor(config.DefaultConfig().SLA, nil, filepath.Join(dir, "sla.json"), logger)
	statePath := filepath.Join(dir, "worker_state.json")
	worker := NewWorker(cfg, store, source, proc, monitor, statePath, false, logger)
	return worker, store, monitor, statePath
}

func workerCfg() config.WorkerConfig {
	cfg := config.DefaultConfig().Worker
	cfg.MaxCycles = 1
	cfg.IntervalSecs = 0
	cfg.JitterSecs = 0
	return cfg
}

func TestWorkerCycleProcessesInbound(t *testing.T) {
	source := &fakeTransport{sessions: []transport.Session{
		{SessionID: "s1", PeerUserID: "p1", Text: "寄到杭州 2kg"},
	}}
	proc := &fakeProcessor{result: JobResult{Sent: true, FirstReplySent: true}}
	worker, store, monitor, statePath := testWorkerEnv(t, source, proc, workerCfg())

	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if proc.calls != 1 {
		t.Fatalf("processor calls = %d, want 1", proc.calls)
	}

	task, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if task.State != StateReplied {
		t.Errorf("state = %s, want REPLIED", task.State)
	}

	pending, _ := store.PendingJobCount()
	if pending != 0 {
		t.Errorf("pending jobs = %d, want 0", pending)
	}

	if monitor.Summarize().Cycles != 1 {
		t.Errorf("sla cycles = %d, want 1", monitor.Summarize().Cycles)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Errorf("worker state not written: %v", err)
	}
}

func TestWorkerQuoteSuccessMovesToQuoted(t *testing.T) {
	source := &fakeTransport{sessions: []transport.Session{
		{SessionID: "s1", Text: "上海到北京 3kg 多少钱"},
	}}
	proc := &fakeProcessor{result: JobResult{
		Sent: true, IsQuote: true, QuoteSuccess: true,
	}}
	worker, store, _, _ := testWorkerEnv(t, source, proc, workerCfg())

	if err := worker.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	task, _ := store.GetSession("s1")
	if task.State != StateQuoted {
		t.Errorf("state = %s, want QUOTED", task.State)
	}
}

func TestWorkerSkipsManualSessions(t *testing.T) {
	source := &fakeTransport{sessions: []transport.Session{
		{SessionID: "s1", Text: "hello"},
	}}
	proc := &fakeProcessor{result: JobResult{Sent: true}}
	worker, store, _, _ := testWorkerEnv(t, source, proc, workerCfg())

	if _, err := store.EnsureSession("s1", "", "", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.SetManualTakeover("s1", true); err != nil {
		t.Fatal(err)
	}

	if err := worker.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if proc.calls != 0 {
		t.Errorf("processor ran %d times on a manual session", proc.calls)
	}
	pending, _ := store.PendingJobCount()
	if pending != 0 {
		t.Errorf("manual job not completed: %d pending", pending)
	}
}

func TestWorkerFailedJobIsRetriedAfterLeaseExpiry(t *testing.T) {
	source := &fakeTransport{sessions: []transport.Session{
		{SessionID: "s1", Text: "报价"},
	}}
	proc := &fakeProcessor{err: context.DeadlineExceeded}
	cfg := workerCfg()
	cfg.BaseBackoffSecs = 0
	worker, store, _, _ := testWorkerEnv(t, source, proc, cfg)

	if err := worker.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if proc.calls != 1 {
		t.Fatalf("processor calls = %d", proc.calls)
	}

	// failure goes back to pending with attempts counted
	jobs, _ := store.ClaimJobs(1, 60)
	if len(jobs) != 1 {
		t.Fatalf("failed job not re-claimable, got %d", len(jobs))
	}
	if jobs[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", jobs[0].Attempts)
	}
	task, _ := store.GetSession("s1")
	if task.LastError == "" {
		t.Error("session last_error not recorded")
	}
}
