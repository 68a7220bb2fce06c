package workflow

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/config"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/sla"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/transport"
)

// JobResult is the per-session descriptor returned by the message service.
type JobResult struct {
	Sent                 bool   `json:"sent"`
	IsQuote              bool   `json:"is_quote"`
	QuoteSuccess         bool   `json:"quote_success"`
	QuoteFallback        bool   `json:"quote_fallback"`
	QuoteBlockedByPolicy bool   `json:"quote_blocked_by_policy"`
	IsOrderIntent        bool   `json:"is_order_intent"`
	BlockedByPolicy      bool   `json:"blocked_by_policy"`
	FirstReplySent       bool   `json:"first_reply_sent"`
	FormatEnforced       bool   `json:"format_enforced"`
	Reason               string `json:"reason,omitempty"`
	Reply                string `json:"reply,omitempty"`
}

// Processor handles one inbound session end to end.
type Processor interface {
	ProcessSession(ctx context.Context, session transport.Session, dryRun bool) (JobResult, error)
}

// workerState is the runtime snapshot written after every cycle.
type workerState struct {
	StartedAt           time.Time `json:"started_at"`
	Cycle               int       `json:"cycle"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCycleAt         time.Time `json:"last_cycle_at"`
	LastCycleStatus     string    `json:"last_cycle_status"`
	ProcessedTotal      int       `json:"processed_total"`
	SkippedManualTotal  int       `json:"skipped_manual_total"`
	DeadJobsSeen        int       `json:"dead_jobs_seen"`
	LastError           string    `json:"last_error,omitempty"`
}

// Worker drives the scan/enqueue/claim/process loop.
type Worker struct {
	cfg       config.WorkerConfig
	store     *Store
	source    transport.Transport
	processor Processor
	monitor   *sla.Monitor
	statePath string
	logger    *slog.Logger
	dryRun    bool

	stop chan struct{}
}

func NewWorker(cfg config.WorkerConfig, store *Store, source transport.Transport,
	processor Processor, monitor *sla.Monitor, statePath string, dryRun bool,
	logger *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		store:     store,
		source:    source,
		processor: processor,
		monitor:   monitor,
		statePath: statePath,
		dryRun:    dryRun,
		logger:    logger.With("component", "worker"),
		stop:      make(chan struct{}),
	}
}

// Stop asks the loop to exit at its next sleep or suspension point.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Run executes cycles until stopped, the context ends, or a configured
// cycle/runtime bound is reached.
func (w *Worker) Run(ctx context.Context) error {
	state := workerState{StartedAt: time.Now().UTC()}
	runStart := time.Now()

	for {
		if w.cfg.MaxCycles > 0 && state.Cycle >= w.cfg.MaxCycles {
			w.logger.Info("max cycles reached, stopping", "cycles", state.Cycle)
			return nil
		}
		if w.cfg.MaxRuntimeSecs > 0 && time.Since(runStart) >= time.Duration(w.cfg.MaxRuntimeSecs)*time.Second {
			w.logger.Info("max runtime reached, stopping", "elapsed", time.Since(runStart).String())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		default:
		}

		cycleStart := time.Now()
		stats, err := w.runCycle(ctx)
		duration := time.Since(cycleStart)

		state.Cycle++
		state.LastCycleAt = time.Now().UTC()
		state.ProcessedTotal += stats.processed
		state.SkippedManualTotal += stats.skippedManual
		sample := sla.CycleSample{
			Status:                 "ok",
			DurationSeconds:        duration.Seconds(),
			ProcessedSessions:      stats.processed,
			FirstReplyTotal:        stats.firstReplyTotal,
			FirstReplyWithinTarget: stats.firstReplyWithinTarget,
			QuoteFollowupTotal:     stats.quoteTotal,
			QuoteFollowupSuccess:   stats.quoteSuccess,
		}
		if err != nil {
			state.ConsecutiveFailures++
			state.LastCycleStatus = "error"
			state.LastError = err.Error()
			sample.Status = "error"
			w.logger.Error("cycle failed", "cycle", state.Cycle, "error", err,
				"consecutive_failures", state.ConsecutiveFailures)
		} else {
			state.ConsecutiveFailures = 0
			state.LastCycleStatus = "ok"
			state.LastError = ""
			w.logger.Debug("cycle complete", "cycle", state.Cycle,
				"processed", stats.processed, "duration", duration.String())
		}

		w.monitor.RecordCycle(sample)
		w.monitor.EvaluateAlerts()
		if werr := w.writeState(state); werr != nil {
			w.logger.Warn("worker state write failed", "path", w.statePath, "error", werr)
		}

		if !w.sleep(ctx, state.ConsecutiveFailures) {
			return nil
		}
	}
}

type cycleStats struct {
	processed              int
	skippedManual          int
	firstReplyTotal        int
	firstReplyWithinTarget int
	quoteTotal             int
	quoteSuccess           int
}

func (w *Worker) runCycle(ctx context.Context) (cycleStats, error) {
	var stats cycleStats

	if recovered, err := w.store.RecoverExpiredJobs(); err != nil {
		return stats, err
	} else if recovered > 0 {
		w.logger.Info("expired leases recovered", "jobs", recovered)
	}

	sessions := w.source.GetUnreadSessions(ctx, w.cfg.ScanLimit)
	for _, session := range sessions {
		hash := messageHash(session.Text)
		if _, err := w.store.EnsureSession(session.SessionID, session.PeerUserID,
			session.PeerName, session.ItemTitle, hash); err != nil {
			return stats, err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return stats, err
		}
		created, err := w.store.EnqueueJob(session.SessionID, hash, "reply", string(payload))
		if err != nil {
			return stats, err
		}
		if created {
			w.logger.Debug("job enqueued", "session_id", session.SessionID)
		}
	}

	jobs, err := w.store.ClaimJobs(w.cfg.ClaimLimit, w.cfg.LeaseSeconds)
	if err != nil {
		return stats, err
	}

	for _, job := range jobs {
		if err := w.processJob(ctx, job, &stats); err != nil {
			w.logger.Warn("job processing failed", "job_id", job.ID,
				"session_id", job.SessionID, "error", err)
		}
	}
	return stats, nil
}

func (w *Worker) processJob(ctx context.Context, job *Job, stats *cycleStats) error {
	task, err := w.store.GetSession(job.SessionID)
	if err != nil {
		return w.store.FailJob(job.ID, "session load: "+err.Error(),
			w.cfg.MaxAttempts, w.cfg.BaseBackoffSecs)
	}

	if task.ManualTakeover {
		stats.skippedManual++
		w.monitor.RecordEvent(&sla.Event{
			SessionID: job.SessionID,
			Stage:     job.Stage,
			Outcome:   "skipped_manual",
		})
		return w.store.CompleteJob(job.ID)
	}

	var session transport.Session
	if err := json.Unmarshal([]byte(job.Payload), &session); err != nil {
		return w.store.FailJob(job.ID, "payload decode: "+err.Error(),
			w.cfg.MaxAttempts, w.cfg.BaseBackoffSecs)
	}

	begin := time.Now()
	result, procErr := w.processor.ProcessSession(ctx, session, w.dryRun)
	latency := time.Since(begin)
	stats.processed++

	outcome := "success"
	if procErr != nil {
		outcome = "failure"
	} else if result.BlockedByPolicy {
		outcome = "blocked"
	}
	w.monitor.RecordEvent(&sla.Event{
		SessionID:     job.SessionID,
		Stage:         job.Stage,
		Outcome:       outcome,
		LatencyMs:     latency.Milliseconds(),
		QuoteFallback: result.QuoteFallback,
	})

	if result.FirstReplySent {
		stats.firstReplyTotal++
		if latency <= time.Duration(w.cfg.FirstReplyTarget)*time.Second {
			stats.firstReplyWithinTarget++
		}
	}
	if result.IsQuote {
		stats.quoteTotal++
		if result.QuoteSuccess {
			stats.quoteSuccess++
		}
	}

	if procErr != nil {
		w.store.SetLastError(job.SessionID, procErr.Error())
		return w.store.FailJob(job.ID, procErr.Error(),
			w.cfg.MaxAttempts, w.cfg.BaseBackoffSecs)
	}

	w.advanceState(job.SessionID, result)
	return w.store.CompleteJob(job.ID)
}

// advanceState moves the session according to the result descriptor.
// Rejected transitions are already audited by the store and are not errors
// here: a session that is past REPLIED simply stays where it is.
func (w *Worker) advanceState(sessionID string, result JobResult) {
	switch {
	case result.IsOrderIntent && result.Sent:
		w.store.TransitionState(sessionID, StateOrdered, true, "order_intent", nil)
	case result.IsQuote && result.QuoteSuccess && result.Sent:
		if _, err := w.store.TransitionState(sessionID, StateQuoted, false, "quote_sent", nil); err != nil && err != ErrIllegalTransition {
			w.logger.Warn("state update failed", "session_id", sessionID, "error", err)
		}
	case result.Sent:
		if _, err := w.store.TransitionState(sessionID, StateReplied, false, "reply_sent", nil); err != nil && err != ErrIllegalTransition {
			w.logger.Warn("state update failed", "session_id", sessionID, "error", err)
		}
	}
}

// sleep waits interval+jitter, or the failure backoff after errored cycles.
// Returns false when the stop signal fired.
func (w *Worker) sleep(ctx context.Context, consecutiveFailures int) bool {
	var wait time.Duration
	if consecutiveFailures > 0 {
		backoff := time.Duration(w.cfg.BaseBackoffSecs) * time.Second * (1 << (consecutiveFailures - 1))
		max := time.Duration(w.cfg.MaxBackoffSecs) * time.Second
		if max > 0 && backoff > max {
			backoff = max
		}
		wait = backoff
	} else {
		wait = time.Duration(w.cfg.IntervalSecs) * time.Second
		if w.cfg.JitterSecs > 0 {
			wait += time.Duration(rand.Int63n(int64(w.cfg.JitterSecs)+1)) * time.Second
		}
	}

	select {
	case <-time.After(wait):
		return true
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) writeState(state workerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.statePath), 0o755); err != nil {
		return err
	}
	tmp := w.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.statePath)
}

func messageHash(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
