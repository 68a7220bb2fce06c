package sla

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/config"
)

// Alert codes.
const (
	AlertHighFailureRate = "HIGH_FAILURE_RATE"
	AlertFirstReplySLA   = "FIRST_REPLY_SLA_DEGRADED"
	AlertCycleSlow       = "WORKFLOW_CYCLE_SLOW"
)

// CycleSample is one worker-cycle observation.
type CycleSample struct {
	Status                 string    `json:"status"` // ok, error
	DurationSeconds        float64   `json:"duration_seconds"`
	ProcessedSessions      int       `json:"processed_sessions"`
	FirstReplyTotal        int       `json:"first_reply_total"`
	FirstReplyWithinTarget int       `json:"first_reply_within_target"`
	QuoteFollowupTotal     int       `json:"quote_followup_total"`
	QuoteFollowupSuccess   int       `json:"quote_followup_success"`
	Timestamp              time.Time `json:"timestamp"`
}

// Summary aggregates the current window.
type Summary struct {
	Cycles                      int     `json:"cycles"`
	FailureRate                 float64 `json:"failure_rate"`
	CycleDurationP50            float64 `json:"cycle_duration_p50"`
	CycleDurationP95            float64 `json:"cycle_duration_p95"`
	FirstReplyWithinTargetRatio float64 `json:"first_reply_within_target_ratio"`
	QuoteFollowupSuccessRatio   float64 `json:"quote_followup_success_ratio"`
	ProcessedSessions           int     `json:"processed_sessions"`
}

// Monitor keeps a ring of the last window_size cycle samples, persists the
// window to a JSON file on every update and raises threshold alerts with a
// per-code cooldown.
type Monitor struct {
	cfg    config.SLAConfig
	store  *Store
	logger *slog.Logger
	path   string

	mu        sync.Mutex
	samples   []CycleSample
	lastAlert map[string]time.Time
}

func NewMonitor(cfg config.SLAConfig, store *Store, metricsPath string, logger *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "sla"),
		path:      metricsPath,
		lastAlert: make(map[string]time.Time),
	}
	m.restore()
	return m
}

// restore reloads a previously persisted window. Corrupt or missing files
// start an empty window.
func (m *Monitor) restore() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var snap struct {
		Samples []CycleSample `json:"samples"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("metrics snapshot not readable, starting fresh", "path", m.path, "error", err)
		return
	}
	m.samples = snap.Samples
	m.trim()
}

// RecordCycle appends one sample and persists the window.
func (m *Monitor) RecordCycle(sample CycleSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.samples = append(m.samples, sample)
	m.trim()
	samples := make([]CycleSample, len(m.samples))
	copy(samples, m.samples)
	m.mu.Unlock()

	if err := m.persist(samples); err != nil {
		m.logger.Warn("metrics persist failed", "path", m.path, "error", err)
	}
}

// RecordEvent forwards one session-level sample to the event table.
func (m *Monitor) RecordEvent(ev *Event) {
	if m.store == nil {
		return
	}
	if err := m.store.InsertEvent(ev); err != nil {
		m.logger.Warn("sla event insert failed", "session_id", ev.SessionID, "error", err)
	}
}

func (m *Monitor) trim() {
	max := m.cfg.WindowSize
	if max <= 0 {
		max = 50
	}
	if len(m.samples) > max {
		m.samples = m.samples[len(m.samples)-max:]
	}
}

// persist writes the window via temp-file-and-rename so a crash mid-write
// never leaves a torn snapshot.
func (m *Monitor) persist(samples []CycleSample) error {
	doc := struct {
		UpdatedAt time.Time     `json:"updated_at"`
		Summary   Summary       `json:"summary"`
		Samples   []CycleSample `json:"samples"`
	}{
		UpdatedAt: time.Now().UTC(),
		Summary:   summarize(samples),
		Samples:   samples,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Summarize computes the current window summary.
func (m *Monitor) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return summarize(m.samples)
}

func summarize(samples []CycleSample) Summary {
	s := Summary{Cycles: len(samples)}
	if len(samples) == 0 {
		return s
	}
	var failures int
	var durations []float64
	var frTotal, frHit, qfTotal, qfHit int
	for _, c := range samples {
		if c.Status != "ok" {
			failures++
		}
		durations = append(durations, c.DurationSeconds)
		frTotal += c.FirstReplyTotal
		frHit += c.FirstReplyWithinTarget
		qfTotal += c.QuoteFollowupTotal
		qfHit += c.QuoteFollowupSuccess
		s.ProcessedSessions += c.ProcessedSessions
	}
	s.FailureRate = float64(failures) / float64(len(samples))
	s.CycleDurationP50 = percentile(durations, 0.50)
	s.CycleDurationP95 = percentile(durations, 0.95)
	if frTotal > 0 {
		s.FirstReplyWithinTargetRatio = float64(frHit) / float64(frTotal)
	} else {
		s.FirstReplyWithinTargetRatio = 1
	}
	if qfTotal > 0 {
		s.QuoteFollowupSuccessRatio = float64(qfHit) / float64(qfTotal)
	} else {
		s.QuoteFollowupSuccessRatio = 1
	}
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// EvaluateAlerts checks every threshold against the current window. Breached
// conditions raise at most one alert per cooldown period; cleared conditions
// resolve their active alerts.
func (m *Monitor) EvaluateAlerts() []*Alert {
	summary := m.Summarize()
	minSamples := m.cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 5
	}
	if summary.Cycles < minSamples {
		return nil
	}

	type check struct {
		code     string
		breached bool
		title    string
		message  string
	}
	checks := []check{
		{
			code:     AlertHighFailureRate,
			breached: summary.FailureRate >= m.cfg.FailureRateThreshold,
			title:    "工作流循环失败率过高",
			message: fmt.Sprintf("failure_rate=%.2f threshold=%.2f window=%d",
				summary.FailureRate, m.cfg.FailureRateThreshold, summary.Cycles),
		},
		{
			code:     AlertFirstReplySLA,
			breached: summary.FirstReplyWithinTargetRatio < m.cfg.FirstReplyRatioThreshold,
			title:    "首次回复时效下降",
			message: fmt.Sprintf("within_target_ratio=%.2f threshold=%.2f",
				summary.FirstReplyWithinTargetRatio, m.cfg.FirstReplyRatioThreshold),
		},
		{
			code:     AlertCycleSlow,
			breached: summary.CycleDurationP95 > m.cfg.P95CycleSlowSeconds,
			title:    "工作流循环耗时过长",
			message: fmt.Sprintf("p95=%.2fs threshold=%.2fs",
				summary.CycleDurationP95, m.cfg.P95CycleSlowSeconds),
		},
	}

	cooldown := time.Duration(m.cfg.AlertCooldownSecs) * time.Second
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}

	var raised []*Alert
	now := time.Now()
	for _, c := range checks {
		if !c.breached {
			m.mu.Lock()
			delete(m.lastAlert, c.code)
			m.mu.Unlock()
			if m.store != nil {
				if err := m.store.ResolveAlerts(c.code); err != nil {
					m.logger.Warn("alert resolve failed", "alert_type", c.code, "error", err)
				}
			}
			continue
		}

		m.mu.Lock()
		last, seen := m.lastAlert[c.code]
		if seen && now.Sub(last) < cooldown {
			m.mu.Unlock()
			continue
		}
		m.lastAlert[c.code] = now
		m.mu.Unlock()

		alert := &Alert{Type: c.code, Title: c.title, Message: c.message}
		if m.store != nil {
			if err := m.store.InsertAlert(alert); err != nil {
				m.logger.Warn("alert insert failed", "alert_type", c.code, "error", err)
				continue
			}
		}
		m.logger.Warn("sla alert raised", "alert_type", c.code, "detail", c.message)
		raised = append(raised, alert)
	}
	return raised
}
