package workflow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobDead    = "dead"
)

// SessionTask is the durable per-chat record.
type SessionTask struct {
	SessionID       string    `json:"session_id"`
	State           State     `json:"state"`
	ManualTakeover  bool      `json:"manual_takeover"`
	LastMessageHash string    `json:"last_message_hash,omitempty"`
	PeerUserID      string    `json:"peer_user_id,omitempty"`
	LastItemTitle   string    `json:"last_item_title,omitempty"`
	LastPeerName    string    `json:"last_peer_name,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	QuotedCouriers  []string  `json:"quoted_couriers,omitempty"`
	CourierLocked   bool      `json:"courier_locked"`
	OutboundHistory []int64   `json:"outbound_history,omitempty"` // unix ms send timestamps
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Job is one outstanding work unit.
type Job struct {
	ID         int64     `json:"id"`
	DedupeKey  string    `json:"dedupe_key"`
	SessionID  string    `json:"session_id"`
	Stage      string    `json:"stage"`
	Payload    string    `json:"payload,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	NextRunAt  time.Time `json:"next_run_at"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Transition is one audit row, applied or rejected.
type Transition struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Status    string    `json:"status"` // applied, rejected
	Reason    string    `json:"reason"`
	Metadata  string    `json:"metadata,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store owns session_tasks, session_state_transitions and workflow_jobs.
// The SLA tables live in the same file but are written by the SLA monitor
// only.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the workflow database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_tasks (
		session_id        TEXT PRIMARY KEY,
		state             TEXT NOT NULL DEFAULT 'NEW',
		manual_takeover   INTEGER NOT NULL DEFAULT 0,
		last_message_hash TEXT,
		peer_user_id      TEXT,
		last_item_title   TEXT,
		last_peer_name    TEXT,
		last_error        TEXT,
		quoted_couriers   TEXT,
		courier_locked    INTEGER NOT NULL DEFAULT 0,
		outbound_history  TEXT,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_state_transitions (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		status      TEXT NOT NULL,
		reason      TEXT,
		metadata    TEXT,
		ts          DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_session ON session_state_transitions(session_id, ts);

	CREATE TABLE IF NOT EXISTS workflow_jobs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		dedupe_key  TEXT NOT NULL UNIQUE,
		session_id  TEXT NOT NULL,
		stage       TEXT NOT NULL DEFAULT 'reply',
		payload     TEXT,
		status      TEXT NOT NULL DEFAULT 'pending',
		attempts    INTEGER NOT NULL DEFAULT 0,
		next_run_at DATETIME NOT NULL,
		lease_until DATETIME,
		last_error  TEXT,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON workflow_jobs(status, next_run_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_session ON workflow_jobs(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// DedupeKey builds the job uniqueness key from session, content hash and
// stage. Only the first 8 hash characters participate.
func DedupeKey(sessionID, contentHash, stage string) string {
	prefix := contentHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s:%s:%s", sessionID, prefix, stage)
}

// EnsureSession creates the session row on first contact and refreshes the
// inbound metadata on every later one.
func (s *Store) EnsureSession(sessionID, peerUserID, peerName, itemTitle, messageHash string) (*SessionTask, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO session_tasks (session_id, state, created_at, updated_at)
		VALUES (?, 'NEW', ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, now, now)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		UPDATE session_tasks SET
			last_message_hash = ?,
			peer_user_id = COALESCE(NULLIF(?, ''), peer_user_id),
			last_item_title = COALESCE(NULLIF(?, ''), last_item_title),
			last_peer_name = COALESCE(NULLIF(?, ''), last_peer_name),
			updated_at = ?
		WHERE session_id = ?`,
		messageHash, peerUserID, itemTitle, peerName, now, sessionID)
	if err != nil {
		return nil, err
	}
	return s.GetSession(sessionID)
}

// GetSession loads one session task; sql.ErrNoRows when absent.
func (s *Store) GetSession(sessionID string) (*SessionTask, error) {
	row := s.db.QueryRow(`
		SELECT session_id, state, manual_takeover, last_message_hash,
		       peer_user_id, last_item_title, last_peer_name, last_error,
		       quoted_couriers, courier_locked, outbound_history,
		       created_at, updated_at
		FROM session_tasks WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListSessions returns sessions ordered by latest update.
func (s *Store) ListSessions(limit int) ([]*SessionTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session_id, state, manual_takeover, last_message_hash,
		       peer_user_id, last_item_title, last_peer_name, last_error,
		       quoted_couriers, courier_locked, outbound_history,
		       created_at, updated_at
		FROM session_tasks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionTask
	for rows.Next() {
		task, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionTask, error) {
	var t SessionTask
	var manual, locked int
	var hash, peer, title, name, lastErr, couriers, history sql.NullString
	err := row.Scan(&t.SessionID, &t.State, &manual, &hash, &peer, &title,
		&name, &lastErr, &couriers, &locked, &history, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ManualTakeover = manual != 0
	t.CourierLocked = locked != 0
	t.LastMessageHash = hash.String
	t.PeerUserID = peer.String
	t.LastItemTitle = title.String
	t.LastPeerName = name.String
	t.LastError = lastErr.String
	if couriers.Valid && couriers.String != "" {
		json.Unmarshal([]byte(couriers.String), &t.QuotedCouriers)
	}
	if history.Valid && history.String != "" {
		json.Unmarshal([]byte(history.String), &t.OutboundHistory)
	}
	return &t, nil
}

// SetManualTakeover parks or releases a session. Parking moves the state to
// MANUAL through the normal transition path.
func (s *Store) SetManualTakeover(sessionID string, takeover bool) error {
	_, err := s.db.Exec(`UPDATE session_tasks SET manual_takeover = ?, updated_at = ? WHERE session_id = ?`,
		boolInt(takeover), time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	if takeover {
		_, err = s.TransitionState(sessionID, StateManual, false, "manual_takeover", nil)
		if err != nil && err != ErrIllegalTransition {
			return err
		}
	}
	return nil
}

// SetQuotedCouriers memoizes the courier names offered in the latest quote
// reply so a later bare courier-name message can be matched.
func (s *Store) SetQuotedCouriers(sessionID string, couriers []string) error {
	data, err := json.Marshal(couriers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE session_tasks SET quoted_couriers = ?, updated_at = ? WHERE session_id = ?`,
		string(data), time.Now().UTC(), sessionID)
	return err
}

// LockCourier records the buyer's explicit courier choice.
func (s *Store) LockCourier(sessionID string) error {
	_, err := s.db.Exec(`UPDATE session_tasks SET courier_locked = 1, updated_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// SetLastError records the most recent processing failure on the session.
func (s *Store) SetLastError(sessionID, message string) error {
	_, err := s.db.Exec(`UPDATE session_tasks SET last_error = ?, updated_at = ? WHERE session_id = ?`,
		message, time.Now().UTC(), sessionID)
	return err
}

// AppendOutbound pushes a send timestamp onto the session's outbound history
// and trims entries older than a day. Read-modify-write is serialized by the
// sqlite write lock.
func (s *Store) AppendOutbound(sessionID string, ts time.Time) error {
	task, err := s.GetSession(sessionID)
	if err != nil {
		return err
	}
	cutoff := ts.Add(-24 * time.Hour).UnixMilli()
	var history []int64
	for _, ms := range task.OutboundHistory {
		if ms >= cutoff {
			history = append(history, ms)
		}
	}
	history = append(history, ts.UnixMilli())
	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE session_tasks SET outbound_history = ?, updated_at = ? WHERE session_id = ?`,
		string(data), time.Now().UTC(), sessionID)
	return err
}

// ErrIllegalTransition is returned for attempts outside the transition table.
var ErrIllegalTransition = fmt.Errorf("illegal state transition")

// TransitionState applies (or force-applies) a state change and appends an
// audit row either way. Rejected attempts do not mutate the session.
func (s *Store) TransitionState(sessionID string, to State, force bool, reason string, metadata map[string]any) (*Transition, error) {
	if !ValidState(to) {
		return nil, fmt.Errorf("unknown state %q", to)
	}
	task, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	from := task.State

	allowed := CanTransition(from, to)
	status := "applied"
	if !allowed && !force {
		status = "rejected"
		reason = "illegal_transition"
	} else if force && !allowed {
		reason = "forced"
	}

	var meta sql.NullString
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			meta = sql.NullString{String: string(data), Valid: true}
		}
	}
	now := time.Now().UTC()
	tr := &Transition{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		Status:    status,
		Reason:    reason,
		Metadata:  meta.String,
		Timestamp: now,
	}
	_, err = s.db.Exec(`
		INSERT INTO session_state_transitions (id, session_id, from_state, to_state, status, reason, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.SessionID, string(tr.From), string(tr.To), tr.Status, tr.Reason, meta, now)
	if err != nil {
		return nil, err
	}

	if status == "rejected" {
		return tr, ErrIllegalTransition
	}
	_, err = s.db.Exec(`UPDATE session_tasks SET state = ?, updated_at = ? WHERE session_id = ?`,
		string(to), now, sessionID)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Transitions returns the audit trail for a session, oldest first.
func (s *Store) Transitions(sessionID string, limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, from_state, to_state, status, reason, metadata, ts
		FROM session_state_transitions
		WHERE session_id = ? ORDER BY ts ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Transition
	for rows.Next() {
		var tr Transition
		var reason, meta sql.NullString
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.From, &tr.To, &tr.Status,
			&reason, &meta, &tr.Timestamp); err != nil {
			return nil, err
		}
		tr.Reason = reason.String
		tr.Metadata = meta.String
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// EnqueueJob inserts a job unless one already exists for the dedupe key.
// Returns true when a new row was created.
func (s *Store) EnqueueJob(sessionID, contentHash, stage, payload string) (bool, error) {
	if stage == "" {
		stage = "reply"
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO workflow_jobs (dedupe_key, session_id, stage, payload, status, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		DedupeKey(sessionID, contentHash, stage), sessionID, stage, payload, now, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimJobs atomically takes up to limit runnable jobs, ordered by id, and
// marks them running under a lease.
func (s *Store) ClaimJobs(limit int, leaseSeconds int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, dedupe_key, session_id, stage, payload, status, attempts, next_run_at, lease_until, last_error
		FROM workflow_jobs
		WHERE status = 'pending' AND next_run_at <= ?
		ORDER BY id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if _, err := tx.Exec(`
			UPDATE workflow_jobs SET status = 'running', lease_until = ?, updated_at = ? WHERE id = ?`,
			lease, now, job.ID); err != nil {
			return nil, err
		}
		job.Status = JobRunning
		job.LeaseUntil = lease
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RecoverExpiredJobs returns running jobs with expired leases to pending.
func (s *Store) RecoverExpiredJobs() (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workflow_jobs SET status = 'pending', lease_until = NULL, updated_at = ?
		WHERE status = 'running' AND lease_until < ?`, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CompleteJob marks a job done. Done and dead rows never change again.
func (s *Store) CompleteJob(id int64) error {
	_, err := s.db.Exec(`
		UPDATE workflow_jobs SET status = 'done', lease_until = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN ('done', 'dead')`,
		time.Now().UTC(), id)
	return err
}

// FailJob increments attempts and either schedules a retry with exponential
// backoff or marks the job dead at max_attempts.
func (s *Store) FailJob(id int64, jobErr string, maxAttempts, baseBackoffSeconds int) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status == JobDone || job.Status == JobDead {
		return nil
	}
	attempts := job.Attempts + 1
	now := time.Now().UTC()
	if attempts >= maxAttempts {
		_, err = s.db.Exec(`
			UPDATE workflow_jobs SET status = 'dead', attempts = ?, lease_until = NULL, last_error = ?, updated_at = ?
			WHERE id = ?`, attempts, jobErr, now, id)
		return err
	}
	backoff := time.Duration(baseBackoffSeconds) * time.Second * (1 << (attempts - 1))
	_, err = s.db.Exec(`
		UPDATE workflow_jobs SET status = 'pending', attempts = ?, lease_until = NULL,
			next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, attempts, now.Add(backoff), jobErr, now, id)
	return err
}

// GetJob loads one job by id.
func (s *Store) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, dedupe_key, session_id, stage, payload, status, attempts, next_run_at, lease_until, last_error
		FROM workflow_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// PendingJobCount reports runnable backlog size.
func (s *Store) PendingJobCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workflow_jobs WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var payload, lastErr sql.NullString
	var lease sql.NullTime
	err := row.Scan(&j.ID, &j.DedupeKey, &j.SessionID, &j.Stage, &payload,
		&j.Status, &j.Attempts, &j.NextRunAt, &lease, &lastErr)
	if err != nil {
		return nil, err
	}
	j.Payload = payload.String
	j.LastError = lastErr.String
	if lease.Valid {
		j.LeaseUntil = lease.Time
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
