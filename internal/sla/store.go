package sla

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Event is one processed-session sample.
type Event struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Stage         string    `json:"stage"`
	Outcome       string    `json:"outcome"` // success, failure, skipped_manual, blocked
	LatencyMs     int64     `json:"latency_ms"`
	QuoteFallback bool      `json:"quote_fallback"`
	Timestamp     time.Time `json:"timestamp"`
}

// Alert statuses.
const (
	AlertActive   = "active"
	AlertResolved = "resolved"
)

// Alert is one raised threshold breach.
type Alert struct {
	ID         string    `json:"id"`
	Type       string    `json:"alert_type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Store owns the sla_events and sla_alerts tables. They live in the workflow
// database file but no other component writes them.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
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
	CREATE TABLE IF NOT EXISTS sla_events (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		stage          TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		latency_ms     INTEGER NOT NULL DEFAULT 0,
		quote_fallback INTEGER NOT NULL DEFAULT 0,
		ts             DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sla_events_ts ON sla_events(ts);

	CREATE TABLE IF NOT EXISTS sla_alerts (
		id          TEXT PRIMARY KEY,
		alert_type  TEXT NOT NULL,
		title       TEXT NOT NULL,
		message     TEXT,
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  DATETIME NOT NULL,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sla_alerts_type ON sla_alerts(alert_type, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// InsertEvent appends one sample and prunes rows beyond the retention
// horizon.
func (s *Store) InsertEvent(ev *Event) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO sla_events (id, session_id, stage, outcome, latency_ms, quote_fallback, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Stage, ev.Outcome, ev.LatencyMs, boolInt(ev.QuoteFallback), ev.Timestamp)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM sla_events WHERE ts < ?`,
		time.Now().UTC().Add(-7*24*time.Hour))
	return err
}

// InsertAlert records a newly raised alert.
func (s *Store) InsertAlert(a *Alert) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Status = AlertActive
	_, err := s.db.Exec(`
		INSERT INTO sla_alerts (id, alert_type, title, message, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Title, a.Message, a.Status, a.CreatedAt)
	return err
}

// ResolveAlerts marks every active alert of a type resolved.
func (s *Store) ResolveAlerts(alertType string) error {
	_, err := s.db.Exec(`
		UPDATE sla_alerts SET status = 'resolved', resolved_at = ?
		WHERE alert_type = ? AND status = 'active'`,
		time.Now().UTC(), alertType)
	return err
}

// ActiveAlerts lists unresolved alerts, newest first.
func (s *Store) ActiveAlerts() ([]*Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, alert_type, title, message, status, created_at, resolved_at
		FROM sla_alerts WHERE status = 'active' ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		var a Alert
		var msg sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.Type, &a.Title, &msg, &a.Status, &a.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		a.Message = msg.String
		if resolved.Valid {
			a.ResolvedAt = resolved.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
