package compliance

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AuditRow is one recorded policy evaluation.
type AuditRow struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Actor         string    `json:"actor"`
	AccountID     string    `json:"account_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Action        string    `json:"action"`
	ContentHash   string    `json:"content_hash"`
	Reason        string    `json:"reason"`
	Blocked       bool      `json:"blocked"`
	KeywordHits   []string  `json:"keyword_hits,omitempty"`
	PolicyScope   string    `json:"policy_scope"`
	PolicyVersion int       `json:"policy_version"`
}

// Store persists compliance audit rows. The table is append-only; the rate
// limit predicate reads it, nothing deletes from it.
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates if needed) the compliance audit database.
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
	CREATE TABLE IF NOT EXISTS compliance_audit (
		id             TEXT PRIMARY KEY,
		ts             DATETIME NOT NULL,
		actor          TEXT NOT NULL,
		account_id     TEXT,
		session_id     TEXT,
		action         TEXT NOT NULL,
		content_hash   TEXT,
		reason         TEXT NOT NULL,
		blocked        INTEGER NOT NULL DEFAULT 0,
		keyword_hits   TEXT,
		policy_scope   TEXT,
		policy_version INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_audit_account_ts ON compliance_audit(account_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_session_ts ON compliance_audit(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_blocked ON compliance_audit(blocked);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends one audit row.
func (s *Store) Insert(row *AuditRow) error {
	var hits sql.NullString
	if len(row.KeywordHits) > 0 {
		if data, err := json.Marshal(row.KeywordHits); err == nil {
			hits = sql.NullString{String: string(data), Valid: true}
		}
	}
	_, err := s.db.Exec(`INSERT INTO compliance_audit
		(id, ts, actor, account_id, session_id, action, content_hash, reason, blocked, keyword_hits, policy_scope, policy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Timestamp, row.Actor, nullStr(row.AccountID), nullStr(row.SessionID),
		row.Action, nullStr(row.ContentHash), row.Reason, boolInt(row.Blocked),
		hits, nullStr(row.PolicyScope), row.PolicyVersion,
	)
	return err
}

// CountSince counts non-blocked evaluations for the given action since the
// cutoff, scoped to an account or a session. Blocked evaluations do not
// consume rate-limit budget because no message left the system.
func (s *Store) CountSince(accountID, sessionID, action string, since time.Time) (int, error) {
	var conditions []string
	var args []interface{}

	conditions = append(conditions, "ts >= ?", "blocked = 0", "action = ?")
	args = append(args, since, action)
	if accountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, accountID)
	}
	if sessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, sessionID)
	}

	var count int
	query := "SELECT COUNT(*) FROM compliance_audit WHERE " + strings.Join(conditions, " AND ")
	err := s.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

// Replay returns audit rows matching the filters, newest first.
func (s *Store) Replay(accountID, sessionID string, blockedOnly bool, limit int) ([]*AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var conditions []string
	var args []interface{}
	if accountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, accountID)
	}
	if sessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, sessionID)
	}
	if blockedOnly {
		conditions = append(conditions, "blocked = 1")
	}

	query := "SELECT id, ts, actor, account_id, session_id, action, content_hash, reason, blocked, keyword_hits, policy_scope, policy_version FROM compliance_audit"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		row := &AuditRow{}
		var accountID, sessionID, contentHash, hits, scope sql.NullString
		var blocked int
		if err := rows.Scan(&row.ID, &row.Timestamp, &row.Actor, &accountID, &sessionID,
			&row.Action, &contentHash, &row.Reason, &blocked, &hits, &scope, &row.PolicyVersion); err != nil {
			return nil, err
		}
		row.AccountID = accountID.String
		row.SessionID = sessionID.String
		row.ContentHash = contentHash.String
		row.PolicyScope = scope.String
		row.Blocked = blocked != 0
		if hits.Valid && hits.String != "" {
			_ = json.Unmarshal([]byte(hits.String), &row.KeywordHits)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
