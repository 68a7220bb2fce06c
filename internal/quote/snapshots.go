package quote

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SnapshotStore persists one row per computed quote.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore opens (and creates if needed) the quote snapshot database.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS quote_snapshots (
		id                   TEXT PRIMARY KEY,
		ts                   DATETIME NOT NULL,
		cache_key            TEXT NOT NULL,
		provider             TEXT NOT NULL,
		cost_source          TEXT,
		cost_version         TEXT,
		pricing_rule_version TEXT,
		total_fee            REAL NOT NULL,
		latency_ms           INTEGER,
		provider_chain       TEXT,
		fallback_reason      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_cache_key ON quote_snapshots(cache_key);
	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON quote_snapshots(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error { return s.db.Close() }

// Insert records one quote snapshot.
func (s *SnapshotStore) Insert(result *Result) error {
	chain, _ := json.Marshal(result.Snapshot.ProviderChain)
	_, err := s.db.Exec(`INSERT INTO quote_snapshots
		(id, ts, cache_key, provider, cost_source, cost_version, pricing_rule_version, total_fee, latency_ms, provider_chain, fallback_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), time.Now().UTC(), result.Snapshot.CacheKey, result.Provider,
		result.Snapshot.CostSource, result.Snapshot.CostVersion, result.Snapshot.PricingRuleVersion,
		result.TotalFee, result.Snapshot.LatencyMs, string(chain), result.Snapshot.FallbackReason,
	)
	return err
}

// Recent returns the newest snapshots, most recent first.
func (s *SnapshotStore) Recent(limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT ts, cache_key, provider, total_fee, latency_ms, provider_chain, fallback_reason
		FROM quote_snapshots ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var ts time.Time
		var cacheKey, provider, chainJSON string
		var fallbackReason sql.NullString
		var totalFee float64
		var latencyMs int64
		if err := rows.Scan(&ts, &cacheKey, &provider, &totalFee, &latencyMs, &chainJSON, &fallbackReason); err != nil {
			return nil, err
		}
		var chain []string
		_ = json.Unmarshal([]byte(chainJSON), &chain)
		out = append(out, map[string]interface{}{
			"ts":              ts,
			"cache_key":       cacheKey,
			"provider":        provider,
			"total_fee":       totalFee,
			"latency_ms":      latencyMs,
			"provider_chain":  chain,
			"fallback_reason": fallbackReason.String,
		})
	}
	return out, rows.Err()
}
