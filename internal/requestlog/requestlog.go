// Package requestlog persists one row per proxied request in SQLite. Only
// detection metadata is stored, never message content or detected values.
// Inserts run off the request's critical path (callers use a goroutine).
package requestlog

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Record is one request-log row.
type Record struct {
	ID               string
	Timestamp        time.Time
	Method           string
	Path             string
	Format           string
	Mode             string
	Provider         string
	Model            string
	Status           int
	Stream           bool
	Language         string
	LanguageFallback bool
	PIIDetected      bool
	PIIMasked        bool
	SecretsDetected  bool
	SecretTypes      []string
	Blocked          bool
	LatencyMs        int
	Error            string
}

// Store wraps the SQLite connection.
type Store struct {
	mu   sync.Mutex
	conn *sql.DB
	log  *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	format TEXT NOT NULL,
	mode TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL,
	stream INTEGER NOT NULL DEFAULT 0,
	language TEXT NOT NULL DEFAULT '',
	language_fallback INTEGER NOT NULL DEFAULT 0,
	pii_detected INTEGER NOT NULL DEFAULT 0,
	pii_masked INTEGER NOT NULL DEFAULT 0,
	secrets_detected INTEGER NOT NULL DEFAULT 0,
	secret_types TEXT NOT NULL DEFAULT '',
	blocked INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
`

// Open opens (creating if needed) the request log database.
func Open(path string, log *zap.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init request log schema: %w", err)
	}
	return &Store{conn: conn, log: log.Named("requestlog")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.conn.Close()
}

// Insert writes one record. Failures are logged, not returned: the request
// log is best-effort and must never fail a request.
func (s *Store) Insert(rec Record) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO requests (
			id, ts, method, path, format, mode, provider, model, status, stream,
			language, language_fallback, pii_detected, pii_masked,
			secrets_detected, secret_types, blocked, latency_ms, error
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.Method, rec.Path, rec.Format,
		rec.Mode, rec.Provider, rec.Model, rec.Status, boolInt(rec.Stream),
		rec.Language, boolInt(rec.LanguageFallback), boolInt(rec.PIIDetected),
		boolInt(rec.PIIMasked), boolInt(rec.SecretsDetected),
		strings.Join(rec.SecretTypes, ","), boolInt(rec.Blocked),
		rec.LatencyMs, rec.Error,
	)
	if err != nil {
		s.log.Warn("request log insert failed", zap.Error(err))
	}
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.conn.Query(`
		SELECT id, ts, method, path, format, mode, provider, model, status,
			stream, language, language_fallback, pii_detected, pii_masked,
			secrets_detected, secret_types, blocked, latency_ms, error
		FROM requests ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var stream, langFallback, piiDet, piiMasked, secDet, blocked int
		var secretTypes string
		if err := rows.Scan(&rec.ID, &ts, &rec.Method, &rec.Path, &rec.Format,
			&rec.Mode, &rec.Provider, &rec.Model, &rec.Status, &stream,
			&rec.Language, &langFallback, &piiDet, &piiMasked, &secDet,
			&secretTypes, &blocked, &rec.LatencyMs, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Stream = stream != 0
		rec.LanguageFallback = langFallback != 0
		rec.PIIDetected = piiDet != 0
		rec.PIIMasked = piiMasked != 0
		rec.SecretsDetected = secDet != 0
		rec.Blocked = blocked != 0
		if secretTypes != "" {
			rec.SecretTypes = strings.Split(secretTypes, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
