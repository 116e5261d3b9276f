// ABOUTME: SQLite-backed Store implementation using modernc.org/sqlite.
// ABOUTME: Opens with WAL and foreign keys, creates schema on first run.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS auto_raids (
	town_id    TEXT NOT NULL,
	account    TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (town_id, account)
);

CREATE TABLE IF NOT EXISTS redeems (
	id         TEXT PRIMARY KEY,
	town_id    TEXT NOT NULL,
	chatter    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	action     TEXT,
	status     TEXT NOT NULL CHECK (status IN ('fulfilled', 'duplicate', 'disabled', 'unmapped')),
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_redeems_town ON redeems(town_id, created_at);

CREATE TABLE IF NOT EXISTS restarts (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	town_id TEXT NOT NULL,
	reason  TEXT NOT NULL,
	outcome TEXT NOT NULL CHECK (outcome IN ('ok', 'failed', 'exhausted')),
	detail  TEXT,
	at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_restarts_town ON restarts(town_id, at);
`

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets the poller goroutines read while the correlator writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec(createSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("store opened", "path", dbPath)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SetAutoRaid upserts an account's auto-raid enrollment for a town.
func (s *SQLiteStore) SetAutoRaid(ctx context.Context, townID, account string, enabled bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_raids (town_id, account, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (town_id, account) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, townID, account, boolToInt(enabled), now)
	if err != nil {
		return fmt.Errorf("upserting auto-raid: %w", err)
	}
	s.logger.Debug("auto-raid updated", "town", townID, "account", account, "enabled", enabled)
	return nil
}

// AutoRaidAccounts returns the enrolled accounts for a town, sorted.
func (s *SQLiteStore) AutoRaidAccounts(ctx context.Context, townID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account FROM auto_raids
		WHERE town_id = ? AND enabled = 1
		ORDER BY account
	`, townID)
	if err != nil {
		return nil, fmt.Errorf("querying auto-raids: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("scanning auto-raid row: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// RecordRedeem inserts an audit row unless the redeem id already exists.
func (s *SQLiteStore) RecordRedeem(ctx context.Context, r *Redeem) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO redeems (id, town_id, chatter, kind, action, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TownID, r.Chatter, r.Kind, nullString(r.Action), r.Status, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("inserting redeem: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking redeem insert: %w", err)
	}
	return n > 0, nil
}

// GetRedeem fetches one audit row by redeem id.
func (s *SQLiteStore) GetRedeem(ctx context.Context, id string) (*Redeem, error) {
	var (
		r       Redeem
		action  sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, town_id, chatter, kind, action, status, created_at
		FROM redeems WHERE id = ?
	`, id).Scan(&r.ID, &r.TownID, &r.Chatter, &r.Kind, &action, &r.Status, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying redeem: %w", err)
	}
	r.Action = action.String
	r.CreatedAt, err = time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, fmt.Errorf("parsing redeem timestamp: %w", err)
	}
	return &r, nil
}

// RecordRestart appends a restart-history row.
func (s *SQLiteStore) RecordRestart(ctx context.Context, r *Restart) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO restarts (town_id, reason, outcome, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`, r.TownID, r.Reason, r.Outcome, nullString(r.Detail), r.At.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting restart: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading restart id: %w", err)
	}
	return nil
}

// RestartHistory returns the newest restart rows for a town.
func (s *SQLiteStore) RestartHistory(ctx context.Context, townID string, limit int) ([]*Restart, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, town_id, reason, outcome, detail, at
		FROM restarts
		WHERE town_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, townID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying restart history: %w", err)
	}
	defer rows.Close()

	var history []*Restart
	for rows.Next() {
		var (
			r      Restart
			detail sql.NullString
			at     string
		)
		if err := rows.Scan(&r.ID, &r.TownID, &r.Reason, &r.Outcome, &detail, &at); err != nil {
			return nil, fmt.Errorf("scanning restart row: %w", err)
		}
		r.Detail = detail.String
		r.At, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("parsing restart timestamp: %w", err)
		}
		history = append(history, &r)
	}
	return history, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
