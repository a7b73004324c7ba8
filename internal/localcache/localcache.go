// Package localcache is the device-local SQLite store.
//
// It keeps what must survive a restart on one device and is never shared:
//   - the device identity, generated once
//   - the last calendar date this device saw the daily reset
//   - the offline operation queue journal
//   - conflicts recorded for manual review
//   - opaque documents (used by the development relay to persist its tree)
//
// The database runs embedded with WAL so the agent and CLI commands can read it
// concurrently. Default location: ~/.shiftsync/cache.db.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/shiftboard/shiftsync/internal/queue"
	"github.com/shiftboard/shiftsync/internal/resolve"
)

const (
	keyDeviceID      = "device_id"
	keyLastResetDate = "last_reset_date"
)

// Cache wraps the SQLite connection.
type Cache struct {
	conn *sql.DB
	path string
}

// DefaultPath returns ~/.shiftsync/cache.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".shiftsync", "cache.db"), nil
}

// Open opens (creating if needed) the cache at path and initializes the schema.
// The caller must Close it.
func Open(path string) (*Cache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path}

	if _, err := c.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := c.InitSchema(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Path returns the database file path.
func (c *Cache) Path() string { return c.path }

// Close checkpoints the WAL and closes the connection.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	c.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (c *Cache) InitSchema() error {
	return c.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (c *Cache) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue_ops (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL  -- JSON operation
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field TEXT NOT NULL,
		strategy TEXT NOT NULL,
		local TEXT,
		remote TEXT,
		detected_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(resolved, detected_at);

	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (c *Cache) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := c.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (c *Cache) setMeta(ctx context.Context, key, value string) error {
	_, err := c.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// DeviceID returns this device's identity, generating and storing it on first use.
func (c *Cache) DeviceID(ctx context.Context) (string, error) {
	id, err := c.getMeta(ctx, keyDeviceID)
	if err != nil || id != "" {
		return id, err
	}
	if _, err := c.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`,
		keyDeviceID, uuid.NewString(),
	); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	return c.getMeta(ctx, keyDeviceID)
}

// SetDeviceID pins the device identity, e.g. from configuration.
func (c *Cache) SetDeviceID(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	return c.setMeta(ctx, keyDeviceID, id)
}

// LastResetDate returns the last date this device saw reset, or "".
func (c *Cache) LastResetDate(ctx context.Context) (string, error) {
	return c.getMeta(ctx, keyLastResetDate)
}

// SetLastResetDate records date as reset.
func (c *Cache) SetLastResetDate(ctx context.Context, date string) error {
	return c.setMeta(ctx, keyLastResetDate, date)
}

// LoadOperations implements queue.Journal.
func (c *Cache) LoadOperations(ctx context.Context) ([]queue.Operation, error) {
	rows, err := c.conn.QueryContext(ctx, `SELECT body FROM queue_ops ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued operations: %w", err)
	}
	defer rows.Close()

	var ops []queue.Operation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan queued operation: %w", err)
		}
		var op queue.Operation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("failed to decode queued operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SaveOperations implements queue.Journal. It replaces the stored queue.
func (c *Cache) SaveOperations(ctx context.Context, ops []queue.Operation) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_ops`); err != nil {
		return fmt.Errorf("failed to clear queued operations: %w", err)
	}
	for i, op := range ops {
		body, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_ops (seq, id, body) VALUES (?, ?, ?)`,
			i, op.ID, string(body),
		); err != nil {
			return fmt.Errorf("failed to store operation %s: %w", op.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queued operations: %w", err)
	}
	return nil
}

// ConflictRecord is a stored conflict.
type ConflictRecord struct {
	ID int64
	resolve.Conflict
	Resolved bool
}

// RecordConflict stores c for manual review.
func (c *Cache) RecordConflict(ctx context.Context, conflict resolve.Conflict) error {
	_, err := c.conn.ExecContext(ctx, `
	INSERT INTO conflicts (field, strategy, local, remote, detected_at)
	VALUES (?, ?, ?, ?, ?)
	`,
		conflict.Field,
		conflict.Strategy,
		string(conflict.Local),
		string(conflict.Remote),
		conflict.DetectedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record conflict on %s: %w", conflict.Field, err)
	}
	return nil
}

// Conflicts lists recorded conflicts, oldest first. With openOnly, resolved ones
// are left out.
func (c *Cache) Conflicts(ctx context.Context, openOnly bool) ([]ConflictRecord, error) {
	query := `SELECT id, field, strategy, local, remote, detected_at, resolved FROM conflicts`
	if openOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at, id`

	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		var (
			rec           ConflictRecord
			local, remote sql.NullString
			detectedAt    string
			resolved      int
		)
		if err := rows.Scan(&rec.ID, &rec.Field, &rec.Strategy, &local, &remote, &detectedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		rec.Local = nullToRaw(local)
		rec.Remote = nullToRaw(remote)
		if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			rec.DetectedAt = t
		}
		rec.Resolved = resolved != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict as handled.
func (c *Cache) ResolveConflict(ctx context.Context, id int64) error {
	res, err := c.conn.ExecContext(ctx, `UPDATE conflicts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %d not found", id)
	}
	return nil
}

// PutDocument stores body at path, replacing any previous one.
func (c *Cache) PutDocument(ctx context.Context, path string, body json.RawMessage) error {
	_, err := c.conn.ExecContext(ctx, `
	INSERT INTO documents (path, body, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, path, string(body), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", path, err)
	}
	return nil
}

// DeleteDocument removes the document at path. Missing documents are ignored.
func (c *Cache) DeleteDocument(ctx context.Context, path string) error {
	if _, err := c.conn.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", path, err)
	}
	return nil
}

// Documents returns every stored document keyed by path.
func (c *Cache) Documents(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := c.conn.QueryContext(ctx, `SELECT path, body FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make(map[string]json.RawMessage)
	for rows.Next() {
		var path, body string
		if err := rows.Scan(&path, &body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs[path] = json.RawMessage(body)
	}
	return docs, rows.Err()
}

func nullToRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

var _ queue.Journal = (*Cache)(nil)
