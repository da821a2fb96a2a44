package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/yutampo/yutampo/pkg/types"
)

const sqliteDriverName = "sqlite"

const schemaSettings = `
CREATE TABLE IF NOT EXISTS settings (
    instance_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    json TEXT NOT NULL
);
`

const schemaCommandHistory = `
CREATE TABLE IF NOT EXISTS command_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    ts INTEGER NOT NULL,
    device_id TEXT NOT NULL,
    json TEXT NOT NULL
);
`

const schemaCommandHistoryIndex = `
CREATE INDEX IF NOT EXISTS command_history_ts ON command_history (instance_id, ts);
`

const (
	selectSettingsSQL = `SELECT version, json FROM settings WHERE instance_id = ?`
	upsertSettingsSQL = `INSERT INTO settings (instance_id, version, json) VALUES (?, ?, ?)
ON CONFLICT(instance_id) DO UPDATE SET version = excluded.version, json = excluded.json`
	insertCommandSQL  = `INSERT INTO command_history (instance_id, ts, device_id, json) VALUES (?, ?, ?, ?)`
	selectCommandsSQL = `SELECT json FROM command_history WHERE instance_id = ? AND ts >= ? AND ts < ? ORDER BY ts, id`
)

// SQLiteProvider stores everything in a local SQLite file. It suits a
// single bridge running on the same host as Home Assistant.
type SQLiteProvider struct {
	path string
	db   *sql.DB
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "/data/yutampo.db", "Path of the SQLite database file")
	s := &SQLiteProvider{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite wraps an already opened database. Init is not needed.
func NewSQLite(db *sql.DB) *SQLiteProvider {
	return &SQLiteProvider{db: db}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" && s.db == nil {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database file and ensures the tables exist.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := sql.Open(sqliteDriverName, s.path)
	if err != nil {
		return fmt.Errorf("open sqlite at %q: %w", s.path, err)
	}
	// a single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{schemaSettings, schemaCommandHistory, schemaCommandHistoryIndex} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings returns the stored settings or a zero version if none.
func (s *SQLiteProvider) GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error) {
	if instanceID == "" {
		return types.Settings{}, 0, ErrEmptyInstanceID
	}
	var version int
	var raw string
	err := s.db.QueryRowContext(ctx, selectSettingsSQL, instanceID).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("select settings %q: %w", instanceID, err)
	}
	var settings types.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return settings, version, nil
}

// SetSettings stores the settings as JSON along with their version.
func (s *SQLiteProvider) SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error {
	if instanceID == "" {
		return ErrEmptyInstanceID
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertSettingsSQL, instanceID, version, string(b)); err != nil {
		return fmt.Errorf("upsert settings %q: %w", instanceID, err)
	}
	return nil
}

// InsertCommand appends a command record.
func (s *SQLiteProvider) InsertCommand(ctx context.Context, instanceID string, rec types.CommandRecord) error {
	if instanceID == "" {
		return ErrEmptyInstanceID
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertCommandSQL, instanceID, rec.Timestamp.UnixNano(), rec.DeviceID, string(b)); err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// GetCommandHistory returns the records in [start, end) oldest first.
func (s *SQLiteProvider) GetCommandHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.CommandRecord, error) {
	if instanceID == "" {
		return nil, ErrEmptyInstanceID
	}
	rows, err := s.db.QueryContext(ctx, selectCommandsSQL, instanceID, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("select commands: %w", err)
	}
	defer rows.Close()

	var out []types.CommandRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		var rec types.CommandRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal command json: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}
