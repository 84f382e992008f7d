// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id     TEXT PRIMARY KEY,
			package_id   TEXT NOT NULL DEFAULT '',
			executable   TEXT NOT NULL,
			args_json    TEXT NOT NULL DEFAULT '[]',
			pid          INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL,
			launched_at  TEXT NOT NULL,
			connected_at TEXT,
			exited_at    TEXT,
			exit_code    INTEGER,
			error        TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('launched', 'connected', 'exited'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_launched ON agents(launched_at DESC);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordLaunch inserts a new agent record
func (s *SQLiteStore) RecordLaunch(ctx context.Context, rec *AgentRecord) error {
	args := rec.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}

	launchedAt := rec.LaunchedAt
	if launchedAt.IsZero() {
		launchedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, package_id, executable, args_json, pid, status, launched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.PackageID, rec.Executable, string(argsJSON), rec.PID,
		StatusLaunched, formatTime(launchedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("agent launch recorded", "agent_id", rec.AgentID, "pid", rec.PID)
	return nil
}

// MarkConnected sets the connected timestamp and status
func (s *SQLiteStore) MarkConnected(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, connected_at = ?
		WHERE agent_id = ? AND status = ?`,
		StatusConnected, formatTime(at), agentID, StatusLaunched,
	)
	if err != nil {
		return fmt.Errorf("marking agent connected: %w", err)
	}
	return requireRow(res)
}

// RecordExit sets the exit code, error and exit timestamp
func (s *SQLiteStore) RecordExit(ctx context.Context, agentID string, exitCode int, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, exited_at = ?, exit_code = ?, error = ?
		WHERE agent_id = ?`,
		StatusExited, formatTime(at), exitCode, errMsg, agentID,
	)
	if err != nil {
		return fmt.Errorf("recording agent exit: %w", err)
	}
	return requireRow(res)
}

const agentColumns = `agent_id, package_id, executable, args_json, pid, status,
	launched_at, connected_at, exited_at, exit_code, error`

// GetAgent retrieves one agent record
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListAgents retrieves the most recently launched agents
func (s *SQLiteStore) ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY launched_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*AgentRecord, error) {
	var (
		rec         AgentRecord
		argsJSON    string
		launchedAt  string
		connectedAt sql.NullString
		exitedAt    sql.NullString
		exitCode    sql.NullInt64
	)
	err := row.Scan(&rec.AgentID, &rec.PackageID, &rec.Executable, &argsJSON, &rec.PID, &rec.Status,
		&launchedAt, &connectedAt, &exitedAt, &exitCode, &rec.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if rec.LaunchedAt, err = parseTime(launchedAt); err != nil {
		return nil, err
	}
	if connectedAt.Valid {
		t, err := parseTime(connectedAt.String)
		if err != nil {
			return nil, err
		}
		rec.ConnectedAt = &t
	}
	if exitedAt.Valid {
		t, err := parseTime(exitedAt.String)
		if err != nil {
			return nil, err
		}
		rec.ExitedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// timeLayout has a fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
