package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS external_users (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			last_seen INTEGER,
			props TEXT,
			UNIQUE (external_id, project_id),
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		// Times are unix milliseconds. The *_text and duration columns are
		// computed and must never be written.
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT,
			status TEXT,
			parent_run_id TEXT,
			sibling_run_id TEXT,
			external_user_id TEXT,
			input TEXT,
			output TEXT,
			error TEXT,
			params TEXT,
			tags TEXT,
			metadata TEXT,
			feedback TEXT,
			cost REAL,
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			template_version_id TEXT,
			runtime TEXT,
			created_at INTEGER NOT NULL,
			ended_at INTEGER,
			input_text TEXT GENERATED ALWAYS AS (coalesce(input, '')) VIRTUAL,
			output_text TEXT GENERATED ALWAYS AS (coalesce(output, '')) VIRTUAL,
			error_text TEXT GENERATED ALWAYS AS (coalesce(error, '')) VIRTUAL,
			duration REAL GENERATED ALWAYS AS ((ended_at - created_at) / 1000.0) VIRTUAL,
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_created ON runs(project_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent_created ON runs(parent_run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_tags (
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			UNIQUE (run_id, project_id, tag),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT,
			extra TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_run ON logs(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS evaluators (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			params TEXT,
			filters TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id)
		)`,
		`CREATE TABLE IF NOT EXISTS evaluation_results (
			evaluator_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (evaluator_id, run_id),
			FOREIGN KEY (evaluator_id) REFERENCES evaluators(id),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluation_results_run ON evaluation_results(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_toxicity (
			run_id TEXT PRIMARY KEY,
			toxic_input INTEGER NOT NULL DEFAULT 0,
			toxic_output INTEGER NOT NULL DEFAULT 0,
			input_labels TEXT,
			output_labels TEXT,
			messages TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first schema (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("runs", "runtime", "ALTER TABLE runs ADD COLUMN runtime TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("runs", "template_version_id", "ALTER TABLE runs ADD COLUMN template_version_id TEXT"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	// table_xinfo also lists generated columns.
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_xinfo(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		var hidden int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk, &hidden); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunInTx executes fn in a single transaction, committing when fn returns
// nil and rolling back otherwise.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(tx RunTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(runQueries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) runs() runQueries {
	return runQueries{q: s.db}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON stores raw JSON as text so JSON1 functions can read it.
func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	buf, err := domain.EncodeJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func rawFrom(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
