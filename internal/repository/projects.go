package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// CreateProject creates a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		project.ID, project.Name, millis(project.CreatedAt))
	return err
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var project domain.Project
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`,
		projectID).Scan(&project.ID, &project.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	project.CreatedAt = fromMillis(createdAt)
	return &project, nil
}

// UpsertExternalUser records an end user sighting and returns the stored id.
func (s *SQLiteStore) UpsertExternalUser(ctx context.Context, user *domain.ExternalUser) (string, error) {
	id := user.ID
	if id == "" {
		id = uuid.New().String()
	}

	var stored string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO external_users (id, project_id, external_id, last_seen, props)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (external_id, project_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			props = coalesce(excluded.props, external_users.props)
		 RETURNING id`,
		id, user.ProjectID, user.ExternalID, millis(user.LastSeen), nullJSON(user.Props)).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to upsert external user %s: %w", user.ExternalID, err)
	}
	return stored, nil
}

// InsertLog records a log line against a run.
func (s *SQLiteStore) InsertLog(ctx context.Context, entry *domain.LogEntry) error {
	extra := nullJSON(entry.Extra)
	if !extra.Valid {
		extra = sql.NullString{String: "{}", Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (run_id, project_id, level, message, extra, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.ProjectID, entry.Level, nullString(entry.Message), extra, millis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert log for run %s: %w", entry.RunID, err)
	}
	return nil
}

// ListLogs returns the logs of a run, oldest first.
func (s *SQLiteStore) ListLogs(ctx context.Context, runID string) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, project_id, level, message, extra, created_at FROM logs WHERE run_id = ? ORDER BY created_at, id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var message, extra sql.NullString
		var createdAt int64
		if err := rows.Scan(&entry.RunID, &entry.ProjectID, &entry.Level, &message, &extra, &createdAt); err != nil {
			return nil, err
		}
		entry.Message = message.String
		entry.Extra = rawFrom(extra)
		entry.CreatedAt = fromMillis(createdAt)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
