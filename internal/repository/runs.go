package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Writable run columns. Generated columns are deliberately absent.
var runColumns = []string{
	"id", "project_id", "type", "name", "status", "parent_run_id", "sibling_run_id",
	"external_user_id", "input", "output", "error", "params", "tags", "metadata",
	"feedback", "cost", "prompt_tokens", "completion_tokens", "template_version_id",
	"runtime", "created_at", "ended_at",
}

func selectRunColumns(alias string) string {
	cols := make([]string, len(runColumns))
	for i, c := range runColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// runQueries implements run access over a *sql.DB or a *sql.Tx.
type runQueries struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*domain.Run, error) {
	var run domain.Run
	var runType string
	var name, status, parentID, siblingID, userID, templateID, runtime sql.NullString
	var input, output, errData, params, tags, metadata, feedback sql.NullString
	var cost sql.NullFloat64
	var promptTokens, completionTokens, endedAt sql.NullInt64
	var createdAt int64

	err := sc.Scan(&run.ID, &run.ProjectID, &runType, &name, &status, &parentID, &siblingID,
		&userID, &input, &output, &errData, &params, &tags, &metadata,
		&feedback, &cost, &promptTokens, &completionTokens, &templateID,
		&runtime, &createdAt, &endedAt)
	if err != nil {
		return nil, err
	}

	run.Type = domain.RunType(runType)
	run.Name = name.String
	run.Status = domain.RunStatus(status.String)
	run.ParentRunID = parentID.String
	run.SiblingRunID = siblingID.String
	run.ExternalUserID = userID.String
	run.TemplateVersionID = templateID.String
	run.Runtime = runtime.String
	run.Input = rawFrom(input)
	run.Output = rawFrom(output)
	run.Error = rawFrom(errData)
	run.Params = rawFrom(params)
	run.Feedback = rawFrom(feedback)
	run.CreatedAt = fromMillis(createdAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		run.EndedAt = &t
	}
	if cost.Valid {
		c := cost.Float64
		run.Cost = &c
	}
	if promptTokens.Valid {
		n := int(promptTokens.Int64)
		run.PromptTokens = &n
	}
	if completionTokens.Valid {
		n := int(completionTokens.Int64)
		run.CompletionTokens = &n
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &run.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of run %s: %w", run.ID, err)
		}
	}
	if metadata.Valid {
		dec := json.NewDecoder(bytes.NewReader([]byte(metadata.String)))
		dec.UseNumber()
		if err := dec.Decode(&run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func runValues(run *domain.Run) ([]any, error) {
	tags, err := marshalNullable(run.Tags, run.Tags == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	metadata, err := marshalNullable(run.Metadata, run.Metadata == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return []any{
		run.ID, run.ProjectID, string(run.Type), nullString(run.Name), nullString(string(run.Status)),
		nullString(run.ParentRunID), nullString(run.SiblingRunID), nullString(run.ExternalUserID),
		nullJSON(run.Input), nullJSON(run.Output), nullJSON(run.Error), nullJSON(run.Params),
		tags, metadata, nullJSON(run.Feedback), nullFloat(run.Cost),
		nullInt(run.PromptTokens), nullInt(run.CompletionTokens), nullString(run.TemplateVersionID),
		nullString(run.Runtime), millis(run.CreatedAt), nullMillis(run.EndedAt),
	}, nil
}

func (r runQueries) InsertRun(ctx context.Context, run *domain.Run) error {
	values, err := runValues(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO runs (%s) VALUES (%s)`,
		strings.Join(runColumns, ", "), placeholders(len(runColumns)))
	if _, err := r.q.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

func (r runQueries) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := r.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM runs r WHERE r.id = ?`, selectRunColumns("r")), runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpsertThread creates the thread run or refreshes its input and tags.
func (r runQueries) UpsertThread(ctx context.Context, thread *domain.Run) error {
	tags, err := marshalNullable(thread.Tags, thread.Tags == nil)
	if err != nil {
		return fmt.Errorf("failed to encode thread tags: %w", err)
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, type, external_user_id, tags, input, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			external_user_id = coalesce(excluded.external_user_id, runs.external_user_id),
			tags = excluded.tags,
			input = excluded.input`,
		thread.ID, thread.ProjectID, string(domain.RunTypeThread), nullString(thread.ExternalUserID),
		tags, nullJSON(thread.Input), millis(thread.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", thread.ID, err)
	}
	return nil
}

// LatestChild returns the most recently created child of a run, or nil.
func (r runQueries) LatestChild(ctx context.Context, parentRunID string) (*domain.Run, error) {
	row := r.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM runs r WHERE r.parent_run_id = ?
			ORDER BY r.created_at DESC, r.rowid DESC LIMIT 1`, selectRunColumns("r")),
		parentRunID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest child of %s: %w", parentRunID, err)
	}
	return run, nil
}

func (r runQueries) UpdateChatRun(ctx context.Context, upd ChatUpdate) error {
	sets := []string{"ended_at = ?"}
	args := []any{millis(upd.EndedAt)}

	if upd.Input != nil {
		sets = append(sets, "input = ?")
		args = append(args, nullJSON(upd.Input))
	}
	if upd.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, nullJSON(upd.Output))
	}
	if upd.Tags != nil {
		tags, err := marshalNullable(upd.Tags, false)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if upd.Metadata != nil {
		metadata, err := marshalNullable(upd.Metadata, false)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	if upd.ExternalUserID != "" {
		sets = append(sets, "external_user_id = ?")
		args = append(args, upd.ExternalUserID)
	}
	if upd.Feedback != nil {
		sets = append(sets, "feedback = ?")
		args = append(args, nullJSON(upd.Feedback))
	}

	args = append(args, upd.RunID)
	res, err := r.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE runs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update chat run %s: %w", upd.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("run", upd.RunID)
	}
	return nil
}

// runReferences lists the columns keyed by a run id.
var runReferences = []string{
	`UPDATE runs SET id = ? WHERE id = ?`,
	`UPDATE runs SET parent_run_id = ? WHERE parent_run_id = ?`,
	`UPDATE runs SET sibling_run_id = ? WHERE sibling_run_id = ?`,
	`UPDATE run_tags SET run_id = ? WHERE run_id = ?`,
	`UPDATE evaluation_results SET run_id = ? WHERE run_id = ?`,
	`UPDATE run_toxicity SET run_id = ? WHERE run_id = ?`,
	`UPDATE logs SET run_id = ? WHERE run_id = ?`,
}

// MoveRun re-keys a run and every row referencing it to toID. It reports
// false and changes nothing when toID is already taken. Foreign key checks
// are deferred to commit, so it must run inside RunInTx.
func (r runQueries) MoveRun(ctx context.Context, fromID, toID string) (bool, error) {
	if toID == "" || toID == fromID {
		return false, nil
	}
	var taken bool
	if err := r.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = ?)`, toID).Scan(&taken); err != nil {
		return false, fmt.Errorf("failed to check run %s: %w", toID, err)
	}
	if taken {
		return false, nil
	}
	if _, err := r.q.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return false, fmt.Errorf("failed to defer foreign keys: %w", err)
	}
	for i, stmt := range runReferences {
		res, err := r.q.ExecContext(ctx, stmt, toID, fromID)
		if err != nil {
			return false, fmt.Errorf("failed to move run %s to %s: %w", fromID, toID, err)
		}
		if i == 0 {
			if n, _ := res.RowsAffected(); n == 0 {
				return false, domain.NotFound("run", fromID)
			}
		}
	}
	return true, nil
}

// SetRunTags upserts one row per tag for the run.
func (r runQueries) SetRunTags(ctx context.Context, runID, projectID string, tags []string) error {
	for _, tag := range tags {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO run_tags (run_id, project_id, tag) VALUES (?, ?, ?)
			 ON CONFLICT (run_id, project_id, tag) DO NOTHING`,
			runID, projectID, tag)
		if err != nil {
			return fmt.Errorf("failed to upsert tag %q for run %s: %w", tag, runID, err)
		}
	}
	return nil
}

// InsertRun creates a new run.
func (s *SQLiteStore) InsertRun(ctx context.Context, run *domain.Run) error {
	return s.runs().InsertRun(ctx, run)
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return s.runs().GetRun(ctx, runID)
}

// RunExists reports whether a run with the id is stored.
func (s *SQLiteStore) RunExists(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = ?)`, runID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// AnyRuns reports whether at least one run is stored.
func (s *SQLiteStore) AnyRuns(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runs)`).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// EndRun marks a run successful. Token counts and cost are only written
// when known.
func (s *SQLiteStore) EndRun(ctx context.Context, end RunEnd) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			ended_at = ?,
			output = ?,
			status = ?,
			prompt_tokens = coalesce(?, prompt_tokens),
			completion_tokens = coalesce(?, completion_tokens),
			cost = coalesce(?, cost)
		 WHERE id = ?`,
		millis(end.EndedAt), nullJSON(end.Output), string(domain.RunStatusSuccess),
		nullInt(end.PromptTokens), nullInt(end.CompletionTokens), nullFloat(end.Cost), end.RunID)
	if err != nil {
		return fmt.Errorf("failed to end run %s: %w", end.RunID, err)
	}
	return nil
}

// FailRun marks a run as errored.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, endedAt time.Time, errData json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, status = ?, error = ? WHERE id = ?`,
		millis(endedAt), string(domain.RunStatusError), nullJSON(errData), runID)
	if err != nil {
		return fmt.Errorf("failed to fail run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("run", runID)
	}
	return nil
}

// MergeRunFeedback merges feedback keys into the run's existing feedback.
func (s *SQLiteStore) MergeRunFeedback(ctx context.Context, runID string, feedback json.RawMessage) error {
	if len(feedback) == 0 {
		feedback = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET feedback = json_patch(coalesce(feedback, '{}'), ?) WHERE id = ?`,
		string(feedback), runID)
	if err != nil {
		return fmt.Errorf("failed to merge feedback of run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("run", runID)
	}
	return nil
}

// FindRuns lists runs of a project matching a compiled filter, newest first.
func (s *SQLiteStore) FindRuns(ctx context.Context, q RunQuery) ([]domain.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM runs r WHERE r.project_id = ?`, selectRunColumns("r"))
	args := []any{q.ProjectID}

	if q.Where != "" {
		query += ` AND ` + q.Where
		args = append(args, q.Args...)
	}

	query += ` ORDER BY r.created_at DESC, r.rowid DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRunTags returns the tag rows of a run in insertion order.
func (s *SQLiteStore) ListRunTags(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM run_tags WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
