package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// CreateEvaluator creates a new evaluator.
func (s *SQLiteStore) CreateEvaluator(ctx context.Context, e *domain.Evaluator) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluators (id, project_id, name, kind, mode, params, filters, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Name, string(e.Kind), string(e.Mode), nullJSON(e.Params), nullJSON(e.Filters), millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}
	return nil
}

const evaluatorColumns = `id, project_id, name, kind, mode, params, filters, created_at`

func scanEvaluator(sc rowScanner) (*domain.Evaluator, error) {
	var e domain.Evaluator
	var kind, mode string
	var params, filters sql.NullString
	var createdAt int64
	if err := sc.Scan(&e.ID, &e.ProjectID, &e.Name, &kind, &mode, &params, &filters, &createdAt); err != nil {
		return nil, err
	}
	e.Kind = domain.EvaluatorKind(kind)
	e.Mode = domain.EvaluatorMode(mode)
	e.Params = rawFrom(params)
	e.Filters = rawFrom(filters)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// GetEvaluator retrieves an evaluator by ID.
func (s *SQLiteStore) GetEvaluator(ctx context.Context, evaluatorID string) (*domain.Evaluator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+evaluatorColumns+` FROM evaluators WHERE id = ?`, evaluatorID)
	e, err := scanEvaluator(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListEvaluators lists evaluators, optionally restricted to a project and mode.
func (s *SQLiteStore) ListEvaluators(ctx context.Context, filter EvaluatorFilter) ([]domain.Evaluator, error) {
	query := `SELECT ` + evaluatorColumns + ` FROM evaluators WHERE 1 = 1`
	var args []any

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evaluators []domain.Evaluator
	for rows.Next() {
		e, err := scanEvaluator(rows)
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, *e)
	}
	return evaluators, rows.Err()
}

// SelectUnevaluatedRuns returns up to limit runs of the evaluator's project
// that match where and have no result row for the evaluator, newest first.
func (s *SQLiteStore) SelectUnevaluatedRuns(ctx context.Context, evaluator *domain.Evaluator, where string, args []any, limit int) ([]domain.Run, error) {
	if where == "" {
		where = "(1 = 1)"
	}
	query := fmt.Sprintf(`SELECT %s FROM runs r
		LEFT JOIN evaluation_results er ON er.run_id = r.id AND er.evaluator_id = ?
		WHERE r.project_id = ?
			AND %s
			AND er.run_id IS NULL
		ORDER BY r.created_at DESC, r.rowid DESC
		LIMIT ?`, selectRunColumns("r"), where)

	params := make([]any, 0, len(args)+3)
	params = append(params, evaluator.ID, evaluator.ProjectID)
	params = append(params, args...)
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to select runs for evaluator %s: %w", evaluator.ID, err)
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

// UpsertEvaluationResult stores the result of a (run, evaluator) pair.
// A second write for the same pair replaces the first.
func (s *SQLiteStore) UpsertEvaluationResult(ctx context.Context, result *domain.EvaluationResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluation_results (evaluator_id, run_id, result, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (evaluator_id, run_id) DO UPDATE SET
			result = excluded.result,
			created_at = excluded.created_at`,
		result.EvaluatorID, result.RunID, string(result.Result), millis(result.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to store evaluation result: %w", err)
	}
	return nil
}

// ListEvaluationResults lists an evaluator's results, newest first.
func (s *SQLiteStore) ListEvaluationResults(ctx context.Context, evaluatorID string, limit int) ([]domain.EvaluationResult, error) {
	query := `SELECT evaluator_id, run_id, result, created_at FROM evaluation_results WHERE evaluator_id = ? ORDER BY created_at DESC, run_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, evaluatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.EvaluationResult
	for rows.Next() {
		var r domain.EvaluationResult
		var result string
		var createdAt int64
		if err := rows.Scan(&r.EvaluatorID, &r.RunID, &result, &createdAt); err != nil {
			return nil, err
		}
		r.Result = json.RawMessage(result)
		r.CreatedAt = fromMillis(createdAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpsertRunToxicity stores the denormalized toxicity summary of a run.
func (s *SQLiteStore) UpsertRunToxicity(ctx context.Context, tox *domain.RunToxicity) error {
	inputLabels, err := domain.EncodeJSON(nonNil(tox.InputLabels))
	if err != nil {
		return err
	}
	outputLabels, err := domain.EncodeJSON(nonNil(tox.OutputLabels))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_toxicity (run_id, toxic_input, toxic_output, input_labels, output_labels, messages)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
			toxic_input = excluded.toxic_input,
			toxic_output = excluded.toxic_output,
			input_labels = excluded.input_labels,
			output_labels = excluded.output_labels,
			messages = excluded.messages`,
		tox.RunID, tox.ToxicInput, tox.ToxicOutput, string(inputLabels), string(outputLabels), nullJSON(tox.Messages))
	if err != nil {
		return fmt.Errorf("failed to upsert toxicity of run %s: %w", tox.RunID, err)
	}
	return nil
}

// GetRunToxicity retrieves the toxicity summary of a run.
func (s *SQLiteStore) GetRunToxicity(ctx context.Context, runID string) (*domain.RunToxicity, error) {
	var tox domain.RunToxicity
	var inputLabels, outputLabels, messages sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, toxic_input, toxic_output, input_labels, output_labels, messages FROM run_toxicity WHERE run_id = ?`,
		runID).Scan(&tox.RunID, &tox.ToxicInput, &tox.ToxicOutput, &inputLabels, &outputLabels, &messages)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inputLabels.Valid {
		if err := json.Unmarshal([]byte(inputLabels.String), &tox.InputLabels); err != nil {
			return nil, err
		}
	}
	if outputLabels.Valid {
		if err := json.Unmarshal([]byte(outputLabels.String), &tox.OutputLabels); err != nil {
			return nil, err
		}
	}
	tox.Messages = rawFrom(messages)
	return &tox, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
