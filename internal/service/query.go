package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
	"github.com/xiaot623/gogo/telemetry/internal/filter"
	"github.com/xiaot623/gogo/telemetry/internal/repository"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// RunSearch selects runs of a project by filter tree.
type RunSearch struct {
	ProjectID string
	Filters   json.RawMessage
	Limit     int
	Offset    int
}

// SearchRuns returns the project's runs matching the filter tree, newest
// first. An absent tree matches every run.
func (s *Service) SearchRuns(ctx context.Context, q RunSearch) ([]domain.Run, error) {
	if err := s.requireProject(ctx, q.ProjectID); err != nil {
		return nil, err
	}

	query := store.RunQuery{ProjectID: q.ProjectID, Limit: q.Limit, Offset: q.Offset}
	if query.Limit <= 0 {
		query.Limit = defaultSearchLimit
	}
	if query.Limit > maxSearchLimit {
		query.Limit = maxSearchLimit
	}
	if len(q.Filters) > 0 && string(q.Filters) != "null" {
		frag, err := s.compiler.CompileJSON(q.Filters)
		if err != nil {
			return nil, err
		}
		query.Where, query.Args = frag.SQL, frag.Args
	}

	runs, err := s.store.FindRuns(ctx, query)
	if err != nil {
		return nil, domain.Persistence("find runs", err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return runs, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, domain.Persistence("get run", err)
	}
	if run == nil {
		return nil, domain.NotFound("run", runID)
	}
	return run, nil
}

// CompileFilter compiles a filter tree without running it.
func (s *Service) CompileFilter(raw json.RawMessage) (filter.Fragment, error) {
	return s.compiler.CompileJSON(raw)
}

var evaluatorKinds = map[domain.EvaluatorKind]bool{
	domain.EvaluatorKindLanguage:  true,
	domain.EvaluatorKindPII:       true,
	domain.EvaluatorKindSentiment: true,
	domain.EvaluatorKindTopics:    true,
	domain.EvaluatorKindToxicity:  true,
	domain.EvaluatorKindPolicy:    true,
	domain.EvaluatorKindAssertion: true,
}

// CreateEvaluator validates and stores a new evaluator.
func (s *Service) CreateEvaluator(ctx context.Context, e *domain.Evaluator) (*domain.Evaluator, error) {
	if err := s.requireProject(ctx, e.ProjectID); err != nil {
		return nil, err
	}
	if e.Name == "" {
		return nil, domain.Invalid("name", "is required")
	}
	if !evaluatorKinds[e.Kind] {
		return nil, domain.Invalid("kind", "unsupported evaluator kind %q", e.Kind)
	}
	switch e.Mode {
	case "":
		e.Mode = domain.EvaluatorModeRealtime
	case domain.EvaluatorModeRealtime, domain.EvaluatorModeBatch:
	default:
		return nil, domain.Invalid("mode", "unsupported mode %q", e.Mode)
	}
	if len(e.Filters) > 0 && string(e.Filters) != "null" {
		if _, err := filter.Parse(e.Filters); err != nil {
			return nil, err
		}
	}
	if len(e.Params) > 0 && !json.Valid(e.Params) {
		return nil, domain.Invalid("params", "must be valid json")
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.now().UTC()
	if err := s.store.CreateEvaluator(ctx, e); err != nil {
		return nil, domain.Persistence("create evaluator", err)
	}
	s.evaluators.Invalidate()
	return e, nil
}

// ListEvaluators lists the evaluators of a project, optionally by mode.
func (s *Service) ListEvaluators(ctx context.Context, projectID string, mode domain.EvaluatorMode) ([]domain.Evaluator, error) {
	evaluators, err := s.store.ListEvaluators(ctx, store.EvaluatorFilter{ProjectID: projectID, Mode: mode})
	if err != nil {
		return nil, domain.Persistence("list evaluators", err)
	}
	if evaluators == nil {
		evaluators = []domain.Evaluator{}
	}
	return evaluators, nil
}

// ListEvaluationResults returns the latest results of an evaluator.
func (s *Service) ListEvaluationResults(ctx context.Context, evaluatorID string, limit int) ([]domain.EvaluationResult, error) {
	ev, err := s.store.GetEvaluator(ctx, evaluatorID)
	if err != nil {
		return nil, domain.Persistence("get evaluator", err)
	}
	if ev == nil {
		return nil, domain.NotFound("evaluator", evaluatorID)
	}
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}
	results, err := s.store.ListEvaluationResults(ctx, evaluatorID, limit)
	if err != nil {
		return nil, domain.Persistence("list evaluation results", err)
	}
	if results == nil {
		results = []domain.EvaluationResult{}
	}
	return results, nil
}

// CreateProject creates a project. An empty id gets a generated one.
func (s *Service) CreateProject(ctx context.Context, id, name string) (*domain.Project, error) {
	if name == "" {
		return nil, domain.Invalid("name", "is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	existing, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, domain.Persistence("get project", err)
	}
	if existing != nil {
		return existing, nil
	}
	project := &domain.Project{ID: id, Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, domain.Persistence("create project", err)
	}
	return project, nil
}

// ListRunLogs returns the log lines attached to a run, oldest first.
func (s *Service) ListRunLogs(ctx context.Context, runID string) ([]domain.LogEntry, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, runID)
	if err != nil {
		return nil, domain.Persistence("list logs", err)
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	return logs, nil
}
