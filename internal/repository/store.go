// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Project operations
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)

	// External user operations
	UpsertExternalUser(ctx context.Context, user *domain.ExternalUser) (string, error)

	// Run operations
	InsertRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	RunExists(ctx context.Context, runID string) (bool, error)
	AnyRuns(ctx context.Context) (bool, error)
	EndRun(ctx context.Context, end RunEnd) error
	FailRun(ctx context.Context, runID string, endedAt time.Time, errData json.RawMessage) error
	MergeRunFeedback(ctx context.Context, runID string, feedback json.RawMessage) error
	FindRuns(ctx context.Context, q RunQuery) ([]domain.Run, error)
	ListRunTags(ctx context.Context, runID string) ([]string, error)

	// Chat reconciliation runs inside one transaction.
	RunInTx(ctx context.Context, fn func(tx RunTx) error) error

	// Log operations
	InsertLog(ctx context.Context, entry *domain.LogEntry) error
	ListLogs(ctx context.Context, runID string) ([]domain.LogEntry, error)

	// Evaluator operations
	CreateEvaluator(ctx context.Context, evaluator *domain.Evaluator) error
	GetEvaluator(ctx context.Context, evaluatorID string) (*domain.Evaluator, error)
	ListEvaluators(ctx context.Context, filter EvaluatorFilter) ([]domain.Evaluator, error)

	// Evaluation result operations
	SelectUnevaluatedRuns(ctx context.Context, evaluator *domain.Evaluator, where string, args []any, limit int) ([]domain.Run, error)
	UpsertEvaluationResult(ctx context.Context, result *domain.EvaluationResult) error
	ListEvaluationResults(ctx context.Context, evaluatorID string, limit int) ([]domain.EvaluationResult, error)
	UpsertRunToxicity(ctx context.Context, tox *domain.RunToxicity) error
	GetRunToxicity(ctx context.Context, runID string) (*domain.RunToxicity, error)

	// Lifecycle
	Close() error
}

// RunTx is the slice of run operations available inside a transaction.
type RunTx interface {
	UpsertThread(ctx context.Context, thread *domain.Run) error
	LatestChild(ctx context.Context, parentRunID string) (*domain.Run, error)
	InsertRun(ctx context.Context, run *domain.Run) error
	UpdateChatRun(ctx context.Context, upd ChatUpdate) error
	MoveRun(ctx context.Context, fromID, toID string) (bool, error)
	SetRunTags(ctx context.Context, runID, projectID string, tags []string) error
}

// RunEnd carries the fields written when a run finishes successfully.
type RunEnd struct {
	RunID            string
	EndedAt          time.Time
	Output           json.RawMessage
	PromptTokens     *int
	CompletionTokens *int
	Cost             *float64
}

// ChatUpdate mutates an open chat run. Nil fields are left unchanged.
type ChatUpdate struct {
	RunID          string
	Input          json.RawMessage
	Output         json.RawMessage
	Tags           []string
	Metadata       map[string]any
	ExternalUserID string
	Feedback       json.RawMessage
	EndedAt        time.Time
}

// RunQuery selects runs of a project. Where is a compiled filter fragment
// over the alias r; Args are its positional parameters.
type RunQuery struct {
	ProjectID string
	Where     string
	Args      []any
	Limit     int
	Offset    int
}

// EvaluatorFilter provides filtering options for evaluators.
type EvaluatorFilter struct {
	ProjectID string
	Mode      domain.EvaluatorMode
}
