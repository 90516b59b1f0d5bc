// Package domain defines the core domain models for run telemetry.
package domain

// RunType represents the kind of activity a run records.
type RunType string

const (
	RunTypeLLM         RunType = "llm"
	RunTypeChain       RunType = "chain"
	RunTypeAgent       RunType = "agent"
	RunTypeTool        RunType = "tool"
	RunTypeLog         RunType = "log"
	RunTypeEmbed       RunType = "embed"
	RunTypeRetriever   RunType = "retriever"
	RunTypeChat        RunType = "chat"
	RunTypeThread      RunType = "thread"
	RunTypeCustomEvent RunType = "custom-event"
	// RunTypeTrace is a filter-only alias for top-level agent/chain runs.
	RunTypeTrace RunType = "trace"
)

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusStarted RunStatus = "started"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// EventName is the lifecycle verb carried by an inbound event.
type EventName string

const (
	EventStart    EventName = "start"
	EventEnd      EventName = "end"
	EventError    EventName = "error"
	EventFeedback EventName = "feedback"
	EventChat     EventName = "chat"
)

// EvaluatorMode controls when an evaluator runs.
type EvaluatorMode string

const (
	EvaluatorModeRealtime EvaluatorMode = "realtime"
	EvaluatorModeBatch    EvaluatorMode = "batch"
)

// EvaluatorKind names the judgment function an evaluator applies.
type EvaluatorKind string

const (
	EvaluatorKindLanguage  EvaluatorKind = "language"
	EvaluatorKindPII       EvaluatorKind = "pii"
	EvaluatorKindSentiment EvaluatorKind = "sentiment"
	EvaluatorKindTopics    EvaluatorKind = "topics"
	EvaluatorKindToxicity  EvaluatorKind = "toxicity"
	EvaluatorKindPolicy    EvaluatorKind = "policy"
	EvaluatorKindAssertion EvaluatorKind = "assertion"
)

// Message roles, split by which side of an exchange they land on.
var (
	outputRoles = map[string]bool{"assistant": true, "tool": true, "bot": true}
	inputRoles  = map[string]bool{"user": true, "system": true}
)

// IsOutputRole reports whether role belongs in a run's output.
func IsOutputRole(role string) bool { return outputRoles[role] }

// IsInputRole reports whether role belongs in a run's input.
func IsInputRole(role string) bool { return inputRoles[role] }
