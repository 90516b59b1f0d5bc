package domain

import (
	"encoding/json"
	"time"
)

// Run is one persisted unit of LLM/tool/agent activity, or one turn of a
// chat thread.
type Run struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"projectId"`
	Type              RunType         `json:"type"`
	Name              string          `json:"name,omitempty"`
	Status            RunStatus       `json:"status,omitempty"`
	ParentRunID       string          `json:"parentRunId,omitempty"`
	SiblingRunID      string          `json:"siblingRunId,omitempty"`
	ExternalUserID    string          `json:"externalUserId,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             json.RawMessage `json:"error,omitempty"`
	Params            json.RawMessage `json:"params,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Feedback          json.RawMessage `json:"feedback,omitempty"`
	Cost              *float64        `json:"cost,omitempty"`
	PromptTokens      *int            `json:"promptTokens,omitempty"`
	CompletionTokens  *int            `json:"completionTokens,omitempty"`
	TemplateVersionID string          `json:"templateVersionId,omitempty"`
	Runtime           string          `json:"runtime,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
}

// Duration returns the run's elapsed seconds, computed the same way as the
// store's generated duration column.
func (r *Run) Duration() (float64, bool) {
	if r.EndedAt == nil {
		return 0, false
	}
	return float64(r.EndedAt.UnixMilli()-r.CreatedAt.UnixMilli()) / 1000.0, true
}

// GeneratedColumns lists the store columns computed from other columns.
// They are never written and must be stripped before a row is copied.
var GeneratedColumns = []string{"input_text", "output_text", "error_text", "duration"}

// Message is the stored shape of one chat message.
type Message struct {
	Role     string          `json:"role"`
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TokensUsage holds prompt/completion token counts.
type TokensUsage struct {
	Prompt     *int `json:"prompt,omitempty"`
	Completion *int `json:"completion,omitempty"`
}

// Complete reports whether both counts are known and non-zero.
func (u *TokensUsage) Complete() bool {
	return u != nil && u.Prompt != nil && *u.Prompt > 0 && u.Completion != nil && *u.Completion > 0
}

// ChatMessage is the message carried by a chat event.
type ChatMessage struct {
	Role     string          `json:"role"`
	Content  json.RawMessage `json:"content,omitempty"`
	IsRetry  bool            `json:"isRetry,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Core returns the message as it is stored on a run.
func (m *ChatMessage) Core() Message {
	meta := m.Metadata
	if len(meta) == 0 || string(meta) == "null" {
		meta = m.Extra
	}
	if string(meta) == "null" {
		meta = nil
	}
	return Message{Role: m.Role, Content: m.Content, Metadata: meta}
}

// Event is the canonical, normalized form of an inbound SDK event.
type Event struct {
	Type        RunType         `json:"type"`
	Event       EventName       `json:"event,omitempty"`
	RunID       string          `json:"runId,omitempty"`
	ParentRunID string          `json:"parentRunId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Name        string          `json:"name,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	UserProps   json.RawMessage `json:"userProps,omitempty"`
	TemplateID  string          `json:"templateId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
	Feedback    json.RawMessage `json:"feedback,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	ThreadTags  []string        `json:"threadTags,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	TokensUsage *TokensUsage    `json:"tokensUsage,omitempty"`
	Runtime     string          `json:"runtime,omitempty"`
	// Message is set for chat events; LogMessage for log events.
	Message    *ChatMessage `json:"message,omitempty"`
	LogMessage string       `json:"-"`
	Level      string       `json:"level,omitempty"`
}

// HasTimestamp reports whether the event carried a parseable timestamp.
func (e *Event) HasTimestamp() bool { return !e.Timestamp.IsZero() }

// Project owns runs and evaluators.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExternalUser is an end user of an instrumented application.
type ExternalUser struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"projectId"`
	ExternalID string          `json:"externalId"`
	LastSeen   time.Time       `json:"lastSeen"`
	Props      json.RawMessage `json:"props,omitempty"`
}

// LogEntry is a log line attached to a run.
type LogEntry struct {
	RunID     string          `json:"runId"`
	ProjectID string          `json:"projectId"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Extra     json.RawMessage `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// IngestResult reports how a single event of a batch fared.
type IngestResult struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
