// Package reconcile maps chat messages onto the append-only run sequence of
// a thread.
//
// One run stores one exchange: its input holds the user/system messages of
// a turn and its output the assistant/tool/bot replies. Decide picks, for
// an inbound message and the thread's latest run, whether to open a new run
// or extend the latest one in place.
package reconcile

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

// Rule identifies which row of the transition table produced a decision.
type Rule int

const (
	RuleFirstMessage Rule = 1
	RuleRetry        Rule = 2
	RuleAfterCustom  Rule = 3
	RuleAppendOutput Rule = 4
	RuleNextTurn     Rule = 5
	RuleAppendInput  Rule = 6
)

func (r Rule) String() string {
	switch r {
	case RuleFirstMessage:
		return "first_message"
	case RuleRetry:
		return "retry"
	case RuleAfterCustom:
		return "after_custom_event"
	case RuleAppendOutput:
		return "append_output"
	case RuleNextTurn:
		return "next_turn"
	case RuleAppendInput:
		return "append_input"
	}
	return "unknown"
}

// Message is one chat message bound for a thread.
type Message struct {
	RunID          string
	ProjectID      string
	ThreadID       string
	Timestamp      time.Time
	Role           string
	IsRetry        bool
	Core           domain.Message
	Tags           []string
	Metadata       map[string]any
	ExternalUserID string
	Feedback       json.RawMessage
}

// Decision is either an Insert or an UpdateInPlace.
type Decision interface {
	decision()
	// RuleApplied returns the transition that produced the decision.
	RuleApplied() Rule
}

// Insert creates a new chat run.
type Insert struct {
	Rule Rule
	Run  domain.Run
}

// UpdateInPlace mutates the thread's open run. Nil fields are left as is.
// NewRunID, when set, is the latest message's id, which the run takes over.
type UpdateInPlace struct {
	Rule           Rule
	RunID          string
	NewRunID       string
	Input          json.RawMessage
	Output         json.RawMessage
	Tags           []string
	Metadata       map[string]any
	ExternalUserID string
	Feedback       json.RawMessage
	EndedAt        time.Time
}

func (Insert) decision()        {}
func (UpdateInPlace) decision() {}

func (d Insert) RuleApplied() Rule        { return d.Rule }
func (d UpdateInPlace) RuleApplied() Rule { return d.Rule }

// Decide applies the transition table to msg given the thread's most
// recently created run. previous is nil for a new thread.
func Decide(msg Message, previous *domain.Run) (Decision, error) {
	isOutput := domain.IsOutputRole(msg.Role)
	isInput := domain.IsInputRole(msg.Role)
	if !isOutput && !isInput {
		return nil, domain.Invalid("message.role", "unsupported role %q", msg.Role)
	}

	seed, err := seedMessage(msg.Core)
	if err != nil {
		return nil, err
	}

	switch {
	case previous == nil:
		run := newChatRun(msg)
		setSide(&run, isOutput, seed)
		return Insert{Rule: RuleFirstMessage, Run: run}, nil

	case msg.IsRetry:
		return retry(msg, previous, isOutput, seed), nil

	case previous.Type == domain.RunTypeCustomEvent:
		run := newChatRun(msg)
		setSide(&run, isOutput, seed)
		return Insert{Rule: RuleAfterCustom, Run: run}, nil

	case isOutput:
		out, err := appendMessage(previous.Output, msg.Core)
		if err != nil {
			return nil, err
		}
		upd := sharedUpdate(msg, previous.ID, RuleAppendOutput)
		upd.Output = out
		return upd, nil

	case hasContent(previous.Output):
		run := newChatRun(msg)
		run.Input = seed
		return Insert{Rule: RuleNextTurn, Run: run}, nil

	default:
		in, err := appendMessage(previous.Input, msg.Core)
		if err != nil {
			return nil, err
		}
		upd := sharedUpdate(msg, previous.ID, RuleAppendInput)
		upd.Input = in
		return upd, nil
	}
}

// retry copies previous into a new sibling run. The Run struct carries no
// generated columns, so the copy never writes them.
func retry(msg Message, previous *domain.Run, isOutput bool, seed json.RawMessage) Insert {
	run := *previous
	run.Tags = append([]string(nil), previous.Tags...)
	run.Metadata = copyMetadata(previous.Metadata)

	run.ID = msg.RunID
	run.ProjectID = msg.ProjectID
	if msg.Tags != nil {
		run.Tags = msg.Tags
	}
	if msg.Metadata != nil {
		run.Metadata = msg.Metadata
	}
	if msg.ExternalUserID != "" {
		run.ExternalUserID = msg.ExternalUserID
	}
	run.SiblingRunID = previous.ID
	run.Feedback = msg.Feedback

	if isOutput {
		run.Output = seed
	} else {
		run.Output = nil
		run.Input = seed
	}

	markInserted(&run, msg)
	return Insert{Rule: RuleRetry, Run: run}
}

func newChatRun(msg Message) domain.Run {
	run := domain.Run{
		ID:             msg.RunID,
		ProjectID:      msg.ProjectID,
		Tags:           msg.Tags,
		Metadata:       msg.Metadata,
		ExternalUserID: msg.ExternalUserID,
		Feedback:       msg.Feedback,
	}
	markInserted(&run, msg)
	return run
}

// markInserted applies the fields every insert carries.
func markInserted(run *domain.Run, msg Message) {
	ended := msg.Timestamp
	run.Type = domain.RunTypeChat
	run.CreatedAt = msg.Timestamp
	run.EndedAt = &ended
	run.ParentRunID = msg.ThreadID
}

func sharedUpdate(msg Message, runID string, rule Rule) UpdateInPlace {
	upd := UpdateInPlace{
		Rule:           rule,
		RunID:          runID,
		Tags:           msg.Tags,
		Metadata:       msg.Metadata,
		ExternalUserID: msg.ExternalUserID,
		Feedback:       msg.Feedback,
		EndedAt:        msg.Timestamp,
	}
	if msg.RunID != runID {
		upd.NewRunID = msg.RunID
	}
	return upd
}

func setSide(run *domain.Run, isOutput bool, seed json.RawMessage) {
	if isOutput {
		run.Output = seed
	} else {
		run.Input = seed
	}
}

func seedMessage(msg domain.Message) (json.RawMessage, error) {
	return domain.EncodeJSON([]domain.Message{msg})
}

// appendMessage appends msg to a stored message list. A non-array value is
// treated as a single-element list.
func appendMessage(existing json.RawMessage, msg domain.Message) (json.RawMessage, error) {
	var items []json.RawMessage
	if hasValue(existing) {
		if err := json.Unmarshal(existing, &items); err != nil {
			items = []json.RawMessage{existing}
		}
	}
	encoded, err := domain.EncodeJSON(msg)
	if err != nil {
		return nil, err
	}
	items = append(items, encoded)
	return domain.EncodeJSON(items)
}

func hasValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// hasContent reports whether a stored output holds at least one message.
func hasContent(raw json.RawMessage) bool {
	if !hasValue(raw) {
		return false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return len(items) > 0
	}
	return true
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
