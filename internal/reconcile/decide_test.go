package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

var ts = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func message(runID, role, content string) Message {
	return Message{
		RunID:     runID,
		ProjectID: "proj-1",
		ThreadID:  "thread-1",
		Timestamp: ts,
		Role:      role,
		Core:      domain.Message{Role: role, Content: json.RawMessage(`"` + content + `"`)},
	}
}

func TestDecideFirstUserMessageInserts(t *testing.T) {
	d, err := Decide(message("run-1", "user", "hi"), nil)
	require.NoError(t, err)

	ins, ok := d.(Insert)
	require.True(t, ok)
	assert.Equal(t, RuleFirstMessage, ins.Rule)
	assert.Equal(t, "run-1", ins.Run.ID)
	assert.Equal(t, domain.RunTypeChat, ins.Run.Type)
	assert.Equal(t, "thread-1", ins.Run.ParentRunID)
	assert.Equal(t, ts, ins.Run.CreatedAt)
	require.NotNil(t, ins.Run.EndedAt)
	assert.Equal(t, ts, *ins.Run.EndedAt)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(ins.Run.Input))
	assert.Nil(t, ins.Run.Output)
}

func TestDecideFirstAssistantMessageSeedsOutput(t *testing.T) {
	d, err := Decide(message("run-1", "assistant", "welcome"), nil)
	require.NoError(t, err)

	ins := d.(Insert)
	assert.Nil(t, ins.Run.Input)
	assert.JSONEq(t, `[{"role":"assistant","content":"welcome"}]`, string(ins.Run.Output))
}

func TestDecideAssistantAppendsToOpenRun(t *testing.T) {
	prev := &domain.Run{
		ID:    "run-1",
		Type:  domain.RunTypeChat,
		Input: json.RawMessage(`[{"role":"user","content":"hi"}]`),
	}

	d, err := Decide(message("run-2", "assistant", "hello"), prev)
	require.NoError(t, err)

	upd, ok := d.(UpdateInPlace)
	require.True(t, ok)
	assert.Equal(t, RuleAppendOutput, upd.Rule)
	assert.Equal(t, "run-1", upd.RunID)
	assert.Equal(t, "run-2", upd.NewRunID)
	assert.Nil(t, upd.Input)
	assert.JSONEq(t, `[{"role":"assistant","content":"hello"}]`, string(upd.Output))
	assert.Equal(t, ts, upd.EndedAt)
}

func TestDecideUserAfterOutputOpensNextTurn(t *testing.T) {
	prev := &domain.Run{
		ID:     "run-1",
		Type:   domain.RunTypeChat,
		Input:  json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Output: json.RawMessage(`[{"role":"assistant","content":"hello"}]`),
	}

	d, err := Decide(message("run-2", "user", "bye"), prev)
	require.NoError(t, err)

	ins, ok := d.(Insert)
	require.True(t, ok)
	assert.Equal(t, RuleNextTurn, ins.Rule)
	assert.Equal(t, "run-2", ins.Run.ID)
	assert.JSONEq(t, `[{"role":"user","content":"bye"}]`, string(ins.Run.Input))
	assert.Empty(t, ins.Run.SiblingRunID)
}

func TestDecideUserBeforeOutputAppendsInput(t *testing.T) {
	prev := &domain.Run{
		ID:     "run-1",
		Type:   domain.RunTypeChat,
		Input:  json.RawMessage(`[{"role":"system","content":"be brief"}]`),
		Output: json.RawMessage(`[]`),
	}

	d, err := Decide(message("run-2", "user", "hi"), prev)
	require.NoError(t, err)

	upd, ok := d.(UpdateInPlace)
	require.True(t, ok)
	assert.Equal(t, RuleAppendInput, upd.Rule)
	assert.Equal(t, "run-1", upd.RunID)
	assert.Equal(t, "run-2", upd.NewRunID)
	assert.JSONEq(t, `[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]`, string(upd.Input))
	assert.Nil(t, upd.Output)
}

func TestDecideAfterCustomEventInserts(t *testing.T) {
	prev := &domain.Run{ID: "evt-1", Type: domain.RunTypeCustomEvent}

	d, err := Decide(message("run-2", "assistant", "ok"), prev)
	require.NoError(t, err)

	ins := d.(Insert)
	assert.Equal(t, RuleAfterCustom, ins.Rule)
	assert.JSONEq(t, `[{"role":"assistant","content":"ok"}]`, string(ins.Run.Output))
}

func TestDecideRetryCopiesPreviousAsSibling(t *testing.T) {
	cost := 0.02
	prev := &domain.Run{
		ID:             "run-1",
		ProjectID:      "proj-1",
		Type:           domain.RunTypeChat,
		Input:          json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Output:         json.RawMessage(`[{"role":"assistant","content":"bad answer"}]`),
		Tags:           []string{"old"},
		Metadata:       map[string]any{"k": "v"},
		Feedback:       json.RawMessage(`{"thumb":"down"}`),
		ExternalUserID: "user-1",
		Cost:           &cost,
		CreatedAt:      ts.Add(-time.Minute),
	}

	msg := message("run-2", "assistant", "better answer")
	msg.IsRetry = true

	d, err := Decide(msg, prev)
	require.NoError(t, err)

	ins, ok := d.(Insert)
	require.True(t, ok)
	assert.Equal(t, RuleRetry, ins.Rule)
	assert.Equal(t, "run-2", ins.Run.ID)
	assert.Equal(t, "run-1", ins.Run.SiblingRunID)
	assert.Equal(t, "thread-1", ins.Run.ParentRunID)
	assert.Equal(t, ts, ins.Run.CreatedAt)
	assert.Nil(t, ins.Run.Feedback)
	assert.Equal(t, []string{"old"}, ins.Run.Tags)
	assert.Equal(t, "user-1", ins.Run.ExternalUserID)
	assert.Equal(t, &cost, ins.Run.Cost)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(ins.Run.Input))
	assert.JSONEq(t, `[{"role":"assistant","content":"better answer"}]`, string(ins.Run.Output))

	ins.Run.Tags[0] = "mutated"
	assert.Equal(t, "old", prev.Tags[0])
}

func TestDecideRetryFromUserResetsOutput(t *testing.T) {
	prev := &domain.Run{
		ID:     "run-1",
		Type:   domain.RunTypeChat,
		Input:  json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Output: json.RawMessage(`[{"role":"assistant","content":"hello"}]`),
	}

	msg := message("run-2", "user", "hi again")
	msg.IsRetry = true
	msg.Feedback = json.RawMessage(`{"comment":"retry"}`)

	d, err := Decide(msg, prev)
	require.NoError(t, err)

	ins := d.(Insert)
	assert.Nil(t, ins.Run.Output)
	assert.JSONEq(t, `[{"role":"user","content":"hi again"}]`, string(ins.Run.Input))
	assert.JSONEq(t, `{"comment":"retry"}`, string(ins.Run.Feedback))
}

func TestDecideRejectsUnknownRole(t *testing.T) {
	_, err := Decide(message("run-1", "narrator", "once upon"), nil)
	assert.True(t, domain.IsValidation(err))
}

func TestDecideUpdateCarriesSharedFields(t *testing.T) {
	prev := &domain.Run{ID: "run-1", Type: domain.RunTypeChat, Input: json.RawMessage(`[]`)}

	msg := message("run-2", "assistant", "hello")
	msg.Tags = []string{"a"}
	msg.Metadata = map[string]any{"lang": "en"}
	msg.ExternalUserID = "user-9"

	d, err := Decide(msg, prev)
	require.NoError(t, err)

	upd := d.(UpdateInPlace)
	assert.Equal(t, []string{"a"}, upd.Tags)
	assert.Equal(t, "en", upd.Metadata["lang"])
	assert.Equal(t, "user-9", upd.ExternalUserID)
}

func TestAppendMessageWrapsNonArray(t *testing.T) {
	out, err := appendMessage(json.RawMessage(`{"role":"assistant","content":"a"}`), domain.Message{Role: "assistant", Content: json.RawMessage(`"b"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"assistant","content":"a"},{"role":"assistant","content":"b"}]`, string(out))
}

func TestDecideSameRunIDKeepsID(t *testing.T) {
	prev := &domain.Run{ID: "run-1", Type: domain.RunTypeChat, Input: json.RawMessage(`[]`)}

	d, err := Decide(message("run-1", "assistant", "hello"), prev)
	require.NoError(t, err)
	assert.Empty(t, d.(UpdateInPlace).NewRunID)
}

func TestAppendMessageKeepsMarkupLiteral(t *testing.T) {
	out, err := appendMessage(nil, domain.Message{Role: "user", Content: json.RawMessage(`"<b>Tom & Jerry</b>"`)})
	require.NoError(t, err)
	assert.Equal(t, `[{"role":"user","content":"<b>Tom & Jerry</b>"}]`, string(out))
}
