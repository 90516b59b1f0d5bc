package evaluators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/telemetry/internal/adapter/classifier"
	"github.com/xiaot623/gogo/telemetry/internal/adapter/llm"
	"github.com/xiaot623/gogo/telemetry/internal/domain"
)

type fakeClassifier struct {
	calls   []string
	texts   [][]string
	results map[string]func(text string) string
	err     error
}

func (f *fakeClassifier) Classify(ctx context.Context, method string, texts []string, params json.RawMessage) ([]json.RawMessage, error) {
	f.calls = append(f.calls, method)
	f.texts = append(f.texts, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]json.RawMessage, len(texts))
	for i, text := range texts {
		out[i] = json.RawMessage(f.results[method](text))
	}
	return out, nil
}

type fakeJudge struct {
	content string
	last    *llm.ChatCompletionRequest
}

func (f *fakeJudge) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	f.last = req
	return &llm.ChatCompletionResponse{Choices: []llm.Choice{{Message: &llm.ChatMessage{Role: "assistant", Content: f.content}}}}, nil
}

func chatRun() *domain.Run {
	return &domain.Run{
		ID:     "run-1",
		Type:   domain.RunTypeLLM,
		Input:  json.RawMessage(`[{"role":"system","content":"be nice"},{"role":"user","content":"hello there"}]`),
		Output: json.RawMessage(`[{"role":"assistant","content":"bonjour"}]`),
	}
}

func newTestRegistry(cls classifier.Classifier, judge llm.LLMClient) *Registry {
	return NewRegistry(cls, judge, "judge-model", nil)
}

func evaluate(t *testing.T, r *Registry, kind domain.EvaluatorKind, params string, run *domain.Run) *Outcome {
	t.Helper()
	ev := &domain.Evaluator{ID: "ev-1", Kind: kind}
	if params != "" {
		ev.Params = json.RawMessage(params)
	}
	out, err := r.Evaluate(context.Background(), ev, run)
	require.NoError(t, err)
	return out
}

func TestLanguageEvaluator(t *testing.T) {
	cls := &fakeClassifier{results: map[string]func(string) string{
		classifier.MethodLanguage: func(text string) string {
			if text == "bonjour" {
				return `{"isoCode":"fr","confidence":0.9}`
			}
			if text == "be nice" {
				return `null`
			}
			return `{"isoCode":"en","confidence":0.99}`
		},
	}}
	out := evaluate(t, newTestRegistry(cls, nil), domain.EvaluatorKindLanguage, "", chatRun())

	require.NotNil(t, out)
	assert.JSONEq(t, `{"input":[{"isoCode":"en","confidence":0.99}],"output":[{"isoCode":"fr","confidence":0.9}]}`, string(out.Result))
	assert.Nil(t, out.Toxicity)
	assert.Equal(t, []string{classifier.MethodLanguage}, cls.calls)
	assert.Equal(t, [][]string{{"be nice", "hello there", "bonjour"}}, cls.texts)
}

func TestTopicsSentimentAndPII(t *testing.T) {
	cls := &fakeClassifier{results: map[string]func(string) string{
		classifier.MethodTopics: func(string) string { return `["travel",{"topic":"travel"},{"topic":"food"}]` },
		classifier.MethodSentiment: func(text string) string {
			if text == "bonjour" {
				return `0.2`
			}
			return `{"score":0.5}`
		},
		classifier.MethodPII: func(text string) string {
			if text == "hello there" {
				return `[{"type":"email","entity":"a@b.c"},{"type":""}]`
			}
			return `[]`
		},
	}}
	r := newTestRegistry(cls, nil)
	run := &domain.Run{ID: "run-1", Input: json.RawMessage(`"hello there"`), Output: json.RawMessage(`{"role":"assistant","content":"bonjour"}`)}

	topics := evaluate(t, r, domain.EvaluatorKindTopics, `{"topics":["travel","food"]}`, run)
	assert.JSONEq(t, `{"input":[{"topic":"travel"},{"topic":"food"}],"output":[{"topic":"travel"},{"topic":"food"}]}`, string(topics.Result))

	sentiment := evaluate(t, r, domain.EvaluatorKindSentiment, "", run)
	assert.JSONEq(t, `{"input":[{"score":0.5,"label":"neutral"}],"output":[{"score":0.2,"label":"negative"}]}`, string(sentiment.Result))

	pii := evaluate(t, r, domain.EvaluatorKindPII, `{"types":["email"]}`, run)
	assert.JSONEq(t, `{"input":[{"type":"email","entity":"a@b.c"}],"output":[]}`, string(pii.Result))
}

func TestSentimentLabel(t *testing.T) {
	assert.Equal(t, "positive", sentimentLabel(0.7))
	assert.Equal(t, "neutral", sentimentLabel(0.41))
	assert.Equal(t, "negative", sentimentLabel(0.4))
}

func TestToxicityEvaluator(t *testing.T) {
	cls := &fakeClassifier{results: map[string]func(string) string{
		classifier.MethodToxicity: func(text string) string {
			if text == "hello there" {
				return `{"toxic":true,"labels":["insult","threat","insult"]}`
			}
			return `{"toxic":false,"labels":[]}`
		},
	}}
	out := evaluate(t, newTestRegistry(cls, nil), domain.EvaluatorKindToxicity, "", chatRun())

	require.NotNil(t, out)
	assert.JSONEq(t, `{"input":[{"label":"insult"},{"label":"threat"}],"output":[]}`, string(out.Result))
	require.NotNil(t, out.Toxicity)
	assert.Equal(t, "run-1", out.Toxicity.RunID)
	assert.True(t, out.Toxicity.ToxicInput)
	assert.False(t, out.Toxicity.ToxicOutput)
	assert.Equal(t, []string{"insult", "threat"}, out.Toxicity.InputLabels)
	assert.Empty(t, out.Toxicity.OutputLabels)
	assert.JSONEq(t, `[{"field":"input","text":"hello there","labels":["insult","threat","insult"]}]`, string(out.Toxicity.Messages))
}

func TestClassifierTimeoutIsUnknown(t *testing.T) {
	cls := &fakeClassifier{err: fmt.Errorf("toxicity: %w", classifier.ErrTimeout)}
	r := newTestRegistry(cls, nil)

	for _, kind := range []domain.EvaluatorKind{domain.EvaluatorKindToxicity, domain.EvaluatorKindLanguage} {
		out, err := r.Evaluate(context.Background(), &domain.Evaluator{Kind: kind}, chatRun())
		require.NoError(t, err)
		assert.Nil(t, out)
	}
}

func TestClassifierFailureIsError(t *testing.T) {
	cls := &fakeClassifier{err: errors.New("connection refused")}
	_, err := newTestRegistry(cls, nil).Evaluate(context.Background(), &domain.Evaluator{Kind: domain.EvaluatorKindPII}, chatRun())
	require.Error(t, err)
}

func TestEmptyRunSkipsClassifier(t *testing.T) {
	cls := &fakeClassifier{}
	out := evaluate(t, newTestRegistry(cls, nil), domain.EvaluatorKindLanguage, "", &domain.Run{ID: "run-1"})
	assert.JSONEq(t, `{"input":[],"output":[]}`, string(out.Result))
	assert.Empty(t, cls.calls)
}

func TestPolicyEvaluator(t *testing.T) {
	module := `
package telemetry

import rego.v1

default result := {"passed": true}

result := {"passed": false, "reason": "llm without output"} if {
	input.type == "llm"
	not input.output
}
`
	params, err := json.Marshal(map[string]string{"module": module})
	require.NoError(t, err)
	r := newTestRegistry(nil, nil)

	out := evaluate(t, r, domain.EvaluatorKindPolicy, string(params), chatRun())
	assert.JSONEq(t, `{"passed":true}`, string(out.Result))

	out = evaluate(t, r, domain.EvaluatorKindPolicy, string(params), &domain.Run{ID: "run-2", Type: domain.RunTypeLLM})
	assert.JSONEq(t, `{"passed":false,"reason":"llm without output"}`, string(out.Result))

	_, err = r.Evaluate(context.Background(), &domain.Evaluator{Kind: domain.EvaluatorKindPolicy}, chatRun())
	assert.True(t, domain.IsValidation(err))

	_, err = r.Evaluate(context.Background(), &domain.Evaluator{Kind: domain.EvaluatorKindPolicy, Params: json.RawMessage(`{"module":"package x\nbroken {"}`)}, chatRun())
	assert.True(t, domain.IsValidation(err))
}

func TestAssertionEvaluator(t *testing.T) {
	judge := &fakeJudge{content: "```json\n{\"passed\":false,\"reason\":\"not french\"}\n```"}
	r := newTestRegistry(nil, judge)

	out := evaluate(t, r, domain.EvaluatorKindAssertion, `{"assertion":"The answer is in English"}`, chatRun())
	assert.JSONEq(t, `{"passed":false,"reason":"not french"}`, string(out.Result))
	require.NotNil(t, judge.last)
	assert.Equal(t, "judge-model", judge.last.Model)
	require.Len(t, judge.last.Messages, 2)
	assert.Contains(t, judge.last.Messages[1].Content, "The answer is in English")
	assert.Contains(t, judge.last.Messages[1].Content, "bonjour")

	evaluate(t, r, domain.EvaluatorKindAssertion, `{"assertion":"x","model":"other"}`, chatRun())
	assert.Equal(t, "other", judge.last.Model)

	_, err := r.Evaluate(context.Background(), &domain.Evaluator{Kind: domain.EvaluatorKindAssertion, Params: json.RawMessage(`{}`)}, chatRun())
	assert.True(t, domain.IsValidation(err))

	judge.content = "sure!"
	_, err = r.Evaluate(context.Background(), &domain.Evaluator{Kind: domain.EvaluatorKindAssertion, Params: json.RawMessage(`{"assertion":"x"}`)}, chatRun())
	require.Error(t, err)
}

func TestAssertionWithMockClient(t *testing.T) {
	r := newTestRegistry(nil, llm.NewMockClient())
	out := evaluate(t, r, domain.EvaluatorKindAssertion, `{"assertion":"[fail] always"}`, chatRun())
	assert.Contains(t, string(out.Result), `"passed":false`)
}

func TestUnknownKind(t *testing.T) {
	_, err := newTestRegistry(nil, nil).Evaluate(context.Background(), &domain.Evaluator{Kind: "nope"}, chatRun())
	require.Error(t, err)
}

func TestMessageTexts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", ``, nil},
		{"string", `"hi"`, []string{"hi"}},
		{"blank string", `"  "`, nil},
		{"message", `{"role":"user","content":"hi"}`, []string{"hi"}},
		{"parts", `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url"},"b"]}`, []string{"a\nb"}},
		{"list", `[{"content":"a"},"b",{"text":"c"},null]`, []string{"a", "b", "c"}},
		{"object", `{"q":1}`, []string{`{"q":1}`}},
		{"number", `42`, []string{"42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messageTexts(json.RawMessage(tt.raw)))
		})
	}
}
