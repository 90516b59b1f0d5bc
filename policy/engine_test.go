package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const costPolicy = `
package telemetry

import rego.v1

default result := {"passed": true}

result := {"passed": false, "reason": "too expensive"} if {
	input.cost > 1
}
`

func TestEngineObjectResult(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, costPolicy, "")
	require.NoError(t, err)

	d, err := engine.Evaluate(ctx, map[string]any{"cost": 0.5})
	require.NoError(t, err)
	assert.Equal(t, Decision{Passed: true}, d)

	d, err = engine.Evaluate(ctx, map[string]any{"cost": 2.0})
	require.NoError(t, err)
	assert.Equal(t, Decision{Passed: false, Reason: "too expensive"}, d)
}

func TestEngineScalarResults(t *testing.T) {
	ctx := context.Background()
	module := `
package telemetry

import rego.v1

ok if input.type == "llm"

verdict := "allow" if input.type == "llm"
verdict := "deny" if input.type != "llm"
`
	boolEngine, err := NewEngine(ctx, module, "data.telemetry.ok")
	require.NoError(t, err)
	d, err := boolEngine.Evaluate(ctx, map[string]any{"type": "llm"})
	require.NoError(t, err)
	assert.True(t, d.Passed)

	d, err = boolEngine.Evaluate(ctx, map[string]any{"type": "tool"})
	require.NoError(t, err)
	assert.Equal(t, Decision{Passed: false, Reason: "undefined"}, d)

	strEngine, err := NewEngine(ctx, module, "data.telemetry.verdict")
	require.NoError(t, err)
	d, err = strEngine.Evaluate(ctx, map[string]any{"type": "tool"})
	require.NoError(t, err)
	assert.Equal(t, Decision{Passed: false, Reason: "deny"}, d)
}

func TestNewEngineRejectsBadModule(t *testing.T) {
	_, err := NewEngine(context.Background(), "package telemetry\nresult := {", "")
	require.Error(t, err)
}

func TestInput(t *testing.T) {
	doc, err := Input(struct {
		Name string `json:"name"`
		Cost int    `json:"cost"`
	}{"a", 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "a", "cost": float64(2)}, doc)
}
