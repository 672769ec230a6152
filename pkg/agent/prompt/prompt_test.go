package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/crewerr"
)

// charCounter makes budget math exact in tests: one token per character.
func charCounter(text string) int { return len(text) }

func TestRenderWithinBudget(t *testing.T) {
	tpl := New("Role: {role}. Goal: {goal}.", 0, nil, charCounter)
	out, err := tpl.Render(map[string]string{"role": "Writer", "goal": "write"})
	require.NoError(t, err)
	assert.Equal(t, "Role: Writer. Goal: write.", out)
}

func TestRenderMissingVariable(t *testing.T) {
	tpl := New("Role: {role}.", 0, nil, nil)
	_, err := tpl.Render(map[string]string{})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeValidation, crewerr.CodeOf(err))
}

func TestPlaceholdersDeduplicatedInOrder(t *testing.T) {
	tpl := New("{a} {b} {a} {c}", 0, nil, nil)
	assert.Equal(t, []string{"a", "b", "c"}, tpl.Placeholders())
}

func TestRenderLeftoverGoesToHighPriority(t *testing.T) {
	// Skeleton "|" is 1 token; 20 remain for the variables. Equal shares
	// target 10 each, but trim only needs 6, so the spare 4 tokens go to
	// the higher-priority variable.
	tpl := New("{keep}|{trim}", 21, []Variable{
		{Name: "keep", Priority: 10, MinTokens: 5},
		{Name: "trim", Priority: 1, MinTokens: 2},
	}, charCounter)

	out, err := tpl.Render(map[string]string{
		"keep": strings.Repeat("k", 18),
		"trim": "trimme",
	})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("k", 14)+"|trimme", out)
}

func TestRenderRespectsFloors(t *testing.T) {
	tpl := New("{a} {b}", 15, []Variable{
		{Name: "a", Priority: 2, MinTokens: 4},
		{Name: "b", Priority: 1, MinTokens: 4},
	}, charCounter)

	out, err := tpl.Render(map[string]string{
		"a": strings.Repeat("a", 30),
		"b": strings.Repeat("b", 30),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 15)
	// Both variables retain at least their floor.
	assert.GreaterOrEqual(t, strings.Count(out, "a"), 4)
	assert.GreaterOrEqual(t, strings.Count(out, "b"), 4)
}

func TestRenderProportionalTargets(t *testing.T) {
	// 1-token skeleton, 41-token budget: a targets 0.75·40=30, b 0.25·40=10.
	tpl := New("{a}|{b}", 41, []Variable{
		{Name: "a", Priority: 1, Proportion: 0.75},
		{Name: "b", Priority: 1, Proportion: 0.25},
	}, charCounter)

	out, err := tpl.Render(map[string]string{
		"a": strings.Repeat("a", 50),
		"b": strings.Repeat("b", 50),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 41)
	assert.Greater(t, strings.Count(out, "a"), strings.Count(out, "b"))
}

func TestRenderEmergencyTruncation(t *testing.T) {
	// A floor larger than the whole budget forces a cut through the floor.
	tpl := New("{a}", 10, []Variable{{Name: "a", MinTokens: 100}}, charCounter)
	out, err := tpl.Render(map[string]string{"a": strings.Repeat("x", 100)})
	require.NoError(t, err)
	assert.Len(t, out, 10)
}

func TestTruncateTokensWordBoundary(t *testing.T) {
	got := truncateTokens("alpha beta gamma", 12, charCounter)
	assert.Equal(t, "alpha beta", got)
}

func TestTruncateToBudget(t *testing.T) {
	assert.Equal(t, "abcde", truncateToBudget("abcdefgh", 5, charCounter))
	assert.Equal(t, "", truncateToBudget("abc", 0, charCounter))
	assert.Equal(t, "abc", truncateToBudget("abc", 10, charCounter))
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
