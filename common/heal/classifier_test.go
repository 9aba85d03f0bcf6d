package heal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyDeterministicJSONError(t *testing.T) {
	category, reason := Classify("JSONDecodeError", "unexpected token at position 4", 0, nil)
	require.Equal(t, CategoryDeterministic, category)
	require.Contains(t, reason, "deterministic")
}

func TestClassifySemanticGuardrailViolation(t *testing.T) {
	category, _ := Classify("SecurityViolation", "agent attempted AccessDenied operation", 0, nil)
	require.Equal(t, CategorySemantic, category)
}

func TestClassifyCircuitBreakerForcesSemantic(t *testing.T) {
	category, reason := Classify("JSONDecodeError", "unexpected token", 3, nil)
	require.Equal(t, CategorySemantic, category)
	require.Contains(t, reason, "circuit breaker")
}

func TestClassifyContextFlagForcesSemantic(t *testing.T) {
	category, _ := Classify("UnknownError", "something went wrong", 0, map[string]interface{}{"guardrail_violated": true})
	require.Equal(t, CategorySemantic, category)
}

func TestClassifyUnknownErrorDefaultsSemantic(t *testing.T) {
	category, reason := Classify("MysteryError", "no idea what happened", 0, nil)
	require.Equal(t, CategorySemantic, category)
	require.Contains(t, reason, "defaulting to manual intervention")
}

func TestShouldAutoHealTransientRateLimit(t *testing.T) {
	ok, _ := ShouldAutoHeal("RateLimitError", "429 Too Many Requests", 0, nil)
	require.True(t, ok)
}

func TestAdviceForJSONError(t *testing.T) {
	advice, ok := Advice("JSONDecodeError", "Unexpected token }")
	require.True(t, ok)
	require.Contains(t, advice, "JSON")
}

func TestAdviceReturnsFalseWhenNoHeuristicMatches(t *testing.T) {
	_, ok := Advice("MysteryError", "no idea what happened")
	require.False(t, ok)
}
