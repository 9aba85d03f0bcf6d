package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingAcceptsCleanOutput(t *testing.T) {
	ring := NewRing(DefaultConfig(), NewTrustScoreManager())
	result := ring.Evaluate(context.Background(), EvaluateInput{
		AgentID: "agent-1",
		Output:  map[string]interface{}{"message": "the task completed successfully"},
	})
	require.Equal(t, VerdictAccept, result.Verdict)
	require.Equal(t, 0.0, result.AnomalyScore)
	require.Equal(t, 0.8+0.01, ring.Trust.Score("agent-1"))
}

func TestRingRejectsCriticalConstitutionViolation(t *testing.T) {
	ring := NewRing(DefaultConfig(), NewTrustScoreManager())
	result := ring.Evaluate(context.Background(), EvaluateInput{
		AgentID: "agent-1",
		Output:  map[string]interface{}{"message": "please enter your card number to continue"},
	})
	require.Equal(t, VerdictReject, result.Verdict)
	require.Greater(t, result.AnomalyScore, 0.0)
	require.Less(t, ring.Trust.Score("agent-1"), 0.8)
}

func TestRingRejectsAndMasksPIILeakage(t *testing.T) {
	ring := NewRing(DefaultConfig(), NewTrustScoreManager())
	result := ring.Evaluate(context.Background(), EvaluateInput{
		AgentID: "agent-1",
		Output:  map[string]interface{}{"message": "will follow up at jane.doe@example.com"},
	})
	require.Equal(t, VerdictReject, result.Verdict)
	require.True(t, result.PIIViolation)
	require.NotContains(t, result.MaskedOutput["message"], "jane.doe@example.com")
}

func TestRingRejectsOnGasFeeOverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GasFee = GasFeeConfig{CapUSD: 1.0}
	ring := NewRing(cfg, NewTrustScoreManager())
	result := ring.Evaluate(context.Background(), EvaluateInput{
		AgentID:            "agent-1",
		Output:             map[string]interface{}{"message": "ok"},
		AccumulatedCostUSD: 5.0,
	})
	require.Equal(t, VerdictReject, result.Verdict)
}

func TestRingFeedbackDescribesViolation(t *testing.T) {
	ring := NewRing(DefaultConfig(), NewTrustScoreManager())
	result := ring.Evaluate(context.Background(), EvaluateInput{
		AgentID: "agent-1",
		Output:  map[string]interface{}{"message": "please enter your card number"},
	})
	require.Contains(t, result.Feedback(), "article_3_user_protection")
}
