package governance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrustScoreStartsAtInitialScore(t *testing.T) {
	m := NewTrustScoreManager()
	require.Equal(t, 0.8, m.Score("agent-1"))
	require.Equal(t, ModeOptimistic, m.GovernanceMode("agent-1"))
}

func TestTrustScoreRejectionAppliesAnomalyPenalty(t *testing.T) {
	m := NewTrustScoreManager()
	next := m.UpdateScore("agent-1", DecisionRejected, 1.0)
	require.InDelta(t, 0.8-0.5, next, 1e-9)
}

func TestTrustScoreStreakAcceleratesRecovery(t *testing.T) {
	m := NewTrustScoreManager()
	m.UpdateScore("agent-1", DecisionRejected, 1.0)

	var scores []float64
	for i := 0; i < 6; i++ {
		scores = append(scores, m.UpdateScore("agent-1", DecisionApproved, 0))
	}

	firstDelta := scores[0] - 0.3
	lastDelta := scores[5] - scores[4]
	require.Greater(t, lastDelta, firstDelta)
}

func TestTrustScoreNeverLeavesUnitInterval(t *testing.T) {
	m := NewTrustScoreManager()
	for i := 0; i < 50; i++ {
		m.UpdateScore("agent-1", DecisionRejected, 1.0)
	}
	score := m.Score("agent-1")
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)

	for i := 0; i < 50; i++ {
		m.UpdateScore("agent-1", DecisionApproved, 0)
	}
	score = m.Score("agent-1")
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}

func TestGovernanceModeForcesStrictBelowCutoff(t *testing.T) {
	m := NewTrustScoreManager()
	for i := 0; i < 3; i++ {
		m.UpdateScore("agent-1", DecisionRejected, 1.0)
	}
	require.Less(t, m.Score("agent-1"), strictModeCutoff)
	require.Equal(t, ModeStrict, m.GovernanceMode("agent-1"))
}
