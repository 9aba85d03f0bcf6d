package governance

import "sync"

// Mode is the governance strictness mode an agent's trust score selects.
type Mode string

const (
	ModeOptimistic Mode = "OPTIMISTIC"
	ModeStrict     Mode = "STRICT"
)

// Decision is the outcome a trust-score update reacts to.
type Decision string

const (
	DecisionApproved  Decision = "APPROVED"
	DecisionRejected  Decision = "REJECTED"
	DecisionEscalated Decision = "ESCALATED"
	DecisionRollback  Decision = "ROLLBACK"
)

// Trust score constants, grounded on trust_score_manager.py's
// TrustScoreManager class constants.
const (
	initialScore       = 0.8
	baseSuccessDelta   = 0.01
	violationMult      = 0.5
	strictModeCutoff   = 0.4
	emaAcceleration    = 2.0
	recentWindow       = 10
	scoreHistoryCap    = 20
)

// trustState is one agent's running trust ledger.
type trustState struct {
	score        float64
	history      []float64 // bounded to scoreHistoryCap, most recent last
	violations   int
	successes    int
}

// TrustScoreManager tracks a per-agent trust score updated on every
// governance decision via the EMA-accelerated-recovery formula:
// T_new = clip01(T_old + delta_S - alpha*A), where delta_S on approval is
// base_delta*(1 + beta*streak_ratio) and the penalty on rejection is
// anomaly_score*violation_multiplier. Grounded on trust_score_manager.py.
type TrustScoreManager struct {
	mu     sync.Mutex
	agents map[string]*trustState
}

func NewTrustScoreManager() *TrustScoreManager {
	return &TrustScoreManager{agents: make(map[string]*trustState)}
}

func (m *TrustScoreManager) stateFor(agentID string) *trustState {
	s, ok := m.agents[agentID]
	if !ok {
		s = &trustState{score: initialScore}
		m.agents[agentID] = s
	}
	return s
}

// UpdateScore applies one governance decision to agentID's trust score
// and returns the new score.
func (m *TrustScoreManager) UpdateScore(agentID string, decision Decision, anomalyScore float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(agentID)
	old := s.score

	var next float64
	switch decision {
	case DecisionApproved:
		streakRatio := successStreakRatio(s.history)
		delta := baseSuccessDelta * (1 + emaAcceleration*streakRatio)
		next = clip01(old + delta)
		s.successes++
	case DecisionRejected, DecisionEscalated, DecisionRollback:
		penalty := anomalyScore * violationMult
		next = clip01(old - penalty)
		s.violations++
	default:
		next = old
	}

	s.score = next
	s.history = append(s.history, next)
	if len(s.history) > scoreHistoryCap {
		s.history = s.history[len(s.history)-scoreHistoryCap:]
	}
	return next
}

// successStreakRatio computes the EMA acceleration input: the fraction of
// the last recentWindow score transitions that held or improved, mirroring
// trust_score_manager.py's recent_successes/streak_ratio computation.
func successStreakRatio(history []float64) float64 {
	window := history
	if len(window) > recentWindow {
		window = window[len(window)-recentWindow:]
	}
	if len(window) < 2 {
		return 0.0
	}
	successes := 0
	for i := 1; i < len(window); i++ {
		if window[i] >= window[i-1] {
			successes++
		}
	}
	denom := len(window) - 1
	if denom < 1 {
		denom = 1
	}
	return float64(successes) / float64(denom)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score returns agentID's current trust score, defaulting to
// initialScore for an agent never seen before.
func (m *TrustScoreManager) Score(agentID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agents[agentID]
	if !ok {
		return initialScore
	}
	return s.score
}

// GovernanceMode returns STRICT when agentID's trust score has fallen
// below strictModeCutoff, OPTIMISTIC otherwise (including for an agent
// never seen before).
func (m *TrustScoreManager) GovernanceMode(agentID string) Mode {
	if m.Score(agentID) < strictModeCutoff {
		return ModeStrict
	}
	return ModeOptimistic
}
