package governance

import (
	"context"
	"fmt"
)

// Verdict is the post-pass governance decision for one agent turn.
type Verdict string

const (
	VerdictAccept   Verdict = "ACCEPT"
	VerdictReject   Verdict = "REJECT"
	VerdictEscalate Verdict = "ESCALATE"
	VerdictWarn     Verdict = "WARN"
)

// Config bounds one Ring's guardrails.
type Config struct {
	Constitution []ConstitutionalClause
	GasFee       GasFeeConfig
}

// DefaultConfig returns a Ring configured with DefaultConstitution and no
// gas-fee cap (callers set GasFee.CapUSD per workflow when one applies).
func DefaultConfig() Config {
	return Config{Constitution: DefaultConstitution}
}

// PostPassResult is the outcome of evaluating one agent turn's output.
type PostPassResult struct {
	Verdict      Verdict
	AnomalyScore float64
	Reasons      []string
	// MaskedOutput is output with any detected PII replaced by hashed
	// tokens; callers persist this instead of the raw output whenever
	// PIIViolation is true.
	MaskedOutput map[string]interface{}
	PIIViolation bool
}

// Ring runs the two-pass governance model's post-pass half: SLOP, gas
// fee, plan drift, and constitutional-clause checks (including the
// retroactive PII scan backing article 6), folded into a single anomaly
// score that feeds the trust-score EMA. The pre-pass (ring-level policy
// on the node the agent is about to target) is routing.Resolver.Validate,
// already enforced by the Segment Runner before this ring ever sees the
// agent's output — this type only ever sees output from a node the
// routing policy already allowed to run.
type Ring struct {
	Config Config
	Trust  *TrustScoreManager
}

func NewRing(cfg Config, trust *TrustScoreManager) *Ring {
	if trust == nil {
		trust = NewTrustScoreManager()
	}
	return &Ring{Config: cfg, Trust: trust}
}

// EvaluateInput carries what one agent turn needs judged.
type EvaluateInput struct {
	AgentID             string
	Output              map[string]interface{}
	Thought             string
	AccumulatedCostUSD  float64
	StatedPlanHash      string
	ExecutedActionsHash string
}

// Evaluate runs every post-pass guardrail against in.Output and folds the
// result into a single verdict, mirroring governor_runner.py's Ring-1
// post-verification pass: the most severe signal found governs the
// verdict (constitutional CRITICAL and gas-fee overage reject outright;
// HIGH escalates; MEDIUM warns; SLOP and plan-drift contribute to the
// anomaly score without necessarily rejecting on their own).
func (r *Ring) Evaluate(ctx context.Context, in EvaluateInput) PostPassResult {
	anomaly := &AnomalyDetection{}
	result := PostPassResult{Verdict: VerdictAccept, MaskedOutput: in.Output}

	if slop, reason := DetectSLOP(in.Output); slop {
		anomaly.flag(0.6, reason)
	}
	if exceeded, reason := CheckGasFee(r.Config.GasFee, in.AccumulatedCostUSD); exceeded {
		anomaly.flag(1.0, reason)
		result.Verdict = VerdictReject
	}
	if drift, reason := DetectPlanDrift(in.StatedPlanHash, in.ExecutedActionsHash); drift {
		anomaly.flag(0.5, reason)
	}

	violations := EvaluateConstitution(r.Config.Constitution, in.Output, in.Thought)
	if worst := HighestSeverity(violations); worst != nil {
		anomaly.flag(severityAnomalyScore(worst.Severity), fmt.Sprintf("%s: %s", worst.ClauseID, worst.Title))
		switch worst.Severity {
		case SeverityCritical:
			result.Verdict = VerdictReject
		case SeverityHigh:
			if result.Verdict == VerdictAccept {
				result.Verdict = VerdictEscalate
			}
		case SeverityMedium:
			if result.Verdict == VerdictAccept {
				result.Verdict = VerdictWarn
			}
		}
	}

	pii := DetectPII(freeTextOf(in.Output, in.Thought))
	if pii.HasViolation() {
		masked, count := ApplyRetroactiveMasking(in.Output, pii)
		result.MaskedOutput = masked
		result.PIIViolation = true
		anomaly.flag(severityAnomalyScore(SeverityCritical), fmt.Sprintf("article_6_pii_text_leakage: %d PII instance(s) masked", count))
		if result.Verdict == VerdictAccept {
			result.Verdict = VerdictReject
		}
	}

	result.AnomalyScore = anomaly.Score
	result.Reasons = anomaly.Reasons

	decision := verdictToDecision(result.Verdict)
	r.Trust.UpdateScore(in.AgentID, decision, result.AnomalyScore)
	return result
}

func severityAnomalyScore(s ClauseSeverity) float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.7
	case SeverityMedium:
		return 0.4
	default:
		return 0.1
	}
}

func verdictToDecision(v Verdict) Decision {
	switch v {
	case VerdictAccept:
		return DecisionApproved
	case VerdictEscalate:
		return DecisionEscalated
	default:
		return DecisionRejected
	}
}

// Feedback renders a PostPassResult's reasons into the advice text
// injected into the agent's next-turn prompt via the feedback loop.
func (r PostPassResult) Feedback() string {
	if len(r.Reasons) == 0 {
		return ""
	}
	msg := "Your previous turn was " + string(r.Verdict) + " by governance review:"
	for _, reason := range r.Reasons {
		msg += "\n- " + reason
	}
	return msg
}
