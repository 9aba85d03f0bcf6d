package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// freeTextFields lists the agent-output fields guardrails and constitution
// checks scan, mirroring retroactive_masking.py's text_fields list.
var freeTextFields = []string{"thought", "message", "response", "reasoning"}

func freeTextOf(output map[string]interface{}, thought string) string {
	var parts []string
	for _, field := range freeTextFields {
		if s, ok := output[field].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if thought != "" {
		parts = append(parts, thought)
	}
	return strings.Join(parts, "\n")
}

func toLower(s string) string   { return strings.ToLower(s) }
func contains(s, substr string) bool { return strings.Contains(s, substr) }

// GasFeeConfig bounds the accumulated cost of one execution's agent calls.
type GasFeeConfig struct {
	CapUSD float64
}

// AnomalyDetection is the outcome of the post-pass guardrail suite: an
// anomaly score in [0,1] (used by the trust-score penalty) plus the
// specific checks that fired, for the feedback loop's advice text.
type AnomalyDetection struct {
	Score   float64
	Reasons []string
}

func (a *AnomalyDetection) flag(score float64, reason string) {
	if score > a.Score {
		a.Score = score
	}
	a.Reasons = append(a.Reasons, reason)
}

// slopSizeCeiling and slopMinRepeatRun mirror agent_guardrails.py's "SLOP"
// (Suspicious Large Output Pattern) concern: an output field that is
// implausibly large, or dominated by a short repeating run, signals a
// runaway or degenerate generation rather than useful content.
const (
	slopSizeCeiling  = 32 * 1024
	slopMinRepeatRun = 40
)

// DetectSLOP flags oversized output, degenerate repetition, or an
// entirely empty structure where content was expected.
func DetectSLOP(output map[string]interface{}) (bool, string) {
	if len(output) == 0 {
		return true, "SLOP: agent produced an empty output structure"
	}
	text := freeTextOf(output, "")
	if len(text) > slopSizeCeiling {
		return true, "SLOP: output text exceeds size ceiling"
	}
	if run, ok := longestRepeatRun(text); ok && run >= slopMinRepeatRun {
		return true, "SLOP: output dominated by a repeating run"
	}
	return false, ""
}

// longestRepeatRun finds the longest run of an identical rune repeated
// consecutively, a cheap proxy for degenerate ("aaaaaa...", "......")
// generation without needing a full compression-ratio pass.
func longestRepeatRun(s string) (int, bool) {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0, false
	}
	best, cur := 1, 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			cur++
		} else {
			cur = 1
		}
		if cur > best {
			best = cur
		}
	}
	return best, true
}

// CheckGasFee rejects when accumulatedCostUSD (this execution's running
// total, including the call just made) exceeds the configured cap.
func CheckGasFee(cfg GasFeeConfig, accumulatedCostUSD float64) (bool, string) {
	if cfg.CapUSD <= 0 {
		return false, ""
	}
	if accumulatedCostUSD > cfg.CapUSD {
		return true, "gas fee cap exceeded"
	}
	return false, ""
}

// PlanHash is a stable content hash of an agent's stated plan, recorded
// before execution so DetectPlanDrift can compare it against what was
// actually run.
func PlanHash(plan string) string {
	sum := sha256.Sum256([]byte(plan))
	return hex.EncodeToString(sum[:])
}

// DetectPlanDrift flags semantic divergence between the plan hash stated
// before the agent acted and the hash of the actions it actually took.
// Exact-match is necessarily conservative (a real semantic-similarity
// model is out of scope here); any mismatch is reported, leaving the
// severity decision to the caller.
func DetectPlanDrift(statedPlanHash, executedActionsHash string) (bool, string) {
	if statedPlanHash == "" {
		return false, ""
	}
	if statedPlanHash != executedActionsHash {
		return true, "plan drift: executed actions diverge from the stated plan"
	}
	return false, ""
}
