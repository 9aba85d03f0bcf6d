// Package governance implements the Governance Ring: the post-pass
// guardrail suite run on ring-3 (agent) node output after the Segment
// Runner has already synced it, plus the trust-score ledger and the
// optimistic rollback that undoes a sync the guardrails reject.
// Grounded on
// original_source/analemma-workflow-os/backend/src/services/governance
// (constitution.py, agent_guardrails.py, retroactive_masking.py,
// trust_score_manager.py) and handlers/governance/governor_runner.py's
// "post-pass" framing.
package governance

// ClauseSeverity determines the action a constitutional clause violation
// takes. Grounded on constitution.py's ClauseSeverity enum.
type ClauseSeverity string

const (
	SeverityCritical ClauseSeverity = "critical" // Reject
	SeverityHigh     ClauseSeverity = "high"     // Escalate (HITP)
	SeverityMedium   ClauseSeverity = "medium"   // Warn
	SeverityLow      ClauseSeverity = "low"      // Log only
)

// ConstitutionalClause is one user- or operator-supplied behavioral rule
// checked against agent output.
type ConstitutionalClause struct {
	ClauseID      string
	ArticleNumber int
	Title         string
	Description   string
	Severity      ClauseSeverity
	// Check reports whether output violates this clause. thought is the
	// agent's internal reasoning text when the node surfaces one.
	Check func(output map[string]interface{}, thought string) bool
}

// DefaultConstitution mirrors constitution.py's DEFAULT_CONSTITUTION:
// articles 1-5 are pattern checks over the agent's free-text fields,
// article 6 (PII leakage) is evaluated separately by maskPII since it
// also needs to mask, not just flag.
var DefaultConstitution = []ConstitutionalClause{
	{
		ClauseID:      "article_1_professional_tone",
		ArticleNumber: 1,
		Title:         "Professional Business Tone",
		Description:   "agent must avoid profanity or aggressive language",
		Severity:      SeverityMedium,
		Check:         containsAny(profanityMarkers),
	},
	{
		ClauseID:      "article_2_no_harmful_content",
		ArticleNumber: 2,
		Title:         "No Harmful Content Generation",
		Description:   "agent must not generate content promoting violence, discrimination, or illegal activity",
		Severity:      SeverityCritical,
		Check:         containsAny(harmfulContentMarkers),
	},
	{
		ClauseID:      "article_3_user_protection",
		ArticleNumber: 3,
		Title:         "User Protection Principle",
		Description:   "agent must not request passwords, card numbers, or other PII from the user",
		Severity:      SeverityCritical,
		Check:         containsAny(credentialSolicitationMarkers),
	},
	{
		ClauseID:      "article_5_no_security_bypass",
		ArticleNumber: 5,
		Title:         "Security Policy Compliance",
		Description:   "agent must not attempt to bypass security policies, access controls, or audit logs",
		Severity:      SeverityCritical,
		Check:         containsAny(securityBypassMarkers),
	},
}

var profanityMarkers = []string{"stupid api", "damn it", "this sucks"}
var harmfulContentMarkers = []string{"sql injection", "bypass security by", "how to exploit"}
var credentialSolicitationMarkers = []string{"enter your password", "enter your card number", "send me your ssn"}
var securityBypassMarkers = []string{"scanning all user data", "ignore the audit log", "disable the access control"}

// containsAny builds a Check that reports a violation when any marker
// appears (case-insensitively) in output's free-text fields or thought.
func containsAny(markers []string) func(map[string]interface{}, string) bool {
	return func(output map[string]interface{}, thought string) bool {
		text := freeTextOf(output, thought)
		lower := toLower(text)
		for _, marker := range markers {
			if contains(lower, marker) {
				return true
			}
		}
		return false
	}
}

// EvaluateConstitution checks output against every clause, returning the
// violations found ordered by clause declaration order. Callers act on the
// most severe violation present (critical first by construction, since
// DefaultConstitution lists clauses in severity order is not guaranteed —
// use HighestSeverity to pick the governing one).
func EvaluateConstitution(clauses []ConstitutionalClause, output map[string]interface{}, thought string) []ConstitutionalClause {
	var violated []ConstitutionalClause
	for _, clause := range clauses {
		if clause.Check != nil && clause.Check(output, thought) {
			violated = append(violated, clause)
		}
	}
	return violated
}

// severityRank orders severities from most to least serious.
var severityRank = map[ClauseSeverity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// HighestSeverity returns the most severe clause among violations, or
// nil if violations is empty.
func HighestSeverity(violations []ConstitutionalClause) *ConstitutionalClause {
	if len(violations) == 0 {
		return nil
	}
	worst := violations[0]
	for _, v := range violations[1:] {
		if severityRank[v.Severity] < severityRank[worst.Severity] {
			worst = v
		}
	}
	return &worst
}
