// Package heal implements the Self-Healer's error classifier: deciding
// whether a failed node should be retried automatically (DETERMINISTIC)
// or escalated for manual intervention (SEMANTIC), plus the heuristic
// advice lookup consumed by the Segment Runner's advice injection
// (common/segment's InjectAdvice). Grounded on
// original_source/analemma-workflow-os/backend/src/services/recovery/error_classifier.py.
package heal

import "regexp"

// Category is the Self-Healer's classification of a failed node's error.
type Category string

const (
	CategoryDeterministic Category = "DETERMINISTIC"
	CategorySemantic      Category = "SEMANTIC"
)

// MaxAutoHealingCount is the circuit breaker: once a segment has already
// been auto-healed this many times, every further classification is
// forced SEMANTIC regardless of pattern match.
const MaxAutoHealingCount = 3

// deterministicPatterns mirrors error_classifier.py's DETERMINISTIC_PATTERNS:
// JSON/schema errors, common runtime errors, and transient provider
// errors, all auto-recoverable by re-running with corrective advice.
var deterministicPatterns = compileAll([]string{
	`JSONDecodeError`, `Invalid JSON`, `Unexpected token`, `json\.Unmarshal`,
	`ValidationError`, `schema.*mismatch`, `missing.*required.*field`,

	`KeyError`, `IndexError`, `TypeError`, `AttributeError`,
	`key not found`, `index out of range`, `nil pointer`,

	`Rate limit`, `RateLimitError`, `429`, `Too Many Requests`,
	`Timeout`, `TimeoutError`, `Connection.*reset`, `ETIMEDOUT`, `ECONNREFUSED`,
	`ThrottlingException`, `ServiceUnavailable`, `ModelStreamErrorException`, `InternalServerError`,
})

// semanticPatterns mirrors error_classifier.py's SEMANTIC_PATTERNS:
// guardrail violations, runaway control flow, and auth/access errors,
// none of which a blind retry can fix.
var semanticPatterns = compileAll([]string{
	`SIGKILL`, `SecurityViolation`, `PromptInjection`, `Ring.*Protection`,
	`Guardrail.*violated`, `forbidden`, `AccessDenied`, `UnauthorizedAccess`,

	`LoopLimitExceeded`, `BranchLoopLimitExceeded`, `RecursionError`,
	`maximum recursion depth`, `Infinite loop`,

	`Logical.*contradiction`, `Circular.*dependency`, `Deadlock`,

	`Resource.*Exhaustion`, `MemoryError`, `OutOfMemory`, `MAX_SPLIT_DEPTH`,

	`AuthenticationError`, `CredentialsError`, `InvalidToken`, `403`, `401`,
})

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile("(?i)" + p)
	}
	return compiled
}

// Classify decides whether errorType/message should be auto-healed,
// returning the category and a human-readable reason. Grounded on
// ErrorClassifier.classify's precedence: circuit breaker first, then
// semantic patterns (more dangerous, checked before deterministic so a
// message matching both is treated as the safer-to-escalate SEMANTIC),
// then deterministic patterns, then context flags, defaulting to
// SEMANTIC when nothing matches (the safe path).
func Classify(errorType, message string, healingCount int, context map[string]interface{}) (Category, string) {
	if healingCount >= MaxAutoHealingCount {
		return CategorySemantic, "circuit breaker: auto-healing attempts exceeded limit"
	}

	full := errorType + ": " + message

	for _, p := range semanticPatterns {
		if p.MatchString(full) {
			return CategorySemantic, "semantic error detected: " + p.String()
		}
	}

	for _, p := range deterministicPatterns {
		if p.MatchString(full) {
			return CategoryDeterministic, "deterministic error detected: " + p.String()
		}
	}

	if context != nil {
		if truthy(context["guardrail_violated"]) || truthy(context["security_violation"]) {
			return CategorySemantic, "security context flag detected"
		}
		if truthy(context["previous_healing_failed"]) {
			return CategorySemantic, "previous healing attempt failed"
		}
	}

	return CategorySemantic, "unknown error type, defaulting to manual intervention: " + errorType
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// ShouldAutoHeal reports whether errorType/message is safe to retry
// automatically.
func ShouldAutoHeal(errorType, message string, healingCount int, context map[string]interface{}) (bool, string) {
	category, reason := Classify(errorType, message, healingCount, context)
	return category == CategoryDeterministic, reason
}

var (
	jsonHintPattern    = regexp.MustCompile(`(?i)JSON|Unmarshal|Unexpected token`)
	syntaxHintPattern  = regexp.MustCompile(`(?i)SyntaxError|unexpected EOF`)
	keyHintPattern     = regexp.MustCompile(`(?i)KeyError|key not found`)
	typeHintPattern    = regexp.MustCompile(`(?i)TypeError.*argument`)
	rateLimitHint      = regexp.MustCompile(`(?i)Rate limit|429|ThrottlingException`)
	timeoutHintPattern = regexp.MustCompile(`(?i)Timeout|ETIMEDOUT`)
)

// Advice returns a heuristic, human-readable fix suggestion for an error,
// used as the first-pass advice before any optional LLM refinement.
// Grounded on ErrorClassifier.get_healing_advice.
func Advice(errorType, message string) (string, bool) {
	full := errorType + ": " + message
	switch {
	case jsonHintPattern.MatchString(full):
		return "Escape special characters in JSON strings. Check for unquoted keys or trailing commas.", true
	case syntaxHintPattern.MatchString(full):
		return "Check syntax: matching braces, quotes, and commas in the generated output.", true
	case keyHintPattern.MatchString(full):
		return "Check whether the key exists before accessing it, or supply a default.", true
	case typeHintPattern.MatchString(full):
		return "Check the function signature and the number of arguments passed.", true
	case rateLimitHint.MatchString(full):
		return "Apply exponential backoff and retry after a short delay.", true
	case timeoutHintPattern.MatchString(full):
		return "Increase the timeout or reduce payload size; consider chunking large requests.", true
	default:
		return "", false
	}
}
