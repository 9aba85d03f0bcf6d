// Package pii implements PII masking for log output: a pattern+token pass
// over free text (emails, phone numbers, SSNs, card numbers, API keys)
// with URL-embedded look-alikes protected from corruption, plus a
// field-name-keyed partial-reveal pass over structured values. Grounded on
// original_source/analemma-workflow-os's
// services/common/pii_masking_service.py (URL-stash/restore, pattern
// table) and common/security_utils.py (field-name detection,
// partial-reveal masking).
package pii

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type patternToken struct {
	pattern *regexp.Regexp
	token   string
}

// patternTable mirrors pii_masking_service.py's PII_PATTERNS table.
var patternTable = []patternToken{
	{regexp.MustCompile(`\bsk-[a-zA-Z0-9-]{20,}\b`), "[API_KEY_REDACTED]"},
	{regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL_REDACTED]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "[CARD_REDACTED]"},
	{regexp.MustCompile(`\b\d{3}[-.\s]?\d{3,4}[-.\s]?\d{4}\b`), "[PHONE_REDACTED]"},
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>]+`)

// MaskText masks PII in free text while preserving embedded URLs intact.
// Used for log output only — never applied to prompts or state values.
func MaskText(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	stash := make(map[string]string)
	stashed := stashURLs(text, stash)

	masked := stashed
	for _, pt := range patternTable {
		masked = pt.pattern.ReplaceAllString(masked, pt.token)
	}

	for token, original := range stash {
		masked = strings.ReplaceAll(masked, token, original)
	}
	return masked
}

func stashURLs(text string, stash map[string]string) string {
	return urlPattern.ReplaceAllStringFunc(text, func(match string) string {
		if _, err := url.ParseRequestURI(match); err != nil {
			return match
		}
		token := "__URL_STASH_" + strings.ReplaceAll(uuid.New().String(), "-", "") + "__"
		stash[token] = match
		return token
	})
}

// explicitPIIFields mirrors security_utils.py's EXPLICIT_PII_FIELDS.
var explicitPIIFields = map[string]bool{
	"email": true, "password": true, "ssn": true, "social_security_number": true,
	"credit_card": true, "phone": true, "phone_number": true, "address": true,
	"date_of_birth": true, "dob": true, "driver_license": true,
}

var fieldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)email`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)ssn`),
	regexp.MustCompile(`(?i)social.*security`),
	regexp.MustCompile(`(?i)credit.*card`),
	regexp.MustCompile(`(?i)phone`),
	regexp.MustCompile(`(?i)address`),
	regexp.MustCompile(`(?i)dob`),
	regexp.MustCompile(`(?i)birth.*date`),
}

// IsPIIField reports whether a field name looks like it holds PII.
func IsPIIField(name string) bool {
	if explicitPIIFields[strings.ToLower(name)] {
		return true
	}
	for _, p := range fieldPatterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// MaskFieldValue partially reveals a structured field's value: email
// addresses keep their first two username characters, digit sequences of
// 10+ keep their last four digits, everything else keeps its first three
// characters.
func MaskFieldValue(value string) string {
	if value == "" {
		return "***MASKED***"
	}
	if idx := strings.Index(value, "@"); idx > 0 {
		username, domain := value[:idx], value[idx+1:]
		if !strings.Contains(domain, "@") {
			masked := username
			if len(username) > 2 {
				masked = username[:2] + strings.Repeat("*", len(username)-2)
			} else {
				masked = "**"
			}
			return masked + "@" + domain
		}
	}
	digits := strings.NewReplacer("-", "", " ", "").Replace(value)
	if isAllDigits(digits) && len(digits) >= 10 {
		return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
	}
	if len(value) > 3 {
		return value[:3] + strings.Repeat("*", len(value)-3)
	}
	return "***"
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MaskStateForLogging returns a shallow-recursive copy of state with every
// PII-looking field masked, for log output only. The original map and any
// nested maps are left untouched.
func MaskStateForLogging(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = MaskStateForLogging(val)
		case string:
			if IsPIIField(k) {
				out[k] = MaskFieldValue(val)
			} else {
				out[k] = MaskText(val)
			}
		default:
			out[k] = v
		}
	}
	return out
}
