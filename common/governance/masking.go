package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// piiPattern mirrors retroactive_masking.py's PIIPattern regex table,
// generalized from the Korean-format phone/SSN patterns to the
// international shapes spec.md names (email / phone / SSN / card /
// public IP).
var (
	piiEmailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	piiPhonePattern = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3,4}[-.\s]?\d{4}\b`)
	piiSSNPattern   = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)
	piiCardPattern  = regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)
	// piiPublicIPPattern excludes the private ranges, mirroring the
	// original's negative lookahead on 10.x / 192.168.x / 172.16-31.x.
	piiPublicIPPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
)

var privateIPPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^10\.`),
	regexp.MustCompile(`^192\.168\.`),
	regexp.MustCompile(`^172\.(1[6-9]|2[0-9]|3[01])\.`),
}

// PIIMap is the category -> matched-values table detect_pii_regex
// returns.
type PIIMap map[string][]string

// DetectPII scans text for the PII categories the constitution's article
// 6 (no PII leakage in text) cares about.
func DetectPII(text string) PIIMap {
	found := PIIMap{
		"email": dedupe(piiEmailPattern.FindAllString(text, -1)),
		"phone": dedupe(piiPhonePattern.FindAllString(text, -1)),
		"ssn":   dedupe(piiSSNPattern.FindAllString(text, -1)),
		"card":  dedupe(piiCardPattern.FindAllString(text, -1)),
	}
	var publicIPs []string
	for _, ip := range piiPublicIPPattern.FindAllString(text, -1) {
		if !isPrivateIP(ip) {
			publicIPs = append(publicIPs, ip)
		}
	}
	found["ip"] = dedupe(publicIPs)
	return found
}

func isPrivateIP(ip string) bool {
	for _, p := range privateIPPrefixes {
		if p.MatchString(ip) {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// HasViolation reports whether any category in the map is non-empty.
func (m PIIMap) HasViolation() bool {
	for _, v := range m {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

var categoryPrefix = map[string]string{
	"email": "EMAIL", "phone": "PHONE", "ssn": "SSN", "card": "CARD", "ip": "IP",
}

// ApplyRetroactiveMasking replaces every detected PII value in output's
// free-text fields with a hashed token `***<CATEGORY>_<hash16>***`,
// grounded on retroactive_masking.py's apply_retroactive_masking. The
// hash (not the raw value) is retained so operators can still correlate
// repeated occurrences of the same PII value without storing it.
func ApplyRetroactiveMasking(output map[string]interface{}, pii PIIMap) (map[string]interface{}, int) {
	masked := make(map[string]interface{}, len(output))
	for k, v := range output {
		masked[k] = v
	}

	total := 0
	for _, field := range freeTextFields {
		text, ok := masked[field].(string)
		if !ok {
			continue
		}
		original := text
		for category, values := range pii {
			prefix, known := categoryPrefix[category]
			if !known {
				continue
			}
			for _, value := range values {
				token := "***" + prefix + "_" + shortHash(value) + "***"
				text = replacePII(text, value, token, category)
				total++
			}
		}
		if text != original {
			masked[field] = text
		}
	}

	if total > 0 {
		masked["_pii_masked"] = true
		masked["_pii_mask_count"] = total
	}
	return masked, total
}

func shortHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

// replacePII replaces every boundary-safe occurrence of value in text with
// token, mirroring _replace_pii's guard against partial matches (an email
// replaced mid-domain, a card number replaced inside a longer digit run).
// RE2 has no lookaround, so boundaries are checked manually on the
// surrounding runes instead of via a regex assertion.
func replacePII(text, value, token, category string) string {
	if value == "" {
		return text
	}
	var out []byte
	rest := text
	for {
		idx := indexOf(rest, value)
		if idx < 0 {
			out = append(out, rest...)
			break
		}
		beforeR, hasBefore := runeBefore(rest, idx)
		afterR, hasAfter := runeAfter(rest, idx+len(value))
		if boundaryOK(category, beforeR, hasBefore, afterR, hasAfter) {
			out = append(out, rest[:idx]...)
			out = append(out, token...)
		} else {
			out = append(out, rest[:idx+len(value)]...)
		}
		rest = rest[idx+len(value):]
	}
	return string(out)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func runeBefore(s string, idx int) (r rune, ok bool) {
	if idx == 0 {
		return 0, false
	}
	runes := []rune(s[:idx])
	return runes[len(runes)-1], true
}

func runeAfter(s string, idx int) (r rune, ok bool) {
	if idx >= len(s) {
		return 0, false
	}
	runes := []rune(s[idx:])
	return runes[0], true
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// boundaryOK reports whether the characters immediately surrounding a
// matched PII value permit replacement, mirroring _replace_pii's two
// rules: an email must not be followed by another domain label or a
// username/domain character (user@example.com.au must not replace only
// the "user@example.com" prefix); every other category must not be
// embedded in a longer alphanumeric run.
func boundaryOK(category string, before rune, hasBefore bool, after rune, hasAfter bool) bool {
	if category == "email" {
		if hasAfter && (after == '.' || isAlnum(after) || after == '_' || after == '%' || after == '+' || after == '@' || after == '-') {
			return false
		}
		return true
	}
	if hasBefore && isAlnum(before) {
		return false
	}
	if hasAfter && isAlnum(after) {
		return false
	}
	return true
}
