package pii

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskTextRedactsEmailAndPreservesURL(t *testing.T) {
	in := "contact jane.doe@example.com or visit https://example.com/u/jane.doe@example.com for info"
	out := MaskText(in)

	require.Contains(t, out, "[EMAIL_REDACTED]")
	require.Contains(t, out, "https://example.com/u/jane.doe@example.com")
}

func TestMaskTextRedactsAPIKey(t *testing.T) {
	in := "key is sk-abcdefghijklmnopqrstuvwxyz1234567890"
	out := MaskText(in)
	require.Contains(t, out, "[API_KEY_REDACTED]")
	require.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz1234567890")
}

func TestIsPIIFieldMatchesExplicitAndPattern(t *testing.T) {
	require.True(t, IsPIIField("email"))
	require.True(t, IsPIIField("user_email"))
	require.True(t, IsPIIField("SSN"))
	require.False(t, IsPIIField("status"))
}

func TestMaskFieldValueEmail(t *testing.T) {
	require.Equal(t, "jo***@example.com", MaskFieldValue("john@example.com"))
}

func TestMaskFieldValuePhone(t *testing.T) {
	require.Equal(t, "******7890", MaskFieldValue("1234567890"))
}

func TestMaskStateForLoggingLeavesOriginalUntouched(t *testing.T) {
	state := map[string]interface{}{
		"user_email": "john@example.com",
		"status":     "ok",
		"nested":     map[string]interface{}{"phone": "5551234567"},
	}
	masked := MaskStateForLogging(state)

	require.Equal(t, "jo***@example.com", masked["user_email"])
	require.Equal(t, "john@example.com", state["user_email"])
	nested := masked["nested"].(map[string]interface{})
	require.Equal(t, "******4567", nested["phone"])
}
