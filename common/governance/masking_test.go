package governance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectPIIFindsEmailPhoneCard(t *testing.T) {
	text := "contact jane.doe@example.com or call 555-123-4567, card 4111 1111 1111 1111"
	found := DetectPII(text)
	require.Contains(t, found["email"], "jane.doe@example.com")
	require.NotEmpty(t, found["phone"])
	require.NotEmpty(t, found["card"])
}

func TestDetectPIIExcludesPrivateIPs(t *testing.T) {
	text := "internal host 192.168.1.5 and public host 8.8.8.8"
	found := DetectPII(text)
	require.Contains(t, found["ip"], "8.8.8.8")
	require.NotContains(t, found["ip"], "192.168.1.5")
}

func TestApplyRetroactiveMaskingReplacesWithHashedToken(t *testing.T) {
	output := map[string]interface{}{
		"message": "email me at jane.doe@example.com",
	}
	pii := DetectPII("jane.doe@example.com")

	masked, count := ApplyRetroactiveMasking(output, pii)
	require.Equal(t, 1, count)
	require.Equal(t, true, masked["_pii_masked"])
	msg := masked["message"].(string)
	require.NotContains(t, msg, "jane.doe@example.com")
	require.Contains(t, msg, "***EMAIL_")
}

func TestApplyRetroactiveMaskingPreservesLongerEmailDomain(t *testing.T) {
	output := map[string]interface{}{
		"message": "see jane.doe@example.com.au for details",
	}
	pii := PIIMap{"email": {"jane.doe@example.com"}}

	masked, count := ApplyRetroactiveMasking(output, pii)
	require.Equal(t, 0, count)
	require.Equal(t, "see jane.doe@example.com.au for details", masked["message"])
}

func TestApplyRetroactiveMaskingIsDeterministicForSameValue(t *testing.T) {
	output := map[string]interface{}{"message": "contact jane.doe@example.com"}
	pii := DetectPII("jane.doe@example.com")

	masked1, _ := ApplyRetroactiveMasking(output, pii)
	masked2, _ := ApplyRetroactiveMasking(output, pii)
	require.Equal(t, masked1["message"], masked2["message"])
}
