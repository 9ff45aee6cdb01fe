package device

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Fingerprint derives a stable identifier for the client context from its
// IP address and user agent. Same inputs always yield the same digest.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + ":" + userAgent))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Class buckets a user agent into a coarse device category. Mobile markers
// win over desktop markers: an agent claiming both "android" and "windows"
// is a mobile device.
func Class(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "Unknown Device"
	}

	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return "Mobile Device"
	case strings.Contains(ua, "tablet"), strings.Contains(ua, "ipad"):
		return "Tablet"
	case strings.Contains(ua, "windows"), strings.Contains(ua, "mac"), strings.Contains(ua, "linux"):
		return "Desktop"
	default:
		return "Unknown Device"
	}
}
