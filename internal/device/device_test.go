package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("1.2.3.4", "Mozilla/5.0 (Windows NT 10.0)")
	b := Fingerprint("1.2.3.4", "Mozilla/5.0 (Windows NT 10.0)")
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	base := Fingerprint("1.2.3.4", "Mozilla/5.0")
	assert.NotEqual(t, base, Fingerprint("1.2.3.5", "Mozilla/5.0"))
	assert.NotEqual(t, base, Fingerprint("1.2.3.4", "curl/8.0"))
}

func TestClass(t *testing.T) {
	cases := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", "Mobile Device"},
		{"Mozilla/5.0 (Linux; Android 14) Mobile Safari", "Mobile Device"},
		{"Mozilla/5.0 (iPad; CPU OS 17_0)", "Tablet"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64)", "Desktop"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)", "Desktop"},
		{"Mozilla/5.0 (X11; Linux x86_64)", "Desktop"},
		{"SomeBot/1.0", "Unknown Device"},
		{"", "Unknown Device"},
		{"   ", "Unknown Device"},
		// Mobile markers take precedence over desktop markers.
		{"Mozilla/5.0 (Linux; Android 14; Windows emulation)", "Mobile Device"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Class(tc.ua), "ua: %q", tc.ua)
	}
}
