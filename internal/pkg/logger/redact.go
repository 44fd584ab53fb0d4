package logger

import (
	"regexp"
	"strings"
)

var secretKeys = []string{"token", "secret", "password", "authorization", "api_key"}

var bearerRegex = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/|=]+`)

// RedactSecret masks a credential for safe logging, keeping a short prefix
// so two values can still be told apart.
// "Atzr|IwEBIabc123" → "Atzr***"
// Values of 6 characters or fewer are fully masked.
func RedactSecret(val string) string {
	if len(val) <= 6 {
		return "***"
	}
	return val[:4] + "***"
}

// RedactBearer masks bearer tokens embedded in free text.
func RedactBearer(s string) string {
	return bearerRegex.ReplaceAllString(s, "${1}***")
}

func redactValue(key, val string) string {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return RedactSecret(val)
		}
	}
	return RedactBearer(val)
}
