package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// MaskPrefix is prepended to the last four characters of a masked secret.
const MaskPrefix = "********"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// API keys (generic: long strings preceded by key-like prefixes)
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// OpenAI / Anthropic / DeepSeek style keys
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
	// Telegram bot tokens
	regexp.MustCompile(`\b\d{6,}:[A-Za-z0-9_\-]{35,}\b`),
	// Google API keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// PEM private key headers
	regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+)?PRIVATE\s+KEY-----`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

// IsSensitiveKey reports whether a setting or env key name carries a credential.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// Mask hides all but the last four characters of value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return MaskPrefix
	}
	return MaskPrefix + value[len(value)-4:]
}

// IsMasked reports whether value looks like the output of Mask.
func IsMasked(value string) bool {
	return strings.HasPrefix(value, MaskPrefix)
}
