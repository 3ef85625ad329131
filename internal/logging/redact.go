package logging

import (
	"regexp"
	"sort"
	"strings"
)

// Substrings that mark an environment variable as sensitive.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"credential",
	"private_key",
	"access_key",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),          // OpenAI / Anthropic style
	regexp.MustCompile(`(hf_[a-zA-Z0-9]{30,})`),                // Hugging Face
	regexp.MustCompile(`(ghp_[a-zA-Z0-9]{36})`),                // GitHub PAT
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._-]{20,})`),   // Bearer tokens
	regexp.MustCompile(`(?i)([A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY)[A-Z0-9_]*)=('[^']*'|"[^"]*"|\S+)`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces secrets in s, typically a remote command line.
func Redact(s string) string {
	result := s
	for i, pattern := range secretPatterns {
		if i == len(secretPatterns)-1 {
			result = pattern.ReplaceAllString(result, "${1}="+RedactedValue)
			continue
		}
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// RedactEnv returns "KEY=value" pairs sorted by key with sensitive values
// replaced, suitable for logging the forwarded environment.
func RedactEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		if IsSensitiveField(k) {
			result = append(result, k+"="+RedactedValue)
			continue
		}
		result = append(result, k+"="+Redact(env[k]))
	}
	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
