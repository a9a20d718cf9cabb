package audit

import "regexp"

// RedactionPatternSetVersion identifies the current secret-pattern table.
// It is versioned alongside the audit schema so a future revision of the
// pattern set is an explicit, tracked change rather than a silent
// behavior shift.
const RedactionPatternSetVersion = 1

// redactedSentinel is the literal text substituted for any matched secret.
const redactedSentinel = "[REDACTED_SECRET]"

// compiledPattern pairs a human-readable name with its regex.
type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

var secretPatterns = []compiledPattern{
	{name: "openai_style_key", regex: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{name: "github_token", regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`)},
	{name: "slack_token", regex: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{name: "aws_access_key_id", regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{name: "bearer_token", regex: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`)},
	{name: "generic_long_base64", regex: regexp.MustCompile(`[A-Za-z0-9+/]{32,}={0,2}`)},
}

// Redact replaces every substring of s that matches a known secret pattern
// with the literal sentinel [REDACTED_SECRET]. It operates on the already
// JSON-serialized text, so the sentinel lands inside whatever field the
// secret originally occupied without needing to know the record's shape.
func Redact(s string) string {
	out := s
	for _, p := range secretPatterns {
		out = p.regex.ReplaceAllString(out, redactedSentinel)
	}
	return out
}
