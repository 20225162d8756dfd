package toolpipeline

import (
	"regexp"
	"strings"
)

// builtinSecretPatterns catches common secret shapes regardless of
// which tool produced them.
var builtinSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w-\.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).*?(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// ResultGuard redacts a tool's raw result bytes before they reach the
// durable ledger, the process cache, or the Context Assembler. Applied
// inside Execute, after a successful call and before step 6's cache
// put, so a redacted result never gets ledger-cached verbatim.
type ResultGuard struct {
	// MaxChars truncates the result's string form. Zero disables.
	MaxChars int
	// Denylist fully replaces matching tools' results with RedactionText.
	Denylist []string
	// SanitizeSecrets applies builtinSecretPatterns.
	SanitizeSecrets bool
	// RedactionText replaces matched spans. Defaults to "[REDACTED]".
	RedactionText string
}

func (g ResultGuard) active() bool {
	return g.MaxChars > 0 || len(g.Denylist) > 0 || g.SanitizeSecrets
}

// Apply redacts raw, the JSON-encoded result bytes for toolName, and
// returns the (possibly unmodified) replacement.
func (g ResultGuard) Apply(toolName string, raw []byte) []byte {
	if !g.active() || len(raw) == 0 {
		return raw
	}

	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[REDACTED]"
	}

	if len(g.Denylist) > 0 && matchesAny(g.Denylist, toolName) {
		return []byte(`"` + redaction + `"`)
	}

	content := string(raw)
	if g.SanitizeSecrets {
		for _, re := range builtinSecretPatterns {
			content = re.ReplaceAllString(content, redaction)
		}
	}
	if g.MaxChars > 0 && len(content) > g.MaxChars {
		content = content[:g.MaxChars] + "...[truncated]"
	}
	return []byte(content)
}
