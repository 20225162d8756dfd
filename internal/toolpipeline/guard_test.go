package toolpipeline

import "testing"

func TestResultGuardSanitizesSecrets(t *testing.T) {
	g := ResultGuard{SanitizeSecrets: true}
	out := g.Apply("exec", []byte(`{"content":"api_key: sk-abcdefghijklmnopqrstuvwxyz"}`))
	if string(out) == `{"content":"api_key: sk-abcdefghijklmnopqrstuvwxyz"}` {
		t.Fatalf("expected secret redacted, got %s", out)
	}
}

func TestResultGuardDenylistReplacesWholeResult(t *testing.T) {
	g := ResultGuard{Denylist: []string{"exec"}}
	out := g.Apply("exec", []byte(`{"content":"rm -rf /"}`))
	if string(out) != `"[REDACTED]"` {
		t.Fatalf("expected full redaction, got %s", out)
	}
}

func TestResultGuardTruncatesOverMaxChars(t *testing.T) {
	g := ResultGuard{MaxChars: 5}
	out := g.Apply("search", []byte(`0123456789`))
	if string(out) != "01234...[truncated]" {
		t.Fatalf("unexpected truncation: %s", out)
	}
}

func TestResultGuardInactiveByDefault(t *testing.T) {
	g := ResultGuard{}
	raw := []byte(`{"content":"unchanged"}`)
	if string(g.Apply("any", raw)) != string(raw) {
		t.Fatal("expected no-op guard to pass bytes through unchanged")
	}
}
