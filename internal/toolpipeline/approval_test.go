package toolpipeline

import (
	"context"
	"encoding/json"
	"testing"
)

func TestApprovalCheckerDenylistBeatsDefault(t *testing.T) {
	checker := NewApprovalChecker(ApprovalPolicy{
		Denylist:        []string{"exec"},
		DefaultDecision: ApprovalAllowed,
	})
	if d, _ := checker.Check("u1", "exec"); d != ApprovalDenied {
		t.Fatalf("expected exec denied, got %s", d)
	}
	if d, _ := checker.Check("u1", "web_search"); d != ApprovalAllowed {
		t.Fatalf("expected web_search allowed, got %s", d)
	}
}

func TestApprovalCheckerRequireApprovalDeniesUnattended(t *testing.T) {
	checker := NewApprovalChecker(ApprovalPolicy{RequireApproval: []string{"send_*"}})
	if d, reason := checker.Check("u1", "send_message"); d != ApprovalDenied {
		t.Fatalf("expected send_message denied, got %s (%s)", d, reason)
	}
}

func TestApprovalCheckerPerAgentOverride(t *testing.T) {
	checker := NewApprovalChecker(ApprovalPolicy{Denylist: []string{"exec"}})
	checker.SetAgentPolicy("trusted", ApprovalPolicy{DefaultDecision: ApprovalAllowed})

	if d, _ := checker.Check("other", "exec"); d != ApprovalDenied {
		t.Fatalf("expected default policy to deny exec, got %s", d)
	}
	if d, _ := checker.Check("trusted", "exec"); d != ApprovalAllowed {
		t.Fatalf("expected trusted override to allow exec, got %s", d)
	}
}

func TestPipelineExecuteDeniesBeforeExecution(t *testing.T) {
	ran := false
	p := New(newFakeStore(), Config{
		Approval: NewApprovalChecker(ApprovalPolicy{Denylist: []string{"exec"}}),
	})
	p.Register(ToolSpec{Name: "exec", Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		ran = true
		return json.RawMessage(`{}`), nil
	}})

	result, err := p.Execute(context.Background(), ToolCall{ID: "1", Name: "exec", Arguments: json.RawMessage(`{}`)}, "u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusDenied {
		t.Fatalf("expected DENIED, got %+v", result)
	}
	if ran {
		t.Fatal("expected handler to never run for a denied call")
	}
}
