package toolpipeline

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeExecutor struct {
	name   string
	result *ToolResult
	err    error
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return f.result, f.err
}

func TestAdaptExecutorSuccess(t *testing.T) {
	h := AdaptExecutor(&fakeExecutor{name: "search", result: &ToolResult{Content: "found it"}})
	out, err := h(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["content"] != "found it" {
		t.Fatalf("unexpected content: %v", decoded)
	}
}

func TestAdaptExecutorToolError(t *testing.T) {
	h := AdaptExecutor(&fakeExecutor{name: "search", result: &ToolResult{Content: "bad query", IsError: true}})
	if _, err := h(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for IsError result")
	}
}
