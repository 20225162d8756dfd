package toolpipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/streamhub"
)

func TestExecuteAsyncReturnsPendingThenPublishesResult(t *testing.T) {
	hub := streamhub.New(context.Background(), streamhub.Options{})
	defer hub.Shutdown()

	events, unsub := hub.Subscribe("step-1")
	defer unsub()

	p := New(newFakeStore(), Config{Hub: hub})
	p.Register(ToolSpec{Name: "slow", Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	}, Async: true})

	res, err := p.Execute(context.Background(), ToolCall{ID: "c1", Name: "slow", StepID: "step-1"}, "u1", "conv1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected StatusPending, got %s", res.Status)
	}

	select {
	case ev := <-events:
		if ev.Type != streamhub.EventToolAsyncResult {
			t.Fatalf("unexpected event type: %s", ev.Type)
		}
		result, ok := ev.Data.(*Result)
		if !ok {
			t.Fatalf("expected *Result payload, got %T", ev.Data)
		}
		if result.Status != StatusSuccess {
			t.Fatalf("expected async job to succeed, got %s: %s", result.Status, result.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async result")
	}
}
