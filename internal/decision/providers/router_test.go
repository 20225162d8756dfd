package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/observability"
)

type fakeProvider struct {
	name string
	err  error
	ch   chan decision.Chunk
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *decision.Request) (<-chan decision.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

func TestRouterFallsBackOnPrimaryError(t *testing.T) {
	fallbackCh := make(chan decision.Chunk, 1)
	fallbackCh <- decision.Chunk{Done: true}
	close(fallbackCh)

	primary := &fakeProvider{name: "anthropic", err: errors.New("boom")}
	fallback := &fakeProvider{name: "openai", ch: fallbackCh}

	r, err := NewRouter(map[string]decision.Provider{"anthropic": primary, "openai": fallback}, "anthropic", []string{"openai"})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ch, err := r.Complete(context.Background(), &decision.Request{Model: "m"})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	var chunks []decision.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 || !chunks[0].Done {
		t.Fatalf("expected one Done chunk from fallback, got %v", chunks)
	}
}

func TestRouterAllProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", err: errors.New("boom")}
	r, err := NewRouter(map[string]decision.Provider{"anthropic": primary}, "anthropic", nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if _, err := r.Complete(context.Background(), &decision.Request{}); err == nil {
		t.Fatalf("expected error when every provider fails")
	}
}

func TestRouterRecordsMetricsOnError(t *testing.T) {
	metrics := observability.NewMetricsWithRegisterer(prometheus.NewRegistry())
	primary := &fakeProvider{name: "anthropic", err: errors.New("boom")}
	r, err := NewRouter(map[string]decision.Provider{"anthropic": primary}, "anthropic", nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	r.WithObservability(metrics, nil)

	if _, err := r.Complete(context.Background(), &decision.Request{Model: "m"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRouterRecordsMetricsOnSuccess(t *testing.T) {
	ch := make(chan decision.Chunk, 1)
	ch <- decision.Chunk{Text: "hi"}
	close(ch)

	metrics := observability.NewMetricsWithRegisterer(prometheus.NewRegistry())
	primary := &fakeProvider{name: "anthropic", ch: ch}
	r, err := NewRouter(map[string]decision.Provider{"anthropic": primary}, "anthropic", nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	r.WithObservability(metrics, nil)

	out, err := r.Complete(context.Background(), &decision.Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var got []decision.Chunk
	for c := range out {
		got = append(got, c)
	}
	if len(got) != 1 || got[0].Text != "hi" {
		t.Fatalf("expected the wrapped stream to pass chunks through unchanged, got %v", got)
	}
}
