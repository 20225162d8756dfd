package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/observability"
)

// Router selects a decision.Provider by name and falls back through a
// configured chain when the primary provider's Complete call fails
// before streaming anything, mirroring the reference provider
// fallback_chain idea from its LLM config.
type Router struct {
	byName   map[string]decision.Provider
	primary  string
	fallback []string

	metrics *observability.Metrics
	tracer  *observability.Tracer
}

var _ decision.Provider = (*Router)(nil)

// NewRouter builds a Router. primary must be a key in byName; fallback
// lists additional keys tried in order if primary's Complete errors.
func NewRouter(byName map[string]decision.Provider, primary string, fallback []string) (*Router, error) {
	if _, ok := byName[primary]; !ok {
		return nil, fmt.Errorf("providers: router: unknown default provider %q", primary)
	}
	for _, name := range fallback {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("providers: router: unknown fallback provider %q", name)
		}
	}
	return &Router{byName: byName, primary: primary, fallback: fallback}, nil
}

// WithObservability attaches metrics/tracing to an already-built
// Router. Either argument may be nil to leave that concern disabled.
func (r *Router) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *Router {
	r.metrics = metrics
	r.tracer = tracer
	return r
}

// Name reports the primary provider's name.
func (r *Router) Name() string { return r.byName[r.primary].Name() }

// Complete tries the primary provider, then each fallback in order,
// returning the first successfully-opened stream. The winning
// provider's stream is wrapped so its eventual Done/Error chunk
// records LLM request duration and status.
func (r *Router) Complete(ctx context.Context, req *decision.Request) (<-chan decision.Chunk, error) {
	var errs []error
	for _, name := range append([]string{r.primary}, r.fallback...) {
		start := time.Now()

		spanCtx := ctx
		var span trace.Span
		if r.tracer != nil {
			spanCtx, span = r.tracer.TraceLLMRequest(ctx, name, req.Model)
		}

		ch, err := r.byName[name].Complete(spanCtx, req)
		if err != nil {
			if span != nil {
				r.tracer.RecordError(span, err)
				span.End()
			}
			if r.metrics != nil {
				r.metrics.RecordLLMRequest(name, req.Model, "error", time.Since(start).Seconds(), 0, 0)
				r.metrics.RecordError("decision", "complete_failed")
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		if r.metrics == nil && span == nil {
			return ch, nil
		}
		return r.instrument(ch, name, req.Model, start, span), nil
	}
	return nil, errors.Join(errs...)
}

// instrument wraps a winning provider's chunk stream, recording
// duration and status once the stream closes or errors.
func (r *Router) instrument(in <-chan decision.Chunk, provider, model string, start time.Time, span trace.Span) <-chan decision.Chunk {
	out := make(chan decision.Chunk)
	go func() {
		defer close(out)
		status := "success"
		for chunk := range in {
			if chunk.Error != nil {
				status = "error"
				if span != nil {
					r.tracer.RecordError(span, chunk.Error)
				}
			}
			out <- chunk
		}
		if span != nil {
			span.End()
		}
		if r.metrics != nil {
			r.metrics.RecordLLMRequest(provider, model, status, time.Since(start).Seconds(), 0, 0)
		}
	}()
	return out
}
