package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conduitrun/conduit/internal/decision"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// OpenAIProvider implements decision.Provider against GPT models.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

var _ decision.Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider validates cfg and constructs a provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name implements decision.Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) model(req *decision.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

// Complete implements decision.Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *decision.Request) (<-chan decision.Chunk, error) {
	messages := p.convertMessages(req)

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req),
		Messages: messages,
		Stream:   true,
	}
	if len(req.Manifest) > 0 {
		chatReq.Tools = p.convertTools(req.Manifest)
		// parallel_tool_calls is disabled whenever any tool is allowed,
		//, to keep executedKeys ordering deterministic.
		disabled := false
		chatReq.ParallelToolCalls = &disabled
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isOpenAIRetryable(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	out := make(chan decision.Chunk)
	go p.drain(ctx, stream, out)
	return out, nil
}

func (p *OpenAIProvider) drain(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- decision.Chunk) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*decision.DecidedToolCall)

	flush := func() {
		for _, tc := range pending {
			if tc.ID != "" && tc.Name != "" {
				out <- decision.Chunk{ToolCall: tc}
			}
		}
		pending = make(map[int]*decision.DecidedToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			out <- decision.Chunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				out <- decision.Chunk{Done: true}
				return
			}
			out <- decision.Chunk{Error: err, Done: true}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- decision.Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cur = &decision.DecidedToolCall{}
				pending[idx] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Arguments += tc.Function.Arguments
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func (p *OpenAIProvider) convertMessages(req *decision.Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
		for _, tr := range m.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}
	}
	return out
}

func (p *OpenAIProvider) convertTools(manifest []decision.ToolManifestEntry) []openai.Tool {
	out := make([]openai.Tool, 0, len(manifest))
	for _, m := range manifest {
		var schema map[string]any
		_ = json.Unmarshal(m.Schema, &schema)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        m.Name,
				Description: m.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func isOpenAIRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}
