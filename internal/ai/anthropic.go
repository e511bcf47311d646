package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicName = "anthropic"

// defaultAnthropicMaxTokens is used when a request carries no limit;
// the Messages API requires one.
const defaultAnthropicMaxTokens = 1024

type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(baseURL, model string) *AnthropicProvider {
	opts := []anthropicoption.RequestOption{anthropicoption.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (p *AnthropicProvider) params(req *Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	var system []anthropic.TextBlockParam
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return upstreamError(anthropicName, apiErr.StatusCode, err)
	}
	return upstreamError(anthropicName, 0, err)
}

func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, upstreamError(anthropicName, 0, errors.New("api key is required"))
	}

	msg, err := p.client.Messages.New(ctx, p.params(req), anthropicoption.WithAPIKey(req.Credential))
	if err != nil {
		return nil, anthropicError(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, upstreamError(anthropicName, 200, ErrEmptyReply)
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		Content:   b.String(),
		Usage:     Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		Remaining: -1,
	}, nil
}

func (p *AnthropicProvider) StreamChat(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(req.Credential) == "" {
			errs <- upstreamError(anthropicName, 0, errors.New("api key is required"))
			return
		}

		stream := p.client.Messages.NewStreaming(ctx, p.params(req), anthropicoption.WithAPIKey(req.Credential))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch v := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := v.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !send(ctx, chunks, d.Text) {
						errs <- upstreamError(anthropicName, 0, ctx.Err())
						return
					}
				}
			case anthropic.MessageStopEvent:
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- anthropicError(err)
			return
		}
		errs <- upstreamError(anthropicName, 0, ErrNoEndMarker)
	}()

	return chunks, errs
}
