package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const openAIName = "openai"

// OpenAIProvider implements Provider for OpenAI and OpenAI-compatible APIs
// through the official SDK. The key is attached per request.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

func NewOpenAIProvider(baseURL, model string, opts ...option.RequestOption) *OpenAIProvider {
	base := []option.RequestOption{option.WithMaxRetries(0)}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &OpenAIProvider{
		client: openai.NewClient(append(base, opts...)...),
		model:  model,
	}
}

func (p *OpenAIProvider) params(req *Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return upstreamError(openAIName, apiErr.StatusCode, err)
	}
	return upstreamError(openAIName, 0, err)
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, upstreamError(openAIName, 0, errors.New("api key is required"))
	}

	var raw *http.Response
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req),
		option.WithAPIKey(req.Credential),
		option.WithResponseInto(&raw),
	)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, upstreamError(openAIName, http.StatusOK, ErrEmptyReply)
	}

	out := &Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		Remaining: -1,
	}
	if raw != nil {
		out.Remaining = remainingQuota(raw.Header)
	}
	return out, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if strings.TrimSpace(req.Credential) == "" {
			errs <- upstreamError(openAIName, 0, errors.New("api key is required"))
			return
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(req), option.WithAPIKey(req.Credential))
		defer stream.Close()

		finished := false
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" && !send(ctx, chunks, choice.Delta.Content) {
				errs <- upstreamError(openAIName, 0, ctx.Err())
				return
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}
		if err := stream.Err(); err != nil {
			errs <- openAIError(err)
			return
		}
		if !finished {
			errs <- upstreamError(openAIName, 0, ErrNoEndMarker)
		}
	}()

	return chunks, errs
}

// Probe checks a key against the models endpoint and returns the
// rate-limit hint from the response headers (-1 if absent).
func (p *OpenAIProvider) Probe(ctx context.Context, secret string) (float64, error) {
	var raw *http.Response
	if _, err := p.client.Models.List(ctx, option.WithAPIKey(secret), option.WithResponseInto(&raw)); err != nil {
		return 0, openAIError(err)
	}
	if raw == nil {
		return -1, nil
	}
	return remainingQuota(raw.Header), nil
}
