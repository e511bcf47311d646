package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const openRouterName = "openrouter"

// OpenRouterProvider talks to any OpenAI-compatible /chat/completions
// endpoint over plain HTTP (OpenRouter by default).
type OpenRouterProvider struct {
	BaseURL string
	Model   string
	SiteURL string
	AppName string
	// Client has no global timeout; every call is bounded by its ctx.
	Client *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model     string          `json:"model"`
	Messages  []openRouterMsg `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage Usage            `json:"usage"`
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{},
	}
}

func (p *OpenRouterProvider) newRequest(ctx context.Context, req *Request, stream bool) (*http.Request, error) {
	if p.Client == nil {
		return nil, errors.New("http client is nil")
	}
	if strings.TrimSpace(req.Credential) == "" {
		return nil, errors.New("api key is required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(p.Model)
	}
	if model == "" {
		return nil, errors.New("model is required")
	}

	reqBody := openRouterChatReq{
		Model:     model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
		Messages: func() []openRouterMsg {
			out := make([]openRouterMsg, 0, len(req.Messages))
			for _, m := range req.Messages {
				out = append(out, openRouterMsg{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}
	return httpReq, nil
}

// statusError reads a bounded amount of a non-2xx body into an error.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return upstreamError(openRouterName, resp.StatusCode, errors.New(msg))
}

// remainingQuota reads the rate-limit hint OpenAI-compatible gateways send back.
func remainingQuota(h http.Header) float64 {
	for _, k := range []string{"X-Ratelimit-Remaining-Requests", "X-Ratelimit-Remaining"} {
		if v := h.Get(k); v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return n
			}
		}
	}
	return -1
}

func (p *OpenRouterProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, upstreamError(openRouterName, 0, err)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, upstreamError(openRouterName, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, upstreamError(openRouterName, resp.StatusCode, fmt.Errorf("decode: %w", err))
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, upstreamError(openRouterName, resp.StatusCode, errors.New(decoded.Error.Message))
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return nil, upstreamError(openRouterName, resp.StatusCode, ErrEmptyReply)
	}
	return &Response{
		Content:   decoded.Choices[0].Message.Content,
		Usage:     decoded.Usage,
		Remaining: remainingQuota(resp.Header),
	}, nil
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, req *Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		fail := func(status int, err error) {
			errs <- upstreamError(openRouterName, status, err)
		}

		httpReq, err := p.newRequest(ctx, req, true)
		if err != nil {
			fail(0, err)
			return
		}

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			fail(0, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- statusError(resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				fail(resp.StatusCode, fmt.Errorf("decode chunk: %w", err))
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				fail(resp.StatusCode, errors.New(decoded.Error.Message))
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			delta := decoded.Choices[0].Delta.Content
			if delta != "" && !send(ctx, chunks, delta) {
				fail(0, ctx.Err())
				return
			}
		}

		if err := sc.Err(); err != nil {
			fail(resp.StatusCode, err)
			return
		}
		fail(resp.StatusCode, ErrNoEndMarker)
	}()

	return chunks, errs
}
