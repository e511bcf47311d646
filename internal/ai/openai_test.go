package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChat_PerRequestKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-pool-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ratelimit-Remaining-Requests", "7")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "")
	resp, err := p.Chat(context.Background(), &Request{
		Messages:   []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}},
		MaxTokens:  64,
		Credential: "sk-pool-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, 7.0, resp.Remaining)
}

func TestOpenAIChat_StatusMapsToUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"requests"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "")
	_, err := p.Chat(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "x"}}, Credential: "k"})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.True(t, ue.CredentialRejected())
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}%s}]}`
		fmt.Fprintf(w, "data: "+chunk+"\n\n", "a", "")
		fmt.Fprintf(w, "data: "+chunk+"\n\n", "b", "")
		fmt.Fprintf(w, "data: "+chunk+"\n\n", "", `,"finish_reason":"stop"`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "m")
	got, err := drain(p.StreamChat(context.Background(), &Request{Credential: "k", Stream: true}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}
