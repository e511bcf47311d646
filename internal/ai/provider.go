package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one outbound completion call. Credential is the API key used
// for this call only; providers never keep a key of their own.
type Request struct {
	Model      string
	Messages   []Message
	MaxTokens  int
	Stream     bool
	Credential string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Content string
	Usage   Usage
	// Remaining is the upstream's remaining-quota hint for the credential,
	// or -1 when the provider did not report one.
	Remaining float64
}

type Provider interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
}

var (
	ErrEmptyReply  = errors.New("empty reply")
	ErrNoEndMarker = errors.New("stream ended without end marker")
)

// UpstreamError is returned for every failed call to a completion endpoint:
// transport errors, timeouts, non-2xx statuses and unusable bodies.
// Calls are never retried inside this module.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable is always false: the call may already have been charged.
func (e *UpstreamError) Retryable() bool { return false }

// CredentialRejected reports whether the upstream refused the key itself
// (bad key, no balance, rate limited) rather than failing transiently.
func (e *UpstreamError) CredentialRejected() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

func upstreamError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Provider: provider, StatusCode: status, Err: err}
}
