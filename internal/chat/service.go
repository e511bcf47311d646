package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
	"github.com/ToughenFlat/chatgpt-back/internal/conversation"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"github.com/ToughenFlat/chatgpt-back/internal/stream"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrStreamUnsupported = errors.New("provider does not support streaming")
	// ErrReplyNotSaved means upstream answered but the turn could not be persisted.
	ErrReplyNotSaved = errors.New("reply not saved")
)

// JobPublisher hands queued jobs to the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Options struct {
	Repo      *Repo
	Providers *ai.Registry
	Turns     *conversation.Manager
	Types     *conversation.SessionTypes
	Keys      *keypool.Resolver
	Streams   *stream.Registry
	Publisher JobPublisher

	DefaultProvider string
	// ModelFor returns the default model of a provider.
	ModelFor func(provider string) string
	// CallTimeout bounds every blocking upstream call.
	CallTimeout time.Duration
}

type Service struct {
	repo      *Repo
	providers *ai.Registry
	turns     *conversation.Manager
	types     *conversation.SessionTypes
	keys      *keypool.Resolver
	streams   *stream.Registry
	publisher JobPublisher

	defaultProvider string
	modelFor        func(string) string
	callTimeout     time.Duration
}

func NewService(opts Options) *Service {
	if opts.Types == nil {
		opts.Types = conversation.DefaultSessionTypes()
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "openai"
	}
	if opts.ModelFor == nil {
		opts.ModelFor = func(string) string { return "" }
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 90 * time.Second
	}
	return &Service{
		repo:            opts.Repo,
		providers:       opts.Providers,
		turns:           opts.Turns,
		types:           opts.Types,
		keys:            opts.Keys,
		streams:         opts.Streams,
		publisher:       opts.Publisher,
		defaultProvider: strings.ToLower(opts.DefaultProvider),
		modelFor:        opts.ModelFor,
		callTimeout:     opts.CallTimeout,
	}
}

// Reply is the result of a completed blocking exchange.
type Reply struct {
	SessionID string              `json:"session_id,omitempty"`
	Content   string              `json:"reply"`
	Usage     ai.Usage            `json:"usage"`
	Tokens    int                 `json:"window_tokens"`
	Turns     []conversation.Turn `json:"turns,omitempty"`
}

func (s *Service) SessionTypes() []conversation.SessionType { return s.types.All() }

func (s *Service) CreateSession(ctx context.Context, userID uint64, name string, typeCode int, provider, model string) (*Session, error) {
	if _, err := s.types.Get(typeCode); err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.defaultProvider
	}
	if !s.providers.Has(provider) {
		return nil, fmt.Errorf("%w: %s", ai.ErrUnknownProvider, provider)
	}
	if strings.TrimSpace(model) == "" {
		model = s.modelFor(provider)
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		Type:      typeCode,
		Provider:  provider,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// session loads a session and hides sessions of other users.
func (s *Service) session(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

// route is everything an outbound call needs besides the messages.
type route struct {
	provider string
	model    string
	st       conversation.SessionType
	lease    keypool.Lease
}

func (s *Service) resolve(ctx context.Context, userID uint64, provider, model string, st conversation.SessionType, override string, policy keypool.Policy) (route, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.defaultProvider
	}
	if strings.TrimSpace(model) == "" {
		model = s.modelFor(provider)
	}
	lease, err := s.keys.Resolve(ctx, userID, provider, override, policy)
	if err != nil {
		return route{}, err
	}
	return route{provider: provider, model: model, st: st, lease: lease}, nil
}

func (s *Service) request(rt route, w *conversation.Window, streaming bool) *ai.Request {
	return &ai.Request{
		Model:      rt.model,
		Messages:   w.Messages(),
		MaxTokens:  rt.st.ReservedCompletion,
		Stream:     streaming,
		Credential: rt.lease.Secret,
	}
}

func (s *Service) call(ctx context.Context, rt route, w *conversation.Window) (*ai.Response, error) {
	p, err := s.providers.Get(ctx, rt.provider, rt.model)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	resp, err := p.Chat(cctx, s.request(rt, w, false))
	if err != nil {
		s.reportFailure(ctx, rt.lease, err)
		return nil, err
	}
	s.keys.Observe(rt.lease, resp.Remaining)
	return resp, nil
}

// reportFailure takes a pool key out of rotation when upstream rejected
// the key itself. Other failures say nothing about the key.
func (s *Service) reportFailure(ctx context.Context, lease keypool.Lease, err error) {
	var ue *ai.UpstreamError
	if errors.As(err, &ue) && ue.CredentialRejected() {
		s.keys.Reject(ctx, lease, err)
	}
}

type OneShotRequest struct {
	UserID     uint64
	Type       int
	Message    string
	Credential string
	Provider   string
	Model      string
}

// SubmitOneShot answers a single message without reading or writing history.
func (s *Service) SubmitOneShot(ctx context.Context, req OneShotRequest) (*Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	st, err := s.types.Get(req.Type)
	if err != nil {
		return nil, err
	}
	w, err := s.turns.OneShot(st, req.Message)
	if err != nil {
		return nil, err
	}
	rt, err := s.resolve(ctx, req.UserID, req.Provider, req.Model, st, req.Credential, keypool.RoundRobin)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, rt, w)
	if err != nil {
		return nil, err
	}
	return &Reply{Content: resp.Content, Usage: resp.Usage, Tokens: w.Tokens()}, nil
}

type TurnRequest struct {
	UserID    uint64
	SessionID string
	// Type overrides the session's own type when set.
	Type       *int
	Message    string
	Credential string
}

func (s *Service) sessionType(sess *Session, override *int) (conversation.SessionType, error) {
	code := sess.Type
	if override != nil {
		code = *override
	}
	return s.types.Get(code)
}

// SubmitSessionTurn sends message with the session's history and persists
// both sides of the exchange once a reply has arrived.
func (s *Service) SubmitSessionTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	sess, err := s.session(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	st, err := s.sessionType(sess, req.Type)
	if err != nil {
		return nil, err
	}
	w, err := s.turns.Prepare(ctx, sess.SessionID, st, req.Message)
	if err != nil {
		return nil, err
	}
	rt, err := s.resolve(ctx, req.UserID, sess.Provider, sess.Model, st, req.Credential, keypool.RoundRobin)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, rt, w)
	if err != nil {
		return nil, err
	}
	committed, err := s.turns.Commit(ctx, sess.SessionID, w, resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReplyNotSaved, err)
	}
	return &Reply{
		SessionID: sess.SessionID,
		Content:   resp.Content,
		Usage:     resp.Usage,
		Tokens:    w.Tokens(),
		Turns:     committed,
	}, nil
}

func (s *Service) TruncateSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.turns.Truncate(ctx, sessionID)
}

// DeleteSession removes the session with its turns and jobs.
func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.turns.Truncate(ctx, sessionID); err != nil {
		return err
	}
	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.turns.Forget(sessionID)
	log.Printf("chat session deleted user_id=%d session_id=%s", userID, sessionID)
	return nil
}

func (s *Service) ListTurns(ctx context.Context, userID uint64, sessionID string) ([]conversation.Turn, error) {
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.turns.History(ctx, sessionID)
}

func (s *Service) SetUserCredential(ctx context.Context, userID uint64, provider, secret string) error {
	if !s.providers.Has(provider) {
		return fmt.Errorf("%w: %s", ai.ErrUnknownProvider, provider)
	}
	_, err := s.keys.SetUserCredential(ctx, userID, provider, secret)
	return err
}
