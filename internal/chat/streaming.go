package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
	"github.com/ToughenFlat/chatgpt-back/internal/conversation"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"github.com/ToughenFlat/chatgpt-back/internal/stream"
)

// handleRetry tells EventSource clients how long to wait before reconnecting.
const handleRetry = 3 * time.Second

const (
	defaultStoryType = "adventure"
	gameStartPrompt  = "Start a new %s story. Introduce the setting and the main character, " +
		"then present the first choice."
)

// OpenStreamHandle registers sink and sends it the handle id as its first event.
func (s *Service) OpenStreamHandle(sink stream.Sink) (int64, error) {
	id, err := s.streams.Open(sink)
	if err != nil {
		return 0, err
	}
	ev := stream.Event{
		Name:  "handle",
		Data:  map[string]any{"type": "handle", "handle": strconv.FormatInt(id, 10)},
		Retry: handleRetry,
	}
	if err := sink.Send(ev); err != nil {
		_ = s.streams.Invalidate(id)
		return 0, &stream.SinkWriteError{Handle: id, Err: err}
	}
	return id, nil
}

func (s *Service) InvalidateHandle(id int64) error {
	return s.streams.Invalidate(id)
}

// DisconnectHandle closes a handle whose client went away, cancelling the
// exchange bound to it.
func (s *Service) DisconnectHandle(id int64) error {
	return s.streams.Disconnect(id)
}

// HandleDone is closed when the handle's exchange ends or the handle expires.
func (s *Service) HandleDone(id int64) (<-chan struct{}, error) {
	return s.streams.Done(id)
}

type BindRequest struct {
	HandleID int64
	UserID   uint64
	// SessionID is optional; without it the exchange is one-shot.
	SessionID  string
	Type       *int
	Message    string
	Credential string
	Provider   string
	Model      string
	Policy     keypool.Policy
}

// BindStream validates the request, resolves the window and credential,
// then binds the handle and runs the exchange in the background. Failures
// before the bind leave the handle open for another attempt.
func (s *Service) BindStream(ctx context.Context, req BindRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}

	var (
		w         *conversation.Window
		st        conversation.SessionType
		sessionID string
		provider  = req.Provider
		model     = req.Model
		err       error
	)
	if req.SessionID != "" {
		sess, err := s.session(ctx, req.UserID, req.SessionID)
		if err != nil {
			return err
		}
		if st, err = s.sessionType(sess, req.Type); err != nil {
			return err
		}
		if w, err = s.turns.Prepare(ctx, sess.SessionID, st, req.Message); err != nil {
			return err
		}
		sessionID, provider, model = sess.SessionID, sess.Provider, sess.Model
	} else {
		code := conversation.NormalChat
		if req.Type != nil {
			code = *req.Type
		}
		if st, err = s.types.Get(code); err != nil {
			return err
		}
		if w, err = s.turns.OneShot(st, req.Message); err != nil {
			return err
		}
	}

	rt, err := s.resolve(ctx, req.UserID, provider, model, st, req.Credential, req.Policy)
	if err != nil {
		return err
	}
	p, err := s.providers.Get(ctx, rt.provider, rt.model)
	if err != nil {
		return err
	}
	sp, ok := p.(ai.StreamProvider)
	if !ok {
		return ErrStreamUnsupported
	}

	ex, err := s.streams.Bind(req.HandleID)
	if err != nil {
		return err
	}
	log.Printf("stream bound handle=%d user_id=%d session_id=%s provider=%s key_source=%s window_tokens=%d",
		req.HandleID, req.UserID, sessionID, rt.provider, rt.lease.Source, w.Tokens())

	go s.runExchange(ex, sp, rt, w, sessionID)
	return nil
}

type GameRequest struct {
	HandleID   int64
	UserID     uint64
	SessionID  string
	StoryType  string
	Credential string
}

// StartGame streams the opening of a story into the handle, using the
// pool's best-of key rather than the next one in rotation.
func (s *Service) StartGame(ctx context.Context, req GameRequest) error {
	story := strings.TrimSpace(req.StoryType)
	if story == "" {
		story = defaultStoryType
	}
	game := conversation.GameChat
	return s.BindStream(ctx, BindRequest{
		HandleID:   req.HandleID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Type:       &game,
		Message:    fmt.Sprintf(gameStartPrompt, story),
		Credential: req.Credential,
		Policy:     keypool.BestOf,
	})
}

// runExchange forwards upstream chunks to the handle in arrival order and
// commits the session turn only after the stream ended cleanly.
func (s *Service) runExchange(ex *stream.Exchange, sp ai.StreamProvider, rt route, w *conversation.Window, sessionID string) {
	ctx := ex.Context()
	start := time.Now()
	chunks, errs := sp.StreamChat(ctx, s.request(rt, w, true))

	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		if err := ex.Send(stream.Event{Name: "chunk", Data: map[string]any{"type": "chunk", "delta": c}}); err != nil {
			// the exchange context is cancelled now; the producer stops on its own
			for range chunks {
			}
			log.Printf("stream exchange aborted handle=%d received=%d err=%v", ex.ID(), b.Len(), err)
			return
		}
	}

	err := <-errs
	if err == nil && b.Len() == 0 {
		err = ai.ErrEmptyReply
	}
	if err != nil {
		s.reportFailure(context.Background(), rt.lease, err)
		s.failExchange(ex, err)
		return
	}

	done := map[string]any{"type": "done", "handle": strconv.FormatInt(ex.ID(), 10)}
	if sessionID != "" {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		committed, err := s.turns.Commit(cctx, sessionID, w, b.String())
		cancel()
		if err != nil {
			s.failExchange(ex, err)
			return
		}
		done["session_id"] = sessionID
		done["turn_id"] = committed[len(committed)-1].ID
		done["seq"] = committed[len(committed)-1].Seq
	}
	_ = ex.Send(stream.Event{Name: "done", Data: done})
	ex.Close(nil)
	log.Printf("stream exchange done handle=%d session_id=%s chars=%d cost=%s",
		ex.ID(), sessionID, b.Len(), time.Since(start))
}

func (s *Service) failExchange(ex *stream.Exchange, err error) {
	msg := "exchange failed"
	var ue *ai.UpstreamError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "exchange timed out"
	case errors.As(err, &ue), errors.Is(err, ai.ErrEmptyReply):
		msg = "upstream call failed"
	}
	_ = ex.Send(stream.Event{Name: "error", Data: map[string]any{"type": "error", "message": msg}})
	ex.Close(err)
}
