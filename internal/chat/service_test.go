package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
	"github.com/ToughenFlat/chatgpt-back/internal/conversation"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"github.com/ToughenFlat/chatgpt-back/internal/stream"
	"github.com/ToughenFlat/chatgpt-back/internal/token"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeProvider struct {
	mu   sync.Mutex
	reqs []ai.Request

	reply     string
	err       error
	chunks    []string
	streamErr error
}

func (p *fakeProvider) record(req *ai.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *req
	// copy to avoid mutations
	cp.Messages = append([]ai.Message(nil), req.Messages...)
	p.reqs = append(p.reqs, cp)
}

func (p *fakeProvider) last() ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

func (p *fakeProvider) Chat(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	_ = ctx
	p.record(req)
	if p.err != nil {
		return nil, p.err
	}
	return &ai.Response{Content: p.reply, Remaining: -1}, nil
}

func (p *fakeProvider) StreamChat(ctx context.Context, req *ai.Request) (<-chan string, <-chan error) {
	p.record(req)
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.streamErr != nil {
			errs <- p.streamErr
		}
	}()
	return chunks, errs
}

type recordingSink struct {
	mu        sync.Mutex
	events    []stream.Event
	failAfter int
}

func (s *recordingSink) Send(ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("client gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Name
	}
	return out
}

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, jobID)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Session{}, &Job{}, &conversation.Turn{}, &keypool.Credential{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type testEnv struct {
	svc     *Service
	prov    *fakeProvider
	keys    *keypool.Resolver
	streams *stream.Registry
	pub     *fakePublisher
	db      *gorm.DB
}

func newTestEnv(t *testing.T, poolKeys ...string) *testEnv {
	t.Helper()
	db := openTestDB(t)

	keyStore := keypool.NewGormStore(db)
	if _, err := keyStore.SeedSystem(context.Background(), "fake", poolKeys); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	keys := keypool.NewResolver(keyStore, keypool.NewSelector(), nil, time.Minute)

	prov := &fakeProvider{reply: "ok", chunks: []string{"Hel", "lo"}}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return prov, nil
	})

	var seq atomic.Int64
	streams := stream.NewRegistry(stream.Options{NextID: func() int64 { return seq.Add(1) }})
	pub := &fakePublisher{}

	svc := NewService(Options{
		Repo:            NewRepo(db),
		Providers:       reg,
		Turns:           conversation.NewManager(conversation.NewGormStore(db), token.CounterFunc(func(s string) int { return len(s) })),
		Keys:            keys,
		Streams:         streams,
		Publisher:       pub,
		DefaultProvider: "fake",
		ModelFor:        func(string) string { return "fake-model" },
	})
	return &testEnv{svc: svc, prov: prov, keys: keys, streams: streams, pub: pub, db: db}
}

func (e *testEnv) createSession(t *testing.T, userID uint64, typeCode int) *Session {
	t.Helper()
	sess, err := e.svc.CreateSession(context.Background(), userID, "test", typeCode, "", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSubmitSessionTurn_WritesUserAndAssistant(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	if sess.Model != "fake-model" || sess.Provider != "fake" {
		t.Fatalf("unexpected session routing: %+v", sess)
	}

	reply, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Hello"})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	if reply.Content != "ok" {
		t.Fatalf("unexpected reply: %q", reply.Content)
	}
	if len(reply.Turns) != 2 || reply.Turns[1].ID == 0 {
		t.Fatalf("expected two committed turns with ids, got %+v", reply.Turns)
	}

	req := env.prov.last()
	if req.Credential != "sk-pool" {
		t.Fatalf("expected pool credential, got %q", req.Credential)
	}
	if req.MaxTokens != 512 {
		t.Fatalf("expected max tokens 512, got %d", req.MaxTokens)
	}

	env.prov.reply = "second"
	if _, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Again"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	msgs := env.prov.last().Messages
	want := []string{"Hello", "ok", "Again"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("message %d: want %q got %q", i, want[i], m.Content)
		}
	}

	turns, err := env.svc.ListTurns(ctx, 1, sess.SessionID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 4 || turns[3].Content != "second" || turns[3].Role != conversation.RoleAssistant {
		t.Fatalf("unexpected turns: %+v", turns)
	}
}

func TestSubmitSessionTurn_UpstreamFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t, "sk-a", "sk-b")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)

	env.prov.err = &ai.UpstreamError{Provider: "fake", StatusCode: 401, Err: errors.New("invalid key")}
	_, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Hello"})
	var ue *ai.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	turns, _ := env.svc.ListTurns(ctx, 1, sess.SessionID)
	if len(turns) != 0 {
		t.Fatalf("expected no turns after failure, got %d", len(turns))
	}

	unhealthy := 0
	for _, h := range env.keys.Selector().Snapshot("fake") {
		if !h.Healthy {
			unhealthy++
		}
	}
	if unhealthy != 1 {
		t.Fatalf("expected the rejected key to be marked unhealthy, got %d", unhealthy)
	}
}

func TestSubmitSessionTurn_UserKeyFailureLeavesPoolAlone(t *testing.T) {
	env := newTestEnv(t, "sk-a")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)

	env.prov.err = &ai.UpstreamError{Provider: "fake", StatusCode: 401, Err: errors.New("invalid key")}
	_, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Hi", Credential: "sk-mine"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if got := env.prov.last().Credential; got != "sk-mine" {
		t.Fatalf("expected override credential, got %q", got)
	}
	for _, h := range env.keys.Selector().Snapshot("fake") {
		if !h.Healthy {
			t.Fatalf("pool key %d marked unhealthy by a user key failure", h.ID)
		}
	}
}

func TestSubmitOneShot(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()

	reply, err := env.svc.SubmitOneShot(ctx, OneShotRequest{UserID: 1, Type: conversation.NormalChat, Message: "Hi", Credential: "  "})
	if err != nil {
		t.Fatalf("one shot: %v", err)
	}
	if reply.Content != "ok" {
		t.Fatalf("unexpected reply %q", reply.Content)
	}
	if got := env.prov.last().Credential; got != "sk-pool" {
		t.Fatalf("blank override must fall back to the pool, got %q", got)
	}

	var n int64
	env.db.Model(&conversation.Turn{}).Count(&n)
	if n != 0 {
		t.Fatalf("one-shot must not persist turns, found %d", n)
	}

	_, err = env.svc.SubmitOneShot(ctx, OneShotRequest{UserID: 1, Type: conversation.NormalChat, Message: strings.Repeat("x", 4000)})
	var budgetErr *conversation.BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected budget error, got %v", err)
	}
}

func TestSubmit_PoolExhausted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.SubmitOneShot(context.Background(), OneShotRequest{UserID: 1, Message: "Hi"})
	var cfgErr *keypool.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(env.prov.reqs) != 0 {
		t.Fatalf("no upstream call expected")
	}
}

func TestSessionOwnership(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)

	if _, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 2, SessionID: sess.SessionID, Message: "Hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := env.svc.TruncateSession(ctx, 2, sess.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := env.svc.CreateSession(ctx, 1, "", 42, "", ""); !errors.Is(err, conversation.ErrUnknownSessionType) {
		t.Fatalf("expected unknown session type, got %v", err)
	}
	if _, err := env.svc.CreateSession(ctx, 1, "", 0, "nope", ""); !errors.Is(err, ai.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
}

func TestTruncateAndDeleteSession(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	if _, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Hi"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := env.svc.TruncateSession(ctx, 1, sess.SessionID); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := env.svc.SubmitSessionTurn(ctx, TurnRequest{UserID: 1, SessionID: sess.SessionID, Message: "Fresh"}); err != nil {
		t.Fatalf("submit after truncate: %v", err)
	}
	if msgs := env.prov.last().Messages; len(msgs) != 1 || msgs[0].Content != "Fresh" {
		t.Fatalf("history should be empty after truncate, got %+v", msgs)
	}

	if err := env.svc.DeleteSession(ctx, 1, sess.SessionID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.ListTurns(ctx, 1, sess.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
	var n int64
	env.db.Model(&conversation.Turn{}).Where("session_id = ?", sess.SessionID).Count(&n)
	if n != 0 {
		t.Fatalf("expected turns deleted, found %d", n)
	}
}

func TestBindStream_SessionTurn(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)

	sink := &recordingSink{}
	id, err := env.svc.OpenStreamHandle(sink)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	done, _ := env.streams.Done(id)

	if err := env.svc.BindStream(ctx, BindRequest{HandleID: id, UserID: 1, SessionID: sess.SessionID, Message: "Hi"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not finish")
	}

	got := strings.Join(sink.names(), ",")
	if got != "handle,chunk,chunk,done" {
		t.Fatalf("unexpected events: %s", got)
	}
	if sink.events[0].Retry != 3*time.Second {
		t.Fatalf("handle event must carry the retry hint")
	}
	if !env.prov.last().Stream {
		t.Fatalf("expected a streaming request")
	}

	turns, _ := env.svc.ListTurns(ctx, 1, sess.SessionID)
	if len(turns) != 2 || turns[1].Content != "Hello" {
		t.Fatalf("expected committed exchange, got %+v", turns)
	}

	if err := env.svc.BindStream(ctx, BindRequest{HandleID: id, UserID: 1, SessionID: sess.SessionID, Message: "Again"}); !errors.Is(err, stream.ErrHandleNotFound) {
		t.Fatalf("expected used handle to be gone, got %v", err)
	}
}

func TestBindStream_FailureMidStreamPersistsNothing(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	env.prov.streamErr = &ai.UpstreamError{Provider: "fake", Err: ai.ErrNoEndMarker}

	sink := &recordingSink{}
	id, _ := env.svc.OpenStreamHandle(sink)
	done, _ := env.streams.Done(id)
	if err := env.svc.BindStream(ctx, BindRequest{HandleID: id, UserID: 1, SessionID: sess.SessionID, Message: "Hi"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	<-done

	if got := strings.Join(sink.names(), ","); got != "handle,chunk,chunk,error" {
		t.Fatalf("unexpected events: %s", got)
	}
	turns, _ := env.svc.ListTurns(ctx, 1, sess.SessionID)
	if len(turns) != 0 {
		t.Fatalf("partial output must not be persisted, got %d turns", len(turns))
	}
}

func TestBindStream_SinkFailureAbortsExchange(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	env.prov.chunks = []string{"a", "b", "c", "d"}

	sink := &recordingSink{failAfter: 2}
	id, _ := env.svc.OpenStreamHandle(sink)
	done, _ := env.streams.Done(id)
	if err := env.svc.BindStream(ctx, BindRequest{HandleID: id, UserID: 1, SessionID: sess.SessionID, Message: "Hi"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	<-done

	if got := len(sink.names()); got != 2 {
		t.Fatalf("expected delivery to stop at the failed write, got %d events", got)
	}
	if env.streams.Len() != 0 {
		t.Fatalf("handle must be closed")
	}
	// give the exchange goroutine time to finish before checking history
	time.Sleep(20 * time.Millisecond)
	turns, _ := env.svc.ListTurns(ctx, 1, sess.SessionID)
	if len(turns) != 0 {
		t.Fatalf("aborted exchange must not be persisted")
	}
}

func TestBindStream_ValidationKeepsHandleOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.svc.OpenStreamHandle(&recordingSink{})
	err := env.svc.BindStream(ctx, BindRequest{HandleID: id, UserID: 1, Message: "Hi"})
	var cfgErr *keypool.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if st, ok := env.streams.State(id); !ok || st != stream.Open {
		t.Fatalf("handle should stay open after a failed bind, got %v %v", st, ok)
	}

	if err := env.svc.BindStream(ctx, BindRequest{HandleID: 999, UserID: 1, Message: "Hi", Credential: "sk"}); !errors.Is(err, stream.ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
	if err := env.svc.BindStream(ctx, BindRequest{HandleID: id, UserID: 1, Message: " "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	if err := env.svc.InvalidateHandle(id); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := env.svc.InvalidateHandle(id); !errors.Is(err, stream.ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
}

func TestStartGame(t *testing.T) {
	env := newTestEnv(t, "sk-a", "sk-b")
	ctx := context.Background()

	sink := &recordingSink{}
	id, _ := env.svc.OpenStreamHandle(sink)
	if err := env.svc.StartGame(ctx, GameRequest{HandleID: id, UserID: 1}); err != nil {
		t.Fatalf("start game: %v", err)
	}
	waitDoneOrGone(t, env, id)

	req := env.prov.last()
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("expected system prompt plus opener, got %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[1].Content, "adventure") {
		t.Fatalf("expected default story type, got %q", req.Messages[1].Content)
	}
	if req.MaxTokens != 1536 {
		t.Fatalf("expected game completion budget, got %d", req.MaxTokens)
	}
}

// waitDoneOrGone waits for a handle that may already have finished.
func waitDoneOrGone(t *testing.T, env *testEnv, id int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.streams.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream %d did not finish", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueAndRunJob(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)

	j, created, err := env.svc.EnqueueTurn(ctx, 1, sess.SessionID, "Hi", "key-1")
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	again, created, err := env.svc.EnqueueTurn(ctx, 1, sess.SessionID, "Hi", "key-1")
	if err != nil || created || again.ID != j.ID {
		t.Fatalf("expected idempotent enqueue, got created=%v id=%s err=%v", created, again.ID, err)
	}
	if len(env.pub.ids) != 1 {
		t.Fatalf("expected one publish, got %d", len(env.pub.ids))
	}

	if err := env.svc.RunJob(ctx, j.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	got, err := env.svc.GetJob(ctx, 1, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobSucceeded || got.ResultTurnID == nil {
		t.Fatalf("unexpected job state: %+v", got)
	}
	if _, err := env.svc.GetJob(ctx, 2, j.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("jobs of other users must look absent, got %v", err)
	}

	// redelivery of a finished job is a no-op
	if err := env.svc.RunJob(ctx, j.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	turns, _ := env.svc.ListTurns(ctx, 1, sess.SessionID)
	if len(turns) != 2 {
		t.Fatalf("expected one exchange, got %d turns", len(turns))
	}
}

func TestRunJob_Failure(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	env.prov.err = &ai.UpstreamError{Provider: "fake", StatusCode: 500, Err: errors.New("boom")}

	j, _, err := env.svc.EnqueueTurn(ctx, 1, sess.SessionID, "Hi", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.svc.RunJob(ctx, j.ID); !errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	got, _ := env.svc.GetJob(ctx, 1, j.ID)
	if got.Status != JobFailed || got.Error == nil {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

// failNext makes the next query or update on table fail once.
func failNext(t *testing.T, db *gorm.DB, op, table string) {
	t.Helper()
	var armed atomic.Bool
	armed.Store(true)
	hook := func(tx *gorm.DB) {
		if tx.Statement.Table == table && armed.CompareAndSwap(true, false) {
			_ = tx.AddError(errors.New("transient db error"))
		}
	}
	name := "test:fail_" + op + "_" + table
	var err error
	switch op {
	case "query":
		err = db.Callback().Query().Before("gorm:query").Register(name, hook)
	case "update":
		err = db.Callback().Update().Before("gorm:update").Register(name, hook)
	default:
		t.Fatalf("unknown op %q", op)
	}
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

func TestRunJob_ClaimFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	j, _, err := env.svc.EnqueueTurn(ctx, 1, sess.SessionID, "Hi", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	failNext(t, env.db, "update", "chat_jobs")
	err = env.svc.RunJob(ctx, j.ID)
	if err == nil || errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	got, _ := env.svc.GetJob(ctx, 1, j.ID)
	if got.Status != JobQueued {
		t.Fatalf("expected job to stay queued, got %s", got.Status)
	}

	if err := env.svc.RunJob(ctx, j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = env.svc.GetJob(ctx, 1, j.ID)
	if got.Status != JobSucceeded {
		t.Fatalf("expected succeeded after retry, got %s", got.Status)
	}
}

func TestRunJob_StoreFailureBeforeUpstreamIsRetried(t *testing.T) {
	env := newTestEnv(t, "sk-pool")
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	j, _, err := env.svc.EnqueueTurn(ctx, 1, sess.SessionID, "Hi", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	failNext(t, env.db, "query", "chat_turns")
	err = env.svc.RunJob(ctx, j.ID)
	if err == nil || errors.Is(err, ErrJobFailed) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if n := len(env.prov.reqs); n != 0 {
		t.Fatalf("upstream must not be called, got %d calls", n)
	}
	got, _ := env.svc.GetJob(ctx, 1, j.ID)
	if got.Status != JobQueued {
		t.Fatalf("expected job back in queue, got %s", got.Status)
	}

	if err := env.svc.RunJob(ctx, j.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(env.prov.reqs); n != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", n)
	}
}

func TestRunJob_EmptyPoolIsFinal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.createSession(t, 1, conversation.NormalChat)
	j, _, err := env.svc.EnqueueTurn(ctx, 1, sess.SessionID, "Hi", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var cfgErr *keypool.ConfigurationError
	err = env.svc.RunJob(ctx, j.ID)
	if !errors.Is(err, ErrJobFailed) || !errors.As(err, &cfgErr) {
		t.Fatalf("expected final configuration error, got %v", err)
	}
	got, _ := env.svc.GetJob(ctx, 1, j.ID)
	if got.Status != JobFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
}

func TestFinalJobError(t *testing.T) {
	cases := []struct {
		err   error
		final bool
	}{
		{&ai.UpstreamError{Provider: "fake", StatusCode: 502, Err: errors.New("bad gateway")}, true},
		{&keypool.ConfigurationError{Provider: "fake", Err: keypool.ErrPoolExhausted}, true},
		{fmt.Errorf("prepare: %w", &conversation.BudgetExceededError{Tokens: 5000, Limit: 3584}), true},
		{fmt.Errorf("%w: %w", ErrReplyNotSaved, errors.New("disk full")), true},
		{ErrSessionNotFound, true},
		{errors.New("conversation: list turns: connection reset"), false},
		{context.Canceled, false},
	}
	for i, c := range cases {
		if got := finalJobError(c.err); got != c.final {
			t.Fatalf("case %d (%v): want final=%v got %v", i, c.err, c.final, got)
		}
	}
}
