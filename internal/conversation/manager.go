package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ToughenFlat/chatgpt-back/internal/token"
)

// Manager builds outbound windows and persists completed exchanges.
//
// For every session it caches the longest history suffix that fits the
// session type's budget after the system prompt. Prepare trims that cached
// suffix further for the new message, so the store is read once per change
// to the session rather than once per request. Writes and truncation hold
// the session's lock and drop the cache entry before releasing it.
type Manager struct {
	store   Store
	counter token.Counter
	locks   *keyedLocks

	mu    sync.Mutex
	cache map[string]cachedHistory
}

type cachedHistory struct {
	budget int
	turns  []Turn
}

func NewManager(store Store, counter token.Counter) *Manager {
	if counter == nil {
		counter = token.Estimate{}
	}
	return &Manager{
		store:   store,
		counter: counter,
		locks:   newKeyedLocks(),
		cache:   make(map[string]cachedHistory),
	}
}

// Count exposes the token counter every stored turn is measured with.
func (m *Manager) Count(text string) int { return m.counter.Count(text) }

// NewTurn builds an unsaved turn with its token count filled in.
func (m *Manager) NewTurn(role Role, content string) *Turn {
	return &Turn{Role: role, Content: content, TokenCount: m.counter.Count(content)}
}

func (m *Manager) frame(st SessionType, message string) (*Window, error) {
	w := &Window{Budget: st.HistoryBudget()}
	if st.SystemPrompt != "" {
		w.System = m.NewTurn(RoleSystem, st.SystemPrompt)
	}
	if message != "" {
		w.Pending = m.NewTurn(RoleUser, message)
	}
	if need := w.Tokens(); need > w.Budget {
		return nil, &BudgetExceededError{Tokens: need, Limit: w.Budget}
	}
	return w, nil
}

func (w *Window) systemTokens() int {
	if w.System == nil {
		return 0
	}
	return w.System.TokenCount
}

func (w *Window) pendingTokens() int {
	if w.Pending == nil {
		return 0
	}
	return w.Pending.TokenCount
}

// Prepare returns the window for sending message in the given session. The
// system prompt and the new message are always included; history fills
// whatever budget remains, newest turns first.
func (m *Manager) Prepare(ctx context.Context, sessionID string, st SessionType, message string) (*Window, error) {
	w, err := m.frame(st, message)
	if err != nil {
		return nil, err
	}
	historyBudget := w.Budget - w.systemTokens()

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	history, err := m.historyLocked(ctx, sessionID, historyBudget)
	if err != nil {
		return nil, err
	}
	w.History = BuildWindow(history, historyBudget, w.pendingTokens())
	return w, nil
}

// OneShot returns a window holding only the system prompt and message.
func (m *Manager) OneShot(st SessionType, message string) (*Window, error) {
	if message == "" {
		return nil, errors.New("conversation: empty message")
	}
	return m.frame(st, message)
}

func (m *Manager) historyLocked(ctx context.Context, sessionID string, budget int) ([]Turn, error) {
	m.mu.Lock()
	c, ok := m.cache[sessionID]
	m.mu.Unlock()
	if ok && c.budget == budget {
		return c.turns, nil
	}

	all, err := m.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list turns: %w", err)
	}
	turns := BuildWindow(all, budget, 0)

	m.mu.Lock()
	m.cache[sessionID] = cachedHistory{budget: budget, turns: turns}
	m.mu.Unlock()
	return turns, nil
}

// Commit persists a completed exchange: the user turn from the prepared
// window and the assistant reply, in one append.
func (m *Manager) Commit(ctx context.Context, sessionID string, w *Window, reply string) ([]Turn, error) {
	if w == nil || w.Pending == nil {
		return nil, errors.New("conversation: commit without a pending message")
	}
	if reply == "" {
		return nil, errors.New("conversation: commit with empty reply")
	}
	user := *w.Pending
	assistant := m.NewTurn(RoleAssistant, reply)
	if err := m.Append(ctx, sessionID, &user, assistant); err != nil {
		return nil, err
	}
	return []Turn{user, *assistant}, nil
}

// Append persists turns and invalidates the session's cached history.
func (m *Manager) Append(ctx context.Context, sessionID string, turns ...*Turn) error {
	for _, t := range turns {
		if t.TokenCount == 0 && t.Content != "" {
			t.TokenCount = m.counter.Count(t.Content)
		}
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()
	defer m.Forget(sessionID)

	if err := m.store.AppendTurns(ctx, sessionID, turns...); err != nil {
		return fmt.Errorf("conversation: append turns: %w", err)
	}
	return nil
}

// Truncate removes every turn of the session.
func (m *Manager) Truncate(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	defer m.Forget(sessionID)

	if err := m.store.DeleteTurns(ctx, sessionID); err != nil {
		return fmt.Errorf("conversation: delete turns: %w", err)
	}
	log.Printf("conversation truncated session_id=%s", sessionID)
	return nil
}

// Forget drops the cached history of a session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

// History returns all turns of the session in order.
func (m *Manager) History(ctx context.Context, sessionID string) ([]Turn, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	turns, err := m.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list turns: %w", err)
	}
	return turns, nil
}

func (m *Manager) cached(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cache[sessionID]
	return ok
}
