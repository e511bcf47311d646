// Package conversation owns per-session conversation history and decides
// which part of it is sent upstream. History is an append-only log of
// turns; the window sent with a request is the longest suffix of that log
// whose token cost fits the session type's budget.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one persisted message. Seq is assigned by the store when the
// turn is appended and never changes afterwards.
type Turn struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"type:varchar(26);not null;uniqueIndex:uniq_chat_turn_seq,priority:1" json:"session_id"`
	Seq        int       `gorm:"not null;uniqueIndex:uniq_chat_turn_seq,priority:2" json:"seq"`
	Role       Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	TokenCount int       `gorm:"not null" json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Turn) TableName() string { return "chat_turns" }

func (t Turn) Message() ai.Message {
	return ai.Message{Role: string(t.Role), Content: t.Content}
}

const (
	NormalChat = 0
	ExpertChat = 1
	GameChat   = 2
)

// SessionType fixes the token budget of a session. Capacity is the model's
// total context; ReservedCompletion is kept free for the reply and is also
// the max_tokens sent upstream.
type SessionType struct {
	Code               int    `json:"code"`
	Name               string `json:"name"`
	Capacity           int    `json:"capacity"`
	ReservedCompletion int    `json:"reserved_completion"`
	SystemPrompt       string `json:"system_prompt,omitempty"`
}

// HistoryBudget is what may be spent on system prompt, history and the new message.
func (t SessionType) HistoryBudget() int { return t.Capacity - t.ReservedCompletion }

const (
	expertSystemPrompt = "You are a domain expert. Answer precisely, explain the reasoning behind each " +
		"recommendation, and say so plainly when a question is outside your expertise."
	gameSystemPrompt = "You are the narrator of an interactive text adventure. Describe each scene vividly " +
		"in under 300 words and end every reply by offering the player two to four numbered choices."
)

var ErrUnknownSessionType = errors.New("unknown session type")

// SessionTypes is the set of known session types, looked up by code.
type SessionTypes struct {
	mu     sync.RWMutex
	byCode map[int]SessionType
}

func NewSessionTypes(types ...SessionType) *SessionTypes {
	s := &SessionTypes{byCode: make(map[int]SessionType, len(types))}
	for _, t := range types {
		s.byCode[t.Code] = t
	}
	return s
}

func DefaultSessionTypes() *SessionTypes {
	return NewSessionTypes(
		SessionType{Code: NormalChat, Name: "normal", Capacity: 4096, ReservedCompletion: 512},
		SessionType{Code: ExpertChat, Name: "expert", Capacity: 4096, ReservedCompletion: 1024, SystemPrompt: expertSystemPrompt},
		SessionType{Code: GameChat, Name: "game", Capacity: 4096, ReservedCompletion: 1536, SystemPrompt: gameSystemPrompt},
	)
}

// Set adds or replaces a session type.
func (s *SessionTypes) Set(t SessionType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCode[t.Code] = t
}

func (s *SessionTypes) Get(code int) (SessionType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byCode[code]
	if !ok {
		return SessionType{}, fmt.Errorf("%w: %d", ErrUnknownSessionType, code)
	}
	return t, nil
}

func (s *SessionTypes) All() []SessionType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionType, 0, len(s.byCode))
	for _, t := range s.byCode {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// BudgetExceededError means the new message (plus the fixed system prompt)
// does not fit the budget even with no history at all.
type BudgetExceededError struct {
	Tokens int
	Limit  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("message needs %d tokens, session budget is %d", e.Tokens, e.Limit)
}
