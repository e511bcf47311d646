package conversation

import "github.com/ToughenFlat/chatgpt-back/internal/ai"

// Window is the exact message list for one outbound call.
type Window struct {
	System  *Turn
	History []Turn
	Pending *Turn
	// Budget is the session type's history budget the window was built against.
	Budget int
}

// Tokens is the total token cost of everything in the window.
func (w *Window) Tokens() int {
	n := 0
	if w.System != nil {
		n += w.System.TokenCount
	}
	for _, t := range w.History {
		n += t.TokenCount
	}
	if w.Pending != nil {
		n += w.Pending.TokenCount
	}
	return n
}

// Messages returns the window in send order: system prompt, history, new message.
func (w *Window) Messages() []ai.Message {
	out := make([]ai.Message, 0, len(w.History)+2)
	if w.System != nil {
		out = append(out, w.System.Message())
	}
	for _, t := range w.History {
		out = append(out, t.Message())
	}
	if w.Pending != nil {
		out = append(out, w.Pending.Message())
	}
	return out
}

// BuildWindow returns the longest suffix of turns (chronological order)
// whose token counts sum to at most budget minus pendingTokens. Turns are
// taken newest first and the walk stops at the first turn that does not fit;
// a turn is never split.
func BuildWindow(turns []Turn, budget, pendingTokens int) []Turn {
	budget -= pendingTokens
	if budget <= 0 {
		return nil
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if used+turns[i].TokenCount > budget {
			break
		}
		used += turns[i].TokenCount
		start = i
	}
	if start == len(turns) {
		return nil
	}
	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}
