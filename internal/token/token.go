// Package token counts model tokens. Every token count stored with a
// conversation turn comes from the same Counter, so budgets computed from
// stored counts stay consistent with the counts of new messages.
package token

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the number of tokens text occupies in the model's vocabulary.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

// Tiktoken counts with a BPE encoding such as cl100k_base.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("token: load encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Estimate approximates BPE counts without a vocabulary: roughly four bytes
// of Latin text per token, one token per CJK rune.
type Estimate struct{}

func (Estimate) Count(text string) int {
	if text == "" {
		return 0
	}
	var wide, narrow int
	for len(text) > 0 {
		r, size := utf8.DecodeRuneInString(text)
		text = text[size:]
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			wide++
			continue
		}
		narrow += size
	}
	return wide + (narrow+3)/4
}

// New returns a tiktoken counter for encoding, or Estimate when the
// encoding cannot be loaded (e.g. no network access to fetch the BPE ranks).
func New(encoding string) (Counter, error) {
	t, err := NewTiktoken(encoding)
	if err != nil {
		return Estimate{}, err
	}
	return t, nil
}
