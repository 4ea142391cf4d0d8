// Package budget measures and trims the conversation history sent alongside
// the assembled context. History has its own token budget, separate from the
// retrieval context budget, and is trimmed oldest-first.
package budget

import (
	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/tokenizer"
)

const (
	// messageOverhead is the per-message framing cost (~4 tokens in most chat APIs).
	messageOverhead = 4

	// DefaultHistoryTokens is the history budget used when none is configured.
	DefaultHistoryTokens = 1000
)

// Counter measures turns with a tokenizer.
type Counter struct {
	// tok measures role and content text.
	tok tokenizer.Tokenizer
}

// NewCounter returns a Counter using tok. A nil tok uses the word tokenizer.
func NewCounter(tok tokenizer.Tokenizer) *Counter {
	if tok == nil {
		tok = tokenizer.NewWord(nil)
	}
	return &Counter{tok: tok}
}

// Turn returns the cost of one turn: framing overhead plus role and content.
func (c *Counter) Turn(t rag.Turn) int {
	return messageOverhead + c.tok.Count(t.Role) + c.tok.Count(t.Content)
}

// Turns returns the summed cost of turns.
func (c *Counter) Turns(turns []rag.Turn) int {
	total := 0
	for _, t := range turns {
		total += c.Turn(t)
	}
	return total
}

// TrimHistory drops the oldest turns until the rest fit within maxTokens.
// The newest turns are always the ones kept. A non-positive maxTokens drops
// everything.
func (c *Counter) TrimHistory(history []rag.Turn, maxTokens int) []rag.Turn {
	if len(history) == 0 {
		return history
	}
	if maxTokens <= 0 {
		return history[:0]
	}

	// Walk newest to oldest, keeping turns while they fit.
	total := 0
	keep := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := c.Turn(history[i])
		if total+cost > maxTokens {
			break
		}
		total += cost
		keep = i
	}
	return history[keep:]
}
