// Package assembler packs ranked retrieval candidates into a token-bounded
// context for generation.
package assembler

import (
	"fmt"
	"strings"

	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/tokenizer"
)

const (
	// DefaultOverhead is the per-entry token cost of the source header and
	// separators that wrap each entry in the prompt.
	DefaultOverhead = 16

	// DefaultDedupThreshold is the shingle Jaccard similarity at or above
	// which a candidate is treated as a near-duplicate of an accepted one.
	DefaultDedupThreshold = 0.9

	// defaultShingleSize is the number of consecutive words per shingle.
	defaultShingleSize = 3
)

// Config tunes an Assembler. Zero fields take defaults.
type Config struct {
	// Overhead is added to every entry's token count. Defaults to
	// DefaultOverhead; set a negative value for no overhead.
	Overhead int

	// DedupThreshold is the near-duplicate similarity cut-off in (0, 1].
	// Defaults to DefaultDedupThreshold; values above 1 disable the check.
	DedupThreshold float64

	// ShingleSize is the word window used for similarity. Defaults to 3.
	ShingleSize int
}

// Assembler builds AssembledContexts. It is safe for concurrent use.
type Assembler struct {
	// tok measures candidate text.
	tok tokenizer.Tokenizer

	// cfg holds the resolved configuration.
	cfg Config
}

// New constructs an Assembler measuring text with tok.
func New(tok tokenizer.Tokenizer, cfg Config) (*Assembler, error) {
	if tok == nil {
		return nil, fmt.Errorf("assembler: tokenizer must not be nil")
	}
	switch {
	case cfg.Overhead == 0:
		cfg.Overhead = DefaultOverhead
	case cfg.Overhead < 0:
		cfg.Overhead = 0
	}
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = DefaultDedupThreshold
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = defaultShingleSize
	}
	return &Assembler{tok: tok, cfg: cfg}, nil
}

// Cost returns the budget charge of a candidate: its token count plus the
// per-entry overhead.
func (a *Assembler) Cost(c *rag.RetrievedCandidate) int {
	return a.tok.Count(c.Text) + a.cfg.Overhead
}

// Assemble walks candidates in the given order and accepts each one until the
// next would push the total past budget, at which point it stops. Candidates
// repeating an accepted chunk id, or nearly repeating an accepted text, are
// skipped without ending the walk. The result never exceeds budget and is
// empty when the first eligible candidate does not fit.
func (a *Assembler) Assemble(candidates []rag.RetrievedCandidate, budget int) rag.AssembledContext {
	out := rag.AssembledContext{Entries: []rag.ContextEntry{}, Budget: max(budget, 0)}
	if budget <= 0 {
		return out
	}

	seenIDs := make(map[string]struct{}, len(candidates))
	var accepted []map[string]struct{}

	for i := range candidates {
		c := &candidates[i]
		if _, dup := seenIDs[c.ChunkID]; dup {
			continue
		}
		shingles := a.shingles(c.Text)
		if a.nearDuplicate(shingles, accepted) {
			continue
		}

		cost := a.Cost(c)
		if out.TotalTokens+cost > budget {
			break
		}
		out.Entries = append(out.Entries, rag.ContextEntry{Candidate: *c, Tokens: cost})
		out.TotalTokens += cost
		seenIDs[c.ChunkID] = struct{}{}
		accepted = append(accepted, shingles)
	}
	return out
}

// nearDuplicate reports whether shingles is at least DedupThreshold similar
// to any accepted shingle set.
func (a *Assembler) nearDuplicate(shingles map[string]struct{}, accepted []map[string]struct{}) bool {
	if a.cfg.DedupThreshold > 1 || len(shingles) == 0 {
		return false
	}
	for _, prev := range accepted {
		if Jaccard(shingles, prev) >= a.cfg.DedupThreshold {
			return true
		}
	}
	return false
}

// shingles returns the set of ShingleSize-word windows of text. Texts shorter
// than one window yield a single shingle of all their words.
func (a *Assembler) shingles(text string) map[string]struct{} {
	words := tokenizer.Words(text)
	set := make(map[string]struct{})
	if len(words) == 0 {
		return set
	}
	n := a.cfg.ShingleSize
	if len(words) < n {
		set[strings.Join(words, " ")] = struct{}{}
		return set
	}
	for i := 0; i+n <= len(words); i++ {
		set[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
