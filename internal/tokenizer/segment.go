package tokenizer

import (
	"fmt"

	"github.com/go-ego/gse"
)

// Segmenter cuts a run of CJK text into words. The returned pieces must
// concatenate back to the input.
type Segmenter interface {
	Segment(text string) []string
}

// Runes treats every rune as a word. It is the fallback when no dictionary
// is loaded.
type Runes struct{}

// Segment returns one piece per rune.
func (Runes) Segment(text string) []string {
	out := make([]string, 0, len(text)/3)
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

// Gse segments Chinese and Japanese text with a gse dictionary.
type Gse struct {
	// seg holds the loaded dictionary. Read-only after construction.
	seg gse.Segmenter
}

// NewGse loads the given dictionary files, or gse's embedded default
// dictionary when none are given. Loading takes a few hundred milliseconds.
func NewGse(dictFiles ...string) (*Gse, error) {
	seg, err := gse.New(dictFiles...)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load gse dictionary: %w", err)
	}
	return &Gse{seg: seg}, nil
}

// Segment cuts text into dictionary words, using the HMM for unknown words.
func (g *Gse) Segment(text string) []string {
	return g.seg.Cut(text, true)
}
