// Package tokenizer measures text in model-aligned units for chunking and
// context budgeting. Text containing CJK scripts is word-segmented before
// measurement so unit boundaries never fall inside a multi-character word.
package tokenizer

import (
	"fmt"
	"unicode"
)

// Token is one measurement unit of a text.
type Token struct {
	// Text is the exact source bytes covered by the unit.
	Text string

	// Start is the byte offset of the unit in the tokenized text.
	Start int

	// End is the exclusive end offset of the unit in the tokenized text.
	End int

	// Cost is the number of model tokens the unit accounts for. Always >= 1.
	Cost int
}

// Tokenizer splits text into measurement units.
// Implementations must be safe to call from multiple goroutines.
type Tokenizer interface {
	// Tokenize returns the units of text in order. Units never overlap and
	// every non-whitespace byte belongs to exactly one unit.
	Tokenize(text string) []Token

	// Count returns the total cost of text, equal to the summed Cost of Tokenize.
	Count(text string) int
}

// Sum returns the total cost of tokens.
func Sum(tokens []Token) int {
	n := 0
	for _, t := range tokens {
		n += t.Cost
	}
	return n
}

// New constructs the tokenizer named by encoding. "word" (or empty) selects
// the dependency-free Word tokenizer; any other value is looked up as a
// tiktoken encoding such as "cl100k_base".
func New(encoding string, seg Segmenter) (Tokenizer, error) {
	if seg == nil {
		seg = Runes{}
	}
	switch encoding {
	case "", "word":
		return NewWord(seg), nil
	default:
		bpe, err := NewBPE(encoding, seg)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: %w", err)
		}
		return bpe, nil
	}
}

// IsCJK reports whether r belongs to a script written without word spaces.
func IsCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// run is a maximal span of text that is either all CJK or all non-CJK.
type run struct {
	start, end int
	cjk        bool
}

// splitRuns partitions text into alternating CJK and non-CJK runs.
func splitRuns(text string) []run {
	var runs []run
	for i, r := range text {
		cjk := IsCJK(r)
		if n := len(runs); n > 0 && runs[n-1].cjk == cjk {
			continue
		} else if n > 0 {
			runs[n-1].end = i
		}
		runs = append(runs, run{start: i, cjk: cjk})
	}
	if n := len(runs); n > 0 {
		runs[n-1].end = len(text)
	}
	return runs
}

// segmentRun cuts a CJK run into words and returns their offsets relative to
// text. Pieces that do not line up with the source fall back to runes.
func segmentRun(seg Segmenter, text string, r run) []Token {
	src := text[r.start:r.end]
	pieces := seg.Segment(src)

	var out []Token
	pos := 0
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if pos+len(p) > len(src) || src[pos:pos+len(p)] != p {
			break
		}
		out = append(out, Token{Text: p, Start: r.start + pos, End: r.start + pos + len(p), Cost: 1})
		pos += len(p)
	}
	for _, ch := range src[pos:] {
		s := string(ch)
		out = append(out, Token{Text: s, Start: r.start + pos, End: r.start + pos + len(s), Cost: 1})
		pos += len(s)
	}
	return out
}
