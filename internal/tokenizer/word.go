package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Word counts one unit per word, number, or punctuation mark. CJK runs are
// cut into dictionary words by the Segmenter, one unit per word.
type Word struct {
	// seg cuts CJK runs into words.
	seg Segmenter
}

// NewWord constructs a Word tokenizer. A nil seg falls back to Runes.
func NewWord(seg Segmenter) *Word {
	if seg == nil {
		seg = Runes{}
	}
	return &Word{seg: seg}
}

// Tokenize returns the units of text in order.
func (w *Word) Tokenize(text string) []Token {
	var out []Token
	for _, r := range splitRuns(text) {
		if r.cjk {
			out = append(out, segmentRun(w.seg, text, r)...)
			continue
		}
		out = appendWords(out, text, r.start, r.end)
	}
	return out
}

// Count returns the number of units in text.
func (w *Word) Count(text string) int {
	return len(w.Tokenize(text))
}

// appendWords scans text[start:end] and appends a unit per word and per
// punctuation rune. Whitespace separates units and is never a unit itself.
func appendWords(out []Token, text string, start, end int) []Token {
	wordStart := -1
	flush := func(at int) {
		if wordStart >= 0 {
			out = append(out, Token{Text: text[wordStart:at], Start: wordStart, End: at, Cost: 1})
			wordStart = -1
		}
	}

	for i := start; i < end; {
		r, size := utf8.DecodeRuneInString(text[i:end])
		switch {
		case isWordRune(r):
			if wordStart < 0 {
				wordStart = i
			}
		case unicode.IsSpace(r):
			flush(i)
		default:
			flush(i)
			out = append(out, Token{Text: text[i : i+size], Start: i, End: i + size, Cost: 1})
		}
		i += size
	}
	flush(end)
	return out
}

// isWordRune reports whether r continues a word unit.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_'
}

// Words returns the lowercased word units of text, punctuation dropped.
// CJK runs yield one word per rune. Used for lexical overlap measures.
func Words(text string) []string {
	tokens := NewWord(Runes{}).Tokenize(text)
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		r, _ := utf8.DecodeRuneInString(t.Text)
		if !isWordRune(r) {
			continue
		}
		out = append(out, strings.ToLower(t.Text))
	}
	return out
}
