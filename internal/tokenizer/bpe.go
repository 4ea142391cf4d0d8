package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// BPE measures text in tiktoken units. Non-CJK text yields one unit per BPE
// token (merged up to rune boundaries); each segmented CJK word yields one
// atomic unit whose Cost is its BPE token count.
type BPE struct {
	// enc is the tiktoken encoder. Safe for concurrent use.
	enc *tiktoken.Tiktoken

	// seg cuts CJK runs into words before encoding.
	seg Segmenter
}

// NewBPE loads the named tiktoken encoding (e.g. "cl100k_base"). The BPE
// ranks are downloaded on first use and cached under TIKTOKEN_CACHE_DIR.
func NewBPE(encoding string, seg Segmenter) (*BPE, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	if seg == nil {
		seg = Runes{}
	}
	return &BPE{enc: enc, seg: seg}, nil
}

// Tokenize returns the units of text in order.
func (b *BPE) Tokenize(text string) []Token {
	var out []Token
	for _, r := range splitRuns(text) {
		if r.cjk {
			for _, w := range segmentRun(b.seg, text, r) {
				w.Cost = max(len(b.enc.Encode(w.Text, nil, nil)), 1)
				out = append(out, w)
			}
			continue
		}
		out = b.appendPieces(out, text, r.start, r.end)
	}
	return out
}

// Count returns the total BPE cost of text.
func (b *BPE) Count(text string) int {
	return Sum(b.Tokenize(text))
}

// appendPieces encodes text[start:end] and appends one unit per token,
// merging tokens that end inside a multi-byte rune with their successor.
func (b *BPE) appendPieces(out []Token, text string, start, end int) []Token {
	ids := b.enc.Encode(text[start:end], nil, nil)

	pos := start
	unitStart, cost := start, 0
	for _, id := range ids {
		pos += len(b.enc.Decode([]int{id}))
		cost++
		if pos > end {
			pos = end
		}
		if pos < end && !utf8.RuneStart(text[pos]) {
			continue
		}
		out = append(out, Token{Text: text[unitStart:pos], Start: unitStart, End: pos, Cost: cost})
		unitStart, cost = pos, 0
	}
	if cost > 0 && unitStart < end {
		out = append(out, Token{Text: text[unitStart:end], Start: unitStart, End: end, Cost: cost})
	}
	return out
}
