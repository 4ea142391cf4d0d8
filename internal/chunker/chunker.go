// Package chunker splits parsed text blocks into overlapping, token-bounded
// chunks with deterministic ids.
package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/tokenizer"
)

// Options bounds chunk size and overlap in tokenizer units.
type Options struct {
	// MaxTokens is the largest cost a chunk may carry. Must be >= 1.
	MaxTokens int

	// OverlapTokens is the largest cost carried from the end of one chunk to
	// the start of the next. Must be in [0, MaxTokens).
	OverlapTokens int
}

// Validate reports whether the options can produce chunks.
func (o Options) Validate() error {
	if o.MaxTokens < 1 {
		return fmt.Errorf("chunker: max tokens must be >= 1, got %d", o.MaxTokens)
	}
	if o.OverlapTokens < 0 || o.OverlapTokens >= o.MaxTokens {
		return fmt.Errorf("chunker: overlap tokens must be in [0, %d), got %d", o.MaxTokens, o.OverlapTokens)
	}
	return nil
}

// Chunker cuts text blocks into chunks. It is safe for concurrent use when
// its Tokenizer is.
type Chunker struct {
	// tok measures block text.
	tok tokenizer.Tokenizer

	// opts holds the validated size bounds.
	opts Options
}

// New constructs a Chunker.
func New(tok tokenizer.Tokenizer, opts Options) (*Chunker, error) {
	if tok == nil {
		return nil, fmt.Errorf("chunker: tokenizer must not be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{tok: tok, opts: opts}, nil
}

// Chunk is a one-shot Split with the given tokenizer and options.
func Chunk(docID string, revision int64, blocks []rag.TextBlock, opts Options, tok tokenizer.Tokenizer) ([]rag.Chunk, error) {
	c, err := New(tok, opts)
	if err != nil {
		return nil, err
	}
	return c.Split(docID, revision, blocks)
}

// Options returns the size bounds the Chunker was built with.
func (c *Chunker) Options() Options { return c.opts }

// unit is one token positioned in the joined document text.
type unit struct {
	start, end int
	cost       int
	page       int
}

// Split accumulates blocks into a running buffer and closes a chunk whenever
// the next block would push it past MaxTokens. The next chunk is seeded with
// the closed chunk's last OverlapTokens. A block that fits after the seed is
// kept whole; one that does not is split at token boundaries. A block ending
// exactly on MaxTokens closes the chunk at the block boundary.
func (c *Chunker) Split(docID string, revision int64, blocks []rag.TextBlock) ([]rag.Chunk, error) {
	b := &builder{max: c.opts.MaxTokens, overlap: c.opts.OverlapTokens}

	offset := 0
	for _, blk := range blocks {
		toks := c.tok.Tokenize(blk.Text)
		units := make([]unit, 0, len(toks))
		for _, t := range toks {
			if t.Cost <= c.opts.MaxTokens {
				units = append(units, unit{start: offset + t.Start, end: offset + t.End, cost: t.Cost, page: blk.Page})
				continue
			}
			pieces, err := c.splitUnit(blk.Text, t)
			if err != nil {
				return nil, err
			}
			for _, pc := range pieces {
				units = append(units, unit{start: offset + pc.Start, end: offset + pc.End, cost: pc.Cost, page: blk.Page})
			}
		}
		b.addBlock(units)
		offset += len(blk.Text) + len(rag.BlockSeparator)
	}
	b.close()

	text := rag.JoinBlocks(blocks)
	chunks := make([]rag.Chunk, 0, len(b.spans))
	for i, span := range b.spans {
		first, last := span[0], span[len(span)-1]
		chunks = append(chunks, rag.Chunk{
			ID:         ID(docID, revision, i),
			DocumentID: docID,
			Revision:   revision,
			Index:      i,
			Text:       text[first.start:last.end],
			TokenCount: costOf(span),
			Page:       first.page,
			PageEnd:    last.page,
			Start:      first.start,
			End:        last.end,
		})
	}
	return chunks, nil
}

// splitUnit cuts a unit costing more than MaxTokens into the longest rune
// runs that fit. A single rune above MaxTokens cannot be split and is an error.
func (c *Chunker) splitUnit(text string, t tokenizer.Token) ([]tokenizer.Token, error) {
	var (
		out   []tokenizer.Token
		start = t.Start
		cost  int
	)
	for i, r := range text[t.Start:t.End] {
		end := t.Start + i + utf8.RuneLen(r)
		next := c.tok.Count(text[start:end])
		if next <= c.opts.MaxTokens {
			cost = next
			continue
		}
		if end-utf8.RuneLen(r) == start {
			return nil, fmt.Errorf("chunker: %q costs %d tokens, above max %d", string(r), next, c.opts.MaxTokens)
		}
		cut := end - utf8.RuneLen(r)
		out = append(out, tokenizer.Token{Text: text[start:cut], Start: start, End: cut, Cost: cost})
		start = cut
		cost = c.tok.Count(text[start:end])
		if cost > c.opts.MaxTokens {
			return nil, fmt.Errorf("chunker: %q costs %d tokens, above max %d", string(r), cost, c.opts.MaxTokens)
		}
	}
	if start < t.End {
		out = append(out, tokenizer.Token{Text: text[start:t.End], Start: start, End: t.End, Cost: cost})
	}
	return out, nil
}

// builder holds the sliding-window state of one Split call.
type builder struct {
	max, overlap int

	// buf is the open chunk: the overlap seed followed by fresh units.
	buf []unit
	// cost is the summed cost of buf.
	cost int
	// fresh counts units in buf that no emitted chunk contains yet.
	fresh int
	// spans are the emitted chunks.
	spans [][]unit
}

func (b *builder) addBlock(units []unit) {
	bc := costOf(units)
	if bc == 0 {
		return
	}

	if b.cost+bc <= b.max {
		b.push(units...)
		if b.cost == b.max {
			b.close()
		}
		return
	}

	if b.fresh > 0 && costOf(b.tail())+bc <= b.max {
		b.close()
		b.push(units...)
		if b.cost == b.max {
			b.close()
		}
		return
	}

	for _, u := range units {
		if b.cost+u.cost > b.max {
			b.close()
			// A seed of costly units can still leave no room; give up overlap
			// from the front before breaking the size bound.
			for len(b.buf) > 0 && b.cost+u.cost > b.max {
				b.cost -= b.buf[0].cost
				b.buf = b.buf[1:]
			}
		}
		b.push(u)
	}
}

func (b *builder) push(units ...unit) {
	b.buf = append(b.buf, units...)
	b.cost += costOf(units)
	b.fresh += len(units)
}

// close emits the open chunk and reseeds the buffer with its overlap tail.
// It does nothing when the buffer holds only an already-emitted seed.
func (b *builder) close() {
	if b.fresh == 0 {
		return
	}
	b.spans = append(b.spans, append([]unit(nil), b.buf...))
	seed := append([]unit(nil), b.tail()...)
	b.buf, b.cost, b.fresh = seed, costOf(seed), 0
}

// tail returns the longest suffix of buf whose cost fits in the overlap.
func (b *builder) tail() []unit {
	cost, i := 0, len(b.buf)
	for i > 0 && cost+b.buf[i-1].cost <= b.overlap {
		cost += b.buf[i-1].cost
		i--
	}
	return b.buf[i:]
}

func costOf(units []unit) int {
	n := 0
	for _, u := range units {
		n += u.cost
	}
	return n
}
