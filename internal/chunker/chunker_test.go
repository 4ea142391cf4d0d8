package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/tokenizer"
)

// words returns n distinct words starting at index from, joined by spaces.
func words(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%04d", from+i)
	}
	return strings.Join(parts, " ")
}

func newChunker(t *testing.T, max, overlap int) *Chunker {
	t.Helper()
	c, err := New(tokenizer.NewWord(nil), Options{MaxTokens: max, OverlapTokens: overlap})
	require.NoError(t, err)
	return c
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{MaxTokens: 500, OverlapTokens: 50}, false},
		{"zero overlap", Options{MaxTokens: 1}, false},
		{"zero max", Options{}, true},
		{"negative overlap", Options{MaxTokens: 10, OverlapTokens: -1}, true},
		{"overlap equals max", Options{MaxTokens: 10, OverlapTokens: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_NilTokenizer(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Options{MaxTokens: 10})
	assert.Error(t, err)
}

func TestSplit_ThreePagePDF(t *testing.T) {
	t.Parallel()

	tok := tokenizer.NewWord(nil)
	c := newChunker(t, 500, 50)
	blocks := []rag.TextBlock{
		{Text: words(0, 600), Page: 1},
		{Text: words(600, 600), Page: 2},
		{Text: words(1200, 600), Page: 3},
	}

	chunks, err := c.Split("doc-1", 1, blocks)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	first := tok.Tokenize(chunks[0].Text)
	second := tok.Tokenize(chunks[1].Text)
	require.Len(t, first, 500)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first[450+i].Text, second[i].Text)
	}

	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 1, chunks[1].Page)
	assert.Equal(t, 2, chunks[1].PageEnd)
	assert.Equal(t, 3, chunks[3].PageEnd)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, "doc-1", ch.DocumentID)
		assert.EqualValues(t, 1, ch.Revision)
	}
}

func TestSplit_ClosesOnExactBlockBoundary(t *testing.T) {
	t.Parallel()

	c := newChunker(t, 10, 2)
	blocks := []rag.TextBlock{
		{Text: words(0, 4)},
		{Text: words(4, 6)},
		{Text: words(10, 3)},
	}
	chunks, err := c.Split("doc", 1, blocks)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, 10, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, blocks[1].Text))
	assert.Equal(t, "w0008 w0009\n\n"+blocks[2].Text, chunks[1].Text)
}

func TestSplit_KeepsBlockWholeWhenItFitsAfterSeed(t *testing.T) {
	t.Parallel()

	c := newChunker(t, 10, 2)
	blocks := []rag.TextBlock{
		{Text: words(0, 6)},
		{Text: words(6, 6)},
	}
	chunks, err := c.Split("doc", 1, blocks)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, blocks[0].Text, chunks[0].Text)
	assert.Equal(t, 8, chunks[1].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[1].Text, blocks[1].Text))
}

func TestSplit_ForceSplitsOversizeBlock(t *testing.T) {
	t.Parallel()

	c := newChunker(t, 10, 0)
	chunks, err := c.Split("doc", 1, []rag.TextBlock{{Text: words(0, 25)}})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].TokenCount)
	assert.Equal(t, 10, chunks[1].TokenCount)
	assert.Equal(t, 5, chunks[2].TokenCount)
	assert.Equal(t, words(0, 10), chunks[0].Text)
}

func TestSplit_Invariants(t *testing.T) {
	t.Parallel()

	tok := tokenizer.NewWord(nil)
	blocks := []rag.TextBlock{
		{Text: words(0, 7), Page: 1},
		{Text: words(7, 33), Page: 1},
		{Text: words(40, 2), Page: 2},
		{Text: "", Page: 2},
		{Text: words(42, 19), Page: 3},
	}
	joined := rag.JoinBlocks(blocks)

	for _, opts := range []Options{{8, 0}, {8, 3}, {12, 5}, {50, 10}, {1, 0}} {
		t.Run(fmt.Sprintf("max=%d,overlap=%d", opts.MaxTokens, opts.OverlapTokens), func(t *testing.T) {
			t.Parallel()
			c, err := New(tok, opts)
			require.NoError(t, err)
			chunks, err := c.Split("doc", 3, blocks)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)

			assert.Zero(t, chunks[0].Start)
			assert.Equal(t, len(joined), chunks[len(chunks)-1].End)
			for i, ch := range chunks {
				assert.LessOrEqual(t, ch.TokenCount, opts.MaxTokens)
				assert.Equal(t, ch.TokenCount, tok.Count(ch.Text))
				assert.Equal(t, joined[ch.Start:ch.End], ch.Text)
				if i == 0 {
					continue
				}
				prev := chunks[i-1]
				if ch.Start < prev.End {
					assert.LessOrEqual(t, tok.Count(joined[ch.Start:prev.End]), opts.OverlapTokens)
				} else {
					assert.Zero(t, tok.Count(joined[prev.End:ch.Start]), "no token may fall between chunks")
				}
			}
		})
	}
}

type dictSegmenter map[string]bool

func (d dictSegmenter) Segment(text string) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); {
		n := 1
		for j := len(runes); j > i+1; j-- {
			if d[string(runes[i:j])] {
				n = j - i
				break
			}
		}
		out = append(out, string(runes[i:i+n]))
		i += n
	}
	return out
}

func TestSplit_DoesNotCutCJKWords(t *testing.T) {
	t.Parallel()

	seg := dictSegmenter{"检索": true, "增强": true, "生成": true}
	c, err := New(tokenizer.NewWord(seg), Options{MaxTokens: 4, OverlapTokens: 1})
	require.NoError(t, err)

	chunks, err := c.Split("doc", 1, []rag.TextBlock{{Text: strings.Repeat("检索增强生成", 3)}})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, 0, len([]rune(ch.Text))%2, "chunk %q splits a word", ch.Text)
		assert.LessOrEqual(t, ch.TokenCount, 4)
	}
}

// costly reports every non-empty text as a single unit of a fixed cost.
type costly int

func (c costly) Tokenize(text string) []tokenizer.Token {
	if text == "" {
		return nil
	}
	return []tokenizer.Token{{Text: text, Start: 0, End: len(text), Cost: int(c)}}
}

func (c costly) Count(text string) int { return tokenizer.Sum(c.Tokenize(text)) }

// perRune reports every non-empty text as a single unit costing one per rune.
type perRune struct{}

func (perRune) Tokenize(text string) []tokenizer.Token {
	if text == "" {
		return nil
	}
	return []tokenizer.Token{{Text: text, Start: 0, End: len(text), Cost: utf8.RuneCountInString(text)}}
}

func (p perRune) Count(text string) int { return tokenizer.Sum(p.Tokenize(text)) }

func TestSplit_SplitsUnitAboveMaxByRunes(t *testing.T) {
	t.Parallel()

	c, err := New(perRune{}, Options{MaxTokens: 3, OverlapTokens: 1})
	require.NoError(t, err)
	chunks, err := c.Split("doc", 1, []rag.TextBlock{{Text: "検索拡張生成システム"}})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var covered strings.Builder
	prevEnd := 0
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 3)
		assert.True(t, utf8.ValidString(ch.Text), "chunk %q cuts a rune", ch.Text)
		if ch.End > prevEnd {
			covered.WriteString("検索拡張生成システム"[max(ch.Start, prevEnd):ch.End])
			prevEnd = ch.End
		}
	}
	assert.Equal(t, "検索拡張生成システム", covered.String())
}

func TestSplit_RuneAboveMax(t *testing.T) {
	t.Parallel()

	c, err := New(costly(5), Options{MaxTokens: 3})
	require.NoError(t, err)
	_, err = c.Split("doc", 1, []rag.TextBlock{{Text: "ideograph"}})
	assert.Error(t, err)
}

func TestSplit_EmptyInput(t *testing.T) {
	t.Parallel()

	c := newChunker(t, 10, 2)
	chunks, err := c.Split("doc", 1, nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = c.Split("doc", 1, []rag.TextBlock{{Text: "  "}})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_DeterministicIDs(t *testing.T) {
	t.Parallel()

	c := newChunker(t, 10, 2)
	blocks := []rag.TextBlock{{Text: words(0, 30)}}

	a, err := c.Split("doc", 4, blocks)
	require.NoError(t, err)
	b, err := c.Split("doc", 4, blocks)
	require.NoError(t, err)
	next, err := c.Split("doc", 5, blocks)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	seen := map[string]bool{}
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.NotEqual(t, a[i].ID, next[i].ID)
		assert.False(t, seen[a[i].ID], "duplicate id")
		seen[a[i].ID] = true
		_, err := uuid.Parse(a[i].ID)
		assert.NoError(t, err)
	}
}

func TestID_DistinguishesFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ID("a", 1, 2), ID("a", 1, 2))
	assert.NotEqual(t, ID("a", 1, 2), ID("a", 12, 0))
	assert.NotEqual(t, ID("a1", 1, 0), ID("a", 11, 0))
}
