package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "collapses whitespace", in: "  what\tis \n a   revision ", want: "what is a revision"},
		{name: "folds case", in: "WHAT Is", want: "what is"},
		{name: "NFKC compatibility forms", in: "ｆｕｌｌ　width", want: "full width"},
		{name: "ligature", in: "ﬁle", want: "file"},
		{name: "empty", in: "   ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	base := CacheKey("q", "fp", 5, 2000, rag.Filter{KnowledgeBase: "kb"})
	assert.Len(t, base, 64)
	assert.Equal(t, base, CacheKey("q", "fp", 5, 2000, rag.Filter{KnowledgeBase: "kb"}))

	for name, other := range map[string]string{
		"query":       CacheKey("q2", "fp", 5, 2000, rag.Filter{KnowledgeBase: "kb"}),
		"fingerprint": CacheKey("q", "fp2", 5, 2000, rag.Filter{KnowledgeBase: "kb"}),
		"top k":       CacheKey("q", "fp", 6, 2000, rag.Filter{KnowledgeBase: "kb"}),
		"budget":      CacheKey("q", "fp", 5, 2001, rag.Filter{KnowledgeBase: "kb"}),
		"filter":      CacheKey("q", "fp", 5, 2000, rag.Filter{KnowledgeBase: "other"}),
	} {
		assert.NotEqual(t, base, other, name)
	}

	// Field boundaries are length-prefixed.
	assert.NotEqual(t, CacheKey("ab", "c", 1, 1, rag.Filter{}), CacheKey("a", "bc", 1, 1, rag.Filter{}))
}

func TestCacheKey_DocumentIDOrderIrrelevant(t *testing.T) {
	t.Parallel()

	a := CacheKey("q", "fp", 5, 100, rag.Filter{DocumentIDs: []string{"b", "a", "c"}, Metadata: map[string]string{"x": "1", "y": "2"}})
	b := CacheKey("q", "fp", 5, 100, rag.Filter{DocumentIDs: []string{"c", "b", "a"}, Metadata: map[string]string{"y": "2", "x": "1"}})
	assert.Equal(t, a, b)
}
