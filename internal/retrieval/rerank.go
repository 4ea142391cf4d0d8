package retrieval

import (
	"sort"

	"github.com/54b3r/ragpipe-go/internal/rag"
	"github.com/54b3r/ragpipe-go/internal/tokenizer"
)

// Rerank re-orders ranked candidates whose scores lie within epsilon of the
// leading candidate of their group by keyword overlap with the query.
// Groups are formed greedily from the top. Within a group, higher overlap
// wins and ties fall back to the Rank order, so the result stays
// deterministic. candidates must already be ranked.
func Rerank(query string, candidates []rag.RetrievedCandidate, epsilon float32) {
	if epsilon <= 0 || len(candidates) < 2 {
		return
	}
	terms := termSet(query)
	if len(terms) == 0 {
		return
	}

	for start := 0; start < len(candidates); {
		end := start + 1
		for end < len(candidates) && candidates[start].Score-candidates[end].Score <= epsilon {
			end++
		}
		if end-start > 1 {
			group := candidates[start:end]
			overlap := make(map[string]float64, len(group))
			for i := range group {
				overlap[group[i].ChunkID] = keywordOverlap(terms, group[i].Text)
			}
			sort.SliceStable(group, func(i, j int) bool {
				oi, oj := overlap[group[i].ChunkID], overlap[group[j].ChunkID]
				if oi != oj {
					return oi > oj
				}
				return less(&group[i], &group[j])
			})
		}
		start = end
	}
}

// keywordOverlap is the fraction of distinct query terms present in text.
func keywordOverlap(terms map[string]struct{}, text string) float64 {
	present := termSet(text)
	matches := 0
	for t := range terms {
		if _, ok := present[t]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(terms))
}

func termSet(text string) map[string]struct{} {
	words := tokenizer.Words(text)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
