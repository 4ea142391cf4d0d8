package query

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// keyVersion is mixed into every cache key; bump it when the cached
// Response shape changes.
const keyVersion = "v1"

// Normalize canonicalizes query text for cache lookups: NFKC composition,
// case folding and whitespace collapsed to single spaces. The original text,
// not the normalized one, is what the generator receives.
func Normalize(query string) string {
	s := norm.NFKC.String(query)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// CacheKey derives the response cache key. fingerprint is the digest of the
// served revision set, so any cutover in scope yields a new key and stale
// answers are never returned.
func CacheKey(normalized, fingerprint string, topK, budget int, filter rag.Filter) string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	writeField(keyVersion)
	writeField(normalized)
	writeField(fingerprint)
	writeField(strconv.Itoa(topK) + "," + strconv.Itoa(budget))
	writeField(canonicalFilter(filter))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalFilter renders filter so equal filters encode identically.
// encoding/json sorts map keys; document ids are sorted here.
func canonicalFilter(f rag.Filter) string {
	if len(f.DocumentIDs) > 1 {
		f.DocumentIDs = slices.Sorted(slices.Values(f.DocumentIDs))
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return string(raw)
}
