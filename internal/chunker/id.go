package chunker

import (
	"strconv"

	"github.com/google/uuid"
)

// namespace scopes chunk ids so they never collide with other name-based UUIDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/54b3r/ragpipe-go/chunk"))

// ID returns the deterministic id of a chunk: a SHA-1 name-based UUID over
// the document id, revision and chunk index. Re-chunking the same revision
// always yields the same ids, so upserts are idempotent across retries.
func ID(docID string, revision int64, index int) string {
	name := docID + "\x00" + strconv.FormatInt(revision, 10) + "\x00" + strconv.Itoa(index)
	return uuid.NewSHA1(namespace, []byte(name)).String()
}
