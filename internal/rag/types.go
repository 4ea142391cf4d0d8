package rag

import (
	"strings"
	"time"
)

// Status is the ingestion state of a Document.
type Status string

const (
	// StatusPending marks a document accepted for a new revision but not yet started.
	StatusPending Status = "pending"
	// StatusParsing marks a document whose bytes are being decoded into text blocks.
	StatusParsing Status = "parsing"
	// StatusChunking marks a document whose blocks are being split into chunks.
	StatusChunking Status = "chunking"
	// StatusEmbedding marks a document whose chunks are being embedded.
	StatusEmbedding Status = "embedding"
	// StatusIndexing marks a document whose embedded chunks are being upserted.
	StatusIndexing Status = "indexing"
	// StatusIndexed marks a document whose latest revision is served by the index.
	StatusIndexed Status = "indexed"
	// StatusFailed marks a document whose latest revision could not be indexed.
	StatusFailed Status = "failed"
)

// nextStatus is the only forward transition allowed from each in-flight state.
var nextStatus = map[Status]Status{
	StatusPending:   StatusParsing,
	StatusParsing:   StatusChunking,
	StatusChunking:  StatusEmbedding,
	StatusEmbedding: StatusIndexing,
	StatusIndexing:  StatusIndexed,
}

// Terminal reports whether s ends an ingestion run.
func (s Status) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// CanTransition reports whether a document in state s may move to next.
// Forward transitions are sequential and non-skippable, failed is reachable
// from any in-flight state, and terminal states may only restart at pending.
func (s Status) CanTransition(next Status) bool {
	switch {
	case s == "" || s.Terminal():
		return next == StatusPending
	case next == StatusFailed:
		return true
	default:
		return nextStatus[s] == next
	}
}

// Document is the metadata record of one ingested source.
type Document struct {
	// ID is the stable document identifier.
	ID string `json:"id"`

	// KnowledgeBase scopes the document for retrieval. Empty is the default base.
	KnowledgeBase string `json:"knowledge_base,omitempty"`

	// URI is the blob reference the raw bytes were fetched from.
	URI string `json:"uri,omitempty"`

	// MIMEType is the declared media type of the raw bytes.
	MIMEType string `json:"mime_type"`

	// Status is the state of the latest ingestion run.
	Status Status `json:"status"`

	// Revision is the latest revision attempted. Starts at 1.
	Revision int64 `json:"revision"`

	// IndexedRevision is the revision currently served to queries (0 = none).
	IndexedRevision int64 `json:"indexed_revision"`

	// ContentHash is the sha256 hex digest of the latest attempted content.
	ContentHash string `json:"content_hash"`

	// Error holds the failure reason when Status is failed.
	Error string `json:"error,omitempty"`

	// Metadata holds caller-supplied labels copied onto every chunk.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Version is the record version used for optimistic concurrency.
	// Zero means the record has never been stored.
	Version int64 `json:"version"`

	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updated_at"`
}

// BlockKind classifies a parsed TextBlock.
type BlockKind string

const (
	// BlockParagraph is running prose.
	BlockParagraph BlockKind = "paragraph"
	// BlockHeading is a section title.
	BlockHeading BlockKind = "heading"
	// BlockTable is tabular content flattened to text.
	BlockTable BlockKind = "table"
)

// BlockSeparator joins consecutive TextBlocks into a document's plain text.
// TextBlock offsets are expressed against that joined text.
const BlockSeparator = "\n\n"

// TextBlock is an ordered unit of parsed content.
type TextBlock struct {
	// Text is the decoded content of the block.
	Text string

	// Page is the 1-based page number, or 0 when the format has no pages.
	Page int

	// Start is the byte offset of the block in the joined document text.
	Start int

	// End is the exclusive end offset of the block in the joined document text.
	End int

	// Kind is the structural role of the block.
	Kind BlockKind
}

// JoinBlocks returns the plain text the block offsets refer to.
func JoinBlocks(blocks []TextBlock) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, BlockSeparator)
}

// Chunk is a token-bounded span of one document revision.
type Chunk struct {
	// ID is derived from DocumentID, Revision and Index.
	ID string

	// DocumentID is the owning document.
	DocumentID string

	// Revision is the document revision the chunk was cut from.
	Revision int64

	// Index is the position of the chunk within its revision.
	Index int

	// Text is the chunk content.
	Text string

	// TokenCount is the tokenizer cost of Text.
	TokenCount int

	// Page is the page of the first block in the chunk (0 = none).
	Page int

	// PageEnd is the page of the last block in the chunk (0 = none).
	PageEnd int

	// Start is the byte offset of the chunk in the joined document text.
	Start int

	// End is the exclusive end offset of the chunk in the joined document text.
	End int
}

// EmbeddedChunk pairs a Chunk with its vector and index metadata.
type EmbeddedChunk struct {
	Chunk

	// Vector is the embedding of Chunk.Text.
	Vector []float32

	// KnowledgeBase scopes the chunk for filtered search.
	KnowledgeBase string

	// Source is the URI of the owning document.
	Source string

	// Metadata holds document labels usable in search filters.
	Metadata map[string]string
}

// RetrievedCandidate is a single search hit.
type RetrievedCandidate struct {
	// ChunkID identifies the matched chunk.
	ChunkID string `json:"chunk_id"`

	// DocumentID is the owning document.
	DocumentID string `json:"document_id"`

	// Revision is the document revision of the chunk.
	Revision int64 `json:"revision"`

	// Index is the chunk position within its revision.
	Index int `json:"index"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Score is the similarity score; higher is more similar.
	Score float32 `json:"score"`

	// Page is the first page of the chunk (0 = none).
	Page int `json:"page,omitempty"`

	// Start is the chunk start offset in the joined document text.
	Start int `json:"start"`

	// End is the chunk end offset in the joined document text.
	End int `json:"end"`

	// Source is the URI of the owning document.
	Source string `json:"source,omitempty"`

	// KnowledgeBase is the knowledge base of the owning document.
	KnowledgeBase string `json:"knowledge_base,omitempty"`

	// Metadata holds document labels stored with the chunk.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ContextEntry is one accepted candidate in an AssembledContext.
type ContextEntry struct {
	// Candidate is the accepted search hit, carrying its attribution.
	Candidate RetrievedCandidate `json:"candidate"`

	// Tokens is the cost charged against the budget, overhead included.
	Tokens int `json:"tokens"`
}

// AssembledContext is the token-bounded context handed to generation.
type AssembledContext struct {
	// Entries are the accepted candidates in ranked order.
	Entries []ContextEntry `json:"entries"`

	// TotalTokens is the sum of entry costs. Never exceeds the budget.
	TotalTokens int `json:"total_tokens"`

	// Budget is the token budget the context was assembled for.
	Budget int `json:"budget"`
}

// Empty reports whether no candidate fit the budget.
func (c AssembledContext) Empty() bool { return len(c.Entries) == 0 }

// Filter restricts search and delete operations. Zero fields do not filter.
type Filter struct {
	// KnowledgeBase limits matches to one knowledge base.
	KnowledgeBase string `json:"knowledge_base,omitempty"`

	// DocumentIDs is an allow-list of owning documents.
	DocumentIDs []string `json:"document_ids,omitempty"`

	// Revision limits matches to one revision.
	Revision int64 `json:"revision,omitempty"`

	// ExceptRevision excludes one revision.
	ExceptRevision int64 `json:"except_revision,omitempty"`

	// Metadata requires exact equality on each listed label.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match reports whether an embedded chunk satisfies the filter.
func (f Filter) Match(c *EmbeddedChunk) bool {
	if f.KnowledgeBase != "" && c.KnowledgeBase != f.KnowledgeBase {
		return false
	}
	if len(f.DocumentIDs) > 0 && !contains(f.DocumentIDs, c.DocumentID) {
		return false
	}
	if f.Revision != 0 && c.Revision != f.Revision {
		return false
	}
	if f.ExceptRevision != 0 && c.Revision == f.ExceptRevision {
		return false
	}
	for k, v := range f.Metadata {
		if c.Metadata[k] != v {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Turn is one prior conversation message included in a generation request.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// GenerationRequest is the payload handed to the generation capability.
type GenerationRequest struct {
	// System is the instruction block placed before everything else.
	System string

	// Context is the assembled retrieval context.
	Context AssembledContext

	// History holds prior turns, oldest first, already trimmed to budget.
	History []Turn

	// Query is the caller's question, verbatim.
	Query string
}
