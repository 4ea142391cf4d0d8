package rag

import "errors"

// Terminal errors: the document is rejected and never retried automatically.
var (
	// ErrUnsupportedFormat is returned when no parser handles the declared MIME type.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCorruptDocument is returned when the bytes cannot be decoded by the matching parser.
	ErrCorruptDocument = errors.New("corrupt document")
)

// Transient errors: surfaced only after bounded retries are exhausted.
var (
	// ErrEmbeddingUnavailable is returned when the embedding capability keeps failing.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexUnavailable is returned when the vector index keeps failing.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrGenerationUnavailable is returned when the generation capability keeps failing.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrBlobNotFound is returned when blob storage has no object for a URI.
	ErrBlobNotFound = errors.New("blob not found")
)

var (
	// ErrRevisionConflict is returned when a metadata write loses an optimistic
	// version check against a concurrent writer.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrDocumentNotFound is returned when the metadata store has no record for an id.
	ErrDocumentNotFound = errors.New("document not found")
)

// IsTerminal reports whether err rejects a document outright.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCorruptDocument)
}
