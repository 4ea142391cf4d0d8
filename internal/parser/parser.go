// Package parser turns raw document bytes into ordered text blocks.
//
// Supported formats are PDF (one block per page), DOCX (paragraphs, headings
// and tables), plain text and markdown. Decoding is all-or-nothing: a document
// either yields its full text or fails with rag.ErrCorruptDocument.
package parser

import (
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// Supported media types.
const (
	MIMEPlain    = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMEPDF      = "application/pdf"
	MIMEDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Supported reports whether mimeType names a format Parse can decode.
func Supported(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	switch mediaType {
	case MIMEPlain, MIMEMarkdown, MIMEPDF, MIMEDOCX:
		return true
	}
	return false
}

// Parse decodes data according to mimeType and returns its text blocks in
// document order, with Start/End set relative to rag.JoinBlocks of the
// result. Blocks with no visible text are dropped.
func Parse(data []byte, mimeType string) (blocks []rag.TextBlock, err error) {
	mediaType, params, perr := mime.ParseMediaType(mimeType)
	if perr != nil {
		return nil, fmt.Errorf("parser: media type %q: %w", mimeType, rag.ErrUnsupportedFormat)
	}

	defer func() {
		if r := recover(); r != nil {
			blocks = nil
			err = fmt.Errorf("parser: %s decoder panic: %v: %w", mediaType, r, rag.ErrCorruptDocument)
		}
	}()

	switch mediaType {
	case MIMEPDF:
		blocks, err = parsePDF(data)
	case MIMEDOCX:
		blocks, err = parseDOCX(data)
	case MIMEPlain, MIMEMarkdown:
		var text string
		text, err = decodeText(data, params["charset"])
		if err == nil {
			blocks = parseText(text, mediaType == MIMEMarkdown)
		}
	default:
		return nil, fmt.Errorf("parser: media type %q: %w", mediaType, rag.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}

	for _, b := range blocks {
		if !utf8.ValidString(b.Text) {
			return nil, fmt.Errorf("parser: %s: page %d: invalid UTF-8 in extracted text: %w", mediaType, b.Page, rag.ErrCorruptDocument)
		}
	}
	return layout(blocks), nil
}

// layout drops empty blocks and assigns byte offsets in the joined text.
func layout(in []rag.TextBlock) []rag.TextBlock {
	out := make([]rag.TextBlock, 0, len(in))
	offset := 0
	for _, b := range in {
		b.Text = strings.TrimSpace(b.Text)
		if b.Text == "" {
			continue
		}
		if b.Kind == "" {
			b.Kind = rag.BlockParagraph
		}
		if len(out) > 0 {
			offset += len(rag.BlockSeparator)
		}
		b.Start = offset
		b.End = offset + len(b.Text)
		offset = b.End
		out = append(out, b)
	}
	return out
}
