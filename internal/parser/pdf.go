package parser

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// parsePDF extracts one block per page. Pages without a content stream or
// without text are skipped; a page whose text cannot be extracted fails the
// document.
func parsePDF(data []byte) ([]rag.TextBlock, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parser: pdf: open: %v: %w", err, rag.ErrCorruptDocument)
	}

	n := r.NumPage()
	blocks := make([]rag.TextBlock, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("parser: pdf: page %d: %v: %w", i, err, rag.ErrCorruptDocument)
		}
		blocks = append(blocks, rag.TextBlock{Text: text, Page: i, Kind: rag.BlockParagraph})
	}
	return blocks, nil
}
