package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// maxDocumentXML caps the decompressed size of word/document.xml.
const maxDocumentXML = 256 << 20

// parseDOCX walks word/document.xml. Paragraphs styled Heading* or Title
// become heading blocks; each top-level table becomes one table block with
// cells joined by " | " and rows by newlines.
func parseDOCX(data []byte) ([]rag.TextBlock, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parser: docx: open archive: %v: %w", err, rag.ErrCorruptDocument)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("parser: docx: word/document.xml missing: %w", rag.ErrCorruptDocument)
	}

	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("parser: docx: open document.xml: %v: %w", err, rag.ErrCorruptDocument)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, maxDocumentXML))
	w := &docxWalker{}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parser: docx: document.xml: %v: %w", err, rag.ErrCorruptDocument)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.EndElement:
			w.end(t.Name.Local)
		case xml.CharData:
			if w.inText {
				w.para.Write(t)
			}
		}
	}
	return w.blocks, nil
}

// docxWalker accumulates WordprocessingML elements by local name.
type docxWalker struct {
	blocks []rag.TextBlock

	para    strings.Builder
	heading bool
	inText  bool

	tableDepth int
	rows       []string
	cells      []string
	cellParas  []string
}

func (w *docxWalker) start(el xml.StartElement) {
	switch el.Name.Local {
	case "p":
		w.para.Reset()
		w.heading = false
	case "pStyle":
		for _, a := range el.Attr {
			if a.Name.Local == "val" && (strings.HasPrefix(a.Value, "Heading") || a.Value == "Title") {
				w.heading = true
			}
		}
	case "t":
		w.inText = true
	case "tab":
		w.para.WriteByte('\t')
	case "br", "cr":
		w.para.WriteByte('\n')
	case "tbl":
		w.tableDepth++
		if w.tableDepth == 1 {
			w.rows = nil
		}
	case "tr":
		if w.tableDepth == 1 {
			w.cells = nil
		}
	case "tc":
		if w.tableDepth == 1 {
			w.cellParas = nil
		}
	}
}

func (w *docxWalker) end(name string) {
	switch name {
	case "t":
		w.inText = false
	case "p":
		text := strings.TrimSpace(w.para.String())
		w.para.Reset()
		if text == "" {
			return
		}
		if w.tableDepth > 0 {
			w.cellParas = append(w.cellParas, text)
			return
		}
		kind := rag.BlockParagraph
		if w.heading {
			kind = rag.BlockHeading
		}
		w.blocks = append(w.blocks, rag.TextBlock{Text: text, Kind: kind})
	case "tc":
		if w.tableDepth == 1 {
			w.cells = append(w.cells, strings.Join(w.cellParas, " "))
		}
	case "tr":
		if w.tableDepth == 1 && strings.TrimSpace(strings.Join(w.cells, "")) != "" {
			w.rows = append(w.rows, strings.Join(w.cells, " | "))
		}
	case "tbl":
		w.tableDepth--
		if w.tableDepth == 0 && len(w.rows) > 0 {
			w.blocks = append(w.blocks, rag.TextBlock{Text: strings.Join(w.rows, "\n"), Kind: rag.BlockTable})
		}
	}
}
