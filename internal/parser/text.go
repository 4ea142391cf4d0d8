package parser

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// decodeText converts data to UTF-8. A UTF-8 BOM is stripped; a UTF-16 BOM
// overrides the declared charset. Any byte sequence the decoder cannot map
// fails the whole document.
func decodeText(data []byte, charset string) (string, error) {
	utf16 := bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF})

	var fallback transform.Transformer = transform.Nop
	transcoded := utf16
	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return "", fmt.Errorf("parser: charset %q: %w", charset, rag.ErrUnsupportedFormat)
		}
		if name, _ := htmlindex.Name(enc); name != "utf-8" {
			fallback = enc.NewDecoder()
			transcoded = true
		}
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(fallback), data)
	if err != nil {
		return "", fmt.Errorf("parser: decode %s: %v: %w", charsetLabel(charset), err, rag.ErrCorruptDocument)
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("parser: decode %s: invalid UTF-8: %w", charsetLabel(charset), rag.ErrCorruptDocument)
	}
	// Transcoders substitute U+FFFD for unmappable input instead of failing.
	if transcoded && bytes.ContainsRune(out, utf8.RuneError) {
		return "", fmt.Errorf("parser: decode %s: unmappable byte sequence: %w", charsetLabel(charset), rag.ErrCorruptDocument)
	}
	if bytes.IndexByte(out, 0) >= 0 {
		return "", fmt.Errorf("parser: decode %s: NUL byte in text: %w", charsetLabel(charset), rag.ErrCorruptDocument)
	}
	return string(out), nil
}

func charsetLabel(charset string) string {
	if charset == "" {
		return "utf-8"
	}
	return charset
}

// parseText splits text into paragraph blocks on blank lines. In markdown,
// ATX heading lines become heading blocks, paragraphs made only of pipe rows
// become table blocks, and fenced code is never split.
func parseText(text string, markdown bool) []rag.TextBlock {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		blocks []rag.TextBlock
		lines  []string
		fenced bool
	)
	flush := func() {
		if len(lines) == 0 {
			return
		}
		kind := rag.BlockParagraph
		if markdown && isTable(lines) {
			kind = rag.BlockTable
		}
		blocks = append(blocks, rag.TextBlock{Text: strings.Join(lines, "\n"), Kind: kind})
		lines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if markdown && strings.HasPrefix(trimmed, "```") {
			fenced = !fenced
			lines = append(lines, line)
			continue
		}
		if fenced {
			lines = append(lines, line)
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		if markdown && isHeading(trimmed) {
			flush()
			blocks = append(blocks, rag.TextBlock{Text: trimmed, Kind: rag.BlockHeading})
			continue
		}
		lines = append(lines, line)
	}
	flush()
	return blocks
}

// isHeading matches "# Title" through "###### Title".
func isHeading(line string) bool {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	return n >= 1 && n <= 6 && (n == len(line) || line[n] == ' ')
}

func isTable(lines []string) bool {
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "|") {
			return false
		}
	}
	return true
}
