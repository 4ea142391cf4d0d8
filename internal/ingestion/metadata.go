package ingestion

import (
	"maps"
	"net/url"
	"path"
	"strings"

	"github.com/54b3r/ragpipe-go/internal/parser"
)

// Label keys inferred from a document's source and stored on every chunk.
const (
	LabelScheme   = "source_scheme"
	LabelHost     = "source_host"
	LabelFileName = "file_name"
	LabelFormat   = "format"
	LabelDocType  = "doc_type"
)

// formatNames maps parser media types to short format labels.
var formatNames = map[string]string{
	parser.MIMEPlain:    "text",
	parser.MIMEMarkdown: "markdown",
	parser.MIMEPDF:      "pdf",
	parser.MIMEDOCX:     "docx",
}

// docTypeSegments maps path segments to a documentation kind. The first
// matching segment wins.
var docTypeSegments = map[string]string{
	"tutorials":       "tutorial",
	"tutorial":        "tutorial",
	"getting-started": "tutorial",
	"quick-start":     "tutorial",
	"guides":          "guide",
	"guide":           "guide",
	"how-to":          "guide",
	"api":             "api",
	"reference":       "reference",
	"changelog":       "changelog",
	"releases":        "changelog",
	"faq":             "faq",
}

// InferMetadata derives best-effort labels from a document URI and media
// type. Unknown parts are left out rather than defaulted.
//
// Examples:
//
//	https://docs.example.com/guides/setup.md -> scheme=https host=docs.example.com file_name=setup.md format=markdown doc_type=guide
//	/srv/docs/api/v2/schema.pdf              -> scheme=file file_name=schema.pdf format=pdf doc_type=api
func InferMetadata(uri, mimeType string) map[string]string {
	m := make(map[string]string)

	if name, ok := formatNames[baseMIME(mimeType)]; ok {
		m[LabelFormat] = name
	}
	if uri == "" {
		return m
	}

	scheme, host, p := "file", "", uri
	if parsed, err := url.Parse(uri); err == nil && len(parsed.Scheme) > 1 {
		scheme = strings.ToLower(parsed.Scheme)
		host = strings.ToLower(parsed.Hostname())
		p = parsed.Path
	}
	m[LabelScheme] = scheme
	if host != "" {
		m[LabelHost] = host
	}

	segments := trimSegments(p)
	if len(segments) > 0 {
		if name := segments[len(segments)-1]; path.Ext(name) != "" {
			m[LabelFileName] = name
		}
	}
	for _, seg := range segments {
		if kind, ok := docTypeSegments[strings.ToLower(seg)]; ok {
			m[LabelDocType] = kind
			break
		}
	}
	return m
}

// mergeMetadata returns the inferred labels overridden by explicit ones.
func mergeMetadata(inferred, explicit map[string]string) map[string]string {
	out := make(map[string]string, len(inferred)+len(explicit))
	maps.Copy(out, inferred)
	maps.Copy(out, explicit)
	return out
}

// baseMIME strips parameters such as charset from a media type.
func baseMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// trimSegments splits a path into non-empty segments. Both separators are
// accepted so Windows-style file paths split too.
func trimSegments(p string) []string {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	return parts
}
