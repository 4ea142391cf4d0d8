package parser

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// DetectMIME guesses a media type from a file name, falling back to content
// sniffing. Callers that know the type should pass it explicitly instead.
func DetectMIME(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".pdf":
		return MIMEPDF
	case ".docx":
		return MIMEDOCX
	case ".md", ".markdown":
		return MIMEMarkdown
	case ".txt", ".text":
		return MIMEPlain
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
