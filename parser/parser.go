// Package parser extracts the plain text of contract files. Chunk spans
// are byte offsets into this text, so parsers return it as one string and
// never reorder or trim it after extraction.
package parser

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned for a file extension with no parser.
var ErrUnsupportedFormat = errors.New("unsupported format")

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Text     string
	Format   string
	Method   string // "native"
	Pages    int    // 0 when the format has no pages
	Metadata map[string]string
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// FormatOf returns the lower-cased extension of path without the dot.
func FormatOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
