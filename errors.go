package contractgraph

import "errors"

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("contractgraph: document not found")

	// ErrEmptyDocument is returned when a parsed document has no text.
	ErrEmptyDocument = errors.New("contractgraph: document has no text")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("contractgraph: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("contractgraph: parsing failed")

	// ErrStoreClosed is returned when operating on a closed engine.
	ErrStoreClosed = errors.New("contractgraph: store is closed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("contractgraph: invalid configuration")

	// ErrNoOutline is returned when no outline was supplied and every
	// extraction attempt failed.
	ErrNoOutline = errors.New("contractgraph: no outline")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("contractgraph: embedding generation failed")
)
