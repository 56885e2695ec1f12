package parser

import (
	"context"
	"fmt"
)

type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the text, PDF and DOCX parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&TextParser{}, &PDFParser{}, &DOCXParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Parse picks a parser by the file extension and runs it.
func (r *Registry) Parse(ctx context.Context, path string) (*ParseResult, error) {
	format := FormatOf(path)
	p, err := r.Get(format)
	if err != nil {
		return nil, err
	}
	res, err := p.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	res.Format = format
	return res, nil
}
