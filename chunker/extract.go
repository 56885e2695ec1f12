package chunker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/contractgraph/llm"
)

// maxTOCInput caps how much of the intro is sent when extracting the table
// of contents.
const maxTOCInput = 10000

const tocSystemPrompt = `You are a document analysis expert specializing in legal contracts.
Your task is to extract and organize the table of contents from the document. You must extract only the parts corresponding to Articles and Sections.`

const outlineSystemPrompt = `You are a legal contract document analysis assistant. Your task is to split the content of the legal contract according to the Table of Contents.

Inputs:
- Table_of_Contents
- Legal_Contract

Output Format (must follow exactly):
{
  "table_of_contents_key_1": {
    "table_of_contents_key_1_1": {
      "start_sentence": "First sentence for table_of_contents_key_1_1 (copied verbatim from Legal_Contract, must contain at least 4 words).",
      "end_sentence": "Last sentence for table_of_contents_key_1_1 (copied verbatim from Legal_Contract, must contain at least 4 words)."
    }
  }
}`

const summarySystemPrompt = `You are a legal contract analysis expert. Your task is to summarize the given contents in 2-3 sentences.`

// Extractor asks a chat model for a contract's table of contents and for an
// outline quoting the first and last sentence of every section.
type Extractor struct {
	provider    llm.Provider
	concurrency int
}

// NewExtractor returns an Extractor. concurrency bounds parallel summary
// calls.
func NewExtractor(provider llm.Provider, concurrency int) *Extractor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Extractor{provider: provider, concurrency: concurrency}
}

// TableOfContents returns the model's table of contents for the document,
// read from the first maxTOCInput bytes of its intro. Documents without an
// intro fall back to the start of the full text.
func (e *Extractor) TableOfContents(ctx context.Context, doc Document) (string, error) {
	intro := strings.TrimSpace(doc.IntroText())
	if intro == "" {
		intro = doc.Text
	}
	intro = truncate(intro, maxTOCInput)

	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: tocSystemPrompt},
			{Role: "user", Content: "<Legal_Contract>\n" + intro + "\n</Legal_Contract>"},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("table of contents for %s: %w", doc.ID, err)
	}
	return resp.Content, nil
}

// Outline asks for the sentence-bounded outline of the document given its
// table of contents. An unparseable answer yields an empty Section.
func (e *Extractor) Outline(ctx context.Context, doc Document, toc string) (Section, error) {
	user := fmt.Sprintf("<Table_of_Contents>\n%s\n</Table_of_Contents>\n\n<Legal_Contract>\n%s\n</Legal_Contract>", toc, doc.Text)
	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: outlineSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Section{}, fmt.Errorf("outline for %s: %w", doc.ID, err)
	}

	outline := ParseOutline(resp.Content)
	slog.Debug("chunker: outline extracted", "document", doc.ID, "top_level", len(outline.Entries))
	return outline, nil
}

// Extract runs TableOfContents followed by Outline.
func (e *Extractor) Extract(ctx context.Context, doc Document) (Section, error) {
	toc, err := e.TableOfContents(ctx, doc)
	if err != nil {
		return Section{}, err
	}
	return e.Outline(ctx, doc, toc)
}

// Summarize fills Summary bottom-up. Leaves are summarized from their
// content, internal chunks from their children's summaries. A failed call
// leaves that summary empty and is logged; only cancellation is returned.
func (e *Extractor) Summarize(ctx context.Context, tree *Tree) error {
	var levels [][]*Chunk
	tree.Walk(func(c *Chunk, depth int) {
		for len(levels) <= depth {
			levels = append(levels, nil)
		}
		levels[depth] = append(levels[depth], c)
	})

	for d := len(levels) - 1; d >= 0; d-- {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, c := range levels[d] {
			g.Go(func() error {
				input := summaryInput(c)
				if input == "" {
					return nil
				}
				resp, err := e.provider.Chat(gctx, llm.ChatRequest{
					Messages: []llm.Message{
						{Role: "system", Content: summarySystemPrompt},
						{Role: "user", Content: "<Contents>\n" + input + "\n</Contents>\n\nsummary:"},
					},
				})
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					slog.Warn("chunker: summary failed", "chunk", c.Name, "error", err)
					return nil
				}
				c.Summary = strings.TrimSpace(resp.Content)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func summaryInput(c *Chunk) string {
	if c.IsLeaf() {
		return strings.TrimSpace(c.Content)
	}
	parts := make([]string, 0, len(c.Children))
	for _, child := range c.Children {
		s := strings.TrimSpace(child.Summary)
		if s == "" {
			s = strings.TrimSpace(child.Content)
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
