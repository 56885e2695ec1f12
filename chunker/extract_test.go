package chunker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/contractgraph/llm"
)

// fakeProvider answers by system prompt and records every request.
type fakeProvider struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	answer   func(req llm.ChatRequest) (string, error)
}

func (f *fakeProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	content, err := f.answer(req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content}, nil
}

func (f *fakeProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func userContent(req llm.ChatRequest) string {
	for _, m := range req.Messages {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

func TestExtract(t *testing.T) {
	text := "COVER " + strings.Repeat("x", 12000) + " agree as follows: " + contractText
	fp := &fakeProvider{answer: func(req llm.ChatRequest) (string, error) {
		switch req.Messages[0].Content {
		case tocSystemPrompt:
			return "ARTICLE 1\n  1.1\n  1.2", nil
		case outlineSystemPrompt:
			return "```json\n{\"Article 1\": {\"1.1\": {\"start_sentence\": \"Alpha clause begins here\", \"end_sentence\": \"alpha clause ends here.\"}}}\n```", nil
		}
		return "", errors.New("unexpected prompt")
	}}

	doc := NewDocument("doc", text)
	outline, err := NewExtractor(fp, 2).Extract(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, outline.Entries, 1)
	assert.Equal(t, "Article 1", outline.Entries[0].Name)

	require.Len(t, fp.requests, 2)
	toc := userContent(fp.requests[0])
	assert.True(t, strings.HasPrefix(toc, "<Legal_Contract>\nCOVER "))
	assert.LessOrEqual(t, len(toc), maxTOCInput+len("<Legal_Contract>\n\n</Legal_Contract>"))

	out := userContent(fp.requests[1])
	assert.Contains(t, out, "ARTICLE 1\n  1.1")
	assert.Contains(t, out, contractText)
	assert.Equal(t, "json_object", fp.requests[1].ResponseFormat)

	tree := Build(doc, outline)
	assert.Empty(t, Verify(tree, len(text)))
	assert.Len(t, tree.Leaves(), 1)
}

func TestExtractPropagatesErrors(t *testing.T) {
	fp := &fakeProvider{answer: func(llm.ChatRequest) (string, error) {
		return "", errors.New("boom")
	}}
	_, err := NewExtractor(fp, 1).Extract(context.Background(), NewDocument("doc", contractText))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table of contents for doc")
}

func TestOutlineUnparseable(t *testing.T) {
	fp := &fakeProvider{answer: func(llm.ChatRequest) (string, error) {
		return "I could not find any sections.", nil
	}}
	outline, err := NewExtractor(fp, 1).Outline(context.Background(), NewDocument("doc", contractText), "")
	require.NoError(t, err)
	assert.Empty(t, outline.Entries)
}

func TestSummarizeBottomUp(t *testing.T) {
	fp := &fakeProvider{answer: func(req llm.ChatRequest) (string, error) {
		in := userContent(req)
		switch {
		case strings.Contains(in, "Alpha"):
			return "alpha summary", nil
		case strings.Contains(in, "Beta"):
			return "beta summary", nil
		case strings.Contains(in, "alpha summary"):
			return " article summary ", nil
		}
		return "", errors.New("unexpected input " + in)
	}}

	tree := &Tree{Roots: []*Chunk{
		{Name: "Article", Children: []*Chunk{
			{Name: "a", Content: "Alpha text"},
			{Name: "b", Content: "Beta text"},
		}},
	}}
	require.NoError(t, NewExtractor(fp, 4).Summarize(context.Background(), tree))

	art := tree.Roots[0]
	assert.Equal(t, "alpha summary", art.Children[0].Summary)
	assert.Equal(t, "beta summary", art.Children[1].Summary)
	assert.Equal(t, "article summary", art.Summary)
	assert.Len(t, fp.requests, 3)
}

func TestSummarizeToleratesFailures(t *testing.T) {
	fp := &fakeProvider{answer: func(llm.ChatRequest) (string, error) {
		return "", errors.New("rate limited")
	}}
	tree := &Tree{Roots: []*Chunk{{Name: "a", Content: "text"}, {Name: "empty"}}}
	require.NoError(t, NewExtractor(fp, 1).Summarize(context.Background(), tree))
	assert.Empty(t, tree.Roots[0].Summary)
	assert.Len(t, fp.requests, 1)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "ab", truncate("ab", 5))
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "aé", truncate("aéb", 3))
}
