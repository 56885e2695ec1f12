package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/contractgraph/store"
)

func TestCorpusRelative(t *testing.T) {
	corpus := t.TempDir()

	rel, ok := corpusRelative(corpus, filepath.Join(corpus, "cuad", "a.txt"))
	require.True(t, ok)
	assert.Equal(t, "cuad/a.txt", rel)

	_, ok = corpusRelative(corpus, filepath.Join(filepath.Dir(corpus), "elsewhere.txt"))
	assert.False(t, ok)
}

func TestRetrievedDropsFilesOutsideCorpus(t *testing.T) {
	corpus := t.TempDir()
	hits := []store.SearchResult{
		{Path: filepath.Join(corpus, "a.txt"), SpanStart: 3, SpanEnd: 9, Score: 0.9},
		{Path: "/somewhere/else.txt", SpanStart: 0, SpanEnd: 4, Score: 0.5},
	}
	got := retrieved(corpus, hits)
	require.Len(t, got, 1)
	assert.Equal(t, "a.txt", got[0].FilePath)
	assert.Equal(t, [2]int{3, 9}, got[0].Span)
}

func TestReadOutline(t *testing.T) {
	outline, err := readOutline("")
	require.NoError(t, err)
	assert.Nil(t, outline)

	path := filepath.Join(t.TempDir(), "outline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"1. Term": {"start_sentence": "1. Term.", "end_sentence": "from the effective date."},
		"2. Fees": {"start_sentence": "2. Fees.", "end_sentence": "in advance."}
	}`), 0o644))
	outline, err = readOutline(path)
	require.NoError(t, err)
	require.NotNil(t, outline)
	assert.Len(t, outline.Entries, 2)
}

func TestParseDocumentID(t *testing.T) {
	id, err := parseDocumentID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseDocumentID("forty-two")
	assert.Error(t, err)
}

func TestCommandArgs(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"verify"})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	assert.Error(t, root.Execute())

	root = newRootCmd()
	root.SetArgs([]string{"bench"})
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	assert.ErrorContains(t, root.Execute(), "--corpus-dir")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
