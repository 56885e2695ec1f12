//go:build integration && cgo

package contractgraph

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ollamaURL   = "http://localhost:11434"
	chatModel   = "qwen3:8b"
	embedModel  = "qwen3-embedding"
	embedDim    = 4096
	testTimeout = 10 * time.Minute
)

const mergerAgreement = `AGREEMENT AND PLAN OF MERGER

This Agreement and Plan of Merger is entered into by Acme Holdings, Inc. ("Parent") and Globex Corporation (the "Company").

ARTICLE I. THE MERGER

1.1 The Merger. Upon the terms and subject to the conditions of this Agreement, Merger Sub shall be merged with and into the Company.

1.2 Effective Time. The Merger shall become effective upon the filing of the certificate of merger with the Secretary of State of Delaware.

ARTICLE II. TERMINATION

2.1 Termination Fee. If this Agreement is terminated by the Company to accept a Superior Proposal, the Company shall pay Parent a termination fee of $25,000,000.
`

func ollamaAvailable() bool {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ollamaURL + "/api/tags")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func TestIntegrationIngestResolveSearch(t *testing.T) {
	if !ollamaAvailable() {
		t.Skip("ollama not available at " + ollamaURL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "merger.txt")
	require.NoError(t, os.WriteFile(path, []byte(mergerAgreement), 0o644))

	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "integration.db")
	cfg.Chat = LLMConfig{Provider: "ollama", Model: chatModel, BaseURL: ollamaURL}
	cfg.Embedding = LLMConfig{Provider: "ollama", Model: embedModel, BaseURL: ollamaURL}
	cfg.EmbeddingDim = embedDim
	cfg.ExtractEntities = true
	cfg.MaxOutlineAttempts = 3

	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	res, err := eng.Ingest(ctx, path)
	require.NoError(t, err)
	assert.Positive(t, res.Leaves)
	assert.Empty(t, res.Violations)
	t.Logf("ingest: attempts=%d leaves=%d chunks=%d entities=%+v", res.Attempts, res.Leaves, res.Chunks, res.Entities)

	violations, err := eng.VerifyDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, violations)

	reports, err := eng.ResolveEntities(ctx)
	require.NoError(t, err)
	for _, r := range reports {
		t.Logf("resolve %s: merged=%d renamed=%d", r.EntityType, r.Merged, r.Renamed)
	}

	hits, err := eng.Search(ctx, "termination fee", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, res.DocumentID, hits[0].DocumentID)
}
