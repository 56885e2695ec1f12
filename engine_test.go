//go:build cgo

package contractgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/contractgraph/chunker"
	"github.com/brunobiangulo/contractgraph/llm"
	"github.com/brunobiangulo/contractgraph/resolve"
	"github.com/brunobiangulo/contractgraph/store"
)

const agreementText = "SERVICES AGREEMENT between Acme Corp and Globex. The parties agree as follows: " +
	"1. Term. This agreement runs for one year from the effective date. " +
	"2. Fees. Globex shall pay Acme Corp a monthly fee of one hundred dollars for the services described " +
	"in the statement of work, payable within thirty days of receipt of an invoice, together with any taxes " +
	"imposed on the services and any expenses approved in writing in advance."

func agreementOutline() chunker.Section {
	return chunker.Section{Entries: []chunker.Entry{
		{Name: "Article 1", Node: chunker.Section{Entries: []chunker.Entry{
			{Name: "1. Term", Node: chunker.Leaf{StartSentence: "1. Term.", EndSentence: "from the effective date."}},
			{Name: "2. Fees", Node: chunker.Leaf{StartSentence: "2. Fees.", EndSentence: "approved in writing in advance."}},
		}}},
	}}
}

const outlineJSON = `{"Article 1": {
	"1. Term": {"start_sentence": "1. Term.", "end_sentence": "from the effective date."},
	"2. Fees": {"start_sentence": "2. Fees.", "end_sentence": "approved in writing in advance."}
}}`

// fakeLLM answers chat requests by system prompt and embeds by name prefix.
type fakeLLM struct {
	mu       sync.Mutex
	chats    []llm.ChatRequest
	embedded []string
	answer   func(system string, call int) (string, error)
	embedErr error
}

func (f *fakeLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.chats = append(f.chats, req)
	call := len(f.chats)
	f.mu.Unlock()
	system := ""
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		system = req.Messages[0].Content
	}
	if f.answer == nil {
		return &llm.ChatResponse{Content: defaultAnswer(system)}, nil
	}
	content, err := f.answer(system, call)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content}, nil
}

func (f *fakeLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	f.mu.Lock()
	f.embedded = append(f.embedded, texts...)
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch lower := strings.ToLower(t); {
		case strings.HasPrefix(lower, "acme"):
			out[i] = []float32{1, 0, 0, 0}
		case strings.HasPrefix(lower, "globex"):
			out[i] = []float32{0, 1, 0, 0}
		case strings.Contains(lower, "fee"):
			out[i] = []float32{0, 0, 1, 0}
		default:
			out[i] = []float32{0, 0, 0, 1}
		}
	}
	return out, nil
}

func defaultAnswer(system string) string {
	switch {
	case strings.Contains(system, "split the content"):
		return outlineJSON
	case strings.Contains(system, "table of contents"):
		return "Article 1\n  1. Term\n  2. Fees"
	case strings.Contains(system, "<Relationship_Types>"):
		return `{"relationships": [{"type": "Pays", "source_entity": "Globex", "source_type": "Acquirer",
			"target_entity": "Acme Corp", "target_type": "TargetCompany", "description": "monthly fee"}]}`
	case strings.Contains(system, "<Entity_Types>"):
		return `{"entities": [{"type": "Acquirer", "name": "Globex"}, {"type": "TargetCompany", "name": "Acme Corp"}]}`
	default:
		return "A short summary."
	}
}

type scriptedOracle struct {
	answers map[string][]resolve.Pair
}

func (o scriptedOracle) Resolve(_ context.Context, _ string, names []string) ([]resolve.Pair, error) {
	return o.answers[strings.Join(names, "|")], nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.EmbeddingDim = 4
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, fake *fakeLLM, opts ...Option) *engine {
	t.Helper()
	opts = append([]Option{WithProviders(fake, fake)}, opts...)
	eng, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng.(*engine)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func leafIDs(t *testing.T, s *store.Store, docID int64) []int64 {
	t.Helper()
	rows, err := s.GetChunksByDocument(context.Background(), docID)
	require.NoError(t, err)
	var ids []int64
	for _, r := range rows {
		if r.ChunkType == "chunk" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func TestIngestWithOutline(t *testing.T) {
	ctx := context.Background()
	fake := &fakeLLM{}
	e := newTestEngine(t, testConfig(t), fake)
	path := writeFile(t, "services.txt", agreementText)

	res, err := e.Ingest(ctx, path, WithOutline(agreementOutline()), WithMetadata(map[string]string{"source": "test"}))
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Zero(t, res.Attempts)
	assert.Equal(t, 2, res.Leaves)
	assert.Equal(t, 3, res.Chunks)
	assert.Empty(t, res.Violations)
	assert.Zero(t, res.LowConfidence)
	assert.Nil(t, res.Entities)

	doc, err := e.store.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "ready", doc.Status)
	assert.Equal(t, "txt", doc.Format)
	assert.Equal(t, agreementText, doc.Text)
	assert.Equal(t, strings.Index(agreementText, "follows:")+len("follows:"), doc.BodyStart)
	assert.JSONEq(t, `{"source":"test"}`, doc.Metadata)

	rows, err := e.store.GetChunksByDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "article", rows[0].ChunkType)
	term := rows[1]
	assert.Equal(t, "1. Term", term.Name)
	assert.Equal(t, "1. Term. This agreement runs for one year from the effective date.", term.Content)
	assert.Equal(t, agreementText[term.SpanStart:term.SpanEnd], term.Content)
	assert.Equal(t, "A short summary.", term.Summary)

	hits, err := e.Search(ctx, "fees", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.DocumentID, hits[0].DocumentID)

	stats, err := e.store.DBStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Embeddings)
}

func TestIngestCountsLowConfidenceLeaves(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinAlignConfidence = 0.99
	cfg.SkipSummaries = true
	e := newTestEngine(t, cfg, &fakeLLM{})

	// The misspelled end sentence still aligns, just not exactly.
	outline := chunker.Section{Entries: []chunker.Entry{
		{Name: "1. Term", Node: chunker.Leaf{StartSentence: "1. Term.", EndSentence: "from the effective date."}},
		{Name: "2. Fees", Node: chunker.Leaf{StartSentence: "2. Fees.", EndSentence: "aproved in riting in advanse."}},
	}}
	res, err := e.Ingest(context.Background(), writeFile(t, "services.txt", agreementText), WithOutline(outline))
	require.NoError(t, err)
	assert.Zero(t, res.Attempts)
	assert.Equal(t, 2, res.Leaves)
	assert.Equal(t, 1, res.LowConfidence)

	tree, err := e.DocumentTree(context.Background(), res.DocumentID)
	require.NoError(t, err)
	fees, ok := tree.Get("2. Fees")
	require.True(t, ok)
	assert.Less(t, fees.Confidence, 0.99)
	assert.True(t, strings.HasSuffix(fees.Content, "in advance."))
}

func TestIngestSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	fake := &fakeLLM{}
	e := newTestEngine(t, cfg, fake)
	path := writeFile(t, "services.txt", agreementText)

	first, err := e.Ingest(ctx, path, WithOutline(agreementOutline()))
	require.NoError(t, err)

	again, err := e.Ingest(ctx, path, WithOutline(agreementOutline()))
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, first.DocumentID, again.DocumentID)

	forced, err := e.Ingest(ctx, path, WithOutline(agreementOutline()), WithForceReparse())
	require.NoError(t, err)
	assert.False(t, forced.Unchanged)
	assert.Equal(t, first.DocumentID, forced.DocumentID)

	rows, err := e.store.GetChunksByDocument(ctx, first.DocumentID)
	require.NoError(t, err)
	assert.Len(t, rows, 3, "re-ingest replaces the old rows")
}

func TestIngestRetriesOutline(t *testing.T) {
	outlineCalls := 0
	fake := &fakeLLM{answer: func(system string, _ int) (string, error) {
		if strings.Contains(system, "split the content") {
			outlineCalls++
			if outlineCalls == 1 {
				return "I could not find any sections.", nil
			}
		}
		return defaultAnswer(system), nil
	}}
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	e := newTestEngine(t, cfg, fake)

	res, err := e.Ingest(context.Background(), writeFile(t, "services.md", agreementText))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, res.Leaves)
	assert.Equal(t, 2, outlineCalls)
}

func TestIngestEmptyTreeIsStored(t *testing.T) {
	fake := &fakeLLM{answer: func(system string, _ int) (string, error) {
		if strings.Contains(system, "split the content") {
			return "[]", nil
		}
		return defaultAnswer(system), nil
	}}
	e := newTestEngine(t, testConfig(t), fake)
	ctx := context.Background()
	path := writeFile(t, "services.txt", agreementText)

	res, err := e.Ingest(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts, "every attempt is tried before settling on an empty tree")
	assert.Zero(t, res.Leaves)
	assert.Zero(t, res.Chunks)
	assert.Empty(t, res.Violations)

	doc, err := e.store.GetDocumentByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "ready", doc.Status)

	tree, err := e.DocumentTree(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Zero(t, tree.Len())
}

func TestIngestNoOutline(t *testing.T) {
	fake := &fakeLLM{answer: func(string, int) (string, error) {
		return "", errors.New("model offline")
	}}
	e := newTestEngine(t, testConfig(t), fake)

	_, err := e.Ingest(context.Background(), writeFile(t, "services.txt", agreementText))
	require.ErrorIs(t, err, ErrNoOutline)
	assert.ErrorContains(t, err, "model offline")
}

func TestIngestRejectsInput(t *testing.T) {
	e := newTestEngine(t, testConfig(t), &fakeLLM{})
	ctx := context.Background()

	_, err := e.Ingest(ctx, writeFile(t, "contract.rtf", agreementText))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = e.Ingest(ctx, writeFile(t, "blank.txt", " \n\t "))
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = e.Ingest(ctx, writeFile(t, "broken.docx", "not a zip"))
	assert.ErrorIs(t, err, ErrParsingFailed)

	_, err = e.Ingest(ctx, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestIngestEmbeddingFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	e := newTestEngine(t, cfg, &fakeLLM{embedErr: errors.New("no embedder")})

	_, err := e.Ingest(context.Background(), writeFile(t, "services.txt", agreementText), WithOutline(agreementOutline()))
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestIngestAllReportsPerDocument(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	e := newTestEngine(t, cfg, &fakeLLM{})
	good := writeFile(t, "services.txt", agreementText)
	bad := writeFile(t, "services.rtf", agreementText)

	results, err := e.IngestAll(context.Background(), []string{good, bad}, WithOutline(agreementOutline()))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Leaves)
	assert.ErrorIs(t, results[1].Err, ErrUnsupportedFormat)
	assert.Equal(t, bad, results[1].Path)
}

func TestRecordEntitiesAndResolve(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	fake := &fakeLLM{}
	e := newTestEngine(t, cfg, fake, WithOracle(scriptedOracle{answers: map[string][]resolve.Pair{
		"Acme Corp|Acme Corporation": {{Original: "Acme Corp", Resolved: "Acme Corporation"}},
	}}))

	res, err := e.Ingest(ctx, writeFile(t, "services.txt", agreementText), WithOutline(agreementOutline()))
	require.NoError(t, err)
	leaves := leafIDs(t, e.store, res.DocumentID)
	require.Len(t, leaves, 2)

	require.NoError(t, e.RecordEntities(ctx, leaves[0], []Mention{
		{Type: "Organization", Name: "Acme Corp"},
		{Type: "Organization", Name: " Globex "},
		{Type: "Organization", Name: "Acme Corp"},
		{Type: "", Name: "untyped"},
	}))
	require.NoError(t, e.RecordEntities(ctx, leaves[1], []Mention{
		{Type: "Organization", Name: "Acme Corporation", Description: "the provider"},
		{Type: "Organization", Name: "Globex"},
	}))

	globex, err := e.store.GetEntity(ctx, "Organization", "Globex")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, globex.Embedding)
	var globexEmbeds int
	for _, text := range fake.embedded {
		if text == "Globex" {
			globexEmbeds++
		}
	}
	assert.Equal(t, 1, globexEmbeds, "stored vectors are reused")

	reports, err := e.ResolveEntities(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "Organization", reports[0].EntityType)
	assert.Equal(t, 1, reports[0].Merged)

	_, err = e.store.GetEntity(ctx, "Organization", "Acme Corp")
	assert.ErrorIs(t, err, store.ErrNotFound)
	acme, err := e.store.GetEntity(ctx, "Organization", "Acme Corporation")
	require.NoError(t, err)
	chunks, err := e.store.EntityMentions(ctx, acme.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, leaves, chunks)

	again, err := e.ResolveEntities(ctx)
	require.NoError(t, err)
	assert.Zero(t, again[0].Changed())
}

func TestRecordEntitiesUnknownChunk(t *testing.T) {
	e := newTestEngine(t, testConfig(t), &fakeLLM{})
	err := e.RecordEntities(context.Background(), 999, []Mention{{Type: "Organization", Name: "Acme"}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestExtractsEntities(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	cfg.ExtractEntities = true
	e := newTestEngine(t, cfg, &fakeLLM{})

	res, err := e.Ingest(ctx, writeFile(t, "services.txt", agreementText), WithOutline(agreementOutline()))
	require.NoError(t, err)
	require.NotNil(t, res.Entities)
	assert.Equal(t, 1, res.Entities.Eligible, "the term clause is too short")
	assert.Equal(t, 1, res.Entities.Skipped)
	assert.Equal(t, 2, res.Entities.Entities)
	assert.Equal(t, 1, res.Entities.Relationships)

	stats, err := e.store.DBStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.Relationships)
	assert.Equal(t, 2, stats.Mentions)

	again, err := e.ExtractEntities(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Eligible)

	_, err = e.ExtractEntities(ctx, 12345)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestVerifyDocument(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	e := newTestEngine(t, cfg, &fakeLLM{})
	res, err := e.Ingest(ctx, writeFile(t, "services.txt", agreementText), WithOutline(agreementOutline()))
	require.NoError(t, err)

	violations, err := e.VerifyDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, violations)

	tree, err := e.DocumentTree(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Len())
	assert.Len(t, tree.Leaves(), 2)

	_, err = e.VerifyDocument(ctx, 999)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.SkipSummaries = true
	e := newTestEngine(t, cfg, &fakeLLM{})
	res, err := e.Ingest(ctx, writeFile(t, "services.txt", agreementText), WithOutline(agreementOutline()))
	require.NoError(t, err)

	docs, err := e.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	require.NoError(t, e.Delete(ctx, res.DocumentID))
	docs, err = e.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.ErrorIs(t, e.Delete(ctx, res.DocumentID), ErrDocumentNotFound)
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, testConfig(t), &fakeLLM{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Ingest(context.Background(), "x.txt")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = e.ResolveEntities(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EmbeddingDim = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEmbedText(t *testing.T) {
	assert.Equal(t, "1.1: summary", embedText(store.Chunk{Name: "1.1", Content: "content", Summary: "summary"}))
	assert.Equal(t, "content", embedText(store.Chunk{Content: "content"}))

	long := strings.Repeat("word ", maxEmbedChars)
	got := truncateForEmbed(long)
	assert.LessOrEqual(t, len(got), maxEmbedChars)
	assert.True(t, strings.HasSuffix(got, "word"))
}
