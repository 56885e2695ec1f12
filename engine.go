// Package contractgraph turns legal contracts into span-exact chunk trees and
// keeps a resolved entity graph over them.
package contractgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/contractgraph/chunker"
	"github.com/brunobiangulo/contractgraph/graph"
	"github.com/brunobiangulo/contractgraph/llm"
	"github.com/brunobiangulo/contractgraph/neo4jgraph"
	"github.com/brunobiangulo/contractgraph/parser"
	"github.com/brunobiangulo/contractgraph/resolve"
	"github.com/brunobiangulo/contractgraph/store"
)

// Engine is the main entry point for building and maintaining contract
// graphs.
type Engine interface {
	// Ingest parses a contract, builds and verifies its chunk tree and
	// persists it. Skips when the content hash is unchanged.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (*IngestResult, error)

	// IngestAll ingests many contracts concurrently. Per-document failures
	// are reported in the results.
	IngestAll(ctx context.Context, paths []string, opts ...IngestOption) ([]IngestResult, error)

	// RecordEntities stores entities mentioned in a chunk, embedding names
	// that have no vector yet.
	RecordEntities(ctx context.Context, chunkID int64, mentions []Mention) error

	// ExtractEntities runs schema-constrained entity extraction over a
	// document's leaf chunks.
	ExtractEntities(ctx context.Context, documentID int64) (graph.Stats, error)

	// ResolveEntities clusters and merges duplicate entities of every
	// configured type.
	ResolveEntities(ctx context.Context) ([]resolve.Report, error)

	// VerifyDocument reloads a stored tree and checks its invariants.
	VerifyDocument(ctx context.Context, documentID int64) ([]chunker.Violation, error)

	// DocumentTree rebuilds the stored chunk tree of a document.
	DocumentTree(ctx context.Context, documentID int64) (*chunker.Tree, error)

	// Search returns the k chunks nearest to the query embedding.
	Search(ctx context.Context, query string, k int) ([]store.SearchResult, error)

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Mention is an entity named in a chunk.
type Mention struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// IngestResult reports what Ingest did with one document.
type IngestResult struct {
	DocumentID int64               `json:"document_id"`
	Path       string              `json:"path"`
	Unchanged  bool                `json:"unchanged,omitempty"`
	Attempts   int                 `json:"attempts"`
	Leaves     int                 `json:"leaves"`
	Chunks     int                 `json:"chunks"`
	Violations []chunker.Violation `json:"-"`
	// LowConfidence counts leaves aligned below MinAlignConfidence, or not
	// aligned at all when no threshold is set.
	LowConfidence int          `json:"low_confidence"`
	CorpusID      string       `json:"corpus_id,omitempty"`
	Entities      *graph.Stats `json:"entities,omitempty"`
	Err           error        `json:"-"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	outline      *chunker.Section
	metadata     map[string]string
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithOutline builds the tree from a known outline instead of asking the
// chat model for one.
func WithOutline(outline chunker.Section) IngestOption {
	return func(o *ingestOptions) { o.outline = &outline }
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// Option configures New.
type Option func(*engineOptions)

type engineOptions struct {
	chat, embed llm.Provider
	oracle      resolve.Oracle
}

// WithProviders replaces the chat and embedding providers built from the
// config. A nil provider keeps the configured one.
func WithProviders(chat, embed llm.Provider) Option {
	return func(o *engineOptions) {
		o.chat = chat
		o.embed = embed
	}
}

// WithOracle replaces the chat-backed entity resolution oracle.
func WithOracle(oracle resolve.Oracle) Option {
	return func(o *engineOptions) { o.oracle = oracle }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	parsers   *parser.Registry
	extractor *chunker.Extractor
	graphB    *graph.Builder
	oracle    resolve.Oracle
	neo       *neo4jgraph.Client
	closed    atomic.Bool
}

// New opens the store, creates the providers and connects to Neo4j when
// configured.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	dbPath := cfg.resolveDBPath()
	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM := o.chat
	if chatLLM == nil {
		chatLLM, err = llm.NewProvider(llm.Config(cfg.Chat))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
	}
	embedLLM := o.embed
	if embedLLM == nil {
		embedLLM, err = llm.NewProvider(llm.Config(cfg.Embedding))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}
	oracle := o.oracle
	if oracle == nil {
		oracle = resolve.NewLLMOracle(chatLLM)
	}

	ctx := context.Background()
	neo, err := neo4jgraph.New(ctx, cfg.Neo4j)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}
	if neo != nil {
		neo.EnsureSchema(ctx, cfg.EmbeddingDim)
	}

	e := &engine{
		cfg:       cfg,
		store:     s,
		chatLLM:   chatLLM,
		embedLLM:  embedLLM,
		parsers:   parser.NewRegistry(),
		extractor: chunker.NewExtractor(chatLLM, cfg.GraphConcurrency),
		oracle:    oracle,
		neo:       neo,
	}
	schema := graph.DefaultSchema().Restrict(cfg.EntityTypes)
	e.graphB = graph.NewBuilder(chatLLM, schema, entitySink{e}, cfg.GraphConcurrency)

	slog.Info("engine: ready", "db", dbPath, "neo4j", neo != nil,
		"chat", cfg.Chat.Model, "embedding", cfg.Embedding.Model)
	return e, nil
}

// Ingest processes a document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (*IngestResult, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}

	if !options.forceReparse {
		existing, err := e.store.GetDocumentByPath(ctx, absPath)
		if err == nil && existing.ContentHash == hash && existing.Status == "ready" {
			return &IngestResult{DocumentID: existing.ID, Path: absPath, Unchanged: true}, nil
		}
	}

	filename := filepath.Base(absPath)
	format := parser.FormatOf(absPath)
	slog.Info("ingest: parsing document", "file", filename, "format", format)
	start := time.Now()

	parsed, err := e.parsers.Parse(ctx, absPath)
	if err != nil {
		if errors.Is(err, parser.ErrUnsupportedFormat) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
		}
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, filename)
	}

	doc := chunker.NewDocument(absPath, parsed.Text)
	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}
	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		ContentHash: hash,
		Text:        parsed.Text,
		IntroStart:  doc.Intro.Start,
		IntroEnd:    doc.Intro.End,
		BodyStart:   doc.Body.Start,
		BodyEnd:     doc.Body.End,
		Status:      "processing",
		Metadata:    metadataJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting document: %w", err)
	}

	res, err := e.ingestDocument(ctx, docID, doc, options)
	if err != nil {
		// The caller's context may be the reason for the failure.
		_ = e.store.UpdateDocumentStatus(context.WithoutCancel(ctx), docID, "error")
		return nil, err
	}
	if err := e.store.UpdateDocumentStatus(ctx, docID, "ready"); err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}

	slog.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"leaves", res.Leaves, "violations", len(res.Violations), "attempts", res.Attempts,
		"total_elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (e *engine) ingestDocument(ctx context.Context, docID int64, doc chunker.Document, options *ingestOptions) (*IngestResult, error) {
	res := &IngestResult{DocumentID: docID, Path: doc.ID}
	filename := filepath.Base(doc.ID)

	buildStart := time.Now()
	tree, attempts, err := e.buildTree(ctx, doc, options.outline)
	if err != nil {
		return nil, err
	}
	res.Attempts = attempts
	res.Leaves = len(tree.Leaves())
	if tree.Len() == 0 {
		slog.Warn("ingest: no chunks resolved, storing empty tree", "file", filename, "attempts", attempts)
	}
	res.Violations = chunker.Verify(tree, len(doc.Text))
	for _, v := range res.Violations {
		slog.Warn("ingest: tree violation", "file", filename, "violation", v.String())
	}
	low := e.lowConfidence(tree)
	for _, leaf := range low {
		slog.Debug("ingest: low-confidence leaf", "file", filename, "chunk", leaf.Name, "confidence", leaf.Confidence)
	}
	res.LowConfidence = len(low)
	slog.Info("ingest: tree built", "file", filename, "roots", tree.Len(), "leaves", res.Leaves,
		"violations", len(res.Violations), "low_confidence", res.LowConfidence, "elapsed", time.Since(buildStart).Round(time.Millisecond))

	if !e.cfg.SkipSummaries {
		sumStart := time.Now()
		if err := e.extractor.Summarize(ctx, tree); err != nil {
			return nil, fmt.Errorf("summarizing: %w", err)
		}
		slog.Info("ingest: summaries complete", "file", filename,
			"elapsed", time.Since(sumStart).Round(time.Millisecond))
	}

	rows := chunker.Flatten(tree, docID)
	if err := e.store.DeleteDocumentData(ctx, docID); err != nil {
		return nil, fmt.Errorf("cleaning old data: %w", err)
	}
	ids, err := e.store.InsertChunks(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("inserting chunks: %w", err)
	}
	res.Chunks = len(ids)

	if !e.cfg.SkipEmbeddings {
		embedStart := time.Now()
		if err := e.embedChunks(ctx, rows, ids); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		slog.Info("ingest: embeddings complete", "file", filename, "chunks", len(rows),
			"elapsed", time.Since(embedStart).Round(time.Millisecond))
	}

	if e.neo != nil {
		if n, err := e.neo.DeleteTree(ctx, doc.ID); err != nil {
			slog.Warn("ingest: neo4j cleanup failed (non-fatal)", "file", filename, "error", err)
		} else if n > 0 {
			slog.Debug("ingest: neo4j tree replaced", "file", filename, "deleted", n)
		}
		var embed neo4jgraph.Embedder
		if !e.cfg.SkipEmbeddings {
			embed = e.embedLLM.Embed
		}
		corpusID, err := e.neo.WriteTree(ctx, doc.ID, tree, ids, embed)
		if err != nil {
			slog.Warn("ingest: neo4j write failed (non-fatal)", "file", filename, "error", err)
		}
		res.CorpusID = corpusID
	}

	if e.cfg.ExtractEntities {
		stats, err := e.graphB.Build(ctx, leafChunks(rows, ids))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("ingest: entity extraction had errors (non-fatal)", "doc_id", docID, "error", err)
		}
		res.Entities = &stats
	}
	return res, nil
}

// buildTree returns the tree for the supplied outline, or asks the extractor
// up to MaxOutlineAttempts times and keeps the tree with the fewest
// problems. Low-confidence leaves count as problems only when
// MinAlignConfidence is set. When every usable outline resolved to nothing
// the result is an empty tree, which is stored like any other.
func (e *engine) buildTree(ctx context.Context, doc chunker.Document, outline *chunker.Section) (*chunker.Tree, int, error) {
	if outline != nil {
		return chunker.Build(doc, *outline), 0, nil
	}

	attempts := max(1, e.cfg.MaxOutlineAttempts)
	var (
		best         *chunker.Tree
		bestProblems int
		lastErr      error
		tried        int
		sawEmpty     bool
	)
	for tried < attempts {
		tried++
		section, err := e.extractor.Extract(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, tried, ctx.Err()
			}
			slog.Warn("ingest: outline extraction failed", "file", filepath.Base(doc.ID), "attempt", tried, "error", err)
			lastErr = err
			continue
		}
		tree := chunker.Build(doc, section)
		if tree.Len() == 0 {
			slog.Warn("ingest: outline produced an empty tree", "file", filepath.Base(doc.ID), "attempt", tried)
			sawEmpty = true
			continue
		}
		n := e.problems(tree, len(doc.Text))
		if best == nil || n < bestProblems {
			best, bestProblems = tree, n
		}
		if n == 0 {
			break
		}
	}

	switch {
	case best != nil:
		return best, tried, nil
	case sawEmpty:
		return &chunker.Tree{DocumentID: doc.ID}, tried, nil
	default:
		return nil, tried, fmt.Errorf("%w: %v", ErrNoOutline, lastErr)
	}
}

func (e *engine) problems(tree *chunker.Tree, textLen int) int {
	n := len(chunker.Verify(tree, textLen))
	if e.cfg.MinAlignConfidence > 0 {
		n += len(e.lowConfidence(tree))
	}
	return n
}

// lowConfidence returns the leaves whose alignment fell below
// MinAlignConfidence. Unaligned leaves always qualify.
func (e *engine) lowConfidence(tree *chunker.Tree) []*chunker.Chunk {
	var out []*chunker.Chunk
	for _, leaf := range tree.Leaves() {
		if leaf.Confidence <= 0 || leaf.Confidence < e.cfg.MinAlignConfidence {
			out = append(out, leaf)
		}
	}
	return out
}

func leafChunks(rows []store.Chunk, ids []int64) []graph.Chunk {
	var out []graph.Chunk
	for i, r := range rows {
		if r.ChunkType == "chunk" {
			out = append(out, graph.Chunk{ID: ids[i], Text: r.Content})
		}
	}
	return out
}

// IngestAll ingests paths with at most BuildConcurrency documents in flight.
func (e *engine) IngestAll(ctx context.Context, paths []string, opts ...IngestOption) ([]IngestResult, error) {
	results := make([]IngestResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.cfg.BuildConcurrency))
	for i, p := range paths {
		g.Go(func() error {
			res, err := e.Ingest(gctx, p, opts...)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("ingest: document failed", "path", p, "error", err)
				results[i] = IngestResult{Path: p, Err: err}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RecordEntities upserts each mention, links it to the chunk and mirrors it
// to Neo4j.
func (e *engine) RecordEntities(ctx context.Context, chunkID int64, mentions []Mention) error {
	if e.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := e.store.GetChunk(ctx, chunkID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("chunk %d: %w", chunkID, err)
		}
		return err
	}

	type pending struct {
		mention Mention
		vector  []float32
	}
	var items []pending
	var missing []int
	seen := make(map[[2]string]bool)
	for _, m := range mentions {
		m.Name = strings.TrimSpace(m.Name)
		key := [2]string{m.Type, m.Name}
		if m.Name == "" || m.Type == "" || seen[key] {
			continue
		}
		seen[key] = true
		p := pending{mention: m}
		if existing, err := e.store.GetEntity(ctx, m.Type, m.Name); err == nil && len(existing.Embedding) > 0 {
			p.vector = existing.Embedding
		} else {
			missing = append(missing, len(items))
		}
		items = append(items, p)
	}
	if len(items) == 0 {
		return nil
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, idx := range missing {
			texts[i] = items[idx].mention.Name
		}
		vecs, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: entity names: %v", ErrEmbeddingFailed, err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("%w: got %d vectors for %d names", ErrEmbeddingFailed, len(vecs), len(texts))
		}
		for i, idx := range missing {
			items[idx].vector = vecs[i]
		}
	}

	neoMentions := make([]neo4jgraph.Mention, 0, len(items))
	for _, p := range items {
		if _, err := e.store.UpsertEntityAndLink(ctx, store.Entity{
			Name:        p.mention.Name,
			EntityType:  p.mention.Type,
			Description: p.mention.Description,
			Embedding:   p.vector,
		}, chunkID); err != nil {
			return fmt.Errorf("recording %s %q: %w", p.mention.Type, p.mention.Name, err)
		}
		neoMentions = append(neoMentions, neo4jgraph.Mention{Type: p.mention.Type, Name: p.mention.Name, Vector: p.vector})
	}

	if e.neo != nil {
		if err := e.neo.EntityGraph().RecordMentions(ctx, chunkID, neoMentions); err != nil {
			slog.Warn("entities: neo4j mentions failed (non-fatal)", "chunk_id", chunkID, "error", err)
		}
	}
	return nil
}

// entitySink records extraction results through the engine.
type entitySink struct{ e *engine }

func (s entitySink) RecordExtraction(ctx context.Context, chunkID int64, res graph.ExtractionResult) error {
	mentions := make([]Mention, len(res.Entities))
	for i, ent := range res.Entities {
		mentions[i] = Mention{Type: ent.Type, Name: ent.Name, Description: ent.Description}
	}
	if err := s.e.RecordEntities(ctx, chunkID, mentions); err != nil {
		return err
	}
	return s.e.recordRelationships(ctx, chunkID, res.Relationships)
}

func (e *engine) recordRelationships(ctx context.Context, chunkID int64, rels []graph.ExtractedRelationship) error {
	if len(rels) == 0 {
		return nil
	}
	for _, r := range rels {
		src, err := e.store.GetEntity(ctx, r.SourceType, r.SourceEntity)
		if err != nil {
			return fmt.Errorf("relationship source %q: %w", r.SourceEntity, err)
		}
		tgt, err := e.store.GetEntity(ctx, r.TargetType, r.TargetEntity)
		if err != nil {
			return fmt.Errorf("relationship target %q: %w", r.TargetEntity, err)
		}
		if _, err := e.store.InsertRelationship(ctx, store.Relationship{
			SourceEntityID: src.ID,
			TargetEntityID: tgt.ID,
			RelationType:   r.Type,
			Weight:         1.0,
			Description:    r.Description,
			SourceChunkID:  &chunkID,
		}); err != nil {
			return fmt.Errorf("inserting %s relationship: %w", r.Type, err)
		}
	}

	if e.neo == nil {
		return nil
	}
	err := e.neo.EntityGraph().Update(ctx, func(tx resolve.Tx) error {
		for _, r := range rels {
			rel := resolve.Relationship{
				Source: resolve.Entity(r.SourceType, r.SourceEntity),
				Target: resolve.Entity(r.TargetType, r.TargetEntity),
				Type:   r.Type,
				Properties: map[string]any{
					"description":  r.Description,
					"source_chunk": chunkID,
				},
			}
			exists, err := tx.RelationshipExists(ctx, rel)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := tx.CreateRelationship(ctx, rel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("entities: neo4j relationships failed (non-fatal)", "chunk_id", chunkID, "error", err)
	}
	return nil
}

// ExtractEntities runs the extraction builder over a stored document's
// leaves.
func (e *engine) ExtractEntities(ctx context.Context, documentID int64) (graph.Stats, error) {
	if e.closed.Load() {
		return graph.Stats{}, ErrStoreClosed
	}
	rows, err := e.documentRows(ctx, documentID)
	if err != nil {
		return graph.Stats{}, err
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return e.graphB.Build(ctx, leafChunks(rows, ids))
}

// ResolveEntities embeds any unembedded entity names, then resolves every
// type against SQLite and replays the merges on Neo4j.
func (e *engine) ResolveEntities(ctx context.Context) ([]resolve.Report, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := e.embedEntities(ctx); err != nil {
		return nil, err
	}

	types := e.cfg.EntityTypes
	if len(types) == 0 {
		var err error
		if types, err = e.store.EntityTypes(ctx); err != nil {
			return nil, fmt.Errorf("listing entity types: %w", err)
		}
	}
	if len(types) == 0 {
		return nil, nil
	}

	r := resolve.NewResolver(e.store.Graph(), e.oracle, e.cfg.ClusterDistanceThreshold, e.cfg.OracleConcurrency)
	if e.neo != nil {
		r.Mirror(e.neo.EntityGraph())
	}
	start := time.Now()
	reports, err := r.Resolve(ctx, types)
	if err != nil {
		return nil, err
	}
	for _, rep := range reports {
		if rep.Changed() > 0 {
			slog.Info("resolve: updated entities", "entity_type", rep.EntityType,
				"renamed", rep.Renamed, "merged", rep.Merged, "redirected", rep.Redirected)
		}
	}
	slog.Info("resolve: complete", "types", len(types), "elapsed", time.Since(start).Round(time.Millisecond))
	return reports, nil
}

func (e *engine) embedEntities(ctx context.Context) error {
	const batchSize = 64
	pending, err := e.store.EntitiesWithoutEmbedding(ctx)
	if err != nil {
		return fmt.Errorf("listing unembedded entities: %w", err)
	}
	for i := 0; i < len(pending); i += batchSize {
		batch := pending[i:min(i+batchSize, len(pending))]
		texts := make([]string, len(batch))
		for j, ent := range batch {
			texts[j] = ent.Name
		}
		vecs, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: entity names: %v", ErrEmbeddingFailed, err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("%w: got %d vectors for %d names", ErrEmbeddingFailed, len(vecs), len(batch))
		}
		for j, ent := range batch {
			if err := e.store.SetEntityEmbedding(ctx, ent.ID, vecs[j]); err != nil {
				return fmt.Errorf("storing entity embedding: %w", err)
			}
		}
	}
	if len(pending) > 0 {
		slog.Info("resolve: embedded entity names", "count", len(pending))
	}
	return nil
}

// VerifyDocument rebuilds the stored tree and checks it against the stored
// text length.
func (e *engine) VerifyDocument(ctx context.Context, documentID int64) ([]chunker.Violation, error) {
	doc, tree, err := e.loadTree(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return chunker.Verify(tree, len(doc.Text)), nil
}

func (e *engine) DocumentTree(ctx context.Context, documentID int64) (*chunker.Tree, error) {
	_, tree, err := e.loadTree(ctx, documentID)
	return tree, err
}

func (e *engine) loadTree(ctx context.Context, documentID int64) (*store.Document, *chunker.Tree, error) {
	if e.closed.Load() {
		return nil, nil, ErrStoreClosed
	}
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrDocumentNotFound, documentID)
		}
		return nil, nil, err
	}
	rows, err := e.store.GetChunksByDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	return doc, chunker.Unflatten(doc.Path, rows), nil
}

func (e *engine) documentRows(ctx context.Context, documentID int64) ([]store.Chunk, error) {
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrDocumentNotFound, documentID)
		}
		return nil, err
	}
	return e.store.GetChunksByDocument(ctx, documentID)
}

func (e *engine) Search(ctx context.Context, query string, k int) ([]store.SearchResult, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	vecs, err := e.embedLLM.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrEmbeddingFailed, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for the query", ErrEmbeddingFailed, len(vecs))
	}
	return e.store.VectorSearch(ctx, vecs[0], k)
}

func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	if e.closed.Load() {
		return nil, ErrStoreClosed
	}
	return e.store.ListDocuments(ctx)
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	if e.closed.Load() {
		return ErrStoreClosed
	}
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrDocumentNotFound, documentID)
		}
		return err
	}
	if e.neo != nil {
		if _, err := e.neo.DeleteTree(ctx, doc.Path); err != nil {
			slog.Warn("delete: neo4j cleanup failed (non-fatal)", "path", doc.Path, "error", err)
		}
	}
	return e.store.DeleteDocument(ctx, documentID)
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine. Calling it twice is a no-op.
func (e *engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if err := e.neo.Close(context.Background()); err != nil {
		slog.Warn("engine: closing neo4j", "error", err)
	}
	return e.store.Close()
}

// maxEmbedChars is the maximum character length for a single text sent to the
// embedding model.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// embedText is what a chunk row is embedded as: its name followed by the
// summary when there is one, else the content.
func embedText(c store.Chunk) string {
	body := c.Summary
	if body == "" {
		body = c.Content
	}
	if c.Name != "" {
		body = c.Name + ": " + body
	}
	return truncateForEmbed(body)
}

// embedChunks generates embeddings for chunks in batches. A failed batch
// falls back to one text at a time so one oversized text does not lose the
// whole batch.
func (e *engine) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))
		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = embedText(chunks[j])
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err == nil && len(embeddings) != len(texts) {
			err = fmt.Errorf("got %d vectors for %d texts", len(embeddings), len(texts))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("embedding single text failed", "chunk_id", chunkIDs[i+j], "error", serr)
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunkIDs[i+j], single[0]); serr != nil {
					slog.Warn("storing embedding failed", "chunk_id", chunkIDs[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("storing embedding failed", "chunk_id", chunkIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) && failed > 0 {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
