// Package graph extracts typed entities and relationships from contract
// chunks with a chat model and hands them to a Sink for persistence.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/contractgraph/llm"
)

const entitySystemPrompt = `You are an entity extraction engine for merger and acquisition agreements.
Extract every entity in the <Document> that matches one of the <Entity_Types>.

<Entity_Types>
%s</Entity_Types>

Return a JSON object with exactly one key:
  "entities" : array of {"type": string, "name": string, "description": string}

Rules:
- Only use the exact type values listed in <Entity_Types>.
- Copy names as they appear in the document.
- Only include entities clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.`

const relationshipSystemPrompt = `You are a relationship extraction engine for merger and acquisition agreements.
Given the <Document> and the <Known_Entities> found in it, extract every relationship that matches one of the <Relationship_Types>.

<Relationship_Types>
%s</Relationship_Types>

Return a JSON object with exactly one key:
  "relationships" : array of {"type": string, "source_entity": string, "source_type": string, "target_entity": string, "target_type": string, "description": string}

Rules:
- Source and target must be taken from <Known_Entities> together with their types.
- The description explains why the relationship applies.
- Only include relationships clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.`

const defaultConcurrency = 8

// minChunkTokens skips headings and other fragments too short to hold a
// relationship.
const minChunkTokens = 30

const perChunkTimeout = 90 * time.Second

// Patterns for identifiers the model tends to drop. They are passed as hints
// with the entity prompt.
var (
	// ("Parent"), (the "Merger Sub")
	reDefinedTerm = regexp.MustCompile(`\(\s*(?:the\s+)?["“]([^"”]{2,60})["”]\s*\)`)
	// Acme Holdings, Inc.  Goldman Sachs & Co. LLC
	reOrganization = regexp.MustCompile(`\b(?:[A-Z][\w&.'-]*\s+){1,5}(?:Inc\.|Corp\.|Corporation|Company|LLC|L\.P\.|Ltd\.|N\.A\.|S\.A\.|SE|plc)`)
	// Section 5.1(a), Article VII, Exhibit B
	reProvision = regexp.MustCompile(`\b(?:Section|Article|Exhibit|Schedule|Annex)\s+[0-9IVXLC]+[A-Z]?(?:\.\d+)*(?:\([a-z0-9]+\))*`)
	// $250,000,000  $1.2 billion
	reAmount = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?(?:\s(?:million|billion))?`)
	// 3.5%
	rePercent = regexp.MustCompile(`\b\d+(?:\.\d+)?\s?%`)
)

// estimateTokens approximates token count using a word-based heuristic.
func estimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

// preExtractIdentifiers returns the distinct identifiers the hint patterns
// find, in pattern order.
func preExtractIdentifiers(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = normalizeName(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, m := range reDefinedTerm.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, p := range []*regexp.Regexp{reOrganization, reProvision, reAmount, rePercent} {
		for _, m := range p.FindAllString(text, -1) {
			add(m)
		}
	}
	return out
}

// Chunk is the unit of extraction: a stored chunk id and its text.
type Chunk struct {
	ID   int64
	Text string
}

// Sink persists the result extracted from one chunk.
type Sink interface {
	RecordExtraction(ctx context.Context, chunkID int64, res ExtractionResult) error
}

// Stats counts the outcome of a Build.
type Stats struct {
	Eligible      int `json:"eligible"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

// Builder runs extraction over chunks and records the results.
type Builder struct {
	chat        llm.Provider
	schema      Schema
	sink        Sink
	concurrency int
}

// NewBuilder returns a Builder. A schema without entity types falls back to
// DefaultSchema.
func NewBuilder(chat llm.Provider, schema Schema, sink Sink, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if len(schema.Entities) == 0 {
		schema = DefaultSchema()
	}
	return &Builder{chat: chat, schema: schema, sink: sink, concurrency: concurrency}
}

// Schema returns the schema the builder validates against.
func (b *Builder) Schema() Schema { return b.schema }

// Build extracts and records every eligible chunk. A failing chunk is
// logged and counted; Build only fails when every eligible chunk failed or
// ctx was cancelled.
func (b *Builder) Build(ctx context.Context, chunks []Chunk) (Stats, error) {
	var eligible []Chunk
	for _, c := range chunks {
		if estimateTokens(c.Text) < minChunkTokens {
			slog.Debug("graph: skipping short chunk", "chunk_id", c.ID, "tokens", estimateTokens(c.Text))
			continue
		}
		eligible = append(eligible, c)
	}
	stats := Stats{Eligible: len(eligible), Skipped: len(chunks) - len(eligible)}
	if len(eligible) == 0 {
		return stats, nil
	}

	slog.Info("graph: processing chunks", "total", len(chunks), "eligible", len(eligible),
		"concurrency", b.concurrency)

	var (
		mu         sync.Mutex
		firstErr   error
		completed  int
		buildStart = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, c := range eligible {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunkCtx, cancel := context.WithTimeout(gctx, perChunkTimeout)
			defer cancel()

			chunkStart := time.Now()
			res, err := b.processChunk(chunkCtx, c)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				stats.Failed++
				if firstErr == nil {
					firstErr = err
				}
				slog.Warn("graph: chunk failed", "chunk_id", c.ID, "error", err,
					"elapsed", time.Since(chunkStart).Round(time.Millisecond))
				return nil
			}
			stats.Entities += len(res.Entities)
			stats.Relationships += len(res.Relationships)
			slog.Debug("graph: chunk processed",
				"progress", fmt.Sprintf("%d/%d", completed, len(eligible)),
				"chunk_id", c.ID,
				"entities", len(res.Entities),
				"relationships", len(res.Relationships),
				"total_elapsed", time.Since(buildStart).Round(time.Millisecond))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if stats.Failed == stats.Eligible {
		return stats, fmt.Errorf("graph.Build: all %d eligible chunks failed: %w", stats.Eligible, firstErr)
	}
	if stats.Failed > 0 {
		slog.Warn("graph: build completed with failures",
			"succeeded", stats.Eligible-stats.Failed, "failed", stats.Failed)
	}
	return stats, nil
}

func (b *Builder) processChunk(ctx context.Context, c Chunk) (ExtractionResult, error) {
	res, err := b.Extract(ctx, c.Text)
	if err != nil {
		return res, err
	}
	if res.Empty() {
		return res, nil
	}
	if err := b.sink.RecordExtraction(ctx, c.ID, res); err != nil {
		return res, fmt.Errorf("recording chunk %d: %w", c.ID, err)
	}
	return res, nil
}

// Extract runs entity extraction and then relationship extraction over the
// entities found. A failed relationship call keeps the entities.
func (b *Builder) Extract(ctx context.Context, text string) (ExtractionResult, error) {
	entities, err := b.extractEntities(ctx, text)
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("entities: %w", err)
	}
	rels, err := b.extractRelationships(ctx, text, entities)
	if err != nil {
		if ctx.Err() != nil {
			return ExtractionResult{}, ctx.Err()
		}
		slog.Warn("graph: relationship extraction failed, keeping entities", "error", err)
		rels = nil
	}
	return ExtractionResult{Entities: entities, Relationships: rels}, nil
}

func (b *Builder) extractEntities(ctx context.Context, text string) ([]ExtractedEntity, error) {
	user := "<Document>\n" + text + "\n</Document>"
	if ids := preExtractIdentifiers(text); len(ids) > 0 {
		user = "<Hints>\nThese identifiers appear in the document; include those that match an entity type:\n" +
			strings.Join(ids, "\n") + "\n</Hints>\n\n" + user
	}
	raw, err := b.chatJSON(ctx, fmt.Sprintf(entitySystemPrompt, formatTypes(b.schema.Entities)), user)
	if err != nil {
		return nil, err
	}
	return ParseEntities(raw, b.schema), nil
}

func (b *Builder) extractRelationships(ctx context.Context, text string, entities []ExtractedEntity) ([]ExtractedRelationship, error) {
	if len(entities) < 2 || len(b.schema.Relationships) == 0 {
		return nil, nil
	}
	known, err := json.Marshal(entities)
	if err != nil {
		return nil, err
	}
	user := "<Known_Entities>\n" + string(known) + "\n</Known_Entities>\n\n<Document>\n" + text + "\n</Document>"
	raw, err := b.chatJSON(ctx, fmt.Sprintf(relationshipSystemPrompt, formatTypes(b.schema.Relationships)), user)
	if err != nil {
		return nil, err
	}
	return ParseRelationships(raw, b.schema, entities), nil
}

func (b *Builder) chatJSON(ctx context.Context, system, user string) (string, error) {
	resp, err := b.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return "", fmt.Errorf("llm chat: %w", err)
	}
	raw, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		return "", err
	}
	if !gjson.Valid(raw) {
		return "", fmt.Errorf("invalid JSON in response")
	}
	return raw, nil
}

// ParseEntities reads the "entities" array of a response. Items without a
// string type and name, or whose type is not in the schema, are dropped, as
// are repeats of the same (type, name).
func ParseEntities(raw string, schema Schema) []ExtractedEntity {
	seen := make(map[[2]string]bool)
	var out []ExtractedEntity
	for _, item := range gjson.Get(raw, "entities").Array() {
		typ, ok1 := stringField(item, "type")
		name, ok2 := stringField(item, "name")
		name = normalizeName(name)
		if !ok1 || !ok2 || name == "" || !schema.HasEntity(typ) {
			slog.Debug("graph: dropping entity", "item", item.Raw)
			continue
		}
		key := [2]string{typ, name}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ExtractedEntity{Type: typ, Name: name, Description: item.Get("description").String()})
	}
	return out
}

// ParseRelationships reads the "relationships" array of a response. Every
// field must be a string, the type must be in the schema and both endpoints
// must be among entities with the stated types.
func ParseRelationships(raw string, schema Schema, entities []ExtractedEntity) []ExtractedRelationship {
	known := make(map[[2]string]bool, len(entities))
	for _, e := range entities {
		known[[2]string{e.Type, e.Name}] = true
	}

	seen := make(map[ExtractedRelationship]bool)
	var out []ExtractedRelationship
	for _, item := range gjson.Get(raw, "relationships").Array() {
		var r ExtractedRelationship
		fields := []struct {
			key string
			dst *string
		}{
			{"type", &r.Type},
			{"source_entity", &r.SourceEntity},
			{"source_type", &r.SourceType},
			{"target_entity", &r.TargetEntity},
			{"target_type", &r.TargetType},
			{"description", &r.Description},
		}
		valid := true
		for _, f := range fields {
			v, ok := stringField(item, f.key)
			if !ok {
				valid = false
				break
			}
			*f.dst = v
		}
		r.SourceEntity = normalizeName(r.SourceEntity)
		r.TargetEntity = normalizeName(r.TargetEntity)
		if !valid || !schema.HasRelationship(r.Type) ||
			!known[[2]string{r.SourceType, r.SourceEntity}] ||
			!known[[2]string{r.TargetType, r.TargetEntity}] ||
			(r.SourceType == r.TargetType && r.SourceEntity == r.TargetEntity) {
			slog.Debug("graph: dropping relationship", "item", item.Raw)
			continue
		}
		key := r
		key.Description = ""
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func stringField(item gjson.Result, key string) (string, bool) {
	v := item.Get(key)
	if v.Type != gjson.String {
		return "", false
	}
	return v.Str, true
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
