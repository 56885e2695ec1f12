// Package chunker turns an LLM-proposed outline of a contract into a tree of
// chunks whose spans are verified against the document text, and flattens
// that tree into store rows.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/brunobiangulo/contractgraph/store"
)

// Chunk type values written to the store.
const (
	TypeArticle = "article"
	TypeSection = "section"
	TypeChunk   = "chunk"
)

// Flatten converts a tree into store chunks in depth-first order. Parent
// links use position indices as temporary IDs; real database IDs are
// assigned by store.InsertChunks.
func Flatten(tree *Tree, documentID int64) []store.Chunk {
	var chunks []store.Chunk
	pos := 0
	for _, root := range tree.Roots {
		flattenNode(root, nil, 0, documentID, &chunks, &pos)
	}
	return chunks
}

func flattenNode(c *Chunk, parentPos *int64, depth int, documentID int64, chunks *[]store.Chunk, pos *int) {
	self := int64(*pos)
	*chunks = append(*chunks, store.Chunk{
		ID:            self, // temporary, replaced on DB insert
		DocumentID:    documentID,
		ParentChunkID: parentPos,
		Name:          c.Name,
		ChunkType:     KindOf(c, depth),
		Level:         depth,
		SpanStart:     c.Span.Start,
		SpanEnd:       c.Span.End,
		Content:       c.Content,
		Summary:       c.Summary,
		PositionInDoc: *pos,
		TokenCount:    estimateTokens(c.Content),
		Confidence:    c.Confidence,
		ContentHash:   contentHash(c.Content),
	})
	*pos++

	for _, child := range c.Children {
		flattenNode(child, &self, depth+1, documentID, chunks, pos)
	}
}

// KindOf maps tree position to the corpus/article/section/chunk levels
// of the contract graph. Leaves are always chunks.
func KindOf(c *Chunk, depth int) string {
	switch {
	case c.IsLeaf():
		return TypeChunk
	case depth == 0:
		return TypeArticle
	default:
		return TypeSection
	}
}

// estimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Unflatten rebuilds a tree from stored chunk rows. Rows are attached in
// position order; a row whose parent is missing becomes a root.
func Unflatten(documentID string, rows []store.Chunk) *Tree {
	sorted := make([]store.Chunk, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PositionInDoc < sorted[j].PositionInDoc
	})

	tree := &Tree{DocumentID: documentID}
	byID := make(map[int64]*Chunk, len(sorted))
	for _, r := range sorted {
		c := &Chunk{
			Name:       r.Name,
			Span:       Span{Start: r.SpanStart, End: r.SpanEnd},
			Content:    r.Content,
			Summary:    r.Summary,
			Confidence: r.Confidence,
		}
		byID[r.ID] = c
		if r.ParentChunkID != nil {
			if parent, ok := byID[*r.ParentChunkID]; ok {
				parent.Children = append(parent.Children, c)
				continue
			}
		}
		tree.Roots = append(tree.Roots, c)
	}
	return tree
}
