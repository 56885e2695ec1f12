package neo4jgraph

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/contractgraph/chunker"
)

// Node labels and structural relationship types of a contract tree.
const (
	LabelCorpus  = "Corpus"
	LabelArticle = "Article"
	LabelSection = "Section"
	LabelChunk   = "Chunk"

	RelChild = "CHILD"
	RelNext  = "NEXT"
	RelPrev  = "PREV"
)

var treeLabels = []string{LabelCorpus, LabelArticle, LabelSection, LabelChunk}

var kindLabels = map[string]string{
	chunker.TypeArticle: LabelArticle,
	chunker.TypeSection: LabelSection,
	chunker.TypeChunk:   LabelChunk,
}

// Embedder turns texts into vectors, one per text.
type Embedder func(ctx context.Context, texts []string) ([][]float32, error)

type edgeKey struct {
	from, to, rel string
}

// plan is the set of nodes and edges a tree is written as.
type plan struct {
	corpusID string
	nodes    map[string][]map[string]any
	edges    map[edgeKey][]map[string]any

	// Nodes with a summary, in tree order, to be embedded.
	summaryIDs    []string
	summaryLabels []string
	summaries     []string
}

func (p *plan) addEdge(fromLabel, fromID, toLabel, toID, rel string) {
	k := edgeKey{fromLabel, toLabel, rel}
	p.edges[k] = append(p.edges[k], map[string]any{"from": fromID, "to": toID})
}

// planTree lays a tree out as a Corpus node whose descendants mirror the
// chunk tree. Consecutive sibling leaves are linked with NEXT and PREV.
// storeIDs, when given, holds the SQLite id of every chunk in walk order
// and is written to the store_id property.
func planTree(filePath string, tree *chunker.Tree, storeIDs []int64, newID func() string) *plan {
	p := &plan{
		corpusID: newID(),
		nodes:    make(map[string][]map[string]any),
		edges:    make(map[edgeKey][]map[string]any),
	}

	var corpusContent []string
	for _, r := range tree.Roots {
		corpusContent = append(corpusContent, r.Content)
	}
	p.nodes[LabelCorpus] = append(p.nodes[LabelCorpus], map[string]any{
		"id":        p.corpusID,
		"name":      filepath.Base(filePath),
		"file_path": filePath,
		"content":   strings.Join(nonEmpty(corpusContent), "\n\n"),
	})

	if len(storeIDs) != tree.Count() {
		storeIDs = nil
	}
	pos := 0

	var visit func(siblings []*chunker.Chunk, parentLabel, parentID string, depth int)
	visit = func(siblings []*chunker.Chunk, parentLabel, parentID string, depth int) {
		prevChunk := ""
		for order, c := range siblings {
			id := newID()
			label := kindLabels[chunker.KindOf(c, depth)]
			props := map[string]any{
				"id":        id,
				"name":      c.Name,
				"summary":   c.Summary,
				"content":   c.Content,
				"span":      []int64{int64(c.Span.Start), int64(c.Span.End)},
				"order":     int64(order),
				"file_path": filePath,
			}
			if storeIDs != nil {
				props["store_id"] = storeIDs[pos]
			}
			pos++
			p.nodes[label] = append(p.nodes[label], props)
			p.addEdge(parentLabel, parentID, label, id, RelChild)

			if strings.TrimSpace(c.Summary) != "" {
				p.summaryIDs = append(p.summaryIDs, id)
				p.summaryLabels = append(p.summaryLabels, label)
				p.summaries = append(p.summaries, c.Summary)
			}

			if label == LabelChunk {
				if prevChunk != "" {
					p.addEdge(LabelChunk, prevChunk, LabelChunk, id, RelNext)
					p.addEdge(LabelChunk, id, LabelChunk, prevChunk, RelPrev)
				}
				prevChunk = id
			} else {
				prevChunk = ""
			}

			visit(c.Children, label, id, depth+1)
		}
	}
	visit(tree.Roots, LabelCorpus, p.corpusID, 0)
	return p
}

func nonEmpty(ss []string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EnsureSchema creates the id constraints and the summary vector indexes.
// Failures are logged and skipped since restricted users may not manage
// schema.
func (c *Client) EnsureSchema(ctx context.Context, dim int) {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var stmts []string
	for _, label := range treeLabels {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE CONSTRAINT %s_id_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			strings.ToLower(label), label))
	}
	if dim > 0 {
		for _, label := range treeLabels[1:] {
			stmts = append(stmts, fmt.Sprintf(`CREATE VECTOR INDEX %s_vector_index IF NOT EXISTS
FOR (n:%s) ON (n.vector)
OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: "cosine"}}`,
				strings.ToLower(label), label, dim))
		}
	}

	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			c.log.Warn("neo4j schema init failed (continuing)", "error", err)
		}
	}
}

// WriteTree writes a document's chunk tree in one write transaction and
// returns the id of its Corpus node. storeIDs are the SQLite chunk ids in
// walk order and may be nil. When embed is non-nil, nodes with a summary
// get the summary's vector in their vector property.
func (c *Client) WriteTree(ctx context.Context, filePath string, tree *chunker.Tree, storeIDs []int64, embed Embedder) (string, error) {
	p := planTree(filePath, tree, storeIDs, uuid.NewString)

	vectors := make(map[string][]float64)
	if embed != nil && len(p.summaries) > 0 {
		vecs, err := embed(ctx, p.summaries)
		if err != nil {
			return "", fmt.Errorf("embedding summaries: %w", err)
		}
		if len(vecs) != len(p.summaries) {
			return "", fmt.Errorf("embedding summaries: got %d vectors for %d texts", len(vecs), len(p.summaries))
		}
		for i, id := range p.summaryIDs {
			vectors[id] = toFloat64(vecs[i])
		}
	}
	for _, nodes := range p.nodes {
		for _, n := range nodes {
			if v, ok := vectors[n["id"].(string)]; ok {
				n["vector"] = v
			}
		}
	}

	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range treeLabels {
			nodes := p.nodes[label]
			if len(nodes) == 0 {
				continue
			}
			cypher := fmt.Sprintf("UNWIND $nodes AS n\nMERGE (x:%s {id: n.id})\nSET x += n", label)
			if err := run(ctx, tx, cypher, map[string]any{"nodes": nodes}); err != nil {
				return nil, fmt.Errorf("writing %s nodes: %w", label, err)
			}
		}
		for k, rels := range p.edges {
			cypher := fmt.Sprintf(`UNWIND $rels AS r
MATCH (a:%s {id: r.from})
MATCH (b:%s {id: r.to})
MERGE (a)-[:%s]->(b)`, k.from, k.to, k.rel)
			if err := run(ctx, tx, cypher, map[string]any{"rels": rels}); err != nil {
				return nil, fmt.Errorf("writing %s edges: %w", k.rel, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return "", fmt.Errorf("neo4jgraph: write tree %s: %w", filePath, err)
	}

	c.log.Info("tree written", "path", filePath, "corpus_id", p.corpusID, "embedded", len(vectors))
	return p.corpusID, nil
}

// DeleteTree removes every tree node written for filePath. Entity nodes
// stay; their MENTIONS edges go with the chunks.
func (c *Client) DeleteTree(ctx context.Context, filePath string) (int, error) {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	deleted, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, deleteTreeCypher, map[string]any{"path": filePath})
		if err != nil {
			return 0, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return 0, err
		}
		return summary.Counters().NodesDeleted(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("neo4jgraph: delete tree %s: %w", filePath, err)
	}
	return deleted.(int), nil
}

var deleteTreeCypher = fmt.Sprintf(`MATCH (n:%s|%s|%s|%s {file_path: $path})
DETACH DELETE n`, LabelCorpus, LabelArticle, LabelSection, LabelChunk)

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
