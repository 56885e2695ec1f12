package neo4jgraph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/contractgraph/chunker"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		id := fmt.Sprintf("n%d", n)
		n++
		return id
	}
}

func sampleTree() *chunker.Tree {
	return &chunker.Tree{DocumentID: "msa", Roots: []*chunker.Chunk{
		{Name: "ARTICLE I", Span: chunker.Span{Start: 0, End: 40}, Content: "A", Summary: "sI", Children: []*chunker.Chunk{
			{Name: "1.1", Span: chunker.Span{Start: 0, End: 10}, Content: "a", Summary: "sa"},
			{Name: "1.2", Span: chunker.Span{Start: 10, End: 20}, Content: "b"},
			{Name: "1.3", Span: chunker.Span{Start: 20, End: 40}, Content: "c", Children: []*chunker.Chunk{
				{Name: "1.3(a)", Span: chunker.Span{Start: 20, End: 40}, Content: "c"},
			}},
		}},
		{Name: "Signature", Span: chunker.Span{Start: 50, End: 60}, Content: "S"},
	}}
}

func names(nodes []map[string]any) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i], _ = n["name"].(string)
	}
	return out
}

func TestPlanTreeNodes(t *testing.T) {
	p := planTree("/contracts/msa.txt", sampleTree(), nil, sequentialIDs())

	assert.Equal(t, "n0", p.corpusID)
	require.Len(t, p.nodes[LabelCorpus], 1)
	corpus := p.nodes[LabelCorpus][0]
	assert.Equal(t, "msa.txt", corpus["name"])
	assert.Equal(t, "/contracts/msa.txt", corpus["file_path"])
	assert.Equal(t, "A\n\nS", corpus["content"])

	assert.Equal(t, []string{"ARTICLE I"}, names(p.nodes[LabelArticle]))
	assert.Equal(t, []string{"1.3"}, names(p.nodes[LabelSection]))
	assert.Equal(t, []string{"1.1", "1.2", "1.3(a)", "Signature"}, names(p.nodes[LabelChunk]))

	leaf := p.nodes[LabelChunk][1]
	assert.Equal(t, "n3", leaf["id"])
	assert.Equal(t, []int64{10, 20}, leaf["span"])
	assert.Equal(t, int64(1), leaf["order"])
	assert.NotContains(t, leaf, "store_id")

	assert.Equal(t, []string{"n1", "n2"}, p.summaryIDs)
	assert.Equal(t, []string{LabelArticle, LabelChunk}, p.summaryLabels)
	assert.Equal(t, []string{"sI", "sa"}, p.summaries)
}

func TestPlanTreeEdges(t *testing.T) {
	p := planTree("msa.txt", sampleTree(), nil, sequentialIDs())

	edge := func(from, to string) map[string]any { return map[string]any{"from": from, "to": to} }

	assert.Equal(t, []map[string]any{edge("n0", "n1")}, p.edges[edgeKey{LabelCorpus, LabelArticle, RelChild}])
	assert.Equal(t, []map[string]any{edge("n0", "n6")}, p.edges[edgeKey{LabelCorpus, LabelChunk, RelChild}])
	assert.Equal(t, []map[string]any{edge("n1", "n2"), edge("n1", "n3")}, p.edges[edgeKey{LabelArticle, LabelChunk, RelChild}])
	assert.Equal(t, []map[string]any{edge("n1", "n4")}, p.edges[edgeKey{LabelArticle, LabelSection, RelChild}])
	assert.Equal(t, []map[string]any{edge("n4", "n5")}, p.edges[edgeKey{LabelSection, LabelChunk, RelChild}])

	// Only 1.1 and 1.2 are consecutive sibling leaves; 1.3 breaks the run.
	assert.Equal(t, []map[string]any{edge("n2", "n3")}, p.edges[edgeKey{LabelChunk, LabelChunk, RelNext}])
	assert.Equal(t, []map[string]any{edge("n3", "n2")}, p.edges[edgeKey{LabelChunk, LabelChunk, RelPrev}])
	assert.Len(t, p.edges, 7)
}

func TestPlanTreeStoreIDs(t *testing.T) {
	p := planTree("msa.txt", sampleTree(), []int64{10, 11, 12, 13, 14, 15}, sequentialIDs())
	assert.Equal(t, int64(10), p.nodes[LabelArticle][0]["store_id"])
	assert.Equal(t, int64(13), p.nodes[LabelSection][0]["store_id"])
	var got []any
	for _, n := range p.nodes[LabelChunk] {
		got = append(got, n["store_id"])
	}
	assert.Equal(t, []any{int64(11), int64(12), int64(14), int64(15)}, got)

	// A mismatched id list is ignored.
	p = planTree("msa.txt", sampleTree(), []int64{1, 2}, sequentialIDs())
	assert.NotContains(t, p.nodes[LabelArticle][0], "store_id")
}

func TestPlanTreeEmpty(t *testing.T) {
	p := planTree("empty.txt", &chunker.Tree{}, nil, sequentialIDs())
	require.Len(t, p.nodes[LabelCorpus], 1)
	assert.Equal(t, "", p.nodes[LabelCorpus][0]["content"])
	assert.Empty(t, p.edges)
	assert.Empty(t, p.summaries)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("NEO4J_URI", " bolt://localhost:7687 ")
	t.Setenv("NEO4J_USER", "")
	t.Setenv("NEO4J_PASSWORD", "secret")
	t.Setenv("NEO4J_DATABASE", "contracts")
	t.Setenv("NEO4J_TIMEOUT_SECONDS", "3")
	t.Setenv("NEO4J_MAX_POOL_SIZE", "nope")

	cfg := ConfigFromEnv()
	assert.Equal(t, "bolt://localhost:7687", cfg.URI)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "contracts", cfg.Database)
	assert.Equal(t, 3, cfg.TimeoutSeconds)
	assert.Zero(t, cfg.MaxPoolSize)

	cfg = cfg.withDefaults()
	assert.Equal(t, "neo4j", cfg.User)
	assert.Equal(t, 3, cfg.TimeoutSeconds)
	assert.Equal(t, 50, cfg.MaxPoolSize)
}

func TestNewWithoutURI(t *testing.T) {
	c, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, c.Close(context.Background()))
}

func TestPlanTreeNodesCarryFilePath(t *testing.T) {
	p := planTree("/contracts/msa.txt", sampleTree(), nil, sequentialIDs())
	for label, nodes := range p.nodes {
		for _, n := range nodes {
			assert.Equal(t, "/contracts/msa.txt", n["file_path"], "%s %v", label, n["name"])
		}
	}
	assert.Equal(t, "MATCH (n:Corpus|Article|Section|Chunk {file_path: $path})\nDETACH DELETE n", deleteTreeCypher)
}
