package chunker

import (
	"log/slog"
	"strings"

	"github.com/brunobiangulo/contractgraph/align"
)

// Chunk is a resolved node of a document tree. Leaves carry the text of
// their span; internal chunks carry the concatenated content of their
// children and the min/max bound of the children's spans.
type Chunk struct {
	Name     string   `json:"name"`
	Span     Span     `json:"span"`
	Content  string   `json:"content"`
	Summary  string   `json:"summary,omitempty"`
	Children []*Chunk `json:"children,omitempty"`

	// Confidence is the weaker alignment score of a leaf's two bounds.
	// It is zero for internal chunks.
	Confidence float64 `json:"confidence,omitempty"`
}

// IsLeaf reports whether the chunk has no children.
func (c *Chunk) IsLeaf() bool { return len(c.Children) == 0 }

// Tree is the chunk forest built for one document. Roots keep the order of
// the outline's top-level keys.
type Tree struct {
	DocumentID string   `json:"document_id"`
	Roots      []*Chunk `json:"roots"`
}

// Get returns the root chunk with the given name.
func (t *Tree) Get(name string) (*Chunk, bool) {
	for _, c := range t.Roots {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Len returns the number of root chunks.
func (t *Tree) Len() int { return len(t.Roots) }

// Count returns the number of chunks at every depth.
func (t *Tree) Count() int {
	n := 0
	t.Walk(func(*Chunk, int) { n++ })
	return n
}

// Walk visits every chunk depth-first in child order. depth is 0 for roots.
func (t *Tree) Walk(fn func(c *Chunk, depth int)) {
	var visit func(c *Chunk, depth int)
	visit = func(c *Chunk, depth int) {
		fn(c, depth)
		for _, child := range c.Children {
			visit(child, depth+1)
		}
	}
	for _, r := range t.Roots {
		visit(r, 0)
	}
}

// Leaves returns every leaf chunk in tree order.
func (t *Tree) Leaves() []*Chunk {
	var leaves []*Chunk
	t.Walk(func(c *Chunk, _ int) {
		if c.IsLeaf() {
			leaves = append(leaves, c)
		}
	})
	return leaves
}

// Build resolves an outline against a document. Leaves are located with the
// span aligner, internal nodes aggregate their children, and malformed
// nodes are dropped. Build never fails: an empty or unusable outline gives
// an empty tree. The document is not modified.
func Build(doc Document, outline Section) *Tree {
	tree := &Tree{DocumentID: doc.ID}
	for _, e := range outline.Entries {
		if c := buildNode(doc.Text, e.Name, e.Node); c != nil {
			tree.Roots = append(tree.Roots, c)
		}
	}
	return tree
}

func buildNode(text, name string, node Outline) *Chunk {
	switch n := node.(type) {
	case Leaf:
		return buildLeaf(text, name, n)
	case Section:
		return buildSection(text, name, n)
	case Malformed:
		slog.Debug("chunker: skipping malformed outline node", "name", name, "reason", n.Reason)
		return nil
	default:
		return nil
	}
}

func buildLeaf(text, name string, leaf Leaf) *Chunk {
	r := align.LocateRange(text, leaf.StartSentence, leaf.EndSentence)
	var content string
	if r.Start < r.End {
		content = text[r.Start:r.End]
	}
	return &Chunk{
		Name:       name,
		Span:       Span{Start: r.Start, End: r.End},
		Content:    content,
		Confidence: r.Confidence(),
	}
}

// buildSection aggregates children. The span is the min/max bound of the
// children, which can include gaps between non-contiguous children.
func buildSection(text, name string, sec Section) *Chunk {
	c := &Chunk{Name: name}
	for _, e := range sec.Entries {
		if child := buildNode(text, e.Name, e.Node); child != nil {
			c.Children = append(c.Children, child)
		}
	}
	if len(c.Children) == 0 {
		return c
	}

	var content strings.Builder
	c.Span = c.Children[0].Span
	for _, child := range c.Children {
		c.Span.Start = min(c.Span.Start, child.Span.Start)
		c.Span.End = max(c.Span.End, child.Span.End)
		content.WriteString(child.Content)
	}
	c.Content = content.String()
	return c
}
