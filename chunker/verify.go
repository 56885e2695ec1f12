package chunker

import (
	"fmt"
	"sort"
)

// ViolationKind classifies a broken tree invariant.
type ViolationKind string

const (
	// ViolationBounds: a span lies outside [0, len(text)] or is inverted.
	ViolationBounds ViolationKind = "bounds"
	// ViolationOverlap: two leaves of the same document share bytes.
	ViolationOverlap ViolationKind = "overlap"
	// ViolationAggregate: an internal span is not the min/max of its children.
	ViolationAggregate ViolationKind = "aggregate"
	// ViolationOrder: a sibling starts before the non-empty sibling listed
	// ahead of it.
	ViolationOrder ViolationKind = "order"
)

// Violation describes one broken invariant. Other is set for overlap and
// order violations.
type Violation struct {
	Kind  ViolationKind
	Chunk *Chunk
	Other *Chunk
}

func (v Violation) String() string {
	switch v.Kind {
	case ViolationOverlap:
		return fmt.Sprintf("overlap: %q [%d,%d) and %q [%d,%d)",
			v.Chunk.Name, v.Chunk.Span.Start, v.Chunk.Span.End,
			v.Other.Name, v.Other.Span.Start, v.Other.Span.End)
	case ViolationOrder:
		return fmt.Sprintf("order: %q [%d,%d) listed after %q [%d,%d)",
			v.Chunk.Name, v.Chunk.Span.Start, v.Chunk.Span.End,
			v.Other.Name, v.Other.Span.Start, v.Other.Span.End)
	default:
		return fmt.Sprintf("%s: %q [%d,%d)", v.Kind, v.Chunk.Name, v.Chunk.Span.Start, v.Chunk.Span.End)
	}
}

// Verify checks a built tree against the text length it was built from.
// It reports out-of-range spans, overlapping leaves, siblings listed out of
// text order and internal spans that do not match their children's bound.
// The tree is never repaired; callers decide whether to rebuild from a fresh
// outline.
func Verify(tree *Tree, textLen int) []Violation {
	out := outOfOrder(tree.Roots)
	tree.Walk(func(c *Chunk, _ int) {
		if c.Span.Start < 0 || c.Span.Start > c.Span.End || c.Span.End > textLen {
			out = append(out, Violation{Kind: ViolationBounds, Chunk: c})
		}
		if c.IsLeaf() {
			return
		}
		out = append(out, outOfOrder(c.Children)...)
		lo, hi := c.Children[0].Span.Start, c.Children[0].Span.End
		for _, child := range c.Children[1:] {
			lo = min(lo, child.Span.Start)
			hi = max(hi, child.Span.End)
		}
		if c.Span.Start != lo || c.Span.End != hi {
			out = append(out, Violation{Kind: ViolationAggregate, Chunk: c})
		}
	})

	return append(out, Overlaps(tree.Leaves())...)
}

// outOfOrder flags each sibling whose start precedes the start of the last
// non-empty sibling before it. Empty spans carry no position and are skipped.
func outOfOrder(siblings []*Chunk) []Violation {
	var out []Violation
	var prev *Chunk
	for _, c := range siblings {
		if c.Span.Len() == 0 {
			continue
		}
		if prev != nil && c.Span.Start < prev.Span.Start {
			out = append(out, Violation{Kind: ViolationOrder, Chunk: c, Other: prev})
		}
		prev = c
	}
	return out
}

// Overlaps returns one violation per pair of consecutive overlapping chunks
// after sorting by start offset. Empty spans never overlap.
func Overlaps(chunks []*Chunk) []Violation {
	sorted := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Span.Len() > 0 {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Span.Start < sorted[j].Span.Start
	})

	if len(sorted) == 0 {
		return nil
	}

	// reach is the earlier chunk ending furthest right, so a long chunk
	// swallowing several later ones is reported against each of them.
	var out []Violation
	reach := sorted[0]
	for _, c := range sorted[1:] {
		if reach.Span.Overlaps(c.Span) {
			out = append(out, Violation{Kind: ViolationOverlap, Chunk: reach, Other: c})
		}
		if c.Span.End > reach.Span.End {
			reach = c
		}
	}
	return out
}
