package resolve

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryGraph is an in-process Graph. Update holds a single lock for the
// whole transaction and restores a snapshot when fn fails.
type MemoryGraph struct {
	mu      sync.Mutex
	names   map[string][]string // entity type -> names in insertion order
	vectors map[NodeRef][]float32
	rels    []Relationship
}

// NewMemoryGraph returns an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		names:   make(map[string][]string),
		vectors: make(map[NodeRef][]float32),
	}
}

// AddEntity inserts an entity, or replaces its vector when it exists.
func (g *MemoryGraph) AddEntity(entityType, name string, vector []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref := Entity(entityType, name)
	if _, ok := g.vectors[ref]; !ok {
		g.names[entityType] = append(g.names[entityType], name)
	}
	g.vectors[ref] = vector
}

// AddRelationship appends an edge. Endpoints need not be entities.
func (g *MemoryGraph) AddRelationship(rel Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rels = append(g.rels, rel)
}

// Entities returns the names of a type in insertion order.
func (g *MemoryGraph) Entities(entityType string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.names[entityType])
}

// AllRelationships returns a copy of every edge.
func (g *MemoryGraph) AllRelationships() []Relationship {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.rels)
}

func (g *MemoryGraph) EntityVectors(_ context.Context, entityType string) ([]string, [][]float32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := slices.Clone(g.names[entityType])
	vectors := make([][]float32, len(names))
	for i, n := range names {
		vectors[i] = g.vectors[Entity(entityType, n)]
	}
	return names, vectors, nil
}

func (g *MemoryGraph) Update(ctx context.Context, fn func(tx Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make(map[string][]string, len(g.names))
	for k, v := range g.names {
		names[k] = slices.Clone(v)
	}
	vectors := maps.Clone(g.vectors)
	rels := slices.Clone(g.rels)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(memTx{g}); err != nil {
		g.names, g.vectors, g.rels = names, vectors, rels
		return err
	}
	return nil
}

// memTx operates on the graph while Update holds its lock.
type memTx struct {
	g *MemoryGraph
}

func (t memTx) EntityExists(_ context.Context, entityType, name string) (bool, error) {
	_, ok := t.g.vectors[Entity(entityType, name)]
	return ok, nil
}

func (t memTx) Relationships(_ context.Context, entityType, name string) ([]Relationship, error) {
	ref := Entity(entityType, name)
	var out []Relationship
	for _, r := range t.g.rels {
		if r.Source == ref || r.Target == ref {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t memTx) RelationshipExists(_ context.Context, rel Relationship) (bool, error) {
	return slices.ContainsFunc(t.g.rels, func(r Relationship) bool { return sameEdge(r, rel) }), nil
}

func (t memTx) CreateRelationship(_ context.Context, rel Relationship) error {
	t.g.rels = append(t.g.rels, rel)
	return nil
}

func (t memTx) DeleteEntity(_ context.Context, entityType, name string) error {
	ref := Entity(entityType, name)
	if _, ok := t.g.vectors[ref]; !ok {
		return fmt.Errorf("%w: %s %q", ErrNodeNotFound, entityType, name)
	}
	delete(t.g.vectors, ref)
	t.g.names[entityType] = slices.DeleteFunc(t.g.names[entityType], func(n string) bool { return n == name })
	t.g.rels = slices.DeleteFunc(t.g.rels, func(r Relationship) bool {
		return r.Source == ref || r.Target == ref
	})
	return nil
}

func (t memTx) RenameEntity(_ context.Context, entityType, from, to string) error {
	src, dst := Entity(entityType, from), Entity(entityType, to)
	vec, ok := t.g.vectors[src]
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrNodeNotFound, entityType, from)
	}
	if _, taken := t.g.vectors[dst]; taken {
		return fmt.Errorf("resolve: %s %q already exists", entityType, to)
	}

	delete(t.g.vectors, src)
	t.g.vectors[dst] = vec
	names := t.g.names[entityType]
	if i := slices.Index(names, from); i >= 0 {
		names[i] = to
	}
	for i := range t.g.rels {
		t.g.rels[i] = redirect(t.g.rels[i], src, dst)
	}
	return nil
}
