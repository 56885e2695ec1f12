// Package resolve finds entities of one type that name the same real-world
// thing and merges them in a graph store.
package resolve

import (
	"context"
	"errors"
)

// ErrNodeNotFound is returned by a Tx when a named entity does not exist.
var ErrNodeNotFound = errors.New("resolve: node not found")

// NodeRef identifies a node by label and key. For entities the label is the
// entity type and the key its name; other nodes (chunks, documents) use
// their own label and id.
type NodeRef struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

// Entity returns the reference of an entity node.
func Entity(entityType, name string) NodeRef {
	return NodeRef{Label: entityType, Key: name}
}

// Relationship is a typed, directed edge with properties.
type Relationship struct {
	Source     NodeRef        `json:"source"`
	Target     NodeRef        `json:"target"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// sameEdge reports whether two relationships connect the same endpoints
// with the same type. Properties are not compared.
func sameEdge(a, b Relationship) bool {
	return a.Source == b.Source && a.Target == b.Target && a.Type == b.Type
}

// Graph is the store that entity resolution reads from and mutates.
type Graph interface {
	// EntityVectors returns the names of all entities of a type with their
	// name embeddings, in a stable order.
	EntityVectors(ctx context.Context, entityType string) ([]string, [][]float32, error)

	// Update runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of mutations a merge needs.
type Tx interface {
	EntityExists(ctx context.Context, entityType, name string) (bool, error)

	// Relationships returns every relationship with the entity as either
	// endpoint.
	Relationships(ctx context.Context, entityType, name string) ([]Relationship, error)

	// RelationshipExists reports whether an edge with the same source,
	// target and type exists.
	RelationshipExists(ctx context.Context, rel Relationship) (bool, error)

	CreateRelationship(ctx context.Context, rel Relationship) error

	// DeleteEntity removes the entity and every relationship touching it.
	DeleteEntity(ctx context.Context, entityType, name string) error

	// RenameEntity changes the entity's identity in place. Its
	// relationships stay attached.
	RenameEntity(ctx context.Context, entityType, from, to string) error
}
