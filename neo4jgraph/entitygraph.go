package neo4jgraph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/contractgraph/resolve"
)

// MentionType links a Chunk node to an entity it mentions.
const MentionType = "MENTIONS"

// EntityGraph is the resolve.Graph view of entity nodes. An entity is a
// node labelled with its type and keyed by name; its name embedding lives
// in the vector property. Tree nodes are keyed by id.
type EntityGraph struct {
	c *Client
}

// EntityGraph returns the resolve.Graph view of the database.
func (c *Client) EntityGraph() *EntityGraph {
	return &EntityGraph{c: c}
}

var _ resolve.Graph = (*EntityGraph)(nil)

// quoteIdent quotes a label or relationship type for interpolation into
// Cypher.
func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// keyProp is the property a node of the label is identified by.
func keyProp(label string) string {
	if slices.Contains(treeLabels, label) {
		return "id"
	}
	return "name"
}

func (g *EntityGraph) EntityVectors(ctx context.Context, entityType string) ([]string, [][]float32, error) {
	session := g.c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, fmt.Sprintf(`
MATCH (e:%s) WHERE e.vector IS NOT NULL
RETURN e.name AS name, e.vector AS vector
ORDER BY e.name`, quoteIdent(entityType)), nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("neo4jgraph: entity vectors %s: %w", entityType, err)
	}

	records := out.([]*neo4j.Record)
	names := make([]string, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	for _, rec := range records {
		name, _ := rec.Get("name")
		raw, _ := rec.Get("vector")
		s, ok := name.(string)
		if !ok {
			continue
		}
		names = append(names, s)
		vectors = append(vectors, toFloat32(raw))
	}
	return names, vectors, nil
}

func toFloat32(v any) []float32 {
	switch vv := v.(type) {
	case []float64:
		out := make([]float32, len(vv))
		for i, f := range vv {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(vv))
		for _, x := range vv {
			switch f := x.(type) {
			case float64:
				out = append(out, float32(f))
			case int64:
				out = append(out, float32(f))
			}
		}
		return out
	}
	return nil
}

// Update runs fn in one managed write transaction. The driver may retry fn
// on transient errors.
func (g *EntityGraph) Update(ctx context.Context, fn func(tx resolve.Tx) error) error {
	session := g.c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(&cypherTx{tx: tx})
	})
	return err
}

type cypherTx struct {
	tx neo4j.ManagedTransaction
}

func (t *cypherTx) count(ctx context.Context, cypher string, params map[string]any) (int64, error) {
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := rec.Get("n")
	count, _ := n.(int64)
	return count, nil
}

func (t *cypherTx) EntityExists(ctx context.Context, entityType, name string) (bool, error) {
	n, err := t.count(ctx,
		fmt.Sprintf("MATCH (e:%s {name: $name}) RETURN count(e) AS n", quoteIdent(entityType)),
		map[string]any{"name": name})
	return n > 0, err
}

func (t *cypherTx) Relationships(ctx context.Context, entityType, name string) ([]resolve.Relationship, error) {
	res, err := t.tx.Run(ctx, fmt.Sprintf(`
MATCH (e:%s {name: $name})-[r]-(o)
RETURN startNode(r) = e AS outgoing, type(r) AS type, properties(r) AS props,
	labels(o)[0] AS label, o.id AS id, o.name AS name`, quoteIdent(entityType)),
		map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}

	self := resolve.Entity(entityType, name)
	rels := make([]resolve.Relationship, 0, len(records))
	for _, rec := range records {
		rel, ok := relationshipFromRecord(self, rec.AsMap())
		if ok {
			rels = append(rels, rel)
		}
	}
	return rels, nil
}

// relationshipFromRecord rebuilds an edge of self from one row of the
// Relationships query. Rows whose neighbour lacks a key are dropped.
func relationshipFromRecord(self resolve.NodeRef, row map[string]any) (resolve.Relationship, bool) {
	relType, _ := row["type"].(string)
	label, _ := row["label"].(string)
	if relType == "" || label == "" {
		return resolve.Relationship{}, false
	}
	// A neighbour without its key property cannot be re-targeted.
	key, _ := row[keyProp(label)].(string)
	if key == "" {
		return resolve.Relationship{}, false
	}
	other := resolve.NodeRef{Label: label, Key: key}

	rel := resolve.Relationship{Type: relType, Source: other, Target: self}
	if outgoing, _ := row["outgoing"].(bool); outgoing {
		rel.Source, rel.Target = self, other
	}
	if props, ok := row["props"].(map[string]any); ok && len(props) > 0 {
		rel.Properties = props
	}
	return rel, true
}

func (t *cypherTx) RelationshipExists(ctx context.Context, rel resolve.Relationship) (bool, error) {
	n, err := t.count(ctx, fmt.Sprintf(
		"MATCH (a:%s {%s: $from})-[r:%s]->(b:%s {%s: $to}) RETURN count(r) AS n",
		quoteIdent(rel.Source.Label), keyProp(rel.Source.Label), quoteIdent(rel.Type),
		quoteIdent(rel.Target.Label), keyProp(rel.Target.Label)),
		map[string]any{"from": rel.Source.Key, "to": rel.Target.Key})
	return n > 0, err
}

func (t *cypherTx) CreateRelationship(ctx context.Context, rel resolve.Relationship) error {
	props := rel.Properties
	if props == nil {
		props = map[string]any{}
	}
	n, err := t.count(ctx, fmt.Sprintf(`
MATCH (a:%s {%s: $from})
MATCH (b:%s {%s: $to})
CREATE (a)-[r:%s]->(b)
SET r = $props
RETURN count(r) AS n`,
		quoteIdent(rel.Source.Label), keyProp(rel.Source.Label),
		quoteIdent(rel.Target.Label), keyProp(rel.Target.Label), quoteIdent(rel.Type)),
		map[string]any{"from": rel.Source.Key, "to": rel.Target.Key, "props": props})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s -> %s", resolve.ErrNodeNotFound, rel.Source.Key, rel.Target.Key)
	}
	return nil
}

func (t *cypherTx) DeleteEntity(ctx context.Context, entityType, name string) error {
	res, err := t.tx.Run(ctx,
		fmt.Sprintf("MATCH (e:%s {name: $name}) DETACH DELETE e", quoteIdent(entityType)),
		map[string]any{"name": name})
	if err != nil {
		return err
	}
	summary, err := res.Consume(ctx)
	if err != nil {
		return err
	}
	if summary.Counters().NodesDeleted() == 0 {
		return fmt.Errorf("%w: %s %q", resolve.ErrNodeNotFound, entityType, name)
	}
	return nil
}

func (t *cypherTx) RenameEntity(ctx context.Context, entityType, from, to string) error {
	n, err := t.count(ctx, fmt.Sprintf(
		"MATCH (e:%s {name: $from}) SET e.name = $to RETURN count(e) AS n", quoteIdent(entityType)),
		map[string]any{"from": from, "to": to})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", resolve.ErrNodeNotFound, entityType, from)
	}
	return nil
}

// RecordMentions upserts entity nodes and links them to the tree node
// written for the SQLite chunk storeID.
func (g *EntityGraph) RecordMentions(ctx context.Context, storeID int64, entities []Mention) error {
	if len(entities) == 0 {
		return nil
	}
	byType := make(map[string][]map[string]any)
	var types []string
	for _, e := range entities {
		if _, ok := byType[e.Type]; !ok {
			types = append(types, e.Type)
		}
		row := map[string]any{"name": e.Name}
		if len(e.Vector) > 0 {
			row["vector"] = toFloat64(e.Vector)
		}
		byType[e.Type] = append(byType[e.Type], row)
	}

	session := g.c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, typ := range types {
			cypher := fmt.Sprintf(`UNWIND $entities AS m
MERGE (e:%s {name: m.name})
SET e.vector = coalesce(m.vector, e.vector)
WITH e
MATCH (c:%s|%s|%s {store_id: $chunk})
MERGE (c)-[:%s]->(e)`, quoteIdent(typ), LabelArticle, LabelSection, LabelChunk, MentionType)
			if err := run(ctx, tx, cypher, map[string]any{"entities": byType[typ], "chunk": storeID}); err != nil {
				return nil, fmt.Errorf("recording %s mentions: %w", typ, err)
			}
		}
		return nil, nil
	})
	return err
}

// Mention is an entity named in a chunk.
type Mention struct {
	Type   string
	Name   string
	Vector []float32
}
