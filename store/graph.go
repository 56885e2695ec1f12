package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/brunobiangulo/contractgraph/resolve"
)

// In resolve terms a mention is an edge from a chunk node to an entity.
const (
	ChunkLabel  = "Chunk"
	MentionType = "MENTIONS"
)

// Reserved relationship properties mapped onto relationships columns.
const (
	propWeight        = "weight"
	propDescription   = "description"
	propSourceChunkID = "source_chunk_id"
)

// Graph adapts the entity tables to resolve.Graph. Each Update is one SQL
// transaction.
type Graph struct {
	s *Store
}

// Graph returns the resolve.Graph view of the store.
func (s *Store) Graph() *Graph {
	return &Graph{s: s}
}

var _ resolve.Graph = (*Graph)(nil)

func (g *Graph) EntityVectors(ctx context.Context, entityType string) ([]string, [][]float32, error) {
	return g.s.EntityVectors(ctx, entityType)
}

func (g *Graph) Update(ctx context.Context, fn func(tx resolve.Tx) error) error {
	return g.s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&graphTx{tx: tx})
	})
}

type graphTx struct {
	tx *sql.Tx
}

func (t *graphTx) entityID(ctx context.Context, entityType, name string) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE entity_type = ? AND name = ?",
		entityType, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *graphTx) mustEntityID(ctx context.Context, ref resolve.NodeRef) (int64, error) {
	id, ok, err := t.entityID(ctx, ref.Label, ref.Key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s %q", resolve.ErrNodeNotFound, ref.Label, ref.Key)
	}
	return id, nil
}

func (t *graphTx) EntityExists(ctx context.Context, entityType, name string) (bool, error) {
	_, ok, err := t.entityID(ctx, entityType, name)
	return ok, err
}

func (t *graphTx) Relationships(ctx context.Context, entityType, name string) ([]resolve.Relationship, error) {
	id, ok, err := t.entityID(ctx, entityType, name)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT r.relation_type, r.weight, COALESCE(r.description, ''), r.source_chunk_id,
			COALESCE(r.properties, ''), se.entity_type, se.name, te.entity_type, te.name
		FROM relationships r
		JOIN entities se ON se.id = r.source_entity_id
		JOIN entities te ON te.id = r.target_entity_id
		WHERE r.source_entity_id = ? OR r.target_entity_id = ?
		ORDER BY r.id
	`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []resolve.Relationship
	for rows.Next() {
		var (
			rel         resolve.Relationship
			weight      sql.NullFloat64
			description string
			chunkID     sql.NullInt64
			props       string
		)
		if err := rows.Scan(&rel.Type, &weight, &description, &chunkID, &props,
			&rel.Source.Label, &rel.Source.Key, &rel.Target.Label, &rel.Target.Key); err != nil {
			return nil, err
		}
		rel.Properties = make(map[string]any)
		if props != "" {
			if err := json.Unmarshal([]byte(props), &rel.Properties); err != nil {
				return nil, fmt.Errorf("decoding relationship properties: %w", err)
			}
		}
		if weight.Valid {
			rel.Properties[propWeight] = weight.Float64
		}
		if description != "" {
			rel.Properties[propDescription] = description
		}
		if chunkID.Valid {
			rel.Properties[propSourceChunkID] = chunkID.Int64
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mentions, err := t.tx.QueryContext(ctx,
		"SELECT chunk_id FROM entity_chunks WHERE entity_id = ? ORDER BY chunk_id", id)
	if err != nil {
		return nil, err
	}
	defer mentions.Close()
	for mentions.Next() {
		var chunkID int64
		if err := mentions.Scan(&chunkID); err != nil {
			return nil, err
		}
		rels = append(rels, resolve.Relationship{
			Source: resolve.NodeRef{Label: ChunkLabel, Key: strconv.FormatInt(chunkID, 10)},
			Target: resolve.Entity(entityType, name),
			Type:   MentionType,
		})
	}
	return rels, mentions.Err()
}

func isMention(rel resolve.Relationship) bool {
	return rel.Type == MentionType && rel.Source.Label == ChunkLabel
}

func (t *graphTx) RelationshipExists(ctx context.Context, rel resolve.Relationship) (bool, error) {
	var n int
	if isMention(rel) {
		chunkID, err := strconv.ParseInt(rel.Source.Key, 10, 64)
		if err != nil {
			return false, fmt.Errorf("chunk key %q: %w", rel.Source.Key, err)
		}
		entityID, ok, err := t.entityID(ctx, rel.Target.Label, rel.Target.Key)
		if err != nil || !ok {
			return false, err
		}
		err = t.tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM entity_chunks WHERE entity_id = ? AND chunk_id = ?",
			entityID, chunkID).Scan(&n)
		return n > 0, err
	}

	src, ok, err := t.entityID(ctx, rel.Source.Label, rel.Source.Key)
	if err != nil || !ok {
		return false, err
	}
	dst, ok, err := t.entityID(ctx, rel.Target.Label, rel.Target.Key)
	if err != nil || !ok {
		return false, err
	}
	err = t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships
		WHERE source_entity_id = ? AND target_entity_id = ? AND relation_type = ?
	`, src, dst, rel.Type).Scan(&n)
	return n > 0, err
}

func (t *graphTx) CreateRelationship(ctx context.Context, rel resolve.Relationship) error {
	if isMention(rel) {
		chunkID, err := strconv.ParseInt(rel.Source.Key, 10, 64)
		if err != nil {
			return fmt.Errorf("chunk key %q: %w", rel.Source.Key, err)
		}
		entityID, err := t.mustEntityID(ctx, rel.Target)
		if err != nil {
			return err
		}
		_, err = t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)",
			entityID, chunkID)
		return err
	}

	src, err := t.mustEntityID(ctx, rel.Source)
	if err != nil {
		return err
	}
	dst, err := t.mustEntityID(ctx, rel.Target)
	if err != nil {
		return err
	}

	weight := 1.0
	var (
		description string
		chunkID     *int64
		extra       = make(map[string]any)
	)
	for k, v := range rel.Properties {
		switch k {
		case propWeight:
			if f, ok := v.(float64); ok {
				weight = f
			}
		case propDescription:
			description, _ = v.(string)
		case propSourceChunkID:
			switch id := v.(type) {
			case int64:
				chunkID = &id
			case float64:
				n := int64(id)
				chunkID = &n
			}
		default:
			extra[k] = v
		}
	}

	var props string
	if len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("encoding relationship properties: %w", err)
		}
		props = string(b)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO relationships (source_entity_id, target_entity_id, relation_type,
			weight, description, source_chunk_id, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, src, dst, rel.Type, weight, nullIfEmpty(description), chunkID, nullIfEmpty(props))
	return err
}

func (t *graphTx) DeleteEntity(ctx context.Context, entityType, name string) error {
	// Relationships and mentions go with it through ON DELETE CASCADE.
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM entities WHERE entity_type = ? AND name = ?", entityType, name)
	if err != nil {
		return err
	}
	return requireAffected(res, entityType, name)
}

func (t *graphTx) RenameEntity(ctx context.Context, entityType, from, to string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE entities SET name = ? WHERE entity_type = ? AND name = ?", to, entityType, from)
	if err != nil {
		return err
	}
	return requireAffected(res, entityType, from)
}

func requireAffected(res sql.Result, entityType, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", resolve.ErrNodeNotFound, entityType, name)
	}
	return nil
}
