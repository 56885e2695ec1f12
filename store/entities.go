package store

import (
	"context"
	"database/sql"
	"errors"
)

// Entity represents a row in the entities table. Embedding is the vector of
// the entity's name and may be nil until it has been embedded.
type Entity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	EntityType  string    `json:"entity_type"`
	Description string    `json:"description"`
	Embedding   []float32 `json:"-"`
}

// Relationship represents a row in the relationships table. Properties is
// a JSON object of extra attributes.
type Relationship struct {
	ID             int64   `json:"id"`
	SourceEntityID int64   `json:"source_entity_id"`
	TargetEntityID int64   `json:"target_entity_id"`
	RelationType   string  `json:"relation_type"`
	Weight         float64 `json:"weight"`
	Description    string  `json:"description"`
	SourceChunkID  *int64  `json:"source_chunk_id,omitempty"`
	Properties     string  `json:"properties,omitempty"`
}

const upsertEntitySQL = `
	INSERT INTO entities (name, entity_type, description, embedding)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name, entity_type) DO UPDATE SET
		description = COALESCE(excluded.description, entities.description),
		embedding = COALESCE(excluded.embedding, entities.embedding)
`

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertEntity(ctx context.Context, q execQuerier, e Entity) (int64, error) {
	if _, err := q.ExecContext(ctx, upsertEntitySQL,
		e.Name, e.EntityType, nullIfEmpty(e.Description), embeddingArg(e.Embedding)); err != nil {
		return 0, err
	}
	// LastInsertId is unreliable on the conflict path.
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE name = ? AND entity_type = ?",
		e.Name, e.EntityType).Scan(&id)
	return id, err
}

// UpsertEntity inserts or updates an entity. Returns the entity ID. An
// empty description or embedding keeps the stored value.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	return upsertEntity(ctx, s.db, e)
}

// UpsertEntityAndLink atomically upserts an entity and records that the
// chunk mentions it.
func (s *Store) UpsertEntityAndLink(ctx context.Context, e Entity, chunkID int64) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertEntity(ctx, tx, e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)",
			id, chunkID)
		return err
	})
	return id, err
}

// LinkEntityChunk records that a chunk mentions an entity.
func (s *Store) LinkEntityChunk(ctx context.Context, entityID, chunkID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)",
		entityID, chunkID)
	return err
}

// InsertRelationship creates a relationship between two entities.
func (s *Store) InsertRelationship(ctx context.Context, r Relationship) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (source_entity_id, target_entity_id, relation_type,
			weight, description, source_chunk_id, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SourceEntityID, r.TargetEntityID, r.RelationType,
		r.Weight, nullIfEmpty(r.Description), r.SourceChunkID, nullIfEmpty(r.Properties))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetEntity returns the entity of a type with the given name.
func (s *Store) GetEntity(ctx context.Context, entityType, name string) (*Entity, error) {
	e := &Entity{}
	var desc sql.NullString
	var emb []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, description, embedding
		FROM entities WHERE entity_type = ? AND name = ?
	`, entityType, name).Scan(&e.ID, &e.Name, &e.EntityType, &desc, &emb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Description = desc.String
	if emb != nil {
		e.Embedding = deserializeFloat32(emb)
	}
	return e, nil
}

// EntityVectors returns the names and name embeddings of every embedded
// entity of a type, in insertion order. Entities without an embedding are
// left out.
func (s *Store) EntityVectors(ctx context.Context, entityType string) ([]string, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, embedding FROM entities
		WHERE entity_type = ? AND embedding IS NOT NULL
		ORDER BY id
	`, entityType)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		names   []string
		vectors [][]float32
	)
	for rows.Next() {
		var name string
		var emb []byte
		if err := rows.Scan(&name, &emb); err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		vectors = append(vectors, deserializeFloat32(emb))
	}
	return names, vectors, rows.Err()
}

// EntitiesWithoutEmbedding lists entities whose name has not been embedded.
func (s *Store) EntitiesWithoutEmbedding(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, entity_type, COALESCE(description, '')
		FROM entities WHERE embedding IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEntityEmbedding stores the name embedding of an entity.
func (s *Store) SetEntityEmbedding(ctx context.Context, entityID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE entities SET embedding = ? WHERE id = ?",
		embeddingArg(embedding), entityID)
	return err
}

// EntityTypes returns the distinct entity types present, sorted.
func (s *Store) EntityTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT entity_type FROM entities ORDER BY entity_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// EntityMentions returns the IDs of chunks that mention an entity.
func (s *Store) EntityMentions(ctx context.Context, entityID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id FROM entity_chunks WHERE entity_id = ? ORDER BY chunk_id", entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func embeddingArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return serializeFloat32(v)
}
