//go:build cgo

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/contractgraph/resolve"
)

const org = "Organization"

// seedGraph creates Acme, Acme Corp and Globex with:
//
//	Acme Corp -CONTRACTS_WITH-> Globex
//	Acme      -CONTRACTS_WITH-> Globex
//	Globex    -PAYS-> Acme Corp
//
// plus mentions of Acme Corp from two chunks and of Acme from one.
func seedGraph(t *testing.T, s *Store) (chunks []int64) {
	t.Helper()
	ctx := context.Background()
	docID, err := s.UpsertDocument(ctx, sampleDoc("/a.txt"))
	require.NoError(t, err)
	chunks = insertTree(t, s, docID)

	acmeCorp, err := s.UpsertEntityAndLink(ctx, Entity{Name: "Acme Corp", EntityType: org}, chunks[2])
	require.NoError(t, err)
	require.NoError(t, s.LinkEntityChunk(ctx, acmeCorp, chunks[3]))
	acme, err := s.UpsertEntityAndLink(ctx, Entity{Name: "Acme", EntityType: org}, chunks[2])
	require.NoError(t, err)
	globex, err := s.UpsertEntity(ctx, Entity{Name: "Globex", EntityType: org})
	require.NoError(t, err)

	for _, r := range []Relationship{
		{SourceEntityID: acmeCorp, TargetEntityID: globex, RelationType: "CONTRACTS_WITH", Weight: 1},
		{SourceEntityID: acme, TargetEntityID: globex, RelationType: "CONTRACTS_WITH", Weight: 1},
		{SourceEntityID: globex, TargetEntityID: acmeCorp, RelationType: "PAYS", Weight: 0.5,
			Description: "monthly fee", SourceChunkID: &chunks[3], Properties: `{"currency":"USD"}`},
	} {
		_, err := s.InsertRelationship(ctx, r)
		require.NoError(t, err)
	}
	return chunks
}

func TestGraphMergeRedirectsEdgesAndMentions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chunks := seedGraph(t, s)

	report, err := resolve.NewMerger(s.Graph()).Apply(ctx, org, []resolve.Pair{
		{Original: "Acme Corp", Resolved: "Acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)
	// PAYS and the chunk[3] mention move; CONTRACTS_WITH and the chunk[2]
	// mention already exist on Acme.
	assert.Equal(t, 2, report.Redirected)

	_, err = s.GetEntity(ctx, org, "Acme Corp")
	assert.ErrorIs(t, err, ErrNotFound)

	acme, err := s.GetEntity(ctx, org, "Acme")
	require.NoError(t, err)
	mentions, err := s.EntityMentions(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{chunks[2], chunks[3]}, mentions)

	var rels []resolve.Relationship
	require.NoError(t, s.Graph().Update(ctx, func(tx resolve.Tx) error {
		var err error
		rels, err = tx.Relationships(ctx, org, "Acme")
		return err
	}))

	var pays *resolve.Relationship
	edges := 0
	for i, r := range rels {
		if r.Type == MentionType {
			continue
		}
		edges++
		if r.Type == "PAYS" {
			pays = &rels[i]
		}
	}
	assert.Equal(t, 2, edges)
	require.NotNil(t, pays)
	assert.Equal(t, resolve.Entity(org, "Globex"), pays.Source)
	assert.Equal(t, resolve.Entity(org, "Acme"), pays.Target)
	assert.Equal(t, 0.5, pays.Properties["weight"])
	assert.Equal(t, "monthly fee", pays.Properties["description"])
	assert.Equal(t, chunks[3], pays.Properties["source_chunk_id"])
	assert.Equal(t, "USD", pays.Properties["currency"])

	stats, err := s.DBStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 2, stats.Relationships)
}

func TestGraphRenameKeepsEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s)

	report, err := resolve.NewMerger(s.Graph()).Apply(ctx, org, []resolve.Pair{
		{Original: "Globex", Resolved: "Globex Corporation"},
		{Original: "Globex", Resolved: "Globex Corporation"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renamed)
	assert.Equal(t, 1, report.Skipped)

	e, err := s.GetEntity(ctx, org, "Globex Corporation")
	require.NoError(t, err)

	var n int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM relationships WHERE source_entity_id = ? OR target_entity_id = ?",
		e.ID, e.ID).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestGraphUpdateRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s)

	boom := errors.New("boom")
	err := s.Graph().Update(ctx, func(tx resolve.Tx) error {
		if err := tx.RenameEntity(ctx, org, "Globex", "Initech"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetEntity(ctx, org, "Globex")
	assert.NoError(t, err)
	_, err = s.GetEntity(ctx, org, "Initech")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraphMissingEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s)

	err := s.Graph().Update(ctx, func(tx resolve.Tx) error {
		return tx.DeleteEntity(ctx, org, "Nobody")
	})
	assert.ErrorIs(t, err, resolve.ErrNodeNotFound)

	err = s.Graph().Update(ctx, func(tx resolve.Tx) error {
		return tx.CreateRelationship(ctx, resolve.Relationship{
			Source: resolve.Entity(org, "Nobody"),
			Target: resolve.Entity(org, "Acme"),
			Type:   "PAYS",
		})
	})
	assert.ErrorIs(t, err, resolve.ErrNodeNotFound)

	names, _, err := s.Graph().EntityVectors(ctx, org)
	require.NoError(t, err)
	assert.Empty(t, names)
}
