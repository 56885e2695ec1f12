package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pair proposes that Original be resolved into Resolved.
type Pair struct {
	Original string `json:"original_name"`
	Resolved string `json:"resolved_name"`
}

// Report counts what a merge run did for one entity type.
type Report struct {
	EntityType string `json:"entity_type"`
	Renamed    int    `json:"renamed"`
	Merged     int    `json:"merged"`
	Redirected int    `json:"redirected"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// Changed returns the number of entity nodes renamed or merged away.
func (r Report) Changed() int { return r.Renamed + r.Merged }

type outcome int

const (
	outcomeNone outcome = iota
	outcomeRenamed
	outcomeMerged
)

// Merger applies resolution pairs to a Graph. Pairs of one entity type are
// applied one at a time under a per-type lock; different types may merge
// concurrently.
type Merger struct {
	graph Graph

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMerger returns a Merger writing to g.
func NewMerger(g Graph) *Merger {
	return &Merger{graph: g, locks: make(map[string]*sync.Mutex)}
}

func (m *Merger) lockFor(entityType string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[entityType]
	if !ok {
		l = &sync.Mutex{}
		m.locks[entityType] = l
	}
	return l
}

// Apply applies pairs in order, each in its own transaction. Every pair
// re-reads the graph, so a later pair sees names created by an earlier
// rename, and re-applying a pair whose original is gone is a no-op. A pair
// that fails is rolled back, logged and counted; only cancellation stops
// the run.
func (m *Merger) Apply(ctx context.Context, entityType string, pairs []Pair) (Report, error) {
	lock := m.lockFor(entityType)
	lock.Lock()
	defer lock.Unlock()

	report := Report{EntityType: entityType}
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if p.Original == "" || p.Resolved == "" || p.Original == p.Resolved {
			report.Skipped++
			continue
		}

		var (
			result     outcome
			redirected int
		)
		err := m.graph.Update(ctx, func(tx Tx) error {
			var err error
			result, redirected, err = applyPair(ctx, tx, entityType, p)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Warn("resolve: merge failed",
				"entity_type", entityType,
				"original", p.Original,
				"resolved", p.Resolved,
				"error", err,
			)
			report.Failed++
			continue
		}

		switch result {
		case outcomeRenamed:
			report.Renamed++
		case outcomeMerged:
			report.Merged++
			report.Redirected += redirected
		default:
			report.Skipped++
		}
	}

	slog.Info("resolve: merges applied",
		"entity_type", entityType,
		"renamed", report.Renamed,
		"merged", report.Merged,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func applyPair(ctx context.Context, tx Tx, entityType string, p Pair) (outcome, int, error) {
	exists, err := tx.EntityExists(ctx, entityType, p.Original)
	if err != nil {
		return outcomeNone, 0, err
	}
	if !exists {
		return outcomeNone, 0, nil
	}

	targetExists, err := tx.EntityExists(ctx, entityType, p.Resolved)
	if err != nil {
		return outcomeNone, 0, err
	}
	if !targetExists {
		if err := tx.RenameEntity(ctx, entityType, p.Original, p.Resolved); err != nil {
			return outcomeNone, 0, fmt.Errorf("renaming %q to %q: %w", p.Original, p.Resolved, err)
		}
		return outcomeRenamed, 0, nil
	}

	rels, err := tx.Relationships(ctx, entityType, p.Original)
	if err != nil {
		return outcomeNone, 0, err
	}

	from, to := Entity(entityType, p.Original), Entity(entityType, p.Resolved)
	redirected := 0
	for _, rel := range rels {
		moved := redirect(rel, from, to)
		if moved.Source == moved.Target {
			continue
		}
		dup, err := tx.RelationshipExists(ctx, moved)
		if err != nil {
			return outcomeNone, 0, err
		}
		if dup {
			continue
		}
		if err := tx.CreateRelationship(ctx, moved); err != nil {
			return outcomeNone, 0, fmt.Errorf("redirecting %s edge: %w", rel.Type, err)
		}
		redirected++
	}

	if err := tx.DeleteEntity(ctx, entityType, p.Original); err != nil {
		return outcomeNone, 0, fmt.Errorf("deleting %q: %w", p.Original, err)
	}
	return outcomeMerged, redirected, nil
}

// redirect moves every endpoint equal to from onto to.
func redirect(rel Relationship, from, to NodeRef) Relationship {
	out := rel
	if out.Source == from {
		out.Source = to
	}
	if out.Target == from {
		out.Target = to
	}
	return out
}
