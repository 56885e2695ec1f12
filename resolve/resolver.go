package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/contractgraph/cluster"
)

// Resolver clusters the entities of each type, asks the oracle about every
// multi-member cluster and merges the proposed pairs.
type Resolver struct {
	graph       Graph
	oracle      Oracle
	merger      *Merger
	mirrors     []*Merger
	threshold   float64
	concurrency int
}

// NewResolver returns a Resolver. A non-positive threshold falls back to
// cluster.DefaultThreshold; concurrency bounds oracle calls per type.
func NewResolver(g Graph, oracle Oracle, threshold float64, concurrency int) *Resolver {
	if threshold <= 0 {
		threshold = cluster.DefaultThreshold
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Resolver{
		graph:       g,
		oracle:      oracle,
		merger:      NewMerger(g),
		threshold:   threshold,
		concurrency: concurrency,
	}
}

// Mirror registers a graph that receives the same merges as the primary
// one. Mirrors are never clustered or asked about; a failed mirror merge is
// logged and does not fail the resolution.
func (r *Resolver) Mirror(g Graph) {
	r.mirrors = append(r.mirrors, NewMerger(g))
}

// Resolve runs ResolveType for every entity type concurrently. Reports keep
// the order of entityTypes.
func (r *Resolver) Resolve(ctx context.Context, entityTypes []string) ([]Report, error) {
	reports := make([]Report, len(entityTypes))
	g, gctx := errgroup.WithContext(ctx)
	for i, et := range entityTypes {
		g.Go(func() error {
			rep, err := r.ResolveType(gctx, et)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// ResolveType resolves one entity type. Fewer than two entities is a no-op.
func (r *Resolver) ResolveType(ctx context.Context, entityType string) (Report, error) {
	names, vectors, err := r.graph.EntityVectors(ctx, entityType)
	if err != nil {
		return Report{}, fmt.Errorf("loading %s vectors: %w", entityType, err)
	}
	if len(names) <= 1 {
		return Report{EntityType: entityType}, nil
	}

	clusters, err := cluster.Cluster(names, vectors, r.threshold)
	if err != nil {
		return Report{}, err
	}

	var candidates [][]string
	for _, c := range clusters {
		if len(c) > 1 {
			candidates = append(candidates, c)
		}
	}
	slog.Debug("resolve: clustered entities",
		"entity_type", entityType,
		"entities", len(names),
		"clusters", len(clusters),
		"candidates", len(candidates),
	)

	proposals := make([][]Pair, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, members := range candidates {
		g.Go(func() error {
			pairs, err := r.oracle.Resolve(gctx, entityType, members)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("resolve: oracle failed", "entity_type", entityType, "cluster_size", len(members), "error", err)
				return nil
			}
			proposals[i] = withinCluster(pairs, members)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	var pairs []Pair
	for _, p := range proposals {
		pairs = append(pairs, p...)
	}
	rep, err := r.merger.Apply(ctx, entityType, pairs)
	if err != nil || len(pairs) == 0 {
		return rep, err
	}
	for _, m := range r.mirrors {
		mrep, err := m.Apply(ctx, entityType, pairs)
		if err != nil {
			slog.Warn("resolve: mirror merge failed", "entity_type", entityType, "error", err)
			continue
		}
		if mrep.Changed() != rep.Changed() {
			slog.Warn("resolve: mirror diverged", "entity_type", entityType,
				"changed", rep.Changed(), "mirror_changed", mrep.Changed())
		}
	}
	return rep, nil
}

// withinCluster drops pairs naming anything outside the cluster.
func withinCluster(pairs []Pair, members []string) []Pair {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	out := pairs[:0]
	for _, p := range pairs {
		if in[p.Original] && in[p.Resolved] {
			out = append(out, p)
		}
	}
	return out
}
