package chunker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Job pairs a document with the outline proposed for it.
type Job struct {
	Document Document
	Outline  Section
}

// BuildAll builds every job with at most concurrency builds in flight.
// Trees are returned in job order. Documents are shared read-only.
func BuildAll(ctx context.Context, jobs []Job, concurrency int) ([]*Tree, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	trees := make([]*Tree, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			trees[i] = Build(job.Document, job.Outline)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return trees, nil
}
