package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/contractgraph/benchmark"
	"github.com/brunobiangulo/contractgraph/chunker"
	"github.com/brunobiangulo/contractgraph/store"
)

type benchFlags struct {
	corpusDir      string
	benchmarkFiles []string
	maxTests       int
	k              int
	output         string
	skipIngest     bool
}

func newBenchCmd(flags *rootFlags) *cobra.Command {
	bf := &benchFlags{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Score chunk coverage and retrieval against benchmark files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bf.corpusDir == "" || len(bf.benchmarkFiles) == 0 {
				return fmt.Errorf("--corpus-dir and at least one --benchmark-file are required")
			}
			return runBench(cmd, flags, bf)
		},
	}
	cmd.Flags().StringVar(&bf.corpusDir, "corpus-dir", "", "Directory the benchmark file paths are relative to")
	cmd.Flags().StringArrayVar(&bf.benchmarkFiles, "benchmark-file", nil, "Benchmark JSON file (repeatable)")
	cmd.Flags().IntVar(&bf.maxTests, "max-tests", 0, "Max tests per benchmark file (0 = all)")
	cmd.Flags().IntVar(&bf.k, "k", 0, "Retrieve k chunks per query (0 skips retrieval scoring)")
	cmd.Flags().StringVarP(&bf.output, "output", "o", "bench.xlsx", "Workbook to write")
	cmd.Flags().BoolVar(&bf.skipIngest, "skip-ingest", false, "Score documents already in the database")
	return cmd
}

func runBench(cmd *cobra.Command, flags *rootFlags, bf *benchFlags) error {
	ctx := cmd.Context()

	var tests []benchmark.Test
	files := make(map[string]struct{})
	for _, path := range bf.benchmarkFiles {
		b, err := benchmark.Load(path, bf.maxTests)
		if err != nil {
			return err
		}
		tests = append(tests, b.Tests...)
		for _, f := range b.Files() {
			files[f] = struct{}{}
		}
		slog.Info("bench: loaded", "benchmark", b.Name, "tests", len(b.Tests))
	}

	eng, err := openEngine(flags, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	paths := make([]string, 0, len(files))
	for f := range files {
		paths = append(paths, filepath.Join(bf.corpusDir, f))
	}

	docIDs := make(map[string]int64, len(paths))
	if bf.skipIngest {
		docs, err := eng.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if rel, ok := corpusRelative(bf.corpusDir, d.Path); ok {
				docIDs[rel] = d.ID
			}
		}
	} else {
		results, err := eng.IngestAll(ctx, paths)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Err != nil {
				slog.Warn("bench: ingest failed", "path", r.Path, "error", r.Err)
				continue
			}
			if rel, ok := corpusRelative(bf.corpusDir, r.Path); ok {
				docIDs[rel] = r.DocumentID
			}
		}
	}

	trees := make(map[string]*chunker.Tree, len(docIDs))
	for rel, id := range docIDs {
		tree, err := eng.DocumentTree(ctx, id)
		if err != nil {
			slog.Warn("bench: loading tree", "path", rel, "error", err)
			continue
		}
		trees[rel] = tree
	}

	coverage := benchmark.Coverage(trees, tests)
	rows := make([]benchmark.Row, len(tests))
	for i, t := range tests {
		rows[i] = benchmark.Row{Query: t.Query, Tags: t.Tags, Coverage: coverage[i].Ratio()}
		if bf.k <= 0 {
			continue
		}
		hits, err := eng.Search(ctx, t.Query, bf.k)
		if err != nil {
			return fmt.Errorf("searching %q: %w", t.Query, err)
		}
		rows[i].Precision, rows[i].Recall = benchmark.PrecisionRecall(t.Snippets, retrieved(bf.corpusDir, hits))
	}

	if err := benchmark.WriteXLSX(bf.output, rows); err != nil {
		return fmt.Errorf("writing %s: %w", bf.output, err)
	}
	summary := benchmark.Summarize(rows)
	slog.Info("bench: done", "output", bf.output, "tests", summary.Tests,
		"coverage", summary.MeanCoverage, "precision", summary.MeanPrecision, "recall", summary.MeanRecall)
	return printJSON(cmd, summary)
}

// corpusRelative maps a stored absolute path back to the benchmark's
// corpus-relative form.
func corpusRelative(corpusDir, path string) (string, bool) {
	abs, err := filepath.Abs(corpusDir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(abs, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func retrieved(corpusDir string, hits []store.SearchResult) []benchmark.Retrieved {
	out := make([]benchmark.Retrieved, 0, len(hits))
	for _, h := range hits {
		rel, ok := corpusRelative(corpusDir, h.Path)
		if !ok {
			continue
		}
		out = append(out, benchmark.Retrieved{
			FilePath: rel,
			Span:     [2]int{h.SpanStart, h.SpanEnd},
			Score:    h.Score,
		})
	}
	return out
}
