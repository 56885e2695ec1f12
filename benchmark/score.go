package benchmark

import (
	"sort"

	"github.com/brunobiangulo/contractgraph/chunker"
)

type interval struct {
	start, end int
}

// union sorts and merges intervals. Empty intervals are dropped.
func union(in []interval) []interval {
	ivs := make([]interval, 0, len(in))
	for _, iv := range in {
		if iv.end > iv.start {
			ivs = append(ivs, iv)
		}
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].start < ivs[j].start })

	var out []interval
	for _, iv := range ivs {
		if n := len(out); n > 0 && iv.start <= out[n-1].end {
			out[n-1].end = max(out[n-1].end, iv.end)
			continue
		}
		out = append(out, iv)
	}
	return out
}

func totalLen(ivs []interval) int {
	n := 0
	for _, iv := range ivs {
		n += iv.end - iv.start
	}
	return n
}

// intersectLen returns the overlap of two merged interval lists.
func intersectLen(a, b []interval) int {
	n, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		lo, hi := max(a[i].start, b[j].start), min(a[i].end, b[j].end)
		if hi > lo {
			n += hi - lo
		}
		if a[i].end < b[j].end {
			i++
		} else {
			j++
		}
	}
	return n
}

func snippetsByFile(snippets []Snippet) map[string][]interval {
	out := make(map[string][]interval)
	for _, s := range snippets {
		out[s.FilePath] = append(out[s.FilePath], interval{s.Span[0], s.Span[1]})
	}
	for f, ivs := range out {
		out[f] = union(ivs)
	}
	return out
}

// CoverageResult is how much of one test's ground truth the leaf chunks of
// the built trees cover.
type CoverageResult struct {
	Query        string `json:"query"`
	TruthBytes   int    `json:"truth_bytes"`
	CoveredBytes int    `json:"covered_bytes"`
	MissingFiles int    `json:"missing_files"`
}

// Ratio is the covered share of the ground truth, 0 when there is none.
func (r CoverageResult) Ratio() float64 {
	if r.TruthBytes == 0 {
		return 0
	}
	return float64(r.CoveredBytes) / float64(r.TruthBytes)
}

// Coverage scores every test against the trees, keyed by corpus file path.
// A snippet of a file with no tree counts as uncovered.
func Coverage(trees map[string]*chunker.Tree, tests []Test) []CoverageResult {
	leaves := make(map[string][]interval, len(trees))
	for path, tree := range trees {
		var ivs []interval
		for _, c := range tree.Leaves() {
			ivs = append(ivs, interval{c.Span.Start, c.Span.End})
		}
		leaves[path] = union(ivs)
	}

	results := make([]CoverageResult, 0, len(tests))
	for _, t := range tests {
		r := CoverageResult{Query: t.Query}
		for file, truth := range snippetsByFile(t.Snippets) {
			r.TruthBytes += totalLen(truth)
			covered, ok := leaves[file]
			if !ok {
				r.MissingFiles++
				continue
			}
			r.CoveredBytes += intersectLen(truth, covered)
		}
		results = append(results, r)
	}
	return results
}

// Retrieved is a span returned by a retriever for a query.
type Retrieved struct {
	FilePath string  `json:"file_path"`
	Span     [2]int  `json:"span"`
	Score    float64 `json:"score"`
}

// PrecisionRecall compares retrieved spans to the ground truth byte by
// byte. Precision is the share of retrieved bytes inside the truth and
// recall the share of truth bytes retrieved. Overlapping spans count once.
func PrecisionRecall(truth []Snippet, retrieved []Retrieved) (precision, recall float64) {
	got := make(map[string][]interval)
	for _, r := range retrieved {
		got[r.FilePath] = append(got[r.FilePath], interval{r.Span[0], r.Span[1]})
	}
	want := snippetsByFile(truth)

	var retrievedBytes, truthBytes, hit int
	for file, ivs := range got {
		merged := union(ivs)
		retrievedBytes += totalLen(merged)
		hit += intersectLen(merged, want[file])
	}
	for _, ivs := range want {
		truthBytes += totalLen(ivs)
	}

	if retrievedBytes > 0 {
		precision = float64(hit) / float64(retrievedBytes)
	}
	if truthBytes > 0 {
		recall = float64(hit) / float64(truthBytes)
	}
	return precision, recall
}
