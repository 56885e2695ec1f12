// Package benchmark loads LegalBench-RAG style benchmarks and scores
// chunk trees and retrieval results against their ground-truth spans.
package benchmark

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSpansNotDisjoint is returned when two ground-truth snippets of one
// file overlap or touch.
var ErrSpansNotDisjoint = errors.New("spans are not disjoint")

// Snippet is a ground-truth passage of a corpus file.
type Snippet struct {
	FilePath string `json:"file_path"`
	Span     [2]int `json:"span"`             // [start, end) byte offsets
	Answer   string `json:"answer,omitempty"` // pre-extracted snippet text
}

// Test is a single query with the snippets that answer it.
type Test struct {
	Query    string    `json:"query"`
	Snippets []Snippet `json:"snippets"`
	Tags     []string  `json:"tags,omitempty"`
}

// Benchmark is the top-level benchmark file structure.
type Benchmark struct {
	Name  string `json:"-"`
	Tests []Test `json:"tests"`
}

// Load reads a benchmark file. When maxTests > 0 and the file has more
// tests, tests are sorted by the file of their first snippet and the first
// maxTests kept, so the subset touches as few documents as possible.
// Every test is tagged with the benchmark name and its snippets validated.
func Load(path string, maxTests int) (*Benchmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var b Benchmark
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	b.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if maxTests > 0 && len(b.Tests) > maxTests {
		sort.SliceStable(b.Tests, func(i, j int) bool {
			return firstFile(b.Tests[i]) < firstFile(b.Tests[j])
		})
		b.Tests = b.Tests[:maxTests]
	}

	for i := range b.Tests {
		if err := ValidateSnippets(b.Tests[i].Snippets); err != nil {
			return nil, fmt.Errorf("%s: test %d: %w", path, i, err)
		}
		b.Tests[i].Tags = append(b.Tests[i].Tags, b.Name)
	}
	return &b, nil
}

func firstFile(t Test) string {
	if len(t.Snippets) == 0 {
		return ""
	}
	return t.Snippets[0].FilePath
}

// Files returns the corpus files the tests reference, sorted.
func (b *Benchmark) Files() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, t := range b.Tests {
		for _, s := range t.Snippets {
			if _, ok := seen[s.FilePath]; !ok {
				seen[s.FilePath] = struct{}{}
				files = append(files, s.FilePath)
			}
		}
	}
	sort.Strings(files)
	return files
}

// ValidateSnippets checks that the snippets of each file are pairwise
// disjoint. Touching spans, where one ends exactly where the next starts,
// are rejected too.
func ValidateSnippets(snippets []Snippet) error {
	byFile := make(map[string][]Snippet)
	for _, s := range snippets {
		if s.Span[0] < 0 || s.Span[1] < s.Span[0] {
			return fmt.Errorf("invalid span %v in %s", s.Span, s.FilePath)
		}
		byFile[s.FilePath] = append(byFile[s.FilePath], s)
	}
	for file, ss := range byFile {
		sort.Slice(ss, func(i, j int) bool { return ss[i].Span[0] < ss[j].Span[0] })
		for i := 1; i < len(ss); i++ {
			if ss[i-1].Span[1] >= ss[i].Span[0] {
				return fmt.Errorf("%w: %s %v vs %v", ErrSpansNotDisjoint, file, ss[i-1].Span, ss[i].Span)
			}
		}
	}
	return nil
}

// Text returns the snippet's answer, or reads its span from the corpus
// file under corpusDir when the answer was not pre-extracted.
func (s Snippet) Text(corpusDir string) (string, error) {
	if s.Answer != "" {
		return s.Answer, nil
	}
	fullPath := filepath.Join(corpusDir, s.FilePath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fullPath, err)
	}
	start, end := s.Span[0], s.Span[1]
	if start < 0 || end > len(data) || start >= end {
		return "", fmt.Errorf("span [%d:%d] out of range for %s (len=%d)",
			start, end, s.FilePath, len(data))
	}
	return string(data[start:end]), nil
}
