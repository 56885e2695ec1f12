// Package cluster groups entity names whose embeddings are close under
// cosine distance.
package cluster

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the cosine distance below which two entities join
// the same cluster.
const DefaultThreshold = 0.25

// ErrLengthMismatch is returned when names and vectors differ in length.
var ErrLengthMismatch = errors.New("cluster: names and vectors differ in length")

// Cluster performs single-linkage agglomerative clustering with cosine
// distance. Two names end up in the same cluster iff a chain of pairs with
// distance strictly below threshold connects them. Every name appears in
// exactly one cluster. Clusters are ordered by their first member's index
// and members keep input order, so equal input gives equal output.
func Cluster(names []string, vectors [][]float32, threshold float64) ([][]string, error) {
	if len(names) != len(vectors) {
		return nil, fmt.Errorf("%w: %d names, %d vectors", ErrLengthMismatch, len(names), len(vectors))
	}
	n := len(names)
	if n == 0 {
		return nil, nil
	}

	norms := make([]float64, n)
	for i, v := range vectors {
		norms[i] = norm(v)
	}

	// Single linkage below a fixed cut is exactly the connected components
	// of the "distance < threshold" graph.
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if uf.find(i) == uf.find(j) {
				continue
			}
			if distance(vectors[i], vectors[j], norms[i], norms[j]) < threshold {
				uf.union(i, j)
			}
		}
	}

	index := make(map[int]int)
	var clusters [][]string
	for i, name := range names {
		root := uf.find(i)
		k, ok := index[root]
		if !ok {
			k = len(clusters)
			index[root] = k
			clusters = append(clusters, nil)
		}
		clusters[k] = append(clusters[k], name)
	}
	return clusters, nil
}

// Distance returns the cosine distance 1 - cos(a, b). A zero vector or a
// dimension mismatch is at distance 1 from everything.
func Distance(a, b []float32) float64 {
	return distance(a, b, norm(a), norm(b))
}

func distance(a, b []float32, na, nb float64) float64 {
	if len(a) != len(b) || na == 0 || nb == 0 {
		return 1
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot/(na*nb)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
