package cluster

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterAcme(t *testing.T) {
	names := []string{"Acme Corp.", "Globex", "Acme Corporation", "Initech"}
	vectors := [][]float32{
		{1, 0.1, 0},
		{0, 1, 0},
		{0.98, 0.12, 0.01},
		{0, 0, 1},
	}

	got, err := Cluster(names, vectors, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Acme Corp.", "Acme Corporation"},
		{"Globex"},
		{"Initech"},
	}, got)
}

func TestClusterSingleLinkageChains(t *testing.T) {
	// a-b and b-c are close, a-c is not: single linkage still joins all three.
	names := []string{"a", "b", "c"}
	vectors := [][]float32{{1, 0}, {0.9, 0.45}, {0.6, 0.8}}
	require.Less(t, Distance(vectors[0], vectors[1]), 0.25)
	require.Less(t, Distance(vectors[1], vectors[2]), 0.25)
	require.GreaterOrEqual(t, Distance(vectors[0], vectors[2]), 0.25)

	got, err := Cluster(names, vectors, 0.25)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}}, got)
}

func TestClusterThresholdIsStrict(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}} // distance exactly 1
	got, err := Cluster([]string{"x", "y"}, vectors, 1)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = Cluster([]string{"x", "y"}, vectors, 1.01)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestClusterZeroVector(t *testing.T) {
	got, err := Cluster([]string{"zero", "other"}, [][]float32{{0, 0}, {1, 1}}, DefaultThreshold)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1.0, Distance([]float32{0, 0}, []float32{0, 0}))
}

func TestClusterEdgeInputs(t *testing.T) {
	got, err := Cluster(nil, nil, DefaultThreshold)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Cluster([]string{"solo"}, [][]float32{{1}}, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"solo"}}, got)

	_, err = Cluster([]string{"a", "b"}, [][]float32{{1}}, DefaultThreshold)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestClusterPartitionAndDeterminism(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	const n = 60
	names := make([]string, n)
	vectors := make([][]float32, n)
	for i := range n {
		names[i] = string(rune('A'+i%26)) + string(rune('a'+i/26))
		vectors[i] = []float32{r.Float32(), r.Float32(), r.Float32()}
	}

	first, err := Cluster(names, vectors, 0.05)
	require.NoError(t, err)
	second, err := Cluster(names, vectors, 0.05)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	seen := make(map[string]int)
	for _, c := range first {
		require.NotEmpty(t, c)
		for _, name := range c {
			seen[name]++
		}
	}
	assert.Len(t, seen, n)
	for name, count := range seen {
		assert.Equal(t, 1, count, name)
	}
}
