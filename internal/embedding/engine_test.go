package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal
		{1, 0},       // identical
		{0.9, 0.1},   // close
		{-1, 0},      // opposite
		{1, 0, 0, 0}, // wrong dimension, skipped
	}

	results := FindTopK(query, corpus, 2)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestFindTopKDefaultsK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{{1, 0}, {0, 1}, {1, 1}, {0.5, 0.5}, {-1, 0}}

	results := FindTopK(query, corpus, 0)
	assert.Len(t, results, 3)
}

func TestNewEngineNone(t *testing.T) {
	eng, err := NewEngine(config.EmbeddingConfig{Engine: "none"})
	require.NoError(t, err)
	assert.Nil(t, eng)
}

func TestNewEngineUnknown(t *testing.T) {
	_, err := NewEngine(config.EmbeddingConfig{Engine: "mystery"})
	assert.Error(t, err)
}

func TestNewEngineOllama(t *testing.T) {
	eng, err := NewEngine(config.EmbeddingConfig{Engine: "ollama"})
	require.NoError(t, err)
	require.NotNil(t, eng)
	assert.Equal(t, "ollama:nomic-embed-text", eng.Name())
	assert.Equal(t, 768, eng.Dimensions())
}
