// Package embedding provides vector embedding generation for semantic memory
// recall. Supports Ollama (local) and Google GenAI (cloud) backends.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"storyloom/internal/config"
	"storyloom/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// NewEngine creates an embedding engine from config. An engine name of
// "none" or "" returns nil with no error; memory recall then degrades to
// keyword matching.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	switch cfg.Engine {
	case "", "none":
		logging.Embedding("No embedding engine configured, recall will use keyword matching")
		return nil, nil
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: endpoint=%s model=%s", cfg.BaseURL, cfg.Model)
		return NewOllamaEngine(cfg.BaseURL, cfg.Model)
	case "genai":
		logging.Embedding("Initializing GenAI embedding engine: model=%s", cfg.Model)
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding engine: %s (use 'ollama', 'genai', or 'none')", cfg.Engine)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i] * b[i])
		aMag += float64(a[i] * a[i])
		bMag += float64(b[i] * b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K corpus vectors most similar to
// the query, by cosine similarity. Vectors with mismatched dimensions are
// skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 3
	}

	results := make([]SimilarityResult, 0, len(corpus))
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}
