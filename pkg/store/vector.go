package store

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// StoredEmbedding is one memory's embedding under a specific model, together
// with the visibility scope the similarity engine filters on.
type StoredEmbedding struct {
	MemoryID  string
	Model     string
	Vector    []float32
	ProjectID string
	UserID    string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// CandidateScope narrows an embedding candidate scan. Candidates must use the
// same model, share the project scope (or be global), match or lack the user
// scope, and not be expired at Now.
type CandidateScope struct {
	Model     string
	ProjectID string
	UserID    string
	Now       time.Time
	Limit     int
}

// EmbeddingStore is the port for the external embedding store keyed by
// memory ID and model.
type EmbeddingStore interface {
	// Put adds or replaces the embedding for (MemoryID, Model).
	Put(ctx context.Context, emb StoredEmbedding) error

	// Delete removes all embeddings for the memory.
	Delete(ctx context.Context, memoryID string) error

	// Candidates returns visibility-scoped candidates for the query
	// vector, including their stored vectors. Implementations may use the
	// query vector to pre-rank (ANN); the similarity engine recomputes
	// exact cosine scores from the returned vectors either way.
	Candidates(ctx context.Context, query []float32, scope CandidateScope) ([]StoredEmbedding, error)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns a value between -1 and 1; 0 for mismatched or zero-norm input.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// encodeVector serializes a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// decodeVector deserializes little-endian bytes back into a float32 vector.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
