// Package similarity infers edges between memories: cosine-similarity pairs,
// classified relationships (contradicts, supersedes), and semantic edges
// extracted from recent context. The engine is pure orchestration; embedding
// search, classification, and extraction are all pluggable.
package similarity

import (
	"context"

	"github.com/engramdb/engram/pkg/store"
)

// Relationship is a classifier verdict for a pair of memories.
type Relationship string

const (
	RelAgrees      Relationship = "agrees"
	RelContradicts Relationship = "contradicts"
	RelRefines     Relationship = "refines"
	RelUnrelated   Relationship = "unrelated"
)

// Classification is the classifier's answer for one candidate pair.
type Classification struct {
	Relationship Relationship
	Confidence   float64
	Explanation  string
}

// Classifier decides how two similar-but-not-identical memories relate.
type Classifier interface {
	Classify(ctx context.Context, a, b store.MemorySnapshot) (Classification, error)
}

// EdgeDirection orients a semantic edge relative to the new memory.
type EdgeDirection string

const (
	FromNew EdgeDirection = "from_new"
	ToNew   EdgeDirection = "to_new"
)

// SemanticEdge is one typed edge proposed by the extractor. Exactly one of
// TargetMemoryID and ConditionKey is set: conditional_on edges target a
// normalized condition node, all other types target a memory.
type SemanticEdge struct {
	Type           store.EdgeType
	TargetMemoryID string
	ConditionKey   string
	Direction      EdgeDirection
	Confidence     float64
	Evidence       string
}

// Extractor proposes semantic edges between a new memory and recent ones.
type Extractor interface {
	ExtractEdges(ctx context.Context, mem store.MemorySnapshot, recent []store.MemorySnapshot) ([]SemanticEdge, error)
}

// MemoryLookup resolves memory snapshots for the classifier. The graph layer
// does not own memory content; the CRUD layer supplies it through this port.
type MemoryLookup interface {
	MemoryByID(ctx context.Context, id string) (store.MemorySnapshot, error)
}
