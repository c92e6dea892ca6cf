// Package store provides storage implementations for engram's memory graph.
package store

import (
	"context"
	"errors"
	"time"
)

// Layer classifies a memory's lifecycle.
type Layer string

const (
	LayerRule     Layer = "rule"
	LayerWorking  Layer = "working"
	LayerLongTerm Layer = "long_term"
)

// NodeType identifies the kind of graph node.
type NodeType string

const (
	NodeMemory     NodeType = "memory"
	NodeMemoryType NodeType = "memory_type"
	NodeRepo       NodeType = "repo"
	NodeUser       NodeType = "user"
	NodeCategory   NodeType = "category"
	NodeTopic      NodeType = "topic"
	NodeCondition  NodeType = "condition"
)

// EdgeType identifies the relationship an edge expresses.
type EdgeType string

// Structural edge types come from deterministic extraction.
const (
	EdgeAuthoredBy   EdgeType = "authored_by"
	EdgeContainsType EdgeType = "contains_type"
	EdgeAbout        EdgeType = "about"
	EdgeMentions     EdgeType = "mentions"
	EdgeRelatedTo    EdgeType = "related_to"
)

// Inferred edge types come from the similarity and relationship engine.
const (
	EdgeSimilarTo     EdgeType = "similar_to"
	EdgeContradicts   EdgeType = "contradicts"
	EdgeSupersedes    EdgeType = "supersedes"
	EdgeCausedBy      EdgeType = "caused_by"
	EdgePrefersOver   EdgeType = "prefers_over"
	EdgeDependsOn     EdgeType = "depends_on"
	EdgeSpecializes   EdgeType = "specializes"
	EdgeConditionalOn EdgeType = "conditional_on"
)

// EdgeClass groups edge types that are recomputed together. A full replace of
// one class never touches edges of another class, so a similarity recompute
// cannot delete relationship edges and vice versa.
type EdgeClass string

const (
	ClassStructural   EdgeClass = "structural"
	ClassSimilarity   EdgeClass = "similarity"
	ClassRelationship EdgeClass = "relationship"
	ClassSemantic     EdgeClass = "semantic"
)

// EdgeTypesForClass returns the edge types belonging to a class.
func EdgeTypesForClass(class EdgeClass) []EdgeType {
	switch class {
	case ClassStructural:
		return []EdgeType{EdgeAuthoredBy, EdgeContainsType, EdgeAbout, EdgeMentions, EdgeRelatedTo}
	case ClassSimilarity:
		return []EdgeType{EdgeSimilarTo}
	case ClassRelationship:
		return []EdgeType{EdgeContradicts, EdgeSupersedes}
	case ClassSemantic:
		return []EdgeType{EdgeCausedBy, EdgePrefersOver, EdgeDependsOn, EdgeSpecializes, EdgeConditionalOn}
	}
	return nil
}

// LinkRole records why a memory contributed a node.
type LinkRole string

const (
	RoleSelf     LinkRole = "self"
	RoleType     LinkRole = "type"
	RoleScope    LinkRole = "scope"
	RoleSubject  LinkRole = "subject"
	RoleCategory LinkRole = "category"
	RoleTag      LinkRole = "tag"
)

// MemorySnapshot is the view of a memory the graph subsystem works from.
// The memory record itself is owned by the external CRUD layer; the graph
// only ever references it by ID.
type MemorySnapshot struct {
	ID        string
	Content   string
	Type      string
	Layer     Layer
	ExpiresAt *time.Time
	ProjectID string
	UserID    string
	Tags      []string
	Category  string
	CreatedAt time.Time
}

// NodeRef identifies a node by its natural key, independent of storage IDs.
// Node identity is purely (type, key).
type NodeRef struct {
	Type NodeType
	Key  string
}

// CandidateNode is a node staged for upsert.
type CandidateNode struct {
	Ref      NodeRef
	Label    string
	Metadata map[string]string
}

// CandidateLink is a memory-to-node link staged for insert.
type CandidateLink struct {
	Node NodeRef
	Role LinkRole
}

// CandidateEdge is an edge staged for insert. Endpoints are node refs; the
// store resolves them to IDs and silently drops edges whose endpoints do not
// exist after the node upserts.
type CandidateEdge struct {
	Type             EdgeType
	From             NodeRef
	To               NodeRef
	Weight           float64
	Confidence       float64
	EvidenceMemoryID string
	ExpiresAt        *time.Time
}

// Mutation is one full-replace unit for a memory's graph contribution.
// Classes lists the edge classes being recomputed: all stored edges of those
// classes evidenced by the memory are deleted before Edges are inserted.
// When ReplaceLinks is set the memory's links are replaced as well.
type Mutation struct {
	MemoryID     string
	Nodes        []CandidateNode
	Links        []CandidateLink
	ReplaceLinks bool
	Edges        []CandidateEdge
	Classes      []EdgeClass
}

// Node is a stored graph node.
type Node struct {
	ID        string
	Type      NodeType
	Key       string
	Label     string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Edge is a stored directed edge between two nodes.
type Edge struct {
	ID               string
	FromNodeID       string
	ToNodeID         string
	Type             EdgeType
	Weight           float64
	Confidence       float64
	EvidenceMemoryID string
	ExpiresAt        *time.Time
	CreatedAt        time.Time
}

// MemoryLink ties a memory to a node it contributed.
type MemoryLink struct {
	MemoryID string
	NodeID   string
	Role     LinkRole
}

// Conflict is a pair of memories connected by a contradicts edge.
type Conflict struct {
	MemoryA          string
	MemoryB          string
	EvidenceMemoryID string
}

// GraphStats summarizes the stored graph for status reporting.
type GraphStats struct {
	NodeCount    int64
	EdgeCount    int64
	LinkCount    int64
	ActiveEdges  int64
	ExpiredEdges int64
	OrphanNodes  int64
}

// NodeDegree pairs a node with its edge count, for top-connected reporting.
type NodeDegree struct {
	Node   Node
	Degree int64
}

// ReconcileReport describes what a reconciliation sweep removed.
type ReconcileReport struct {
	DanglingLinks int64
	ExpiredEdges  int64
	OrphanNodes   int64
}

// GraphStore is the tenant-scoped graph storage port. Implementations must
// keep mutations idempotent: applying the same Mutation twice leaves the
// stored graph unchanged.
type GraphStore interface {
	// EnsureSchema creates the graph tables if they do not exist. Safe to
	// call concurrently and repeatedly.
	EnsureSchema(ctx context.Context) error

	// SchemaPresent reports whether the graph tables exist without
	// creating them.
	SchemaPresent(ctx context.Context) (bool, error)

	// Apply performs a full replace of the memory's contribution for the
	// mutation's edge classes, then sweeps orphan nodes.
	Apply(ctx context.Context, mut Mutation) error

	// RemoveMemory deletes the memory's links, its self node's edges, and
	// every edge evidenced by it, then sweeps orphan nodes.
	RemoveMemory(ctx context.Context, memoryID string) error

	// RemoveMemories batch-removes memories, bounding statement size.
	RemoveMemories(ctx context.Context, memoryIDs []string) error

	// LinksForMemories returns all links for the given memory IDs.
	LinksForMemories(ctx context.Context, memoryIDs []string) ([]MemoryLink, error)

	// NodesByIDs returns the stored nodes for the given IDs.
	NodesByIDs(ctx context.Context, ids []string) ([]Node, error)

	// NodeByRef resolves a node by its natural key. Returns (nil, nil)
	// when absent.
	NodeByRef(ctx context.Context, ref NodeRef) (*Node, error)

	// EdgesTouching returns non-expired edges incident to any of the
	// given nodes, capped at limit. Adjacency is direction-agnostic.
	EdgesTouching(ctx context.Context, nodeIDs []string, at time.Time, limit int) ([]Edge, error)

	// MemoriesForNodes returns the links of all memories attached to the
	// given nodes.
	MemoriesForNodes(ctx context.Context, nodeIDs []string) ([]MemoryLink, error)

	// ConflictsAmong returns contradicts pairs between the given memories.
	ConflictsAmong(ctx context.Context, memoryIDs []string) ([]Conflict, error)

	// Stats returns graph-wide counters for status reporting.
	Stats(ctx context.Context) (GraphStats, error)

	// TopNodes returns the most connected nodes, highest degree first.
	TopNodes(ctx context.Context, limit int) ([]NodeDegree, error)

	// Reconcile removes dangling links, expired edges, and orphan nodes.
	// This is an explicit maintenance operation; reads never trigger it.
	Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error)

	Close() error
}

// ErrSchemaMissing indicates the graph tables are absent in this tenant
// store. Retrieval degrades to baseline-only; nothing crashes.
var ErrSchemaMissing = errors.New("graph schema missing")

// ErrNotFound indicates the referenced memory or node is absent.
var ErrNotFound = errors.New("not found")
