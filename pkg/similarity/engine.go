package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/pkg/store"
)

// Config holds the inference knobs.
type Config struct {
	// Threshold is the minimum cosine similarity for a similar_to pair.
	Threshold float64
	// MaxEdges caps similar_to pairs per memory.
	MaxEdges int
	// MaxCandidates caps the embedding candidates scanned.
	MaxCandidates int
	// AmbiguousMin/AmbiguousMax bound the band of candidates handed to the
	// classifier: too similar to be unrelated, not similar enough to be a
	// trivial duplicate.
	AmbiguousMin float64
	AmbiguousMax float64
	// RelationshipConfidence is the minimum classifier confidence for a
	// relationship edge.
	RelationshipConfidence float64
	// SemanticWindow bounds the recent memories given to the extractor.
	SemanticWindow int
	// SemanticMinContentLen skips extraction for trivially short memories.
	SemanticMinContentLen int
	// SemanticConfidence is the minimum extractor confidence for an edge.
	SemanticConfidence float64
}

func (c *Config) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.85
	}
	if c.MaxEdges == 0 {
		c.MaxEdges = 10
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = 50
	}
	if c.AmbiguousMin == 0 {
		c.AmbiguousMin = 0.7
	}
	if c.AmbiguousMax == 0 {
		c.AmbiguousMax = 0.9
	}
	if c.RelationshipConfidence == 0 {
		c.RelationshipConfidence = 0.6
	}
	if c.SemanticWindow == 0 {
		c.SemanticWindow = 10
	}
	if c.SemanticMinContentLen == 0 {
		c.SemanticMinContentLen = 20
	}
	if c.SemanticConfidence == 0 {
		c.SemanticConfidence = 0.5
	}
}

// Engine infers similarity, relationship, and semantic edges for a memory.
type Engine struct {
	embeddings store.EmbeddingStore
	lookup     MemoryLookup
	classifier Classifier
	extractor  Extractor
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates a similarity engine. lookup, classifier, and extractor
// are optional; without a classifier no relationship edges are produced,
// without an extractor no semantic edges.
func NewEngine(embeddings store.EmbeddingStore, lookup MemoryLookup, classifier Classifier, extractor Extractor, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		embeddings: embeddings,
		lookup:     lookup,
		classifier: classifier,
		extractor:  extractor,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

type scoredCandidate struct {
	emb   store.StoredEmbedding
	score float64
}

// Process computes the inferred-edge mutation for a memory. The returned
// mutation replaces only the edge classes actually recomputed, so running
// without a classifier never deletes previously classified edges.
func (e *Engine) Process(ctx context.Context, mem store.MemorySnapshot, vector []float32, model string, recent []store.MemorySnapshot) (store.Mutation, error) {
	mut := store.Mutation{
		MemoryID: mem.ID,
		Classes:  []store.EdgeClass{store.ClassSimilarity},
	}
	if e.classifier != nil {
		mut.Classes = append(mut.Classes, store.ClassRelationship)
	}
	if e.extractor != nil {
		mut.Classes = append(mut.Classes, store.ClassSemantic)
	}

	var expires *time.Time
	if mem.Layer == store.LayerWorking && mem.ExpiresAt != nil {
		expires = mem.ExpiresAt
	}
	selfRef := store.NodeRef{Type: store.NodeMemory, Key: mem.ID}

	candidates, err := e.rankedCandidates(ctx, mem, vector, model)
	if err != nil {
		return store.Mutation{}, err
	}

	pairs := 0
	for _, c := range candidates {
		if c.score < e.cfg.Threshold || pairs >= e.cfg.MaxEdges {
			break
		}
		other := store.NodeRef{Type: store.NodeMemory, Key: c.emb.MemoryID}
		mut.Edges = append(mut.Edges,
			store.CandidateEdge{Type: store.EdgeSimilarTo, From: selfRef, To: other, Weight: c.score, Confidence: 1.0, EvidenceMemoryID: mem.ID, ExpiresAt: expires},
			store.CandidateEdge{Type: store.EdgeSimilarTo, From: other, To: selfRef, Weight: c.score, Confidence: 1.0, EvidenceMemoryID: mem.ID, ExpiresAt: expires},
		)
		pairs++
	}

	if e.classifier != nil && e.lookup != nil {
		mut.Edges = append(mut.Edges, e.classifyAmbiguous(ctx, mem, candidates, selfRef, expires)...)
	}

	if e.extractor != nil && len(strings.TrimSpace(mem.Content)) >= e.cfg.SemanticMinContentLen {
		edges, nodes := e.extractSemantic(ctx, mem, recent, selfRef, expires)
		mut.Edges = append(mut.Edges, edges...)
		mut.Nodes = append(mut.Nodes, nodes...)
	}

	mut.Edges = dedupeEdges(mut.Edges)
	return mut, nil
}

// rankedCandidates scans the embedding store and ranks scoped candidates by
// exact cosine similarity, ties broken by recency.
func (e *Engine) rankedCandidates(ctx context.Context, mem store.MemorySnapshot, vector []float32, model string) ([]scoredCandidate, error) {
	scope := store.CandidateScope{
		Model:     model,
		ProjectID: mem.ProjectID,
		UserID:    mem.UserID,
		Now:       e.now(),
		Limit:     e.cfg.MaxCandidates,
	}
	embs, err := e.embeddings.Candidates(ctx, vector, scope)
	if err != nil {
		return nil, fmt.Errorf("scan embedding candidates: %w", err)
	}

	candidates := make([]scoredCandidate, 0, len(embs))
	for _, emb := range embs {
		if emb.MemoryID == mem.ID {
			continue
		}
		candidates = append(candidates, scoredCandidate{emb: emb, score: store.CosineSimilarity(vector, emb.Vector)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].emb.CreatedAt.After(candidates[j].emb.CreatedAt)
	})
	return candidates, nil
}

// classifyAmbiguous runs the classifier over candidates in the ambiguous
// band. Per-candidate failures are logged and skipped so one bad candidate
// never aborts the batch.
func (e *Engine) classifyAmbiguous(ctx context.Context, mem store.MemorySnapshot, candidates []scoredCandidate, selfRef store.NodeRef, expires *time.Time) []store.CandidateEdge {
	var edges []store.CandidateEdge
	for _, c := range candidates {
		if c.score < e.cfg.AmbiguousMin || c.score > e.cfg.AmbiguousMax {
			continue
		}

		other, err := e.lookup.MemoryByID(ctx, c.emb.MemoryID)
		if err != nil {
			e.logger.Warn("candidate lookup failed", "memoryId", c.emb.MemoryID, "error", err)
			continue
		}
		result, err := e.classifier.Classify(ctx, mem, other)
		if err != nil {
			e.logger.Warn("relationship classification failed", "memoryId", c.emb.MemoryID, "error", err)
			continue
		}
		if result.Confidence < e.cfg.RelationshipConfidence {
			continue
		}

		otherRef := store.NodeRef{Type: store.NodeMemory, Key: other.ID}
		switch result.Relationship {
		case RelContradicts:
			edges = append(edges,
				store.CandidateEdge{Type: store.EdgeContradicts, From: selfRef, To: otherRef, Weight: 1.0, Confidence: result.Confidence, EvidenceMemoryID: mem.ID, ExpiresAt: expires},
				store.CandidateEdge{Type: store.EdgeContradicts, From: otherRef, To: selfRef, Weight: 1.0, Confidence: result.Confidence, EvidenceMemoryID: mem.ID, ExpiresAt: expires},
			)
		case RelRefines:
			// Newer supersedes older; ties and missing timestamps resolve
			// toward the memory under investigation.
			from, to := selfRef, otherRef
			if other.CreatedAt.After(mem.CreatedAt) {
				from, to = otherRef, selfRef
			}
			edges = append(edges, store.CandidateEdge{
				Type: store.EdgeSupersedes, From: from, To: to,
				Weight: 1.0, Confidence: result.Confidence,
				EvidenceMemoryID: mem.ID, ExpiresAt: expires,
			})
		}
	}
	return edges
}

// extractSemantic runs the semantic extractor over a bounded window of
// recent memories.
func (e *Engine) extractSemantic(ctx context.Context, mem store.MemorySnapshot, recent []store.MemorySnapshot, selfRef store.NodeRef, expires *time.Time) ([]store.CandidateEdge, []store.CandidateNode) {
	if len(recent) > e.cfg.SemanticWindow {
		recent = recent[:e.cfg.SemanticWindow]
	}

	proposed, err := e.extractor.ExtractEdges(ctx, mem, recent)
	if err != nil {
		e.logger.Warn("semantic extraction failed", "memoryId", mem.ID, "error", err)
		return nil, nil
	}

	semanticTypes := make(map[store.EdgeType]bool)
	for _, t := range store.EdgeTypesForClass(store.ClassSemantic) {
		semanticTypes[t] = true
	}

	var edges []store.CandidateEdge
	var nodes []store.CandidateNode
	seenConditions := make(map[string]bool)
	for _, se := range proposed {
		if se.Confidence < e.cfg.SemanticConfidence || !semanticTypes[se.Type] {
			continue
		}

		var target store.NodeRef
		if se.Type == store.EdgeConditionalOn {
			key := NormalizeConditionKey(se.ConditionKey)
			if key == "" {
				continue
			}
			target = store.NodeRef{Type: store.NodeCondition, Key: key}
			if !seenConditions[key] {
				seenConditions[key] = true
				nodes = append(nodes, store.CandidateNode{Ref: target, Label: key})
			}
		} else {
			if se.TargetMemoryID == "" || se.TargetMemoryID == mem.ID {
				continue
			}
			target = store.NodeRef{Type: store.NodeMemory, Key: se.TargetMemoryID}
		}

		from, to := selfRef, target
		if se.Direction == ToNew {
			from, to = target, selfRef
		}
		edges = append(edges, store.CandidateEdge{
			Type: se.Type, From: from, To: to,
			Weight: 1.0, Confidence: se.Confidence,
			EvidenceMemoryID: mem.ID, ExpiresAt: expires,
		})
	}
	return edges, nodes
}

// NormalizeConditionKey canonicalizes a condition key so equal conditions
// from different memories share one node, e.g. "Time: Morning" becomes
// "time:morning".
func NormalizeConditionKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "_:", ":")
	key = strings.ReplaceAll(key, ":_", ":")
	return key
}

// dedupeEdges drops duplicate (type, from, to) edges, keeping the first.
func dedupeEdges(edges []store.CandidateEdge) []store.CandidateEdge {
	seen := make(map[string]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		key := string(e.Type) + "|" + string(e.From.Type) + ":" + e.From.Key +
			"|" + string(e.To.Type) + ":" + e.To.Key
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}
