// Package traversal implements bounded multi-hop expansion over the memory
// graph. Starting from seed memories it walks non-expired edges up to two
// hops out and returns related memories, each with an explainability record
// naming the node, edge type, hop count, and seed it was reached through.
package traversal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramdb/engram/pkg/store"
)

// MaxDepth bounds expansion. Beyond two hops relevance decays faster than the
// candidate set grows.
const MaxDepth = 2

// SharedNode is the synthetic reason for candidates that share a footprint
// node with a seed rather than being reached over a real edge.
const SharedNode store.EdgeType = "shared_node"

// sharedNodeScore is the raw score assigned to shared-node candidates.
const sharedNodeScore = 1.5

// Graph is the subset of the graph store the traverser reads.
type Graph interface {
	LinksForMemories(ctx context.Context, memoryIDs []string) ([]store.MemoryLink, error)
	MemoriesForNodes(ctx context.Context, nodeIDs []string) ([]store.MemoryLink, error)
	EdgesTouching(ctx context.Context, nodeIDs []string, at time.Time, limit int) ([]store.Edge, error)
	NodesByIDs(ctx context.Context, ids []string) ([]store.Node, error)
}

// Candidate is one memory reached by expansion, with the best path found.
type Candidate struct {
	MemoryID     string
	Score        float64
	HopCount     int
	EdgeType     store.EdgeType
	ViaNodeID    string
	ViaNodeKey   string
	ViaNodeType  store.NodeType
	SeedMemoryID string
}

// edgeTypeRank orders candidates of equal hop count and confidence. Causal
// and semantic relationships outrank purely relational ones; shared-node
// candidates slot between related_to and the structural types.
var edgeTypeRank = map[store.EdgeType]float64{
	store.EdgeCausedBy:      1.0,
	store.EdgeSupersedes:    0.95,
	store.EdgeContradicts:   0.9,
	store.EdgeDependsOn:     0.85,
	store.EdgePrefersOver:   0.8,
	store.EdgeSpecializes:   0.75,
	store.EdgeConditionalOn: 0.7,
	store.EdgeSimilarTo:     0.6,
	store.EdgeMentions:      0.5,
	store.EdgeAbout:         0.45,
	store.EdgeContainsType:  0.4,
	store.EdgeAuthoredBy:    0.35,
	SharedNode:              0.33,
	store.EdgeRelatedTo:     0.3,
}

// reached is the best known path to a node.
type reached struct {
	hop        int
	edgeType   store.EdgeType
	seed       string
	score      float64
	confidence float64
}

func (r reached) betterThan(other reached) bool {
	if r.hop != other.hop {
		return r.hop < other.hop
	}
	return r.score > other.score
}

// Traverser expands seeds over a graph.
type Traverser struct {
	graph Graph
	// EdgeLimit caps the edges fetched per frontier; 0 uses the store default.
	EdgeLimit int
	now       func() time.Time
}

// New creates a traverser over the given graph.
func New(graph Graph) *Traverser {
	return &Traverser{graph: graph, now: time.Now}
}

// Expand walks outward from the seeds up to depth hops and returns up to
// limit candidate memories, strongest path first. Seeds are never returned,
// even when two seeds link through each other.
func (t *Traverser) Expand(ctx context.Context, seedMemoryIDs []string, depth, limit int) ([]Candidate, error) {
	if len(seedMemoryIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	if depth < 0 {
		depth = 0
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}

	seedSet := make(map[string]bool, len(seedMemoryIDs))
	for _, id := range seedMemoryIDs {
		seedSet[id] = true
	}

	seedLinks, err := t.graph.LinksForMemories(ctx, seedMemoryIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve seed footprint: %w", err)
	}
	if len(seedLinks) == 0 {
		return nil, nil
	}

	visited := make(map[string]reached)
	frontier := make([]string, 0, len(seedLinks))
	for _, l := range seedLinks {
		if _, ok := visited[l.NodeID]; ok {
			continue
		}
		visited[l.NodeID] = reached{hop: 0, seed: l.MemoryID, confidence: 1.0}
		frontier = append(frontier, l.NodeID)
	}

	now := t.now()
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		edges, err := t.graph.EdgesTouching(ctx, frontier, now, t.EdgeLimit)
		if err != nil {
			return nil, fmt.Errorf("expand hop %d: %w", hop, err)
		}

		next := make([]string, 0, len(edges))
		for _, e := range edges {
			for _, pair := range [][2]string{{e.FromNodeID, e.ToNodeID}, {e.ToNodeID, e.FromNodeID}} {
				origin, target := pair[0], pair[1]
				from, ok := visited[origin]
				if !ok || from.hop != hop-1 {
					continue
				}
				cand := reached{
					hop:        hop,
					edgeType:   e.Type,
					seed:       from.seed,
					score:      e.Weight * e.Confidence / float64(hop),
					confidence: e.Confidence,
				}
				prev, seen := visited[target]
				if seen && !cand.betterThan(prev) {
					continue
				}
				visited[target] = cand
				if !seen {
					next = append(next, target)
				}
			}
		}
		frontier = next
	}

	nodeIDs := make([]string, 0, len(visited))
	for id := range visited {
		nodeIDs = append(nodeIDs, id)
	}
	links, err := t.graph.MemoriesForNodes(ctx, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("collect candidate memories: %w", err)
	}

	type ranked struct {
		cand Candidate
		rank float64
	}
	best := make(map[string]ranked)
	for _, l := range links {
		if seedSet[l.MemoryID] {
			continue
		}
		via, ok := visited[l.NodeID]
		if !ok {
			continue
		}

		c := Candidate{
			MemoryID:     l.MemoryID,
			HopCount:     via.hop,
			EdgeType:     via.edgeType,
			ViaNodeID:    l.NodeID,
			SeedMemoryID: via.seed,
			Score:        via.score,
		}
		if via.hop == 0 {
			c.EdgeType = SharedNode
			c.Score = sharedNodeScore
		}
		r := ranked{cand: c, rank: candidateRank(c, via.confidence)}

		prev, seen := best[l.MemoryID]
		if !seen || r.rank > prev.rank ||
			(r.rank == prev.rank && c.HopCount < prev.cand.HopCount) {
			best[l.MemoryID] = r
		}
	}

	all := make([]ranked, 0, len(best))
	for _, r := range best {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rank != all[j].rank {
			return all[i].rank > all[j].rank
		}
		if all[i].cand.HopCount != all[j].cand.HopCount {
			return all[i].cand.HopCount < all[j].cand.HopCount
		}
		return all[i].cand.MemoryID < all[j].cand.MemoryID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]Candidate, len(all))
	for i, r := range all {
		out[i] = r.cand
	}

	if err := t.annotate(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// candidateRank combines edge-type rank, confidence, and hop decay: half the
// confidence halves the rank, one extra hop halves it again.
func candidateRank(c Candidate, confidence float64) float64 {
	base, ok := edgeTypeRank[c.EdgeType]
	if !ok {
		base = edgeTypeRank[store.EdgeRelatedTo]
	}
	if c.EdgeType == SharedNode {
		return base
	}
	hop := c.HopCount
	if hop < 1 {
		hop = 1
	}
	return base * confidence / math.Exp2(float64(hop-1))
}

// annotate fills in the via-node key and type for explainability.
func (t *Traverser) annotate(ctx context.Context, cands []Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.ViaNodeID)
	}
	nodes, err := t.graph.NodesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("annotate candidates: %w", err)
	}
	byID := make(map[string]store.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for i := range cands {
		if n, ok := byID[cands[i].ViaNodeID]; ok {
			cands[i].ViaNodeKey = n.Key
			cands[i].ViaNodeType = n.Type
		}
	}
	return nil
}
