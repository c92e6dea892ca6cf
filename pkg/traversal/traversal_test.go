package traversal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/store"
)

// fakeGraph is an in-memory Graph for traversal tests.
type fakeGraph struct {
	links []store.MemoryLink
	edges []store.Edge
	nodes map[string]store.Node
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: make(map[string]store.Node)}
}

func (g *fakeGraph) addNode(id string, typ store.NodeType, key string) {
	g.nodes[id] = store.Node{ID: id, Type: typ, Key: key}
}

func (g *fakeGraph) link(memoryID, nodeID string) {
	g.links = append(g.links, store.MemoryLink{MemoryID: memoryID, NodeID: nodeID, Role: store.RoleSelf})
}

func (g *fakeGraph) edge(typ store.EdgeType, from, to string, confidence float64, expires *time.Time) {
	g.edges = append(g.edges, store.Edge{
		ID: from + "-" + to, Type: typ, FromNodeID: from, ToNodeID: to,
		Weight: 1.0, Confidence: confidence, ExpiresAt: expires,
	})
}

func (g *fakeGraph) LinksForMemories(_ context.Context, memoryIDs []string) ([]store.MemoryLink, error) {
	want := make(map[string]bool)
	for _, id := range memoryIDs {
		want[id] = true
	}
	var out []store.MemoryLink
	for _, l := range g.links {
		if want[l.MemoryID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (g *fakeGraph) MemoriesForNodes(_ context.Context, nodeIDs []string) ([]store.MemoryLink, error) {
	want := make(map[string]bool)
	for _, id := range nodeIDs {
		want[id] = true
	}
	var out []store.MemoryLink
	for _, l := range g.links {
		if want[l.NodeID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (g *fakeGraph) EdgesTouching(_ context.Context, nodeIDs []string, at time.Time, _ int) ([]store.Edge, error) {
	want := make(map[string]bool)
	for _, id := range nodeIDs {
		want[id] = true
	}
	var out []store.Edge
	for _, e := range g.edges {
		if e.ExpiresAt != nil && !e.ExpiresAt.After(at) {
			continue
		}
		if want[e.FromNodeID] || want[e.ToNodeID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *fakeGraph) NodesByIDs(_ context.Context, ids []string) ([]store.Node, error) {
	var out []store.Node
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func TestExpandOneHopMentions(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-self", store.NodeMemory, "seed")
	g.addNode("n-topic", store.NodeTopic, "parsers")
	g.link("seed", "n-self")
	g.link("other", "n-topic")
	g.edge(store.EdgeMentions, "n-self", "n-topic", 1.0, nil)

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, "other", c.MemoryID)
	assert.Equal(t, store.EdgeMentions, c.EdgeType)
	assert.Equal(t, 1, c.HopCount)
	assert.Equal(t, "seed", c.SeedMemoryID)
	assert.Equal(t, "parsers", c.ViaNodeKey)
	assert.Equal(t, store.NodeTopic, c.ViaNodeType)
	assert.InDelta(t, 1.0, c.Score, 1e-9)
}

func TestExpandSharedNodeCandidate(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-topic", store.NodeTopic, "go")
	g.link("seed", "n-topic")
	g.link("other", "n-topic")

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "other", cands[0].MemoryID)
	assert.Equal(t, SharedNode, cands[0].EdgeType)
	assert.Equal(t, 0, cands[0].HopCount)
	assert.InDelta(t, 1.5, cands[0].Score, 1e-9)
}

func TestExpandNeverReturnsSeeds(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-a", store.NodeMemory, "a")
	g.addNode("n-b", store.NodeMemory, "b")
	g.link("a", "n-a")
	g.link("b", "n-b")
	g.edge(store.EdgeSimilarTo, "n-a", "n-b", 1.0, nil)
	g.edge(store.EdgeSimilarTo, "n-b", "n-a", 1.0, nil)

	cands, err := New(g).Expand(context.Background(), []string{"a", "b"}, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, cands, "two seeds linking through each other must not surface each other")
}

func TestExpandSkipsExpiredEdges(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-self", store.NodeMemory, "seed")
	g.addNode("n-topic", store.NodeTopic, "stale")
	g.link("seed", "n-self")
	g.link("other", "n-topic")
	past := time.Now().Add(-time.Hour)
	g.edge(store.EdgeMentions, "n-self", "n-topic", 1.0, &past)

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestExpandRanksCausalAboveRelational(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-self", store.NodeMemory, "seed")
	g.addNode("n-cause", store.NodeMemory, "cause")
	g.addNode("n-rel", store.NodeTopic, "rel")
	g.link("seed", "n-self")
	g.link("causal", "n-cause")
	g.link("relational", "n-rel")
	g.edge(store.EdgeCausedBy, "n-self", "n-cause", 1.0, nil)
	g.edge(store.EdgeRelatedTo, "n-self", "n-rel", 1.0, nil)

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "causal", cands[0].MemoryID)
	assert.Equal(t, "relational", cands[1].MemoryID)
}

func TestExpandHopDecayAndConfidenceScaling(t *testing.T) {
	// Same edge type one hop out at full confidence vs two hops out; the
	// closer candidate must rank first.
	g := newFakeGraph()
	g.addNode("n-self", store.NodeMemory, "seed")
	g.addNode("n-1", store.NodeTopic, "near")
	g.addNode("n-2", store.NodeTopic, "far")
	g.link("seed", "n-self")
	g.link("near", "n-1")
	g.link("far", "n-2")
	g.edge(store.EdgeSimilarTo, "n-self", "n-1", 1.0, nil)
	g.edge(store.EdgeSimilarTo, "n-1", "n-2", 1.0, nil)

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 2, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "near", cands[0].MemoryID)
	assert.Equal(t, 1, cands[0].HopCount)
	assert.Equal(t, "far", cands[1].MemoryID)
	assert.Equal(t, 2, cands[1].HopCount)
	assert.Greater(t, cands[0].Score, cands[1].Score)
}

func TestCandidateRankHalvesWithConfidenceAndHop(t *testing.T) {
	near := Candidate{EdgeType: store.EdgeSimilarTo, HopCount: 1}
	far := Candidate{EdgeType: store.EdgeSimilarTo, HopCount: 2}

	full := candidateRank(near, 1.0)
	require.Greater(t, full, 0.0)
	assert.InDelta(t, full/2, candidateRank(near, 0.5), 1e-9,
		"halving confidence must exactly halve the rank")
	assert.InDelta(t, full/2, candidateRank(far, 1.0), 1e-9,
		"one extra hop must exactly halve the rank")
}

func TestCandidateRankSharedNodeBetweenRelatedAndSimilar(t *testing.T) {
	shared := candidateRank(Candidate{EdgeType: SharedNode}, 1.0)
	similar := candidateRank(Candidate{EdgeType: store.EdgeSimilarTo, HopCount: 1}, 1.0)
	related := candidateRank(Candidate{EdgeType: store.EdgeRelatedTo, HopCount: 1}, 1.0)

	assert.Greater(t, shared, 0.0)
	assert.Less(t, shared, similar)
	assert.Greater(t, shared, related)
}

func TestExpandOrdersSharedNodeBelowDirectSimilar(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-self", store.NodeMemory, "seed")
	g.addNode("n-topic", store.NodeTopic, "go")
	g.addNode("n-sim", store.NodeMemory, "sim")
	g.addNode("n-rel", store.NodeTopic, "rel")
	g.link("seed", "n-self")
	g.link("seed", "n-topic")
	g.link("shared", "n-topic")
	g.link("similar", "n-sim")
	g.link("relational", "n-rel")
	g.edge(store.EdgeSimilarTo, "n-self", "n-sim", 1.0, nil)
	g.edge(store.EdgeRelatedTo, "n-self", "n-rel", 1.0, nil)

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "similar", cands[0].MemoryID)
	assert.Equal(t, "shared", cands[1].MemoryID)
	assert.Equal(t, SharedNode, cands[1].EdgeType)
	assert.Equal(t, "relational", cands[2].MemoryID)
}

func TestExpandRespectsLimitAndDepthClamp(t *testing.T) {
	g := newFakeGraph()
	g.addNode("n-self", store.NodeMemory, "seed")
	g.link("seed", "n-self")
	for _, id := range []string{"a", "b", "c"} {
		g.addNode("n-"+id, store.NodeTopic, id)
		g.link(id, "n-"+id)
		g.edge(store.EdgeMentions, "n-self", "n-"+id, 1.0, nil)
	}

	cands, err := New(g).Expand(context.Background(), []string{"seed"}, 5, 2)
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}
