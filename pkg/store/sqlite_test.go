package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/rollout"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// structuralMutation builds a minimal structural contribution: a self node, a
// user node, and one topic node per tag with a user-to-topic mentions edge.
func structuralMutation(memID, user string, tags ...string) Mutation {
	self := NodeRef{Type: NodeMemory, Key: memID}
	userRef := NodeRef{Type: NodeUser, Key: user}

	mut := Mutation{
		MemoryID:     memID,
		ReplaceLinks: true,
		Classes:      []EdgeClass{ClassStructural},
		Nodes: []CandidateNode{
			{Ref: self, Label: memID},
			{Ref: userRef, Label: user},
		},
		Links: []CandidateLink{
			{Node: self, Role: RoleSelf},
			{Node: userRef, Role: RoleScope},
		},
	}
	for _, tag := range tags {
		topic := NodeRef{Type: NodeTopic, Key: tag}
		mut.Nodes = append(mut.Nodes, CandidateNode{Ref: topic, Label: tag})
		mut.Links = append(mut.Links, CandidateLink{Node: topic, Role: RoleTag})
		mut.Edges = append(mut.Edges, CandidateEdge{
			Type: EdgeMentions, From: userRef, To: topic,
			Weight: 1.0, Confidence: 1.0, EvidenceMemoryID: memID,
		})
	}
	return mut
}

func TestApplyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mut := structuralMutation("m1", "user-a", "go", "sqlite")

	require.NoError(t, s.Apply(ctx, mut))
	first, err := s.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Apply(ctx, mut))
	second, err := s.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second, "replaying a mutation must not grow the graph")
}

func TestApplyReplacesLinksAndSweepsOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, structuralMutation("m1", "user-a", "go")))
	require.NoError(t, s.Apply(ctx, structuralMutation("m1", "user-a", "rust")))

	gone, err := s.NodeByRef(ctx, NodeRef{Type: NodeTopic, Key: "go"})
	require.NoError(t, err)
	assert.Nil(t, gone, "orphaned topic must be swept after the replace")

	kept, err := s.NodeByRef(ctx, NodeRef{Type: NodeTopic, Key: "rust"})
	require.NoError(t, err)
	assert.NotNil(t, kept)

	links, err := s.LinksForMemories(ctx, []string{"m1"})
	require.NoError(t, err)
	assert.Len(t, links, 3, "self, scope, and one tag link")
}

func TestSharedNodesSurviveRemoval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, structuralMutation("m1", "user-a", "go")))
	require.NoError(t, s.Apply(ctx, structuralMutation("m2", "user-a", "go")))

	require.NoError(t, s.RemoveMemory(ctx, "m1"))

	self, err := s.NodeByRef(ctx, NodeRef{Type: NodeMemory, Key: "m1"})
	require.NoError(t, err)
	assert.Nil(t, self, "removed memory's self node must be swept")

	topic, err := s.NodeByRef(ctx, NodeRef{Type: NodeTopic, Key: "go"})
	require.NoError(t, err)
	assert.NotNil(t, topic, "node still referenced by m2 must survive")

	links, err := s.LinksForMemories(ctx, []string{"m2"})
	require.NoError(t, err)
	assert.Len(t, links, 3)
}

func TestRemoveMemoryDeletesEvidencedEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, structuralMutation("m1", "user-a")))
	require.NoError(t, s.Apply(ctx, structuralMutation("m2", "user-a")))

	// Inferred edge between the two self nodes, evidenced by m1.
	pair := Mutation{
		MemoryID: "m1",
		Classes:  []EdgeClass{ClassSimilarity},
		Edges: []CandidateEdge{
			{Type: EdgeSimilarTo, From: NodeRef{Type: NodeMemory, Key: "m1"}, To: NodeRef{Type: NodeMemory, Key: "m2"}, Weight: 0.9, Confidence: 1.0, EvidenceMemoryID: "m1"},
			{Type: EdgeSimilarTo, From: NodeRef{Type: NodeMemory, Key: "m2"}, To: NodeRef{Type: NodeMemory, Key: "m1"}, Weight: 0.9, Confidence: 1.0, EvidenceMemoryID: "m1"},
		},
	}
	require.NoError(t, s.Apply(ctx, pair))
	require.NoError(t, s.RemoveMemory(ctx, "m1"))

	self, err := s.NodeByRef(ctx, NodeRef{Type: NodeMemory, Key: "m2"})
	require.NoError(t, err)
	require.NotNil(t, self)

	edges, err := s.EdgesTouching(ctx, []string{self.ID}, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, edges, "edges evidenced by the removed memory must be gone")
}

func TestEdgeExpiryIsReplacedOnReapply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Minute)
	mut := structuralMutation("m1", "user-a", "go")
	for i := range mut.Edges {
		mut.Edges[i].ExpiresAt = &expires
	}
	require.NoError(t, s.Apply(ctx, mut))

	// Promotion to long_term clears the expiry on the next sync.
	require.NoError(t, s.Apply(ctx, structuralMutation("m1", "user-a", "go")))

	user, err := s.NodeByRef(ctx, NodeRef{Type: NodeUser, Key: "user-a"})
	require.NoError(t, err)
	require.NotNil(t, user)

	edges, err := s.EdgesTouching(ctx, []string{user.ID}, expires.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Nil(t, edges[0].ExpiresAt)
}

func TestEdgesTouchingSkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	mut := structuralMutation("m1", "user-a", "go")
	for i := range mut.Edges {
		mut.Edges[i].ExpiresAt = &expired
	}
	require.NoError(t, s.Apply(ctx, mut))

	user, err := s.NodeByRef(ctx, NodeRef{Type: NodeUser, Key: "user-a"})
	require.NoError(t, err)
	require.NotNil(t, user)

	edges, err := s.EdgesTouching(ctx, []string{user.ID}, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, edges)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ExpiredEdges, "expired edges stay stored until reconcile")
}

func TestConflictsAmongDedupesPairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, structuralMutation("m1", "user-a")))
	require.NoError(t, s.Apply(ctx, structuralMutation("m2", "user-a")))

	a := NodeRef{Type: NodeMemory, Key: "m1"}
	b := NodeRef{Type: NodeMemory, Key: "m2"}
	require.NoError(t, s.Apply(ctx, Mutation{
		MemoryID: "m1",
		Classes:  []EdgeClass{ClassRelationship},
		Edges: []CandidateEdge{
			{Type: EdgeContradicts, From: a, To: b, Weight: 1.0, Confidence: 0.8, EvidenceMemoryID: "m1"},
			{Type: EdgeContradicts, From: b, To: a, Weight: 1.0, Confidence: 0.8, EvidenceMemoryID: "m1"},
		},
	}))

	conflicts, err := s.ConflictsAmong(ctx, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1, "a bidirectional contradicts pair is one conflict")
	assert.Equal(t, "m1", conflicts[0].EvidenceMemoryID)
}

func TestRolloutConfigOptimisticVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetRolloutConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, rollout.ModeOff, cfg.Mode)
	assert.Equal(t, int64(0), cfg.Version)

	cfg.Mode = rollout.ModeShadow
	saved, err := s.SetRolloutConfig(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	// A writer holding the stale version loses the race.
	stale := cfg
	stale.Mode = rollout.ModeCanary
	_, err = s.SetRolloutConfig(ctx, stale)
	assert.ErrorIs(t, err, rollout.ErrVersionConflict)

	saved.Mode = rollout.ModeCanary
	saved, err = s.SetRolloutConfig(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	loaded, err := s.GetRolloutConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, rollout.ModeCanary, loaded.Mode)
	assert.Equal(t, int64(2), loaded.Version)
}

func TestEmbeddingCandidatesRespectScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	expired := now.Add(-time.Minute)

	put := func(id, project, user string, expiresAt *time.Time) {
		require.NoError(t, s.Put(ctx, StoredEmbedding{
			MemoryID: id, Model: "test-model", Vector: []float32{1, 0, 0},
			ProjectID: project, UserID: user, ExpiresAt: expiresAt, CreatedAt: now,
		}))
	}
	put("in-scope", "repo-a", "user-a", nil)
	put("global", "", "", nil)
	put("other-project", "repo-b", "user-a", nil)
	put("other-user", "repo-a", "user-b", nil)
	put("expired", "repo-a", "user-a", &expired)

	embs, err := s.Candidates(ctx, []float32{1, 0, 0}, CandidateScope{
		Model: "test-model", ProjectID: "repo-a", UserID: "user-a", Now: now, Limit: 10,
	})
	require.NoError(t, err)

	got := make(map[string]bool)
	for _, e := range embs {
		got[e.MemoryID] = true
	}
	assert.Equal(t, map[string]bool{"in-scope": true, "global": true}, got)
}

func TestEmbeddingDeleteByMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, StoredEmbedding{MemoryID: "m1", Model: "a", Vector: []float32{1}}))
	require.NoError(t, s.Put(ctx, StoredEmbedding{MemoryID: "m1", Model: "b", Vector: []float32{1}}))
	require.NoError(t, s.Delete(ctx, "m1"))

	for _, model := range []string{"a", "b"} {
		embs, err := s.Candidates(ctx, []float32{1}, CandidateScope{Model: model, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, embs)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	assert.Equal(t, in, decodeVector(encodeVector(in)))
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector(nil))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}), "mismatched lengths")
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}), "zero norm")
}
