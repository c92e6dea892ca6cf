package engram

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/retrieval"
	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/store"
)

// fakeEmbedder returns a fixed vector per memory content.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.EmbedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

// fakeBaseline returns canned lexical results per query text.
type fakeBaseline struct {
	results map[string][]retrieval.Result
}

func (f *fakeBaseline) Search(_ context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	return f.results[q.Text], nil
}

func newService(t *testing.T, baseline retrieval.Baseline, embedder *fakeEmbedder, cfg Config) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := New(context.Background(), cfg, Dependencies{
		Graph:      st,
		Embeddings: st,
		Rollout:    st,
		Baseline:   baseline,
		Embedder:   embedder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, st
}

func snapshot(id, user string, tags ...string) store.MemorySnapshot {
	return store.MemorySnapshot{
		ID:        id,
		Content:   "content of " + id,
		Type:      "insight",
		ProjectID: "repo-a",
		UserID:    user,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
}

func seedHealthySample(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	require.NoError(t, st.InsertSample(context.Background(), rollout.MetricSample{
		ID:              "seed",
		RecordedAt:      time.Now().Add(-time.Minute),
		Mode:            rollout.ModeCanary,
		AppliedStrategy: rollout.StrategyHybrid,
		GraphCount:      2,
		MergedCount:     5,
	}))
}

func TestRetrieveMergesGraphCandidatesInHealthyCanary(t *testing.T) {
	ctx := context.Background()
	baseline := &fakeBaseline{results: map[string][]retrieval.Result{
		"parsers": {{MemoryID: "m1", Score: 0.9}},
	}}
	svc, st := newService(t, baseline, &fakeEmbedder{}, Config{
		Gate:      rollout.GateConfig{MinSamples: 1},
		Retrieval: retrieval.Config{Enabled: true},
	})

	require.NoError(t, svc.Sync(ctx, snapshot("m1", "user-a", "parsers"), nil))
	require.NoError(t, svc.Sync(ctx, snapshot("m2", "user-b", "parsers"), nil))

	seedHealthySample(t, st)
	_, err := svc.Rollout().SetMode(ctx, rollout.ModeCanary, "test")
	require.NoError(t, err)

	resp, err := svc.Retrieve(ctx, retrieval.Query{
		Text: "parsers", ProjectID: "repo-a", Limit: 10,
		Strategy: rollout.StrategyHybrid,
	})
	require.NoError(t, err)

	assert.Equal(t, rollout.StrategyHybrid, resp.Trace.AppliedStrategy)
	assert.False(t, resp.Trace.Fallback)

	byID := make(map[string]retrieval.Result)
	for _, r := range resp.Results {
		byID[r.MemoryID] = r
	}
	require.Contains(t, byID, "m1")
	require.Contains(t, byID, "m2")
	assert.Equal(t, retrieval.WhyBaseline, byID["m1"].WhyIncluded)
	assert.Equal(t, retrieval.WhyGraphExpansion, byID["m2"].WhyIncluded)
	assert.NotEmpty(t, byID["m2"].ViaNodeKey)
}

func TestRetrieveFallsBackWhenFlagDisabled(t *testing.T) {
	ctx := context.Background()
	baseline := &fakeBaseline{results: map[string][]retrieval.Result{
		"parsers": {{MemoryID: "m1", Score: 0.9}},
	}}
	svc, st := newService(t, baseline, &fakeEmbedder{}, Config{
		Gate:      rollout.GateConfig{MinSamples: 1},
		Retrieval: retrieval.Config{Enabled: false},
	})

	require.NoError(t, svc.Sync(ctx, snapshot("m1", "user-a", "parsers"), nil))
	require.NoError(t, svc.Sync(ctx, snapshot("m2", "user-b", "parsers"), nil))
	seedHealthySample(t, st)
	_, err := svc.Rollout().SetMode(ctx, rollout.ModeCanary, "test")
	require.NoError(t, err)

	resp, err := svc.Retrieve(ctx, retrieval.Query{Text: "parsers", ProjectID: "repo-a", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, rollout.StrategyLexical, resp.Trace.AppliedStrategy)
	assert.True(t, resp.Trace.Fallback)
	assert.Equal(t, rollout.FallbackFeatureFlagDisabled, resp.Trace.FallbackReason)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "m1", resp.Results[0].MemoryID)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, &fakeBaseline{}, &fakeEmbedder{}, Config{})

	mem := snapshot("m1", "user-a", "go", "sqlite")
	require.NoError(t, svc.Sync(ctx, mem, nil))
	first, err := st.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Sync(ctx, mem, nil))
	second, err := st.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second, "replaying the same snapshot must not grow the graph")
}

func TestSyncInfersSimilarEdges(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"content of m1": {1, 0, 0},
		"content of m2": {1, 0, 0},
	}}
	svc, st := newService(t, &fakeBaseline{}, embedder, Config{})

	require.NoError(t, svc.Sync(ctx, snapshot("m1", "user-a"), nil))
	require.NoError(t, svc.Sync(ctx, snapshot("m2", "user-a"), nil))

	self, err := st.NodeByRef(ctx, store.NodeRef{Type: store.NodeMemory, Key: "m2"})
	require.NoError(t, err)
	require.NotNil(t, self)

	edges, err := st.EdgesTouching(ctx, []string{self.ID}, time.Now(), 0)
	require.NoError(t, err)

	var similar int
	for _, e := range edges {
		if e.Type == store.EdgeSimilarTo {
			similar++
		}
	}
	assert.Equal(t, 2, similar, "identical vectors must yield a bidirectional similar_to pair")
}

func TestSyncSurvivesEmbedderOutage(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, &fakeBaseline{}, &fakeEmbedder{err: errors.New("provider down")}, Config{})

	require.NoError(t, svc.Sync(ctx, snapshot("m1", "user-a", "go"), nil))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.NodeCount, int64(0), "structural sync must land without embeddings")
}

func TestSyncRejectsInvalidSnapshot(t *testing.T) {
	svc, _ := newService(t, &fakeBaseline{}, &fakeEmbedder{}, Config{})

	err := svc.Sync(context.Background(), store.MemorySnapshot{Content: "x", Type: "insight"}, nil)
	assert.Error(t, err)
	err = svc.Sync(context.Background(), store.MemorySnapshot{ID: "m1", Content: "x"}, nil)
	assert.Error(t, err)
}

func TestRemoveDeletesContribution(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, &fakeBaseline{}, &fakeEmbedder{}, Config{})

	require.NoError(t, svc.Sync(ctx, snapshot("m1", "user-a", "go"), nil))
	require.NoError(t, svc.Remove(ctx, "m1"))

	self, err := st.NodeByRef(ctx, store.NodeRef{Type: store.NodeMemory, Key: "m1"})
	require.NoError(t, err)
	assert.Nil(t, self, "self node must be swept with the memory")

	embs, err := st.Candidates(ctx, []float32{1, 0, 0}, store.CandidateScope{
		Model: DefaultEmbeddingModel, ProjectID: "repo-a", UserID: "user-a",
		Now: time.Now(), Limit: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, embs)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{store.ErrSchemaMissing, ErrTypeSchemaMissing},
		{fmt.Errorf("apply: %w", store.ErrNotFound), ErrTypeNotFound},
		{rollout.ErrVersionConflict, ErrTypeRollout},
		{context.DeadlineExceeded, ErrTypeTimeout},
		{errors.New("dial tcp 10.0.0.1:5432: connection refused"), ErrTypeNetwork},
		{errors.New("embedding request failed"), ErrTypeClassification},
		{errors.New("sql: transaction has already been committed"), ErrTypeStorage},
		{errors.New("memory id cannot be empty"), ErrTypeValidation},
		{errors.New("something odd"), ErrTypeUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyError(tc.err), "%v", tc.err)
	}
}
