package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/traversal"
)

// memRolloutStore is an in-memory rollout.Store for orchestrator tests.
type memRolloutStore struct {
	cfg     rollout.Config
	hasCfg  bool
	samples []rollout.MetricSample
}

func (m *memRolloutStore) GetRolloutConfig(context.Context) (rollout.Config, error) {
	if !m.hasCfg {
		return rollout.Config{Mode: rollout.ModeOff, DefaultStrategy: rollout.StrategyLexical}, nil
	}
	return m.cfg, nil
}

func (m *memRolloutStore) SetRolloutConfig(_ context.Context, cfg rollout.Config) (rollout.Config, error) {
	cfg.Version++
	m.cfg = cfg
	m.hasCfg = true
	return cfg, nil
}

func (m *memRolloutStore) InsertSample(_ context.Context, s rollout.MetricSample) error {
	m.samples = append(m.samples, s)
	return nil
}

func (m *memRolloutStore) PruneSamples(_ context.Context, before time.Time) (int64, error) {
	var kept []rollout.MetricSample
	var pruned int64
	for _, s := range m.samples {
		if s.RecordedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return pruned, nil
}

func (m *memRolloutStore) SamplesBetween(_ context.Context, from, to time.Time) ([]rollout.MetricSample, error) {
	var out []rollout.MetricSample
	for _, s := range m.samples {
		if !s.RecordedAt.Before(from) && s.RecordedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeBaseline struct {
	results []Result
	err     error
}

func (f *fakeBaseline) Search(context.Context, Query) ([]Result, error) {
	return f.results, f.err
}

type fakeExpander struct {
	cands  []traversal.Candidate
	err    error
	called bool
}

func (f *fakeExpander) Expand(context.Context, []string, int, int) ([]traversal.Candidate, error) {
	f.called = true
	return f.cands, f.err
}

type fakeConflicts struct {
	pairs []store.Conflict
}

func (f *fakeConflicts) ConflictsAmong(context.Context, []string) ([]store.Conflict, error) {
	return f.pairs, nil
}

func setMode(t *testing.T, st *memRolloutStore, mode rollout.Mode) {
	t.Helper()
	st.cfg = rollout.Config{Mode: mode, DefaultStrategy: rollout.StrategyHybrid, Version: 1}
	st.hasCfg = true
}

func healthySamples(st *memRolloutStore, n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		st.samples = append(st.samples, rollout.MetricSample{
			ID:              "s",
			RecordedAt:      now.Add(-time.Minute),
			Mode:            rollout.ModeCanary,
			AppliedStrategy: rollout.StrategyHybrid,
			MergedCount:     5,
			GraphCount:      2,
		})
	}
}

func newOrchestrator(st *memRolloutStore, baseline *fakeBaseline, exp *fakeExpander, conf *fakeConflicts, enabled bool) *Orchestrator {
	controller := rollout.NewController(st, rollout.GateConfig{MinSamples: 1}, nil)
	var cf ConflictFinder
	if conf != nil {
		cf = conf
	}
	return New(baseline, exp, cf, controller, nil, Config{Enabled: enabled}, nil)
}

func TestRetrieveFeatureFlagDisabled(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeCanary)
	exp := &fakeExpander{cands: []traversal.Candidate{{MemoryID: "g1"}}}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, false)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)

	assert.False(t, exp.called)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, WhyBaseline, resp.Results[0].WhyIncluded)
	assert.True(t, resp.Trace.Fallback)
	assert.Equal(t, rollout.FallbackFeatureFlagDisabled, resp.Trace.FallbackReason)
	assert.Equal(t, rollout.StrategyLexical, resp.Trace.AppliedStrategy)
}

func TestRetrieveModeOff(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeOff)
	exp := &fakeExpander{}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)
	assert.False(t, exp.called)
	assert.Equal(t, rollout.FallbackFeatureFlagDisabled, resp.Trace.FallbackReason)
}

func TestRetrieveShadowMeasuresWithoutMerging(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeShadow)
	exp := &fakeExpander{cands: []traversal.Candidate{{MemoryID: "g1"}, {MemoryID: "g2"}}}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)

	assert.True(t, exp.called)
	assert.Len(t, resp.Results, 1, "shadow results are never merged")
	assert.True(t, resp.Trace.ShadowExecuted)
	assert.Equal(t, 2, resp.Trace.GraphCount)
	assert.Equal(t, rollout.FallbackShadowMode, resp.Trace.FallbackReason)

	require.NotEmpty(t, st.samples)
	last := st.samples[len(st.samples)-1]
	assert.True(t, last.ShadowExecuted)
	assert.Equal(t, rollout.StrategyLexical, last.AppliedStrategy)
}

func TestRetrieveCanaryBlockedOnInsufficientData(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeCanary)
	exp := &fakeExpander{cands: []traversal.Candidate{{MemoryID: "g1"}}}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)

	assert.False(t, exp.called, "blocked canary must not run traversal")
	assert.Equal(t, rollout.GateInsufficientData, resp.Trace.GateStatus)
	assert.Equal(t, rollout.FallbackQualityGateBlocked, resp.Trace.FallbackReason)
	assert.Len(t, resp.Results, 1)
}

func TestRetrieveCanaryMergesOnGatePass(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeCanary)
	healthySamples(st, 3)
	exp := &fakeExpander{cands: []traversal.Candidate{
		{MemoryID: "g1", Score: 0.9, EdgeType: store.EdgeMentions, HopCount: 1, ViaNodeKey: "parsers", SeedMemoryID: "b1"},
		{MemoryID: "b1", Score: 1.5},
	}}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)

	require.Len(t, resp.Results, 2, "baseline plus one graph candidate, duplicate dropped")
	added := resp.Results[1]
	assert.Equal(t, "g1", added.MemoryID)
	assert.Equal(t, WhyGraphExpansion, added.WhyIncluded)
	assert.Equal(t, store.EdgeMentions, added.EdgeType)
	assert.Equal(t, 1, added.HopCount)
	assert.Equal(t, "b1", added.SeedMemoryID)

	assert.Equal(t, rollout.StrategyHybrid, resp.Trace.AppliedStrategy)
	assert.False(t, resp.Trace.Fallback)
	assert.Equal(t, rollout.GatePass, resp.Trace.GateStatus)
}

func TestRetrieveCanaryNoCandidates(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeCanary)
	healthySamples(st, 3)
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, &fakeExpander{}, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, rollout.FallbackNoCandidates, resp.Trace.FallbackReason)
	assert.Equal(t, rollout.StrategyLexical, resp.Trace.AppliedStrategy)
}

func TestRetrieveGraphErrorFallsBack(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeShadow)
	exp := &fakeExpander{err: errors.New("graph store down")}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err, "graph failure must not fail the request")
	assert.Equal(t, rollout.FallbackGraphError, resp.Trace.FallbackReason)
	assert.Len(t, resp.Results, 1)
}

func TestRetrieveExplicitLexicalSkipsTraversal(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeCanary)
	healthySamples(st, 3)
	exp := &fakeExpander{cands: []traversal.Candidate{{MemoryID: "g1"}}}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}}}, exp, nil, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q", Strategy: rollout.StrategyLexical})
	require.NoError(t, err)
	assert.False(t, exp.called)
	assert.False(t, resp.Trace.Fallback)
	assert.Equal(t, rollout.StrategyLexical, resp.Trace.AppliedStrategy)
}

func TestRetrieveSurfacesConflicts(t *testing.T) {
	st := &memRolloutStore{}
	setMode(t, st, rollout.ModeOff)
	conf := &fakeConflicts{pairs: []store.Conflict{{MemoryA: "b1", MemoryB: "b2"}}}
	o := newOrchestrator(st, &fakeBaseline{results: []Result{{MemoryID: "b1"}, {MemoryID: "b2"}}}, nil, conf, true)

	resp, err := o.Retrieve(context.Background(), Query{Text: "q"})
	require.NoError(t, err)
	require.Len(t, resp.Conflicts, 1)
	assert.Contains(t, resp.Conflicts[0].Suggestion, "contradict")
	assert.Equal(t, 1, resp.Trace.ConflictCount)
}

func TestRetrieveBaselineErrorPropagates(t *testing.T) {
	st := &memRolloutStore{}
	o := newOrchestrator(st, &fakeBaseline{err: errors.New("index offline")}, nil, nil, true)

	_, err := o.Retrieve(context.Background(), Query{Text: "q"})
	assert.Error(t, err)
}
