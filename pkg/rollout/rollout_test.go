package rollout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for controller tests.
type memStore struct {
	cfg     Config
	hasCfg  bool
	samples []MetricSample
	failAll bool
}

var errStoreDown = errors.New("store down")

func (m *memStore) GetRolloutConfig(context.Context) (Config, error) {
	if m.failAll {
		return Config{}, errStoreDown
	}
	if !m.hasCfg {
		return Config{Mode: ModeOff, DefaultStrategy: StrategyLexical}, nil
	}
	return m.cfg, nil
}

func (m *memStore) SetRolloutConfig(_ context.Context, cfg Config) (Config, error) {
	if m.failAll {
		return Config{}, errStoreDown
	}
	if m.hasCfg && cfg.Version != m.cfg.Version {
		return Config{}, ErrVersionConflict
	}
	cfg.Version++
	m.cfg = cfg
	m.hasCfg = true
	return cfg, nil
}

func (m *memStore) InsertSample(_ context.Context, s MetricSample) error {
	if m.failAll {
		return errStoreDown
	}
	m.samples = append(m.samples, s)
	return nil
}

func (m *memStore) PruneSamples(_ context.Context, before time.Time) (int64, error) {
	var kept []MetricSample
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

func (m *memStore) SamplesBetween(_ context.Context, from, to time.Time) ([]MetricSample, error) {
	if m.failAll {
		return nil, errStoreDown
	}
	var out []MetricSample
	for _, s := range m.samples {
		if !s.RecordedAt.Before(from) && s.RecordedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func addSamples(st *memStore, at time.Time, n int, mutate func(*MetricSample)) {
	for i := 0; i < n; i++ {
		s := MetricSample{ID: "s", RecordedAt: at, Mode: ModeCanary, AppliedStrategy: StrategyHybrid, MergedCount: 5, GraphCount: 2}
		if mutate != nil {
			mutate(&s)
		}
		st.samples = append(st.samples, s)
	}
}

func TestConfigFailsOpenToOff(t *testing.T) {
	c := NewController(&memStore{failAll: true}, GateConfig{}, nil)
	cfg := c.Config(context.Background())
	assert.Equal(t, ModeOff, cfg.Mode)
	assert.Equal(t, StrategyLexical, cfg.DefaultStrategy)
}

func TestSetModeValidatesAndPersists(t *testing.T) {
	st := &memStore{}
	c := NewController(st, GateConfig{}, nil)

	_, err := c.SetMode(context.Background(), Mode("bogus"), "ops")
	assert.Error(t, err)

	cfg, err := c.SetMode(context.Background(), ModeShadow, "ops")
	require.NoError(t, err)
	assert.Equal(t, ModeShadow, cfg.Mode)
	assert.Equal(t, "ops", cfg.UpdatedBy)
	assert.False(t, cfg.UpdatedAt.IsZero())
	assert.Equal(t, int64(1), cfg.Version)
}

func TestRecordSampleAssignsIDAndPrunes(t *testing.T) {
	st := &memStore{}
	c := NewController(st, GateConfig{}, nil)

	old := MetricSample{ID: "old", RecordedAt: time.Now().Add(-SampleRetention - time.Hour)}
	st.samples = append(st.samples, old)

	c.RecordSample(context.Background(), MetricSample{Mode: ModeShadow})

	require.Len(t, st.samples, 1, "expired sample pruned on write")
	assert.NotEmpty(t, st.samples[0].ID)
	assert.NotEqual(t, "old", st.samples[0].ID)
}

func TestGateInsufficientData(t *testing.T) {
	st := &memStore{}
	c := NewController(st, GateConfig{MinSamples: 20}, nil)

	res := c.EvaluateGate(context.Background(), time.Now())
	assert.Equal(t, GateInsufficientData, res.Status)
	assert.Equal(t, []string{ReasonInsufficientData}, res.Reasons)
	assert.False(t, res.Blocked)
	assert.False(t, res.AllowCanaryMerge())
}

func TestGateFailsOnHighFallbackRate(t *testing.T) {
	st := &memStore{}
	now := time.Now()
	addSamples(st, now.Add(-time.Minute), 10, func(s *MetricSample) {
		s.Fallback = true
		s.FallbackReason = FallbackShadowMode
	})
	c := NewController(st, GateConfig{MinSamples: 5}, nil)

	res := c.EvaluateGate(context.Background(), now)
	assert.Equal(t, GateFail, res.Status)
	assert.Contains(t, res.Reasons, ReasonHighFallbackRate)
	assert.True(t, res.Blocked)
}

func TestGatePassesOnHealthyWindow(t *testing.T) {
	st := &memStore{}
	now := time.Now()
	addSamples(st, now.Add(-time.Minute), 25, nil)
	c := NewController(st, GateConfig{}, nil)

	res := c.EvaluateGate(context.Background(), now)
	assert.Equal(t, GatePass, res.Status)
	assert.Equal(t, []string{ReasonHealthy}, res.Reasons)
	assert.True(t, res.AllowCanaryMerge())
}

func TestGateRelevanceRegressionNeedsCanaryTraffic(t *testing.T) {
	st := &memStore{}
	now := time.Now()

	// Previous window: healthy canary traffic with high merged counts.
	addSamples(st, now.Add(-90*time.Minute), 25, func(s *MetricSample) { s.MergedCount = 10 })
	// Current window: same traffic, merged counts collapsed.
	addSamples(st, now.Add(-time.Minute), 25, func(s *MetricSample) { s.MergedCount = 2 })

	c := NewController(st, GateConfig{}, nil)
	res := c.EvaluateGate(context.Background(), now)
	assert.Equal(t, GateFail, res.Status)
	assert.Contains(t, res.Reasons, ReasonRelevanceRegression)
	assert.True(t, res.Blocked)

	// With too little canary traffic the same collapse is not judged.
	st2 := &memStore{}
	addSamples(st2, now.Add(-90*time.Minute), 25, func(s *MetricSample) {
		s.MergedCount = 10
		s.AppliedStrategy = StrategyLexical
	})
	addSamples(st2, now.Add(-time.Minute), 25, func(s *MetricSample) {
		s.MergedCount = 2
		s.AppliedStrategy = StrategyLexical
	})
	c2 := NewController(st2, GateConfig{}, nil)
	res2 := c2.EvaluateGate(context.Background(), now)
	assert.Equal(t, GatePass, res2.Status)
}

func TestPlanAdvancesOffToShadowOnTraffic(t *testing.T) {
	st := &memStore{}
	c := NewController(st, GateConfig{MinTrafficSamples: 5}, nil)

	dec, err := c.EvaluatePlan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionHold, dec.Action)

	addSamples(st, time.Now().Add(-time.Minute), 5, nil)
	dec, err = c.EvaluatePlan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionAdvanceShadow, dec.Action)
	assert.Equal(t, ModeShadow, dec.Mode)
	assert.Equal(t, autopilotActor, st.cfg.UpdatedBy)

	// Already past off: autopilot holds.
	dec, err = c.EvaluatePlan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionHold, dec.Action)
}

func TestPolicyPromotesAfterConsecutiveReadyWindows(t *testing.T) {
	st := &memStore{}
	st.cfg = Config{Mode: ModeCanary, DefaultStrategy: StrategyLexical, Version: 1}
	st.hasCfg = true
	addSamples(st, time.Now().Add(-time.Minute), 25, nil)

	c := NewController(st, GateConfig{PromoteAfterWindows: 3}, nil)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		dec, err := c.EvaluatePolicy(ctx)
		require.NoError(t, err)
		assert.Equal(t, ActionHold, dec.Action)
		assert.Equal(t, i, dec.ReadyStreak)
		assert.Equal(t, StrategyLexical, dec.Strategy)
	}

	dec, err := c.EvaluatePolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionPromoteHybrid, dec.Action)
	assert.Equal(t, StrategyHybrid, dec.Strategy)
}

func TestPolicyRollsBackOnSingleRegressionWindow(t *testing.T) {
	st := &memStore{}
	st.cfg = Config{Mode: ModeCanary, DefaultStrategy: StrategyHybrid, ReadyStreak: 5, Version: 1}
	st.hasCfg = true
	addSamples(st, time.Now().Add(-time.Minute), 25, func(s *MetricSample) {
		s.Fallback = true
		s.FallbackReason = FallbackGraphError
	})

	c := NewController(st, GateConfig{}, nil)
	dec, err := c.EvaluatePolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionRollbackLexical, dec.Action)
	assert.Equal(t, StrategyLexical, dec.Strategy)
	assert.Equal(t, 0, dec.ReadyStreak)
}

func TestPolicyHoldsOnInsufficientData(t *testing.T) {
	st := &memStore{}
	st.cfg = Config{Mode: ModeShadow, DefaultStrategy: StrategyLexical, ReadyStreak: 2, Version: 1}
	st.hasCfg = true

	c := NewController(st, GateConfig{}, nil)
	dec, err := c.EvaluatePolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionHold, dec.Action)
	assert.Equal(t, 2, dec.ReadyStreak, "insufficient data must not touch the streak")
	assert.Equal(t, int64(1), st.cfg.Version, "hold must not persist")
}

func TestSummarizeComputesRates(t *testing.T) {
	st := &memStore{}
	now := time.Now()
	addSamples(st, now.Add(-time.Minute), 8, nil)
	addSamples(st, now.Add(-time.Minute), 2, func(s *MetricSample) {
		s.Fallback = true
		s.FallbackReason = FallbackGraphError
		s.GraphCount = 0
	})

	c := NewController(st, GateConfig{}, nil)
	sum, err := c.Summarize(context.Background(), now.Add(-time.Hour), now)
	require.NoError(t, err)

	assert.Equal(t, 10, sum.Total)
	assert.InDelta(t, 0.2, sum.FallbackRate, 1e-9)
	assert.InDelta(t, 0.2, sum.GraphErrorRate, 1e-9)
	assert.InDelta(t, 0.8, sum.GraphCoverageRate, 1e-9)
	assert.Equal(t, 2, sum.ByFallbackReason[FallbackGraphError])
}

// spyCollector captures gauge updates for assertions.
type spyCollector struct {
	modes []string
}

func (s *spyCollector) RecordOperation(context.Context, string, string, int64) {}
func (s *spyCollector) RecordStage(context.Context, string, string, int64)     {}
func (s *spyCollector) RecordError(context.Context, string, string)            {}
func (s *spyCollector) RecordRetrieval(context.Context, string, string)        {}
func (s *spyCollector) SetGraphCount(context.Context, string, int64)           {}

func (s *spyCollector) SetRolloutMode(_ context.Context, mode string) {
	s.modes = append(s.modes, mode)
}

func TestSetModeUpdatesModeGauge(t *testing.T) {
	c := NewController(&memStore{}, GateConfig{}, nil)
	spy := &spyCollector{}
	c.collector = spy

	_, err := c.SetMode(context.Background(), ModeCanary, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"canary"}, spy.modes)

	_, err = c.SetMode(context.Background(), Mode("bogus"), "ops")
	assert.Error(t, err)
	assert.Len(t, spy.modes, 1, "rejected transitions must not touch the gauge")
}

func TestAutopilotAdvanceUpdatesModeGauge(t *testing.T) {
	st := &memStore{}
	addSamples(st, time.Now(), 10, func(s *MetricSample) {
		s.Mode = ModeOff
		s.AppliedStrategy = StrategyLexical
	})
	c := NewController(st, GateConfig{MinTrafficSamples: 5}, nil)
	spy := &spyCollector{}
	c.collector = spy

	dec, err := c.EvaluatePlan(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionAdvanceShadow, dec.Action)
	assert.Equal(t, []string{"shadow"}, spy.modes)
}
