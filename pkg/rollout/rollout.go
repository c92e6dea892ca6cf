// Package rollout implements the staged rollout controller for graph-augmented
// retrieval: a persisted mode state machine, a metric-sample ledger, a rolling
// quality gate, and an autopilot that advances or retracts the rollout stage
// and the default retrieval strategy.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/metrics"
)

// ErrVersionConflict indicates a lost optimistic-upsert race on the rollout
// config singleton. Callers reload and retry.
var ErrVersionConflict = errors.New("rollout config version conflict")

// Mode is the rollout stage for graph-augmented retrieval.
type Mode string

const (
	// ModeOff disables traversal entirely.
	ModeOff Mode = "off"
	// ModeShadow runs traversal for measurement only; results are never
	// merged into the response.
	ModeShadow Mode = "shadow"
	// ModeCanary merges traversal results only while the quality gate
	// passes.
	ModeCanary Mode = "canary"
)

// Strategy is a retrieval strategy.
type Strategy string

const (
	StrategyLexical Strategy = "lexical"
	StrategyHybrid  Strategy = "hybrid"
)

// Fallback reasons recorded on metric samples.
const (
	FallbackFeatureFlagDisabled = "feature_flag_disabled"
	FallbackShadowMode          = "shadow_mode"
	FallbackQualityGateBlocked  = "quality_gate_blocked"
	FallbackGraphError          = "graph_error"
	FallbackNoCandidates        = "no_graph_candidates"
)

// Config is the persisted rollout singleton. Version supports optimistic
// upserts so multiple service instances observe a consistent state.
type Config struct {
	Mode            Mode
	DefaultStrategy Strategy
	ReadyStreak     int
	Version         int64
	UpdatedAt       time.Time
	UpdatedBy       string
}

// MetricSample is one append-only retrieval measurement.
type MetricSample struct {
	ID                string
	RecordedAt        time.Time
	Mode              Mode
	RequestedStrategy Strategy
	AppliedStrategy   Strategy
	ShadowExecuted    bool
	BaselineCount     int
	GraphCount        int
	MergedCount       int
	Fallback          bool
	FallbackReason    string
}

// SampleRetention is how long metric samples are kept. Older samples are
// pruned on write.
const SampleRetention = 7 * 24 * time.Hour

// Store is the persistence port for rollout state and metrics.
type Store interface {
	// GetRolloutConfig returns the singleton config, or a zero-version
	// default (mode off, lexical) when the row does not exist yet.
	GetRolloutConfig(ctx context.Context) (Config, error)

	// SetRolloutConfig upserts the singleton. The write succeeds only
	// when cfg.Version matches the stored version; the stored version is
	// then incremented.
	SetRolloutConfig(ctx context.Context, cfg Config) (Config, error)

	// InsertSample appends one metric sample.
	InsertSample(ctx context.Context, s MetricSample) error

	// PruneSamples deletes samples recorded before the cutoff.
	PruneSamples(ctx context.Context, before time.Time) (int64, error)

	// SamplesBetween returns samples with from <= RecordedAt < to.
	SamplesBetween(ctx context.Context, from, to time.Time) ([]MetricSample, error)
}

// Controller owns rollout state transitions and metric recording. All
// transitions are explicit and persisted with UpdatedBy/UpdatedAt; the read
// path never mutates rollout state.
type Controller struct {
	store     Store
	cfg       GateConfig
	logger    *slog.Logger
	collector metrics.Collector
	now       func() time.Time
}

// NewController creates a rollout controller.
func NewController(store Store, cfg GateConfig, logger *slog.Logger) *Controller {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, cfg: cfg, logger: logger, collector: metrics.Default(), now: time.Now}
}

// Config returns the current rollout config. On store failure it falls back
// to the safest default (mode off) so a rollout-subsystem outage can never
// make baseline retrieval fail.
func (c *Controller) Config(ctx context.Context) Config {
	cfg, err := c.store.GetRolloutConfig(ctx)
	if err != nil {
		c.logger.Warn("rollout config unavailable, defaulting to off", "error", err)
		return Config{Mode: ModeOff, DefaultStrategy: StrategyLexical}
	}
	return cfg
}

// SetMode transitions the rollout mode, recording who made the change.
func (c *Controller) SetMode(ctx context.Context, mode Mode, updatedBy string) (Config, error) {
	switch mode {
	case ModeOff, ModeShadow, ModeCanary:
	default:
		return Config{}, fmt.Errorf("invalid rollout mode %q", mode)
	}

	cfg, err := c.store.GetRolloutConfig(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("load rollout config: %w", err)
	}

	cfg.Mode = mode
	cfg.UpdatedBy = updatedBy
	cfg.UpdatedAt = c.now()
	updated, err := c.store.SetRolloutConfig(ctx, cfg)
	if err != nil {
		return Config{}, fmt.Errorf("persist rollout config: %w", err)
	}

	c.logger.Info("rollout mode changed", "mode", mode, "updatedBy", updatedBy)
	c.collector.SetRolloutMode(ctx, string(updated.Mode))
	return updated, nil
}

// RecordSample appends a metric sample and prunes expired ones. Failures are
// logged, never returned: metric bookkeeping must not block retrieval.
func (c *Controller) RecordSample(ctx context.Context, s MetricSample) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = c.now()
	}

	if err := c.store.InsertSample(ctx, s); err != nil {
		c.logger.Warn("metric sample write failed", "error", err)
		return
	}
	if _, err := c.store.PruneSamples(ctx, s.RecordedAt.Add(-SampleRetention)); err != nil {
		c.logger.Warn("metric sample prune failed", "error", err)
	}
}

// Summary aggregates the samples of a time window.
type Summary struct {
	From              time.Time
	To                time.Time
	Total             int
	ShadowExecuted    int
	CanaryApplied     int
	Fallbacks         int
	GraphErrors       int
	ByFallbackReason  map[string]int
	AvgBaselineCount  float64
	AvgGraphCount     float64
	AvgMergedCount    float64
	FallbackRate      float64
	GraphErrorRate    float64
	GraphCoverageRate float64
}

// Summarize computes a window summary from the metric ledger.
func (c *Controller) Summarize(ctx context.Context, from, to time.Time) (Summary, error) {
	samples, err := c.store.SamplesBetween(ctx, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("load metric samples: %w", err)
	}
	return summarize(samples, from, to), nil
}

func summarize(samples []MetricSample, from, to time.Time) Summary {
	s := Summary{From: from, To: to, ByFallbackReason: make(map[string]int)}
	var baseline, graph, merged, covered int
	for _, m := range samples {
		s.Total++
		if m.ShadowExecuted {
			s.ShadowExecuted++
		}
		if m.AppliedStrategy == StrategyHybrid {
			s.CanaryApplied++
		}
		if m.Fallback {
			s.Fallbacks++
			s.ByFallbackReason[m.FallbackReason]++
			if m.FallbackReason == FallbackGraphError {
				s.GraphErrors++
			}
		}
		if m.GraphCount > 0 {
			covered++
		}
		baseline += m.BaselineCount
		graph += m.GraphCount
		merged += m.MergedCount
	}
	if s.Total > 0 {
		n := float64(s.Total)
		s.AvgBaselineCount = float64(baseline) / n
		s.AvgGraphCount = float64(graph) / n
		s.AvgMergedCount = float64(merged) / n
		s.FallbackRate = float64(s.Fallbacks) / n
		s.GraphErrorRate = float64(s.GraphErrors) / n
		s.GraphCoverageRate = float64(covered) / n
	}
	return s
}
